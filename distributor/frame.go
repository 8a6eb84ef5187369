package distributor

import "sync/atomic"

// Frame is a reference-counted view of one encoded video frame. Multiple
// subscribers receive the same Frame without copying Data; each holder
// must call Release when done so the refcount can be observed to return
// to zero. Frame does not pool or reuse its backing array — refcounting
// here exists to make zero-copy fan-out verifiable in tests, not to
// recycle memory.
type Frame struct {
	// Data is the encoded frame payload. Callers must not mutate it.
	Data []byte
	// Seq is this frame's position in the distributor's publish order.
	Seq uint64

	refs int32
}

// NewFrame wraps data as a Frame with one reference held by the caller.
func NewFrame(data []byte, seq uint64) *Frame {
	return &Frame{Data: data, Seq: seq, refs: 1}
}

// Ref increments f's reference count and returns f, for handing the same
// Frame to an additional holder without copying Data.
func (f *Frame) Ref() *Frame {
	atomic.AddInt32(&f.refs, 1)
	return f
}

// Release decrements f's reference count and returns the count
// remaining. Callers that only need to confirm balanced Ref/Release
// pairs (tests, diagnostics) can inspect the return value; production
// code need not act on it since Frame holds no pooled resource.
func (f *Frame) Release() int32 {
	return atomic.AddInt32(&f.refs, -1)
}

// RefCount returns f's current reference count.
func (f *Frame) RefCount() int32 {
	return atomic.LoadInt32(&f.refs)
}

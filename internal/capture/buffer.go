package capture

// Buffer is one entry of a memory-mapped driver buffer. The backing slice
// is owned by the driver for the lifetime of the stream; Buffer only tracks
// metadata about its current custody state.
type Buffer struct {
	data     []byte
	queued   bool
	length   uint32
	sequence uint32
	// crop is the bounding box reported for this frame in PartialJPEG mode.
	crop v4l2Rect
}

// NewBuffer wraps an already-encoded payload as a Buffer, for code paths
// that hand frame data to the RFB server without a driver-owned mmap slot
// behind it (tests, and any future synthetic-frame injection).
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data, length: uint32(len(data))}
}

// Data returns the byte-addressable view of this buffer's payload.
func (b *Buffer) Data() []byte {
	if int(b.length) > len(b.data) {
		return b.data
	}
	return b.data[:b.length]
}

// Length is the most recent payload size reported by the driver.
func (b *Buffer) Length() uint32 { return b.length }

// Sequence is the driver-assigned frame sequence number.
func (b *Buffer) Sequence() uint32 { return b.sequence }

// CropRect returns the PartialJPEG bounding box, or the zero rectangle if
// none was recorded (full-frame / StandardJPEG mode).
func (b *Buffer) CropRect() (x, y int32, w, h uint32) {
	return b.crop.Left, b.crop.Top, b.crop.Width, b.crop.Height
}

// BufferRing is the ordered sequence of mmap'd buffers requested from the
// driver (2 or 3 slots, driver minimum honored). The "done" view is a FIFO
// of indices into buffers that have been dequeued but not yet released.
type BufferRing struct {
	buffers []Buffer
	done    []int
}

func newBufferRing(n int) *BufferRing {
	return &BufferRing{buffers: make([]Buffer, n)}
}

// Len is the number of slots in the ring.
func (r *BufferRing) Len() int { return len(r.buffers) }

// At returns the buffer at index i.
func (r *BufferRing) At(i int) *Buffer { return &r.buffers[i] }

// markDone moves a dequeued buffer's index into the done queue and clears
// its queued flag. Invariant: a Buffer is always exactly one of queued or
// done, never both; callers must not call markDone twice for one index
// without an intervening release.
func (r *BufferRing) markDone(index int) {
	r.buffers[index].queued = false
	r.done = append(r.done, index)
}

// FrontDone returns the oldest done index without removing it, or -1 if
// the done queue is empty.
func (r *BufferRing) FrontDone() int {
	if len(r.done) == 0 {
		return -1
	}
	return r.done[0]
}

// HasDone reports whether any dequeued buffer is awaiting release.
func (r *BufferRing) HasDone() bool { return len(r.done) > 0 }

// release pops the front of the done queue and marks that slot queued
// again, mirroring the re-enqueue to the driver the caller performs
// alongside this bookkeeping. No-op on an empty done queue.
func (r *BufferRing) release() (index int, ok bool) {
	if len(r.done) == 0 {
		return 0, false
	}
	index = r.done[0]
	r.done = r.done[1:]
	r.buffers[index].queued = true
	return index, true
}

// reset clears the done queue and marks every buffer queued, used when a
// resize invalidates all outstanding frame references.
func (r *BufferRing) reset() {
	r.done = r.done[:0]
	for i := range r.buffers {
		r.buffers[i].queued = true
	}
}

// conserved reports the buffer-conservation invariant: every slot appears
// in exactly one of queued/done, and the two sets never overlap. Used by
// tests to assert the invariant at quiescent points.
func (r *BufferRing) conserved() bool {
	doneSet := make(map[int]bool, len(r.done))
	for _, idx := range r.done {
		if doneSet[idx] {
			return false // duplicate entry in done queue
		}
		doneSet[idx] = true
	}
	for i := range r.buffers {
		if r.buffers[i].queued && doneSet[i] {
			return false
		}
		if !r.buffers[i].queued && !doneSet[i] {
			return false
		}
	}
	return true
}

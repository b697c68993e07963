package executor

import (
	"bytes"
	"sync"
)

// boundedBuffer keeps at most limit bytes. The first write past the limit
// calls onOverflow once; later bytes are discarded but reported as written
// so the child never sees a broken pipe before it is killed.
type boundedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int64
	overflowed bool
	onOverflow func()
}

func newBoundedBuffer(limit int64, onOverflow func()) *boundedBuffer {
	return &boundedBuffer{limit: limit, onOverflow: onOverflow}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.overflowed {
		return len(p), nil
	}

	remaining := b.limit - int64(b.buf.Len())
	if int64(len(p)) <= remaining {
		return b.buf.Write(p)
	}

	if remaining > 0 {
		b.buf.Write(p[:remaining])
	}
	b.overflowed = true
	if b.onOverflow != nil {
		b.onOverflow()
	}
	return len(p), nil
}

func (b *boundedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}

func (b *boundedBuffer) String() string {
	return string(b.Bytes())
}

func (b *boundedBuffer) Overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflowed
}

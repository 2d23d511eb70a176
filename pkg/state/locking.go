package state

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// Xid identifies a distributed transaction. Goroutines cooperating in the
// same transaction carry the same Xid in their context and may interleave
// read acquisitions with the transaction's writer.
type Xid []byte

type xidKey struct{}

// WithXid attaches a transaction id to ctx.
func WithXid(ctx context.Context, xid Xid) context.Context {
	return context.WithValue(ctx, xidKey{}, xid)
}

// XidFrom extracts the transaction id from ctx, or nil.
func XidFrom(ctx context.Context) Xid {
	if v, ok := ctx.Value(xidKey{}).(Xid); ok {
		return v
	}
	return nil
}

func sameXid(a, b Xid) bool {
	return a != nil && b != nil && bytes.Equal(a, b)
}

// ISMLocking is the coarse read-write lock guarding one shared item-state
// manager. It has writer preference: a waiting writer blocks new readers.
// A goroutine whose context carries the Xid of the active writer may still
// acquire the read lock, and the writer's Xid may re-enter the write lock.
// Acquisition is interruptible through the context.
type ISMLocking struct {
	mu sync.Mutex

	activeReaders  int
	writerActive   bool
	writerXid      Xid
	writerDepth    int
	waitingWriters int

	// changed is closed and replaced whenever lock state changes; waiters
	// select on it together with ctx.Done().
	changed chan struct{}
}

// NewISMLocking returns an unlocked instance.
func NewISMLocking() *ISMLocking {
	return &ISMLocking{changed: make(chan struct{})}
}

// ReadLock is a held read lock.
type ReadLock struct {
	l        *ISMLocking
	released bool
}

// WriteLock is a held write lock.
type WriteLock struct {
	l        *ISMLocking
	released bool
}

func (l *ISMLocking) notifyLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// wait releases mu, blocks until the lock state changes or ctx is done, and
// reacquires mu. Returns the context error on cancellation.
func (l *ISMLocking) wait(ctx context.Context) error {
	ch := l.changed
	l.mu.Unlock()
	select {
	case <-ch:
		l.mu.Lock()
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		return ctx.Err()
	}
}

// AcquireRead blocks until a read lock can be granted.
func (l *ISMLocking) AcquireRead(ctx context.Context) (*ReadLock, error) {
	xid := XidFrom(ctx)
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		reentrant := l.writerActive && sameXid(l.writerXid, xid)
		if reentrant || (!l.writerActive && l.waitingWriters == 0) {
			l.activeReaders++
			return &ReadLock{l: l}, nil
		}
		if err := l.wait(ctx); err != nil {
			return nil, fmt.Errorf("read lock: %w", err)
		}
	}
}

// AcquireWrite blocks until the write lock can be granted. The write lock
// re-enters for the same Xid.
func (l *ISMLocking) AcquireWrite(ctx context.Context) (*WriteLock, error) {
	xid := XidFrom(ctx)
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writerActive && sameXid(l.writerXid, xid) {
		l.writerDepth++
		return &WriteLock{l: l}, nil
	}

	l.waitingWriters++
	defer func() { l.waitingWriters-- }()
	for {
		if !l.writerActive && l.activeReaders == 0 {
			l.writerActive = true
			l.writerXid = xid
			l.writerDepth = 1
			return &WriteLock{l: l}, nil
		}
		if err := l.wait(ctx); err != nil {
			return nil, fmt.Errorf("write lock: %w", err)
		}
	}
}

// Release gives up the read lock. Releasing twice is a no-op.
func (r *ReadLock) Release() {
	if r.released {
		return
	}
	r.released = true
	r.l.mu.Lock()
	r.l.activeReaders--
	r.l.notifyLocked()
	r.l.mu.Unlock()
}

// Release gives up one level of the write lock.
func (w *WriteLock) Release() {
	if w.released {
		return
	}
	w.released = true
	w.l.mu.Lock()
	w.l.writerDepth--
	if w.l.writerDepth == 0 {
		w.l.writerActive = false
		w.l.writerXid = nil
	}
	w.l.notifyLocked()
	w.l.mu.Unlock()
}

// Downgrade atomically turns the write lock into a read lock without
// opening a window for another writer.
func (w *WriteLock) Downgrade() *ReadLock {
	w.l.mu.Lock()
	defer w.l.mu.Unlock()
	if w.released {
		return nil
	}
	w.released = true
	w.l.writerDepth--
	if w.l.writerDepth == 0 {
		w.l.writerActive = false
		w.l.writerXid = nil
	}
	w.l.activeReaders++
	w.l.notifyLocked()
	return &ReadLock{l: w.l}
}

package fetch

import (
	"context"
	"fmt"
)

// BrowserPool bounds the number of concurrent browser-automation sessions.
// Sessions are heavyweight, so the cap stays in the single digits. Acquire
// is context-aware and the returned release function is safe to call once
// on every path: success, failure, or timeout.
type BrowserPool struct {
	slots chan struct{}
	size  int
}

func NewBrowserPool(size int) (*BrowserPool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("browser pool size must be > 0, got %d", size)
	}
	return &BrowserPool{slots: make(chan struct{}, size), size: size}, nil
}

// Acquire blocks until a session slot is free or the context is done.
func (p *BrowserPool) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case p.slots <- struct{}{}:
		return func() { <-p.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Size returns the pool capacity.
func (p *BrowserPool) Size() int { return p.size }

// InUse returns the number of sessions currently held.
func (p *BrowserPool) InUse() int { return len(p.slots) }

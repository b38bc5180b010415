package ledger

import (
	"context"

	"github.com/alanyoungcy/ctfsettle/internal/domain"
)

// Guard serializes state transitions across every engine sharing it. The
// context returned by Enter carries a marker, so a call that re-enters with
// that context (a vault hook calling back into an engine) is rejected with
// ErrReentrant instead of deadlocking.
//
// Code running under the guard, vault hooks included, must pass the context
// it was given to any engine call. A call made with an unrelated context
// looks like a concurrent caller and waits for the guard until that
// context is done.
type Guard struct {
	sem chan struct{}
}

type guardKey struct{}

// NewGuard returns an unlocked guard.
func NewGuard() *Guard { return &Guard{sem: make(chan struct{}, 1)} }

// Enter acquires the guard, waiting until it is free or ctx is done. The
// caller must invoke release exactly once.
func (g *Guard) Enter(ctx context.Context) (context.Context, func(), error) {
	if g.Held(ctx) {
		return nil, nil, domain.ErrReentrant
	}
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	return context.WithValue(ctx, guardKey{}, g), func() { <-g.sem }, nil
}

// Held reports whether ctx was derived from an Enter on g.
func (g *Guard) Held(ctx context.Context) bool {
	held, _ := ctx.Value(guardKey{}).(*Guard)
	return held == g
}

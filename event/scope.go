package event

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/IvanBrykalov/boundcache/future"
)

// Scope collects the synchronous delivery completions of one logical
// caller. It is carried by a context: WithScope attaches one and
// CurrentScope retrieves it.
type Scope struct {
	mu      sync.Mutex
	pending []*future.Future[struct{}]
}

type scopeKey struct{}

// WithScope returns ctx carrying a Scope. A ctx that already carries one is
// returned unchanged.
func WithScope(ctx context.Context) context.Context {
	if CurrentScope(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, scopeKey{}, &Scope{})
}

// CurrentScope returns the Scope carried by ctx, or nil.
func CurrentScope(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

func (s *Scope) add(f *future.Future[struct{}]) {
	s.mu.Lock()
	s.pending = append(s.pending, f)
	s.mu.Unlock()
}

// Len returns the number of recorded completions.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scope) take() []*future.Future[struct{}] {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending
	s.pending = nil
	return p
}

// Await waits for every recorded completion and clears the scope, whether
// they succeeded or failed. Delivery failures are returned together. If ctx
// ends first, the completions not yet settled are dropped and ctx's error
// is returned among the others.
func (s *Scope) Await(ctx context.Context) error {
	return awaitAll(ctx, s.take())
}

// Ignore clears the scope without waiting.
func (s *Scope) Ignore() {
	s.take()
}

func awaitAll(ctx context.Context, fs []*future.Future[struct{}]) error {
	var errs *multierror.Error
	for _, f := range fs {
		if _, err := f.Get(ctx); err != nil {
			errs = multierror.Append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errs.ErrorOrNil()
}

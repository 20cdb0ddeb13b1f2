package incident

import (
	"context"
	"fmt"
	"runtime/debug"
)

// Listener receives incidents. Listeners are identified by interface
// equality, so implementations must be comparable; pointer receivers are the
// normal choice.
type Listener interface {
	Handle(ctx context.Context, inc *Incident) error
}

// Named listeners report their name in logs and errors.
type Named interface {
	Name() string
}

const unknownListener = "<unknown>"

func listenerName(l Listener) string {
	if n, ok := l.(Named); ok {
		return n.Name()
	}
	return unknownListener
}

// FuncListener adapts a function to Listener. Always use it through the
// pointer returned by NewFuncListener so it can be removed again.
type FuncListener struct {
	name string
	fn   func(ctx context.Context, inc *Incident) error
}

// NewFuncListener returns a named listener calling fn.
func NewFuncListener(name string, fn func(ctx context.Context, inc *Incident) error) *FuncListener {
	return &FuncListener{name: name, fn: fn}
}

func (f *FuncListener) Name() string { return f.name }

func (f *FuncListener) Handle(ctx context.Context, inc *Incident) error {
	return f.fn(ctx, inc)
}

// ListenOption configures a listener registration.
type ListenOption func(*entry)

// WithPriority orders delivery; higher runs first.
func WithPriority(p int) ListenOption {
	return func(e *entry) { e.priority = p }
}

// WithRethrow makes failures of this listener abort delivery and propagate
// to the caller of FireSync.
func WithRethrow() ListenOption {
	return func(e *entry) { e.rethrow = true }
}

// WithSingleShot removes the listener after its first delivery.
func WithSingleShot() ListenOption {
	return func(e *entry) { e.singleShot.Store(true) }
}

// invoke calls l, turning a panic into an error.
func invoke(ctx context.Context, l Listener, inc *Incident) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return l.Handle(ctx, inc)
}

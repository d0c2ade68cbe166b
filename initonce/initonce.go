// Package initonce runs an initialization function at most once per tag.
//
// Concurrent callers with the same tag block until the running call
// finishes and all see its outcome. A successful result is remembered; a
// failed one is not, so the next caller retries. A panic in the function
// counts as a failure.
package initonce

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wippyai/cffi-runtime/errors"
)

// Group holds the results of one set of tags. The zero value is not usable;
// create groups with New.
type Group struct {
	flight singleflight.Group
	done   *xsync.MapOf[string, any]
	logger *zap.Logger
}

// New creates an empty group.
func New(logger *zap.Logger) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Group{done: xsync.NewMapOf[string, any](), logger: logger}
}

// Do returns the result of fn for tag, running fn only if no earlier call
// for tag has succeeded.
func (g *Group) Do(tag string, fn func() (any, error)) (any, error) {
	if v, ok := g.done.Load(tag); ok {
		return v, nil
	}
	v, err, shared := g.flight.Do(tag, func() (any, error) {
		return g.run(tag, fn)
	})
	if err != nil {
		g.logger.Debug("init once failed", zap.String("tag", tag), zap.Error(err))
		return nil, err
	}
	if !shared {
		g.logger.Debug("init once", zap.String("tag", tag))
	}
	return v, nil
}

// DoContext is Do that stops waiting when ctx is done. fn keeps running in
// that case and its result is still recorded.
func (g *Group) DoContext(ctx context.Context, tag string, fn func() (any, error)) (any, error) {
	if v, ok := g.done.Load(tag); ok {
		return v, nil
	}
	ch := g.flight.DoChan(tag, func() (any, error) {
		return g.run(tag, fn)
	})
	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Group) run(tag string, fn func() (any, error)) (v any, err error) {
	if v, ok := g.done.Load(tag); ok {
		return v, nil
	}
	defer func() {
		if p := recover(); p != nil {
			v, err = nil, errors.New(errors.PhaseLoad, errors.KindCallbackFault).
				Value(p).
				Detail("init %q panicked: %v", tag, p).
				Build()
		}
	}()
	v, err = fn()
	if err != nil {
		return nil, err
	}
	g.done.Store(tag, v)
	return v, nil
}

// Done reports whether tag has completed successfully.
func (g *Group) Done(tag string) bool {
	_, ok := g.done.Load(tag)
	return ok
}

// Forget drops the remembered result of tag.
func (g *Group) Forget(tag string) {
	g.done.Delete(tag)
	g.flight.Forget(tag)
}

package util

import (
	"context"
	"errors"
)

var ErrResolve = errors.New("promise resolved")

type Promise struct {
	context.Context
	context.CancelCauseFunc
}

func NewPromise(ctx context.Context) *Promise {
	p := &Promise{}
	p.Context, p.CancelCauseFunc = context.WithCancelCause(ctx)
	return p
}

func (p *Promise) Fulfill(err error) {
	p.CancelCauseFunc(Conditional(err == nil, ErrResolve, err))
}

func (p *Promise) IsPending() bool {
	return context.Cause(p.Context) == nil
}

// Await blocks until Fulfill and returns nil for a successful resolve.
func (p *Promise) Await() error {
	<-p.Done()
	err := context.Cause(p.Context)
	if errors.Is(err, ErrResolve) {
		return nil
	}
	return err
}

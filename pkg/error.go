package pkg

import "errors"

var (
	ErrUnsupported = errors.New("unsupported")
	ErrClosed      = errors.New("closed")
	ErrQueueFull   = errors.New("queue full")
	ErrNeedData    = errors.New("need more data")
)

// Package context shortens the ungainly standard library context idioms into
// two-letter identifiers so signatures stay on one line.
package context

import (
	"context"
)

type (
	T = context.Context
	F = context.CancelFunc
)

var (
	Bg               = context.Background
	Cancel           = context.WithCancel
	CancelCause      = context.WithCancelCause
	Timeout          = context.WithTimeout
	TimeoutCause     = context.WithTimeoutCause
	TODO             = context.TODO
	Value            = context.WithValue
	Canceled         = context.Canceled
	DeadlineExceeded = context.DeadlineExceeded
)

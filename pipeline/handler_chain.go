// File: pipeline/handler_chain.go
// Package pipeline implements middleware chain utilities.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pipeline

import (
	"context"
	"time"

	"github.com/momentics/policyd/api"
	"github.com/momentics/policyd/protocol"
	"github.com/momentics/policyd/transport"
)

// HandlerFunc decides on one request. data is the value supplied at
// registration.
type HandlerFunc func(ctx context.Context, conn *transport.Connection, req *protocol.Request, data any) (api.Verdict, string)

// FinalStateFunc observes the outcome of every dispatch.
type FinalStateFunc func(ctx context.Context, conn *transport.Connection, req *protocol.Request, verdict api.Verdict, msg string, data any)

// Middleware augments the handler registered under id.
type Middleware func(id string, next HandlerFunc) HandlerFunc

// NewHandlerChain applies middleware in order: first in slice is outermost.
func NewHandlerChain(id string, base HandlerFunc, mw ...Middleware) HandlerFunc {
	h := base
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](id, h)
	}
	return h
}

// Timing reports the duration and verdict of every handler call.
func Timing(observe func(id string, v api.Verdict, elapsed time.Duration)) Middleware {
	return func(id string, next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, conn *transport.Connection, req *protocol.Request, data any) (api.Verdict, string) {
			start := time.Now()
			v, msg := next(ctx, conn, req, data)
			observe(id, v, time.Since(start))
			return v, msg
		}
	}
}

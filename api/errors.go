// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error values shared by the policy daemon packages.

package api

import "errors"

// Common errors used across the daemon. Packages wrap them with
// fmt.Errorf("...: %w") and callers match with errors.Is.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrOperationTimeout  = errors.New("operation timeout")
	ErrNotSupported      = errors.New("operation not supported")
	ErrNotFound          = errors.New("resource not found")
)

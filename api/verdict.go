// File: api/verdict.go
// Package api defines the policy verdict vocabulary.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import (
	"fmt"
	"strings"
)

// Verdict is the decision returned to the MTA for a single policy request.
// The zero value is VerdictDunno.
type Verdict int

const (
	// VerdictDunno means "no opinion"; evaluation continues with the next handler.
	VerdictDunno Verdict = iota
	VerdictOK
	VerdictReject
	VerdictDefer
	VerdictDeferIfPermit
	VerdictDeferIfReject
	VerdictDiscard
	VerdictHold
	VerdictWarn
	verdictEnd
)

var verdictNames = [...]string{
	VerdictDunno:         "DUNNO",
	VerdictOK:            "OK",
	VerdictReject:        "REJECT",
	VerdictDefer:         "DEFER",
	VerdictDeferIfPermit: "DEFER_IF_PERMIT",
	VerdictDeferIfReject: "DEFER_IF_REJECT",
	VerdictDiscard:       "DISCARD",
	VerdictHold:          "HOLD",
	VerdictWarn:          "WARN",
}

// Valid reports whether v belongs to the closed verdict set.
func (v Verdict) Valid() bool {
	return v >= VerdictDunno && v < verdictEnd
}

// Decides reports whether v terminates handler evaluation.
func (v Verdict) Decides() bool {
	return v.Valid() && v != VerdictDunno
}

// String returns the wire keyword of the verdict.
func (v Verdict) String() string {
	if !v.Valid() {
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
	return verdictNames[v]
}

// ParseVerdict converts a keyword (case-insensitive, '-' accepted for '_')
// into a Verdict.
func ParseVerdict(s string) (Verdict, error) {
	key := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for v, name := range verdictNames {
		if name == key {
			return Verdict(v), nil
		}
	}
	return VerdictDunno, fmt.Errorf("%w: unknown verdict %q", ErrInvalidArgument, s)
}

// MarshalText implements encoding.TextMarshaler.
func (v Verdict) MarshalText() ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("%w: verdict %d", ErrInvalidArgument, int(v))
	}
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Verdict) UnmarshalText(text []byte) error {
	parsed, err := ParseVerdict(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

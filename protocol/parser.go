// File: protocol/parser.go
// Package protocol implements request line assembly with line size enforcement.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Parser turns an arbitrarily chunked byte stream into requests. The result
// depends only on the bytes fed, never on how they were split across reads.

package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// DefaultMaxLineLength bounds one attribute line, terminator excluded.
const DefaultMaxLineLength = 4096

var (
	ErrLineTooLong   = errors.New("protocol: request line exceeds limit")
	ErrMalformedLine = errors.New("protocol: malformed attribute line")
	ErrParserClosed  = errors.New("protocol: parser closed")
)

// State is the assembly state of a connection.
type State int32

const (
	StateAwaitingLine State = iota
	StateAccumulatingLine
	StateLineComplete
	StateRequestComplete
	StateDispatched
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingLine:
		return "awaiting-line"
	case StateAccumulatingLine:
		return "accumulating-line"
	case StateLineComplete:
		return "line-complete"
	case StateRequestComplete:
		return "request-complete"
	case StateDispatched:
		return "dispatched"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Parser buffers bytes across reads and assembles one request at a time.
// Bytes that follow a completed request stay buffered until Next is called
// again. It is not safe for concurrent use.
type Parser struct {
	maxLine int
	buf     []byte
	start   int // first unconsumed byte
	scan    int // bytes before scan hold no newline
	req     *Request
	state   State
}

// NewParser returns a parser enforcing maxLine (DefaultMaxLineLength when
// not positive).
func NewParser(maxLine int) *Parser {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineLength
	}
	return &Parser{maxLine: maxLine}
}

// State returns the current assembly state.
func (p *Parser) State() State {
	return p.state
}

// Buffered returns the number of unconsumed bytes.
func (p *Parser) Buffered() int {
	return len(p.buf) - p.start
}

// Feed appends data and returns the next completed request, if any.
func (p *Parser) Feed(data []byte) (*Request, error) {
	if p.state == StateClosed {
		return nil, ErrParserClosed
	}
	p.buf = append(p.buf, data...)
	return p.Next()
}

// Next assembles from buffered bytes only. It returns (nil, nil) when more
// input is needed. Any error closes the parser.
func (p *Parser) Next() (*Request, error) {
	if p.state == StateClosed {
		return nil, ErrParserClosed
	}
	for {
		idx := bytes.IndexByte(p.buf[p.scan:], '\n')
		if idx < 0 {
			p.scan = len(p.buf)
			p.compact()
			// one extra byte for a pending '\r'
			if len(p.buf) > p.maxLine+1 {
				return nil, p.fail(ErrLineTooLong)
			}
			if len(p.buf) > 0 {
				p.state = StateAccumulatingLine
			} else {
				p.state = StateAwaitingLine
			}
			return nil, nil
		}

		end := p.scan + idx
		line := p.buf[p.start:end]
		p.start = end + 1
		p.scan = p.start
		p.state = StateLineComplete

		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		if len(line) > p.maxLine {
			return nil, p.fail(ErrLineTooLong)
		}

		if len(line) == 0 {
			if p.req == nil {
				// blank line before any attribute
				continue
			}
			req := p.req
			p.req = nil
			p.compact()
			p.state = StateRequestComplete
			return req, nil
		}

		eq := bytes.IndexByte(line, '=')
		if eq <= 0 {
			return nil, p.fail(fmt.Errorf("%w: %q", ErrMalformedLine, clip(line, 64)))
		}
		if p.req == nil {
			p.req = NewRequest()
		}
		p.req.Set(string(line[:eq]), string(line[eq+1:]))
	}
}

// Close discards buffered input and moves to StateClosed.
func (p *Parser) Close() {
	p.state = StateClosed
	p.buf = nil
	p.start, p.scan = 0, 0
	p.req = nil
}

func (p *Parser) fail(err error) error {
	p.Close()
	return err
}

func (p *Parser) compact() {
	if p.start == 0 {
		return
	}
	n := copy(p.buf, p.buf[p.start:])
	p.buf = p.buf[:n]
	p.scan -= p.start
	p.start = 0
}

func clip(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

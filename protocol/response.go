// File: protocol/response.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"io"
	"strings"

	"github.com/momentics/policyd/api"
)

var messageCleaner = strings.NewReplacer("\r", " ", "\n", " ")

// AppendVerdict appends the response for v to dst:
// "action=<VERDICT>[ <msg>]\n\n". Invalid verdicts are sent as DUNNO and
// line breaks in msg are flattened.
func AppendVerdict(dst []byte, v api.Verdict, msg string) []byte {
	if !v.Valid() {
		v = api.VerdictDunno
	}
	dst = append(dst, "action="...)
	dst = append(dst, v.String()...)
	if msg = strings.TrimSpace(messageCleaner.Replace(msg)); msg != "" {
		dst = append(dst, ' ')
		dst = append(dst, msg...)
	}
	return append(dst, '\n', '\n')
}

// WriteVerdict writes the response for v to w.
func WriteVerdict(w io.Writer, v api.Verdict, msg string) error {
	_, err := w.Write(AppendVerdict(nil, v, msg))
	return err
}

// ParseResponse extracts verdict and message from one response block
// without the trailing empty line. It is the client-side counterpart of
// AppendVerdict.
func ParseResponse(line string) (api.Verdict, string, error) {
	line = strings.TrimRight(line, "\r\n")
	rest, ok := strings.CutPrefix(line, "action=")
	if !ok {
		return api.VerdictDunno, "", ErrMalformedLine
	}
	word, msg, _ := strings.Cut(rest, " ")
	v, err := api.ParseVerdict(word)
	if err != nil {
		return api.VerdictDunno, "", err
	}
	return v, msg, nil
}

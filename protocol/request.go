// File: protocol/request.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Well-known request attribute names.
const (
	AttrRequest           = "request"
	AttrProtocolState     = "protocol_state"
	AttrProtocolName      = "protocol_name"
	AttrHeloName          = "helo_name"
	AttrQueueID           = "queue_id"
	AttrSender            = "sender"
	AttrRecipient         = "recipient"
	AttrRecipientCount    = "recipient_count"
	AttrClientAddress     = "client_address"
	AttrClientName        = "client_name"
	AttrReverseClientName = "reverse_client_name"
	AttrInstance          = "instance"
	AttrSASLMethod        = "sasl_method"
	AttrSASLUsername      = "sasl_username"
	AttrSASLSender        = "sasl_sender"
	AttrSize              = "size"
)

// Request is one parsed policy request. Attribute order is the order of
// first appearance; a repeated name overwrites the earlier value.
type Request struct {
	ID       string
	Received time.Time

	names  []string
	values map[string]string

	derive          sync.Once
	senderLocal     string
	senderDomain    string
	recipientLocal  string
	recipientDomain string
}

// NewRequest returns an empty request with a fresh identifier.
func NewRequest() *Request {
	return &Request{
		ID:       uuid.NewString(),
		Received: time.Now(),
		values:   make(map[string]string),
	}
}

// Set stores an attribute.
func (r *Request) Set(name, value string) {
	if _, ok := r.values[name]; !ok {
		r.names = append(r.names, name)
	}
	r.values[name] = value
}

// Get returns the attribute value or "".
func (r *Request) Get(name string) string {
	return r.values[name]
}

// Lookup returns the attribute value and whether it was sent.
func (r *Request) Lookup(name string) (string, bool) {
	v, ok := r.values[name]
	return v, ok
}

// Names returns attribute names in arrival order.
func (r *Request) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Len returns the number of distinct attributes.
func (r *Request) Len() int {
	return len(r.names)
}

// Attributes returns a copy of all attributes.
func (r *Request) Attributes() map[string]string {
	out := make(map[string]string, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

func (r *Request) RequestType() string       { return r.values[AttrRequest] }
func (r *Request) ProtocolState() string     { return r.values[AttrProtocolState] }
func (r *Request) ProtocolName() string      { return r.values[AttrProtocolName] }
func (r *Request) HeloName() string          { return r.values[AttrHeloName] }
func (r *Request) QueueID() string           { return r.values[AttrQueueID] }
func (r *Request) Sender() string            { return r.values[AttrSender] }
func (r *Request) Recipient() string         { return r.values[AttrRecipient] }
func (r *Request) ClientAddress() string     { return r.values[AttrClientAddress] }
func (r *Request) ClientName() string        { return r.values[AttrClientName] }
func (r *Request) ReverseClientName() string { return r.values[AttrReverseClientName] }
func (r *Request) Instance() string          { return r.values[AttrInstance] }
func (r *Request) SASLMethod() string        { return r.values[AttrSASLMethod] }
func (r *Request) SASLUsername() string      { return r.values[AttrSASLUsername] }
func (r *Request) SASLSender() string        { return r.values[AttrSASLSender] }

// RecipientCount returns recipient_count, or 0 when absent or invalid.
func (r *Request) RecipientCount() int {
	n, _ := strconv.Atoi(r.values[AttrRecipientCount])
	return n
}

// Size returns the announced message size, or 0.
func (r *Request) Size() int64 {
	n, _ := strconv.ParseInt(r.values[AttrSize], 10, 64)
	return n
}

// IsAuthenticated reports whether the client authenticated with SASL.
func (r *Request) IsAuthenticated() bool {
	return r.values[AttrSASLUsername] != ""
}

func (r *Request) SenderLocalPart() string {
	r.split()
	return r.senderLocal
}

func (r *Request) SenderDomain() string {
	r.split()
	return r.senderDomain
}

func (r *Request) RecipientLocalPart() string {
	r.split()
	return r.recipientLocal
}

func (r *Request) RecipientDomain() string {
	r.split()
	return r.recipientDomain
}

func (r *Request) split() {
	r.derive.Do(func() {
		r.senderLocal, r.senderDomain = SplitAddress(r.values[AttrSender])
		r.recipientLocal, r.recipientDomain = SplitAddress(r.values[AttrRecipient])
	})
}

// SplitAddress splits an address at its last '@'. Angle brackets are
// stripped and the domain is lower-cased. The null sender yields two empty
// strings.
func SplitAddress(addr string) (local, domain string) {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimSuffix(strings.TrimPrefix(addr, "<"), ">")
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return addr, ""
	}
	return addr[:at], strings.ToLower(addr[at+1:])
}

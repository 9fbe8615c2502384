package models

import (
	"net/http"
	"sort"
	"strings"
	"time"
)

// Header is one request header. Order is preserved; names are unique
// case-insensitively.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Credentials modes recorded with a queued request.
const (
	CredentialsOmit       = "omit"
	CredentialsSameOrigin = "same-origin"
	CredentialsInclude    = "include"
)

// QueuedOperation is a write that could not be delivered and awaits replay.
// Records are immutable once persisted; replay success deletes them.
type QueuedOperation struct {
	QueueID         string   `json:"queueId"`
	QueueTimestamp  int64    `json:"queueTimestamp"` // unix ms, strictly increasing per agent
	TargetURL       string   `json:"targetUrl"`
	Method          string   `json:"method"`
	Headers         []Header `json:"headers,omitempty"`
	Body            []byte   `json:"body,omitempty"`
	CredentialsMode string   `json:"credentialsMode"`
}

// Collection returns the collection QueuedOperation records live in.
func (QueuedOperation) Collection() Collection {
	return CollectionOperations
}

// EnqueuedAt returns the queue timestamp as a time.
func (op *QueuedOperation) EnqueuedAt() time.Time {
	return time.UnixMilli(op.QueueTimestamp)
}

// Header returns the value of the named header, or "".
func (op *QueuedOperation) Header(name string) string {
	for _, h := range op.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// HeadersFrom flattens an http.Header into the ordered, name-unique form.
// Multiple values are joined with ", " and names are sorted canonically so
// the encoding is deterministic.
func HeadersFrom(h http.Header) []Header {
	if len(h) == 0 {
		return nil
	}
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Header, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		canon := http.CanonicalHeaderKey(name)
		if seen[canon] {
			continue
		}
		seen[canon] = true
		out = append(out, Header{Name: canon, Value: strings.Join(h.Values(name), ", ")})
	}
	return out
}

// HTTPHeader converts the ordered headers back to an http.Header.
func (op *QueuedOperation) HTTPHeader() http.Header {
	h := make(http.Header, len(op.Headers))
	for _, hd := range op.Headers {
		h.Set(hd.Name, hd.Value)
	}
	return h
}

// Entry returns the flush-notification entry for this operation.
func (op *QueuedOperation) Entry() FlushEntry {
	return FlushEntry{QueueID: op.QueueID, QueueTimestamp: op.QueueTimestamp}
}

// DeadLetter is a queued operation the remote store rejected permanently.
type DeadLetter struct {
	Operation QueuedOperation `json:"operation"`
	Status    int             `json:"status"`
	Reason    string          `json:"reason"`
	DeadAt    time.Time       `json:"deadAt"`
}

// Collection returns the collection DeadLetter records live in.
func (DeadLetter) Collection() Collection {
	return CollectionDeadLetters
}

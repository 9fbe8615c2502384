package queue

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/mdrrmo/fieldsync/internal/models"
)

// hop-by-hop and transport-managed headers are not replayed.
var skipHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Te":                true,
	"Trailer":           true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

// FromHTTPRequest captures r as a queueable request. body must be the fully
// buffered request body; r.Body is not read.
func FromHTTPRequest(r *http.Request, body []byte, credentialsMode string) Request {
	headers := models.HeadersFrom(r.Header)
	kept := headers[:0]
	for _, h := range headers {
		if !skipHeaders[h.Name] {
			kept = append(kept, h)
		}
	}
	return Request{
		TargetURL:       r.URL.String(),
		Method:          r.Method,
		Headers:         kept,
		Body:            body,
		CredentialsMode: credentialsMode,
	}
}

// NewReplayRequest rebuilds the HTTP request for a queued operation.
func NewReplayRequest(ctx context.Context, op *models.QueuedOperation) (*http.Request, error) {
	var body *bytes.Reader
	if op.Body != nil {
		body = bytes.NewReader(op.Body)
	}

	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, op.Method, op.TargetURL, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, op.Method, op.TargetURL, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("rebuild queued request %s: %w", op.QueueID, err)
	}
	req.Header = op.HTTPHeader()
	return req, nil
}

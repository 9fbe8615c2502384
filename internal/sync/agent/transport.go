package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/mdrrmo/fieldsync/internal/logging"
	"github.com/mdrrmo/fieldsync/internal/models"
	"github.com/mdrrmo/fieldsync/internal/sync/queue"
)

// Transport wraps base with network-first interception. Eligible writes are
// sent through base; when base fails without a response they are queued and
// answered with a synthetic 202 QueuedAck. Any HTTP response, whatever its
// status, is returned unchanged.
func (a *Agent) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &interceptor{agent: a, base: base}
}

type interceptor struct {
	agent *Agent
	base  http.RoundTripper
}

func (t *interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.agent.Eligible(req) {
		return t.base.RoundTrip(req)
	}

	// The body must be captured before the first attempt; a failed attempt
	// may have consumed it.
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("buffer request body: %w", err)
		}
	}

	attempt := req.Clone(req.Context())
	if body != nil {
		attempt.Body = io.NopCloser(bytes.NewReader(body))
		attempt.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		attempt.ContentLength = int64(len(body))
	}

	resp, err := t.base.RoundTrip(attempt)
	if err == nil {
		return resp, nil
	}
	if req.Context().Err() != nil {
		// The caller gave up; nothing is queued on its behalf.
		return nil, err
	}

	ctx := req.Context()
	captured := queue.FromHTTPRequest(req, body, t.agent.creds)
	op, qerr := t.agent.queue.Enqueue(ctx, captured)
	if qerr != nil && t.agent.queue.Recover(ctx, qerr) {
		op, qerr = t.agent.queue.Enqueue(ctx, captured)
	}
	if qerr != nil {
		logging.Error("Failed to queue write; returning network error to caller", qerr,
			map[string]interface{}{"target": req.URL.String(), "network_error": err.Error()})
		return nil, err
	}

	return queuedResponse(req, op)
}

func queuedResponse(req *http.Request, op *models.QueuedOperation) (*http.Response, error) {
	ack, err := json.Marshal(models.QueuedAck{
		Queued:         true,
		QueueID:        op.QueueID,
		QueueTimestamp: op.QueueTimestamp,
	})
	if err != nil {
		return nil, err
	}

	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(len(ack)))
	h.Set(QueuedHeader, "1")

	return &http.Response{
		Status:        "202 Accepted",
		StatusCode:    http.StatusAccepted,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(ack)),
		ContentLength: int64(len(ack)),
		Request:       req,
	}, nil
}

// IsQueued reports whether resp is a synthetic queued acknowledgment and
// decodes it.
func IsQueued(resp *http.Response) (*models.QueuedAck, bool) {
	if resp == nil || resp.StatusCode != http.StatusAccepted || resp.Header.Get(QueuedHeader) != "1" {
		return nil, false
	}
	var ack models.QueuedAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil || !ack.Queued {
		return nil, false
	}
	return &ack, true
}

// Package queue provides the durable write queue: operations captured while
// the remote store was unreachable, persisted in the store's operations
// collection and replayed in enqueue order.
package queue

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mdrrmo/fieldsync/internal/crypto"
	"github.com/mdrrmo/fieldsync/internal/db"
	apperrors "github.com/mdrrmo/fieldsync/internal/errors"
	"github.com/mdrrmo/fieldsync/internal/logging"
	"github.com/mdrrmo/fieldsync/internal/models"
	"github.com/mdrrmo/fieldsync/internal/telemetry"
	"github.com/mdrrmo/fieldsync/internal/uuid"
)

// Request is a write to be queued.
type Request struct {
	TargetURL       string
	Method          string
	Headers         []models.Header
	Body            []byte
	CredentialsMode string
}

// Queue is the durable write queue.
type Queue struct {
	store   *db.Store
	maxSize int
	now     func() time.Time
	sealer  *crypto.Sealer

	// mu serializes enqueues so timestamps are strictly increasing and the
	// size bound holds.
	mu     sync.Mutex
	last   int64
	loaded bool
}

// NewQueue creates a Queue over store. maxSize <= 0 means unbounded.
func NewQueue(store *db.Store, maxSize int) *Queue {
	return &Queue{
		store:   store,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// SetSealer makes the queue seal credential headers at rest. Call it before
// the queue is used.
func (q *Queue) SetSealer(s *crypto.Sealer) {
	q.sealer = s
}

// seal returns op as it is persisted.
func (q *Queue) seal(op models.QueuedOperation) (models.QueuedOperation, error) {
	if q.sealer == nil {
		return op, nil
	}
	headers, err := q.sealer.SealHeaders(op.Headers)
	if err != nil {
		return op, apperrors.Wrap(apperrors.ErrInternal, "failed to seal queued headers", err)
	}
	op.Headers = headers
	return op, nil
}

// open returns a persisted op as it is replayed.
func (q *Queue) open(op models.QueuedOperation) models.QueuedOperation {
	if q.sealer == nil {
		return op
	}
	headers, dropped := q.sealer.OpenHeaders(op.Headers)
	if len(dropped) > 0 {
		logging.Warn("Sealed headers could not be opened and are dropped", map[string]interface{}{
			"queue_id": op.QueueID,
			"headers":  dropped,
		})
	}
	op.Headers = headers
	return op
}

// MaxSize returns the queue bound, or 0 when unbounded.
func (q *Queue) MaxSize() int {
	if q.maxSize < 0 {
		return 0
	}
	return q.maxSize
}

// nextTimestamp returns a millisecond timestamp strictly greater than every
// timestamp this queue has issued or persisted. Callers hold q.mu.
func (q *Queue) nextTimestamp(ctx context.Context) (int64, error) {
	if !q.loaded {
		ops, err := q.Pending(ctx)
		if err != nil {
			return 0, err
		}
		for _, op := range ops {
			if op.QueueTimestamp > q.last {
				q.last = op.QueueTimestamp
			}
		}
		q.loaded = true
	}
	ts := q.now().UnixMilli()
	if ts <= q.last {
		ts = q.last + 1
	}
	q.last = ts
	return ts, nil
}

// Enqueue persists req and returns the queued operation. The operation is
// durable when Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, req Request) (*models.QueuedOperation, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" || req.TargetURL == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "queued request needs a method and target URL")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	size, err := q.store.Count(ctx, models.CollectionOperations)
	if err != nil {
		return nil, err
	}
	if q.maxSize > 0 && size >= q.maxSize {
		telemetry.EnqueueFailures.WithLabelValues(string(apperrors.ErrQueueFull)).Inc()
		return nil, apperrors.New(apperrors.ErrQueueFull, fmt.Sprintf("queue is full (max size: %d)", q.maxSize))
	}

	ts, err := q.nextTimestamp(ctx)
	if err != nil {
		return nil, err
	}

	op := &models.QueuedOperation{
		QueueID:         uuid.New(),
		QueueTimestamp:  ts,
		TargetURL:       req.TargetURL,
		Method:          method,
		Headers:         req.Headers,
		CredentialsMode: req.CredentialsMode,
	}
	if op.CredentialsMode == "" {
		op.CredentialsMode = models.CredentialsSameOrigin
	}
	if hasBody(method) {
		op.Body = req.Body
	}

	stored, err := q.seal(*op)
	if err != nil {
		telemetry.EnqueueFailures.WithLabelValues(string(apperrors.CodeOf(err))).Inc()
		return nil, err
	}
	if err := q.store.Put(ctx, models.CollectionOperations, op.QueueID, stored); err != nil {
		telemetry.EnqueueFailures.WithLabelValues(string(apperrors.CodeOf(err))).Inc()
		return nil, err
	}

	telemetry.Enqueued.Inc()
	telemetry.QueueDepth.Set(float64(size + 1))
	logging.Info("Queued write for later delivery", map[string]interface{}{
		"queue_id":  op.QueueID,
		"method":    op.Method,
		"target":    op.TargetURL,
		"timestamp": op.QueueTimestamp,
	})
	return op, nil
}

func hasBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// Pending returns every queued operation in replay order: ascending
// timestamp, ties broken by id.
func (q *Queue) Pending(ctx context.Context) ([]models.QueuedOperation, error) {
	records, err := q.store.GetAll(ctx, models.CollectionOperations)
	if err != nil {
		return nil, err
	}
	ops := make([]models.QueuedOperation, 0, len(records))
	for _, r := range records {
		var op models.QueuedOperation
		if err := r.Decode(&op); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to decode queued operation "+r.Key, err)
		}
		ops = append(ops, q.open(op))
	}
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].QueueTimestamp != ops[j].QueueTimestamp {
			return ops[i].QueueTimestamp < ops[j].QueueTimestamp
		}
		return ops[i].QueueID < ops[j].QueueID
	})
	telemetry.QueueDepth.Set(float64(len(ops)))
	return ops, nil
}

// Get returns one queued operation.
func (q *Queue) Get(ctx context.Context, id string) (*models.QueuedOperation, error) {
	var op models.QueuedOperation
	found, err := q.store.Get(ctx, models.CollectionOperations, id, &op)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("queued operation %s not found", id))
	}
	op = q.open(op)
	return &op, nil
}

// Complete deletes an operation after successful delivery.
func (q *Queue) Complete(ctx context.Context, id string) error {
	if err := q.store.Delete(ctx, models.CollectionOperations, id); err != nil {
		return err
	}
	q.refreshDepth(ctx)
	return nil
}

// Remove supersedes an operation by explicit deletion.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	if err := q.store.Delete(ctx, models.CollectionOperations, id); err != nil {
		return err
	}
	q.refreshDepth(ctx)
	logging.Warn("Queued operation removed", map[string]interface{}{"queue_id": id})
	return nil
}

// Size returns the number of queued operations.
func (q *Queue) Size(ctx context.Context) (int, error) {
	return q.store.Count(ctx, models.CollectionOperations)
}

// Stats returns queue statistics.
func (q *Queue) Stats(ctx context.Context) (map[string]int, error) {
	pending, err := q.store.Count(ctx, models.CollectionOperations)
	if err != nil {
		return nil, err
	}
	dead, err := q.store.Count(ctx, models.CollectionDeadLetters)
	if err != nil {
		return nil, err
	}
	return map[string]int{
		"pending":  pending,
		"dead":     dead,
		"max_size": q.MaxSize(),
	}, nil
}

// Recover takes the store's hard-reset path when err is a local storage
// failure and reports whether the store was reset.
func (q *Queue) Recover(ctx context.Context, err error) bool {
	if !db.IsStorageFailure(err) {
		return false
	}
	if rerr := q.store.Reset(ctx, err); rerr != nil {
		logging.Error("Store reset failed", rerr)
		return false
	}
	telemetry.QueueDepth.Set(0)
	telemetry.DeadLetters.Set(0)
	return true
}

func (q *Queue) refreshDepth(ctx context.Context) {
	if n, err := q.store.Count(ctx, models.CollectionOperations); err == nil {
		telemetry.QueueDepth.Set(float64(n))
	}
	if n, err := q.store.Count(ctx, models.CollectionDeadLetters); err == nil {
		telemetry.DeadLetters.Set(float64(n))
	}
}

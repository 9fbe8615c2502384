package queue

import (
	"context"
	"fmt"
	"sort"

	apperrors "github.com/mdrrmo/fieldsync/internal/errors"
	"github.com/mdrrmo/fieldsync/internal/logging"
	"github.com/mdrrmo/fieldsync/internal/models"
)

// DeadLetter parks an operation the remote store rejected permanently. The
// dead letter is written before the operation is deleted, so a crash in
// between leaves a duplicate rather than a loss.
func (q *Queue) DeadLetter(ctx context.Context, op models.QueuedOperation, status int, reason string) error {
	stored, err := q.seal(op)
	if err != nil {
		return err
	}
	dl := models.DeadLetter{
		Operation: stored,
		Status:    status,
		Reason:    reason,
		DeadAt:    q.now().UTC(),
	}
	if err := q.store.Put(ctx, models.CollectionDeadLetters, op.QueueID, dl); err != nil {
		return err
	}
	if err := q.store.Delete(ctx, models.CollectionOperations, op.QueueID); err != nil {
		return err
	}
	q.refreshDepth(ctx)
	logging.ErrorWithCode("Queued operation rejected permanently", string(apperrors.ErrDeliveryRejected), nil,
		map[string]interface{}{
			"queue_id": op.QueueID,
			"target":   op.TargetURL,
			"status":   status,
			"reason":   reason,
		})
	return nil
}

// DeadLetters returns parked operations, oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]models.DeadLetter, error) {
	records, err := q.store.GetAll(ctx, models.CollectionDeadLetters)
	if err != nil {
		return nil, err
	}
	out := make([]models.DeadLetter, 0, len(records))
	for _, r := range records {
		var dl models.DeadLetter
		if err := r.Decode(&dl); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to decode dead letter "+r.Key, err)
		}
		dl.Operation = q.open(dl.Operation)
		out = append(out, dl)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DeadAt.Before(out[j].DeadAt)
	})
	return out, nil
}

// Requeue moves a dead letter back into the queue behind everything already
// queued. The queue id is kept so pending markers still match.
func (q *Queue) Requeue(ctx context.Context, id string) (*models.QueuedOperation, error) {
	var dl models.DeadLetter
	found, err := q.store.Get(ctx, models.CollectionDeadLetters, id, &dl)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("dead letter %s not found", id))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	size, err := q.store.Count(ctx, models.CollectionOperations)
	if err != nil {
		return nil, err
	}
	if q.maxSize > 0 && size >= q.maxSize {
		return nil, apperrors.New(apperrors.ErrQueueFull, fmt.Sprintf("queue is full (max size: %d)", q.maxSize))
	}
	ts, err := q.nextTimestamp(ctx)
	if err != nil {
		return nil, err
	}

	op := dl.Operation
	op.QueueTimestamp = ts
	if err := q.store.Put(ctx, models.CollectionOperations, op.QueueID, op); err != nil {
		return nil, err
	}
	if err := q.store.Delete(ctx, models.CollectionDeadLetters, id); err != nil {
		return nil, err
	}
	q.refreshDepth(ctx)
	logging.Info("Dead letter requeued", map[string]interface{}{"queue_id": id, "timestamp": ts})
	op = q.open(op)
	return &op, nil
}

// DropDeadLetter discards a dead letter.
func (q *Queue) DropDeadLetter(ctx context.Context, id string) error {
	var dl models.DeadLetter
	found, err := q.store.Get(ctx, models.CollectionDeadLetters, id, &dl)
	if err != nil {
		return err
	}
	if !found {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("dead letter %s not found", id))
	}
	if err := q.store.Delete(ctx, models.CollectionDeadLetters, id); err != nil {
		return err
	}
	q.refreshDepth(ctx)
	return nil
}

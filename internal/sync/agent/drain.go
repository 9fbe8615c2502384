package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mdrrmo/fieldsync/internal/bus"
	"github.com/mdrrmo/fieldsync/internal/config"
	apperrors "github.com/mdrrmo/fieldsync/internal/errors"
	"github.com/mdrrmo/fieldsync/internal/logging"
	"github.com/mdrrmo/fieldsync/internal/models"
	"github.com/mdrrmo/fieldsync/internal/sync/queue"
	"github.com/mdrrmo/fieldsync/internal/telemetry"
)

// Drain replays every queued operation in timestamp order, one at a time.
// A successful replay deletes its operation. A network error or transient
// status halts the pass with that operation and everything after it still
// queued. A permanent rejection is dead-lettered under the dead-letter
// policy and halts the pass under the retry policy. If anything was
// delivered, one QUEUE_FLUSHED message listing it is published.
//
// Passes never overlap: a Drain called during another waits for it.
func (a *Agent) Drain(ctx context.Context) (models.DrainResult, error) {
	a.drainMu.Lock()
	defer a.drainMu.Unlock()

	start := time.Now()
	result, err := a.drain(ctx)
	telemetry.DrainDuration.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		telemetry.DrainPasses.WithLabelValues("error").Inc()
	case result.Halted:
		telemetry.DrainPasses.WithLabelValues("halted").Inc()
	default:
		telemetry.DrainPasses.WithLabelValues("complete").Inc()
	}

	if len(result.Delivered) > 0 {
		a.notify(ctx, result.Delivered)
	}
	if n, cerr := a.queue.Size(ctx); cerr == nil {
		result.Remaining = n
	}

	logging.Info("Drain pass finished", map[string]interface{}{
		"delivered":     len(result.Delivered),
		"dead_lettered": len(result.DeadLettered),
		"remaining":     result.Remaining,
		"halted":        result.Halted,
		"reason":        result.Reason,
	})
	return result, err
}

func (a *Agent) drain(ctx context.Context) (models.DrainResult, error) {
	var result models.DrainResult

	pending, err := a.queue.Pending(ctx)
	if err != nil {
		a.queue.Recover(ctx, err)
		return result, err
	}

	for i := range pending {
		op := &pending[i]

		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				result.Halted = true
				result.Reason = "cancelled"
				return result, nil
			}
		}

		status, err := a.replayOne(ctx, op)
		if err != nil {
			telemetry.Replays.WithLabelValues(telemetry.OutcomeNetwork).Inc()
			result.Halted = true
			result.Reason = err.Error()
			return result, nil
		}

		switch {
		case status >= 200 && status < 300:
			if err := a.queue.Complete(ctx, op.QueueID); err != nil {
				// Delivered but not deleted: it will replay again, which
				// the idempotent remote handler tolerates.
				a.queue.Recover(ctx, err)
				return result, err
			}
			telemetry.Replays.WithLabelValues(telemetry.OutcomeDelivered).Inc()
			result.Delivered = append(result.Delivered, op.Entry())

		case apperrors.Classify(status) == apperrors.ErrDeliveryRejected:
			telemetry.Replays.WithLabelValues(telemetry.OutcomeRejected).Inc()
			if a.policy == config.RejectRetry {
				result.Halted = true
				result.Reason = fmt.Sprintf("rejected with status %d", status)
				return result, nil
			}
			if err := a.queue.DeadLetter(ctx, *op, status, http.StatusText(status)); err != nil {
				a.queue.Recover(ctx, err)
				return result, err
			}
			result.DeadLettered = append(result.DeadLettered, op.QueueID)

		default:
			telemetry.Replays.WithLabelValues(telemetry.OutcomeTransient).Inc()
			result.Halted = true
			result.Reason = fmt.Sprintf("transient status %d", status)
			return result, nil
		}
	}
	return result, nil
}

func (a *Agent) replayOne(ctx context.Context, op *models.QueuedOperation) (int, error) {
	req, err := queue.NewReplayRequest(ctx, op)
	if err != nil {
		return 0, err
	}
	resp, err := a.replay.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}

func (a *Agent) notify(ctx context.Context, delivered []models.FlushEntry) {
	if a.bus == nil {
		return
	}
	if err := bus.PublishJSON(ctx, a.bus, bus.SubjectFlushed, models.NewFlushMessage(delivered)); err != nil {
		logging.Error("Failed to publish flush notification", err,
			map[string]interface{}{"entries": len(delivered)})
	}
}

// Pending returns the number of queued operations.
func (a *Agent) Pending(ctx context.Context) (int, error) {
	return a.queue.Size(ctx)
}

// Supersede withdraws a queued operation that a newer write replaces. It
// waits for any running pass, so the operation is either delivered before
// the caller's write or not at all. An operation already gone is not an
// error.
func (a *Agent) Supersede(ctx context.Context, queueID string) error {
	a.drainMu.Lock()
	defer a.drainMu.Unlock()

	err := a.queue.Remove(ctx, queueID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	return err
}

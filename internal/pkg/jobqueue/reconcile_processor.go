package jobqueue

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
)

// processReconcilePaymentJob runs the reconciliation state machine for one
// callback. The error return feeds the queue's retry logic, so only retryable
// outcomes surface as errors; a payment landing in a failure status is a
// successfully processed job.
func (q *Queue) processReconcilePaymentJob(ctx context.Context, job *Job) error {
	payload, err := ReconcilePaymentJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	out := q.processor.Process(ctx, payload.ToCallback())
	if out.Retryable() {
		return out.Err
	}

	if out.AlreadyProcessed {
		log.Infof("[JobQueue] Job %s: payment already in terminal status %s", job.ID, out.Terminal)
	} else {
		log.Infof("[JobQueue] Job %s: payment reconciled to %s", job.ID, out.Terminal)
	}
	return nil
}

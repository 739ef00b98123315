// Package reconcile cancels calendar events left behind by a failed saga
// compensation.
package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/driving-school-scheduler/internal/apierror"
	"github.com/robertarktes/driving-school-scheduler/internal/domain"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
	"github.com/robertarktes/driving-school-scheduler/internal/resilience"
	"golang.org/x/sync/errgroup"
)

type Canceller interface {
	CancelEvent(ctx context.Context, calendarID, eventID string) error
}

type Auditor interface {
	LogEvent(ctx context.Context, event string, bookingID uuid.UUID, details map[string]interface{}) error
}

type Outcome int

const (
	Done Outcome = iota
	Retry
	Drop
)

func (o Outcome) String() string {
	switch o {
	case Done:
		return "done"
	case Retry:
		return "retry"
	default:
		return "drop"
	}
}

type Worker struct {
	cal         Canceller
	audit       Auditor
	logger      observability.Logger
	concurrency int
	maxBackoff  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewWorker builds a worker. audit may be nil.
func NewWorker(cal Canceller, audit Auditor, logger observability.Logger, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		cal:         cal,
		audit:       audit,
		logger:      logger,
		concurrency: concurrency,
		maxBackoff:  30 * time.Second,
		sleep:       sleep,
	}
}

// Handle cancels the event described by body. An event that is already gone
// counts as reconciled.
func (w *Worker) Handle(ctx context.Context, body []byte) (Outcome, time.Duration) {
	var ev domain.OrphanedEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.CalendarID == "" || ev.ExternalID == "" {
		w.logger.WithField("body", string(body)).Error("malformed orphaned event, dropping")
		return Drop, 0
	}
	log := w.logger.WithFields(map[string]interface{}{
		"booking_id":  ev.BookingID,
		"owner_role":  ev.OwnerRole,
		"calendar_id": ev.CalendarID,
		"event_id":    ev.ExternalID,
	})

	err := w.cal.CancelEvent(ctx, ev.CalendarID, ev.ExternalID)
	if err == nil || isNotFound(err) {
		log.Info("orphaned event reconciled")
		if w.audit != nil {
			if aerr := w.audit.LogEvent(ctx, "compensation.reconciled", ev.BookingID, map[string]interface{}{
				"owner_role": ev.OwnerRole,
				"event_id":   ev.ExternalID,
			}); aerr != nil {
				log.WithError(aerr).Warn("audit log write failed")
			}
		}
		return Done, 0
	}

	var open *resilience.OpenError
	if errors.As(err, &open) {
		log.WithField("retry_in", open.RetryIn).Warn("calendar circuit open, will retry")
		return Retry, min(open.RetryIn, w.maxBackoff)
	}
	apiErr := apierror.Classify(err, "reconcileCancel")
	if apiErr.Retryable() {
		log.WithError(apiErr).Warn("orphaned event cancel failed, will retry")
		return Retry, min(max(apiErr.RetryAfter(), time.Second), w.maxBackoff)
	}
	log.WithError(apiErr).WithField("kind", apiErr.Kind()).Error("orphaned event cannot be cancelled, dropping")
	return Drop, 0
}

// Run processes deliveries until ctx ends or the channel closes, at most
// concurrency at a time.
func (w *Worker) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case d, ok := <-deliveries:
			if !ok {
				break loop
			}
			g.Go(func() error {
				w.process(gctx, d)
				return nil
			})
		}
	}
	return g.Wait()
}

func (w *Worker) process(ctx context.Context, d amqp.Delivery) {
	outcome, wait := w.Handle(ctx, d.Body)

	var err error
	switch outcome {
	case Done:
		err = d.Ack(false)
	case Retry:
		// Hold the delivery before requeueing so an open circuit does not
		// spin the queue.
		if wait > 0 {
			_ = w.sleep(ctx, wait)
		}
		err = d.Nack(false, true)
	default:
		err = d.Nack(false, false)
	}
	if err != nil {
		w.logger.WithError(err).WithField("outcome", outcome.String()).Error("delivery not settled")
	}
}

func isNotFound(err error) bool {
	var resp *apierror.ResponseError
	if errors.As(err, &resp) && (resp.StatusCode == 404 || resp.StatusCode == 410) {
		return true
	}
	var apiErr *apierror.ExternalAPIError
	return errors.As(err, &apiErr) && apiErr.Kind() == apierror.KindNotFound
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

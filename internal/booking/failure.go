package booking

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/driving-school-scheduler/internal/apierror"
	"github.com/robertarktes/driving-school-scheduler/internal/domain"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
	"github.com/robertarktes/driving-school-scheduler/internal/resilience"
)

type Reason string

const (
	ReasonSlotUnavailable     Reason = "slotUnavailable"
	ReasonInsufficientQuota   Reason = "insufficientQuota"
	ReasonUpstreamUnavailable Reason = "upstreamUnavailable"
	ReasonInternal            Reason = "internalError"
	ReasonInvalidRequest      Reason = "invalidRequest"
	ReasonNotFound            Reason = "notFound"
	ReasonConflict            Reason = "conflict"
)

// Failure is the caller-facing outcome of a failed operation. Message is
// safe to show to users; Err keeps the cause for logs.
type Failure struct {
	Reason      Reason
	Message     string
	ReferenceID string
	RetryAfter  time.Duration
	Err         error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Reason, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Reason, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

func invalid(err error) *Failure {
	msg := strings.TrimSuffix(err.Error(), ": "+domain.ErrInvalidInput.Error())
	return &Failure{Reason: ReasonInvalidRequest, Message: msg, Err: err}
}

// InternalFailure hides the cause behind a reference id that is logged with it.
func InternalFailure(log observability.Logger, err error, msg string) *Failure {
	ref := uuid.NewString()
	log.WithError(err).WithField("reference_id", ref).Error(msg)
	return &Failure{
		Reason:      ReasonInternal,
		Message:     "something went wrong on our side, quote reference " + ref + " when contacting support",
		ReferenceID: ref,
		Err:         err,
	}
}

// UpstreamFailure maps a guarded calendar error to a caller outcome. Kinds
// that point at our own credentials or requests are internal failures.
func UpstreamFailure(log observability.Logger, err error, step string) *Failure {
	var open *resilience.OpenError
	if errors.As(err, &open) {
		return &Failure{
			Reason:     ReasonUpstreamUnavailable,
			Message:    "the calendar service is temporarily unavailable, please try again shortly",
			RetryAfter: open.RetryIn,
			Err:        err,
		}
	}

	apiErr := apierror.Classify(err, step)
	switch apiErr.Kind() {
	case apierror.KindRateLimited, apierror.KindQuotaExceeded, apierror.KindNetwork,
		apierror.KindServerError, apierror.KindTimeout:
		return &Failure{
			Reason:     ReasonUpstreamUnavailable,
			Message:    "the calendar service is temporarily unavailable, please try again shortly",
			RetryAfter: apiErr.RetryAfter(),
			Err:        apiErr,
		}
	case apierror.KindNotFound:
		if step == stepUserEvent {
			return &Failure{Reason: ReasonInvalidRequest, Message: "your calendar could not be found", Err: apiErr}
		}
	}
	return InternalFailure(log.WithField("kind", apiErr.Kind()), apiErr, "calendar call failed during "+step)
}

// Package idempotency replays the stored response of a completed request
// that is retried with the same Idempotency-Key.
package idempotency

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	redisadapter "github.com/robertarktes/driving-school-scheduler/internal/adapters/redis"
)

var ErrInProgress = errors.New("a request with this idempotency key is still in progress")

type Store interface {
	Get(ctx context.Context, key string) (*redisadapter.IdempResponse, error)
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, resp redisadapter.IdempResponse, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

type Idempotency struct {
	store       Store
	ttl         time.Duration
	inFlightTTL time.Duration
}

func NewIdempotency(store Store, ttl time.Duration) *Idempotency {
	return &Idempotency{store: store, ttl: ttl, inFlightTTL: 2 * time.Minute}
}

type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Begin claims key. It returns the stored response when the request already
// completed, ErrInProgress while another attempt holds the key, and
// (nil, nil) when the caller should process the request.
func (i *Idempotency) Begin(ctx context.Context, key string) (*Response, error) {
	cached, err := i.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		if cached.Status == 0 {
			return nil, ErrInProgress
		}
		return &Response{Status: cached.Status, ContentType: cached.ContentType, Body: cached.Result}, nil
	}

	ok, err := i.store.Reserve(ctx, key, i.inFlightTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInProgress
	}
	return nil, nil
}

// Complete stores resp for replay. Server errors are not stored; the key is
// released so the client may retry.
func (i *Idempotency) Complete(ctx context.Context, key string, resp Response) error {
	if resp.Status >= 500 {
		return i.store.Release(ctx, key)
	}
	return i.store.Set(ctx, key, redisadapter.IdempResponse{
		Status:      resp.Status,
		ContentType: resp.ContentType,
		Result:      resp.Body,
	}, i.ttl)
}

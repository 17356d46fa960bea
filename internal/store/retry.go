package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/team-progress-backend/internal/engine"
)

type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		AttemptTimeout:  2 * time.Second,
	}
}

// Retrying retries transient driver failures with exponential backoff.
// ErrNotFound and ErrVersionConflict are returned immediately.
type Retrying struct {
	inner  Store
	policy RetryPolicy
	logger *zap.Logger
}

func NewRetrying(inner Store, policy RetryPolicy, logger *zap.Logger) *Retrying {
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{inner: inner, policy: policy, logger: logger}
}

func (r *Retrying) Save(ctx context.Context, teamID string, state engine.State, version int64) error {
	_, err := retry(ctx, r, "save", teamID, func(actx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.Save(actx, teamID, state, version)
	})
	if err != nil {
		return fmt.Errorf("save team %s at version %d: %w", teamID, version, err)
	}
	return nil
}

func (r *Retrying) Load(ctx context.Context, teamID string) (engine.State, error) {
	s, err := retry(ctx, r, "load", teamID, func(actx context.Context) (engine.State, error) {
		return r.inner.Load(actx, teamID)
	})
	if err != nil {
		return engine.State{}, fmt.Errorf("load team %s: %w", teamID, err)
	}
	return s, nil
}

func retry[T any](ctx context.Context, r *Retrying, op, teamID string, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		b.InitialInterval = r.policy.InitialInterval
	}
	if r.policy.MaxInterval > 0 {
		b.MaxInterval = r.policy.MaxInterval
	}

	return backoff.Retry(ctx, func() (T, error) {
		actx := ctx
		if r.policy.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, r.policy.AttemptTimeout)
			defer cancel()
		}
		v, err := fn(actx)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.policy.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("persistence attempt failed",
				zap.String("op", op),
				zap.String("team_id", teamID),
				zap.Duration("retry_in", next),
				zap.Error(err),
			)
		}),
	)
}

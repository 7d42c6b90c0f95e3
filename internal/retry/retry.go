// Package retry centralizes the backoff policy used for every remote
// operation. CourseTree pages, manifest reads and media downloads all go
// through Do with a per-operation Policy instead of hand-rolled loops.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coursepull/coursepull/internal/logctx"
)

// Policy bounds the retries for one kind of remote operation.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
}

// StructurePolicy is used for curriculum page listings.
func StructurePolicy() Policy {
	return Policy{InitialInterval: 500 * time.Millisecond, MaxInterval: 8 * time.Second, MaxAttempts: 4}
}

// DownloadPolicy is used for whole-file and segment fetches.
func DownloadPolicy(maxAttempts int) Policy {
	if maxAttempts <= 0 {
		maxAttempts = 4
	}

	return Policy{InitialInterval: time.Second, MaxInterval: 30 * time.Second, MaxAttempts: maxAttempts}
}

// Permanent marks err as not worth retrying. Do returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError

	return errors.As(err, &perm)
}

// Do runs op under the policy, sleeping with exponential backoff between
// attempts. The context cancels both the sleeps and the operation.
func Do(ctx context.Context, p Policy, operation string, op func(ctx context.Context) error) error {
	logger := logctx.LoggerFromContext(ctx)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval

	attempt := 0

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++

		opErr := op(ctx)
		if opErr != nil && attempt < p.MaxAttempts && !IsPermanent(opErr) && ctx.Err() == nil {
			logger.Warn("operation failed, retrying",
				"operation", operation,
				"attempt", attempt,
				"max_attempts", p.MaxAttempts,
				"err", opErr,
			)
		}

		return struct{}{}, opErr
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	)

	return err
}

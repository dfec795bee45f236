// Package retry содержит общий помощник повторов с экспоненциальной задержкой.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Do выполняет fn до maxAttempts раз с задержками base, 2*base, 4*base, ...
// Каждая неудачная попытка логируется с её номером. После исчерпания попыток
// возвращается последняя ошибка; паник и скрытых повторов внутри нет.
func Do(ctx context.Context, logger *zap.Logger, op string, maxAttempts uint64, base time.Duration, fn func(ctx context.Context) error) error {
	// maxAttempts == 0 означал бы переполнение со снятием лимита повторов.
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempt := uint64(0)

	backoff := retry.WithMaxRetries(maxAttempts-1, retry.NewExponential(base))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := fn(ctx); err != nil {
			logger.Warn("attempt failed",
				zap.String("op", op),
				zap.Uint64("attempt", attempt),
				zap.Uint64("max_attempts", maxAttempts),
				zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestWithRetry_RetriesSerializationFailures(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_GivesUp(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	var pgErr *pgconn.PgError
	assert.True(t, errors.As(err, &pgErr))
	assert.Equal(t, 3, calls)
}

func TestWithRetry_DoesNotRetryOtherErrors(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return ErrInvalidTransition
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, calls)
}

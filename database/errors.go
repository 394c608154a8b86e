package database

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateEvent is returned when a dedup ledger insert hits the
	// unique constraint on idempotency_key, i.e. the event was already
	// published.
	ErrDuplicateEvent = errors.New("event already processed")
)

const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation
	}
	return false
}

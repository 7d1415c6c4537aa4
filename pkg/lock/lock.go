// Package lock provides per-key mutual exclusion for enrollment ticks and contact scoring.
package lock

import (
	"context"
	"errors"
)

// ErrNotHeld is returned when releasing a lock that expired or was taken over.
var ErrNotHeld = errors.New("lock not held")

// Release gives a lock back.
type Release func(ctx context.Context) error

// Locker serializes work per key. Acquire blocks until the key is free or ctx is done.
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// EnrollmentKey is the lock key serializing ticks of one enrollment.
func EnrollmentKey(enrollmentID string) string {
	return "enrollment:" + enrollmentID
}

// ContactScoreKey is the lock key serializing score updates of one contact.
func ContactScoreKey(contactID string) string {
	return "score:" + contactID
}

package storage

import (
	"errors"
	"fmt"
)

// ErrUnavailable marks a storage failure the caller may retry.
var ErrUnavailable = errors.New("storage: unavailable")

// Unavailable wraps a driver error so callers can match ErrUnavailable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

package service

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded means one credential ran out of upstream quota
	ErrQuotaExceeded = errors.New("credential quota exceeded")
	// ErrQuotaExhausted means no credential in the pool can serve a call
	ErrQuotaExhausted = errors.New("all credentials exhausted")

	ErrEmptySecret     = errors.New("credential secret is empty")
	ErrDuplicateSecret = errors.New("credential secret already exists")
)

// TransientError wraps a network or upstream failure worth retrying on the next cycle
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ConfigurationError reports a missing or unusable setting. It fails the whole cycle.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Setting, e.Reason)
}

func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

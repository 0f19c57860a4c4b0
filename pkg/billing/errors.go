package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrPriceNotConfigured is returned when checkout prices or redirect URLs are missing
	ErrPriceNotConfigured = errors.New("billing prices not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrProviderTransient matches provider failures worth retrying:
	// connectivity, timeouts, rate limits and provider-side errors.
	ErrProviderTransient = errors.New("transient billing provider error")

	// ErrProviderPermanent matches every other provider rejection.
	ErrProviderPermanent = errors.New("permanent billing provider error")
)

// ErrorKind classifies provider failures for retry decisions.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
)

// ProviderError is a classified failure of one provider call.
type ProviderError struct {
	Provider   string
	Op         string
	Kind       ErrorKind
	StatusCode int
	Code       string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: %s error (status %d): %v", e.Provider, e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %s error: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is lets errors.Is match the kind sentinels.
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrProviderTransient:
		return e.Kind == KindTransient
	case ErrProviderPermanent:
		return e.Kind == KindPermanent
	}
	return false
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrProviderTransient)
}

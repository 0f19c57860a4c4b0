package stripe

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobillsync/pkg/billing"
)

// classify turns an SDK error into a billing.ProviderError. Connectivity
// failures, timeouts, rate limits and provider-side errors are transient;
// everything else is permanent.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *billing.ProviderError
	if errors.As(err, &pe) {
		return err
	}

	out := &billing.ProviderError{Provider: providerName, Op: op, Kind: billing.KindPermanent, Err: err}

	var se *stripe.Error
	var netErr net.Error
	switch {
	case errors.As(err, &se):
		out.StatusCode = se.HTTPStatusCode
		out.Code = string(se.Code)
		if se.Type == stripe.ErrorTypeAPI ||
			se.Code == stripe.ErrorCodeRateLimit ||
			se.HTTPStatusCode == http.StatusTooManyRequests ||
			se.HTTPStatusCode >= http.StatusInternalServerError {
			out.Kind = billing.KindTransient
		}
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = billing.KindTransient
	case errors.Is(err, context.Canceled):
		// The caller gave up; retrying would not help.
	case errors.As(err, &netErr):
		out.Kind = billing.KindTransient
	}
	return out
}

func isNotFound(err error) bool {
	var pe *billing.ProviderError
	return errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound
}

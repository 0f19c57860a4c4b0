package billsync

import (
	"context"
	"errors"
)

// lookup is one fallible step in a record resolution chain.
type lookup struct {
	key  string
	find func(ctx context.Context, key string) (*Subscription, error)
}

// resolve tries each lookup in order and returns the first hit. Empty keys
// are skipped. Errors other than ErrSubscriptionNotFound stop the chain.
func resolve(ctx context.Context, chain ...lookup) (*Subscription, error) {
	for _, l := range chain {
		if l.key == "" {
			continue
		}
		sub, err := l.find(ctx, l.key)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return nil, err
		}
	}
	return nil, ErrSubscriptionNotFound
}

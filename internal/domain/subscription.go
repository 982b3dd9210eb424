package domain

import "context"

// FilterEvaluator evaluates a subscribe-time filter predicate against a
// decoded message. Its contract is intentionally opaque to the core: any
// implementation that answers (filter, message) -> bool is acceptable.
type FilterEvaluator interface {
	Match(ctx context.Context, filter string, message []byte) (bool, error)
}

// SubscriptionConfig captures the parameters of one rtm/subscribe request.
type SubscriptionConfig struct {
	SubscriptionID string
	Channel        string
	Position       *StreamCursor // nil means "tail from newest"
	Filter         string        // empty means no filter
	BatchSize      int           // 0 defaults to 1
}

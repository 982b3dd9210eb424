package domain

// Metrics is the narrow set of counters/gauges the protocol engine emits.
// Implementations back this with a real meter (OTel) or a no-op.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	SubscriptionOpened()
	SubscriptionClosed()
	MessagePublished(role string, bytes int)
	MessageWritten(role string, bytes int)
	BackendError(op string)
}

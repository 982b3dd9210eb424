package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func roleAttr(role string) attribute.KeyValue {
	return attribute.String("rtmbroker.role", role)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String("rtmbroker.backend_op", op)
}

func semconvServiceName(service string) []attribute.KeyValue {
	return []attribute.KeyValue{semconv.ServiceName(service)}
}

// Package observability provides metrics and logging setup.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod = "method"
	attrPath   = "path"
	attrStatus = "status"
	attrKind   = "kind"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

// normalizePath collapses per-engine paths to keep label cardinality bounded.
func normalizePath(path string) string {
	const prefix = "/v1/engines/"
	if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
		return "/v1/engines/{id}"
	}
	return path
}

// WithKind returns a metric option with the consumer kind attribute.
func WithKind(kind string) metric.MeasurementOption {
	return metric.WithAttributes(kindAttr(kind))
}

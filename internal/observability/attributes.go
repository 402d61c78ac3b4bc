// Package observability provides metrics and attribute helpers.
package observability

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrSource  = "source"
	attrRegion  = "region"
	attrVariant = "variant"
	attrSuccess = "success"
	attrKind    = "kind"
	attrStatus  = "status"
)

func sourceAttr(source string) attribute.KeyValue {
	return attribute.String(attrSource, source)
}

func regionAttr(region string) attribute.KeyValue {
	return attribute.String(attrRegion, region)
}

func variantAttr(variant string) attribute.KeyValue {
	return attribute.String(attrVariant, variant)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func statusAttr(status string) attribute.KeyValue {
	return attribute.String(attrStatus, status)
}

// WithJob returns a metric option carrying the job identity attributes.
func WithJob(source, region, variant string) metric.MeasurementOption {
	return metric.WithAttributes(sourceAttr(source), regionAttr(region), variantAttr(variant))
}

// WithSuccess returns a metric option with the success attribute.
func WithSuccess(success bool) metric.MeasurementOption {
	return metric.WithAttributes(successAttr(success))
}

// WithStatus returns a metric option with the run status attribute.
func WithStatus(status string) metric.MeasurementOption {
	return metric.WithAttributes(statusAttr(status))
}

// Package adapter implements the app ports against Redis, DynamoDB, SNS,
// SMTP, Kafka and AWS Secrets Manager. Each adapter depends on a narrow
// consumer-defined interface so tests can substitute stubs or miniredis.
package adapter

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("identity/adapter")

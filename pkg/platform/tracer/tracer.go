// Package tracer provides a lightweight tracing abstraction for the credential
// services.
//
// Services depend on the Tracer interface rather than on OpenTelemetry directly
// so tests can run with NoopTracer and production can swap in OTelTracer.
//
// Implementations:
//   - NoopTracer: for tests
//   - OTelTracer: OpenTelemetry adapter for production
package tracer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Span represents an active trace span.
type Span interface {
	// End completes the span. A non-nil err marks the span as failed.
	// End must be called exactly once, typically via defer.
	End(err error)

	SetAttributes(attrs ...Attribute)

	AddEvent(name string, attrs ...Attribute)
}

// Tracer creates spans. Implementations must be safe for concurrent use.
type Tracer interface {
	// Start creates a new span. The returned context carries the span and
	// should be passed to child operations.
	//
	// Example:
	//   ctx, span := t.Start(ctx, tracer.SpanIssue,
	//       tracer.String(tracer.AttrCredentialID, id),
	//   )
	//   defer span.End(err)
	Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, Span)
}

// Attribute represents a key-value pair attached to spans.
type Attribute struct {
	Key   string
	Value any
}

// String creates a string attribute.
func String(key, value string) Attribute {
	return Attribute{Key: key, Value: value}
}

// Bool creates a boolean attribute.
func Bool(key string, value bool) Attribute {
	return Attribute{Key: key, Value: value}
}

// Int64 creates an int64 attribute.
func Int64(key string, value int64) Attribute {
	return Attribute{Key: key, Value: value}
}

// Float64 creates a float64 attribute.
func Float64(key string, value float64) Attribute {
	return Attribute{Key: key, Value: value}
}

// Duration creates a duration attribute in milliseconds.
func Duration(key string, value time.Duration) Attribute {
	return Attribute{Key: key, Value: value.Milliseconds()}
}

// HashSubject returns a short SHA-256 digest of a subject identifier so traces
// can be correlated without carrying the identifier itself.
func HashSubject(subjectID string) string {
	if subjectID == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(subjectID))
	return hex.EncodeToString(hash[:8])
}

// Span names.
const (
	SpanIssue              = "credential.issue"
	SpanIssueCommit        = "credential.issue.commit"
	SpanIssueProve         = "credential.issue.prove"
	SpanIssueSign          = "credential.issue.sign"
	SpanIssueAnchor        = "credential.issue.anchor"
	SpanIssueReconcile     = "credential.issue.reconcile"
	SpanRevoke             = "credential.revoke"
	SpanVerify             = "credential.verify"
	SpanVerifyPresentation = "credential.verify_presentation"
	SpanPresent            = "credential.present"
	SpanCustodyCall        = "custody.call"
)

// Attribute keys.
const (
	AttrCredentialID = "credential_id"
	AttrSubjectHash  = "subject_hash"
	AttrIssuerID     = "issuer_id"
	AttrStatus       = "status"
	AttrValid        = "valid"
	AttrFieldCount   = "field_count"
	AttrDisclosed    = "disclosed_count"
	AttrCacheHit     = "cache.hit"
)

// Event names.
const (
	EventDuplicateDetected = "duplicate.detected"
	EventAnchorRejected    = "anchor.rejected"
)

package paddlehook

import "time"

// Metrics defines the interface for tracking webhook processing.
// All methods are optional - the processor gracefully handles nil
// metrics by substituting NoopMetrics.
type Metrics interface {
	// RecordWebhookEvent records a processed webhook event.
	// status: "success", "duplicate", or "error"
	RecordWebhookEvent(eventType, status string)

	// RecordWebhookProcessingDuration records how long a webhook took
	// end to end (verify through finalize).
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: "auth_failed", "invalid_payload", "payload_too_large",
	// "admission_error", "dispatch_error", "finalize_error"
	RecordWebhookError(errorType string)

	// RecordStaleLockTakeover records an admission that replaced a
	// stale processing lock left by a crashed or slow worker.
	RecordStaleLockTakeover(eventType string)

	// RecordAPICall records an outbound API call to Paddle.
	// status: HTTP status code as string (e.g., "200", "404", "500")
	RecordAPICall(endpoint, status string)

	// RecordAPICallDuration records how long an outbound API call took.
	RecordAPICallDuration(endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_ string)                               {}
func (n *NoopMetrics) RecordStaleLockTakeover(_ string)                          {}
func (n *NoopMetrics) RecordAPICall(_, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_ string, _ time.Duration)           {}

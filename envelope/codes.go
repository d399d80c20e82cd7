package envelope

// Stable error codes carried in Error envelopes.  These identifiers are
// part of the wire contract and must never be renamed.
const (
	CodeDeviceUnavailable     = "DEVICE_UNAVAILABLE"
	CodeTimeout               = "TIMEOUT"
	CodeCancelled             = "CANCELLED"
	CodeBackpressure          = "BACKPRESSURE"
	CodeUnauthenticated       = "UNAUTHENTICATED"
	CodeRateLimited           = "RATE_LIMITED"
	CodeInvalidEnvelope       = "INVALID_ENVELOPE"
	CodeUnsupportedCommand    = "UNSUPPORTED_COMMAND"
	CodeDuplicateRegistration = "DUPLICATE_REGISTRATION"
)

// Well-known event names synthesized by the broker.
const (
	EventPropertyChanged = "property_changed"
	EventErrorNotice     = "error_notice"
	EventDeviceFailover  = "device_failover"
	EventHeartbeat       = "heartbeat"
)

package envelope

import (
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

// DeviceInfo describes a device as reported in its Registration
// envelope and echoed in Discovery responses.
type DeviceInfo struct {
	ID              string                 `json:"id" mapstructure:"id"`
	Type            string                 `json:"type" mapstructure:"type"`
	Manufacturer    string                 `json:"manufacturer,omitempty" mapstructure:"manufacturer"`
	Model           string                 `json:"model,omitempty" mapstructure:"model"`
	FirmwareVersion string                 `json:"firmwareVersion,omitempty" mapstructure:"firmwareVersion"`
	Capabilities    []string               `json:"capabilities,omitempty" mapstructure:"capabilities"`
	Properties      map[string]interface{} `json:"properties,omitempty" mapstructure:"properties"`
}

// DecodeDeviceInfo builds a DeviceInfo from a free-form map, as
// received from transports that deliver registration payloads as
// unstructured JSON objects.
func DecodeDeviceInfo(raw map[string]interface{}) (*DeviceInfo, error) {
	var info DeviceInfo
	if err := mapstructure.Decode(raw, &info); err != nil {
		return nil, err
	}

	return &info, nil
}

// Message is the union of all envelope fields, made optional except for
// the header fields common to every type.  A single struct is used so
// that transcoding and bridging code can operate without knowledge of
// the exact envelope type.
//
// IMPORTANT: any new wire field must be added both here and to the
// knownKeys set in codec.go, or it will be misclassified as an
// extension on decode.
type Message struct {
	Type               Type      `json:"messageType"`
	MessageID          string    `json:"messageId"`
	DeviceID           string    `json:"deviceId,omitempty"`
	Timestamp          Timestamp `json:"timestamp"`
	OriginalMessageID  string    `json:"originalMessageId,omitempty"`
	Priority           Priority  `json:"priority,omitempty"`
	QOS                QOS       `json:"qos,omitempty"`
	ExpireAfterSeconds int       `json:"expireAfterSeconds,omitempty"`

	// Command fields
	Command    string                 `json:"command,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Response fields.  Status is also used by Registration acks.
	Status string `json:"status,omitempty"`

	// Event fields
	Event            string `json:"event,omitempty"`
	RelatedMessageID string `json:"relatedMessageId,omitempty"`

	// Error fields
	ErrorCode    string   `json:"errorCode,omitempty"`
	ErrorMessage string   `json:"errorMessage,omitempty"`
	Severity     Severity `json:"severity,omitempty"`

	// Registration / Discovery fields
	DeviceInfo  *DeviceInfo           `json:"deviceInfo,omitempty"`
	DeviceTypes []string              `json:"deviceTypes,omitempty"`
	Devices     map[string]DeviceInfo `json:"devices,omitempty"`

	// Authentication fields
	Method      string `json:"method,omitempty"`
	Credentials string `json:"credentials,omitempty"`

	// Shared by several types
	Properties map[string]interface{} `json:"properties,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`

	// Extensions holds unknown keys observed during decode.  They are
	// not part of the envelope model but are preserved on re-encode so
	// bridges can round-trip opaque payloads.
	Extensions map[string]interface{} `json:"-"`
}

// NewID generates a globally unique envelope identifier.  The uuid
// package draws from crypto/rand.
func NewID() string {
	return uuid.NewString()
}

// NewCommand creates a Command envelope addressed to the given device.
func NewCommand(deviceID, command string, parameters map[string]interface{}) *Message {
	return &Message{
		Type:       CommandType,
		MessageID:  NewID(),
		DeviceID:   deviceID,
		Timestamp:  Now(),
		Priority:   Normal,
		Command:    command,
		Parameters: parameters,
	}
}

// NewResponse creates a Response correlated to the given Command.
func NewResponse(command *Message, status string, properties map[string]interface{}) *Message {
	return &Message{
		Type:              ResponseType,
		MessageID:         NewID(),
		DeviceID:          command.DeviceID,
		Timestamp:         Now(),
		OriginalMessageID: command.MessageID,
		Priority:          command.Priority,
		QOS:               command.QOS,
		Status:            status,
		Command:           command.Command,
		Properties:        properties,
	}
}

// NewEvent creates an Event envelope originating at the given device.
func NewEvent(deviceID, event string, properties, details map[string]interface{}) *Message {
	return &Message{
		Type:       EventType,
		MessageID:  NewID(),
		DeviceID:   deviceID,
		Timestamp:  Now(),
		Priority:   Normal,
		Event:      event,
		Properties: properties,
		Details:    details,
	}
}

// NewError creates an Error envelope.  The originalMessageID may be
// empty when the error is not correlated to a Command.
func NewError(deviceID, originalMessageID, code, message string) *Message {
	return &Message{
		Type:              ErrorType,
		MessageID:         NewID(),
		DeviceID:          deviceID,
		Timestamp:         Now(),
		OriginalMessageID: originalMessageID,
		Priority:          High,
		ErrorCode:         code,
		ErrorMessage:      message,
		Severity:          SeverityError,
	}
}

// NewRegistration creates the Registration envelope a device sends
// after authenticating.
func NewRegistration(info *DeviceInfo) *Message {
	return &Message{
		Type:       RegistrationType,
		MessageID:  NewID(),
		DeviceID:   info.ID,
		Timestamp:  Now(),
		DeviceInfo: info,
	}
}

// NewDiscoveryRequest creates a DiscoveryRequest, optionally filtered
// to the given device types.
func NewDiscoveryRequest(deviceTypes ...string) *Message {
	return &Message{
		Type:        DiscoveryRequestType,
		MessageID:   NewID(),
		Timestamp:   Now(),
		DeviceTypes: deviceTypes,
	}
}

// NewDiscoveryResponse answers a DiscoveryRequest with a device snapshot.
func NewDiscoveryResponse(request *Message, devices map[string]DeviceInfo) *Message {
	return &Message{
		Type:              DiscoveryResponseType,
		MessageID:         NewID(),
		Timestamp:         Now(),
		OriginalMessageID: request.MessageID,
		Devices:           devices,
	}
}

// NewAuthentication creates the Authentication envelope a peer sends as
// its first message on transports without a connect-time handshake.
func NewAuthentication(method, credentials string) *Message {
	return &Message{
		Type:        AuthenticationType,
		MessageID:   NewID(),
		Timestamp:   Now(),
		Method:      method,
		Credentials: credentials,
	}
}

// Fail builds an Error envelope correlated to this message, suitable
// for returning to its sender.
func (m *Message) Fail(code, reason string) *Message {
	return NewError(m.DeviceID, m.MessageID, code, reason)
}

// CorrelatesTo tests whether this envelope acknowledges the message
// with the given id.
func (m *Message) CorrelatesTo(messageID string) bool {
	return m.Type.SupportsCorrelation() && m.OriginalMessageID == messageID
}

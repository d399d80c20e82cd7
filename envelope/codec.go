package envelope

import (
	"fmt"
)

// knownKeys lists every wire field name the Message struct maps.  Keys
// outside this set survive decode in Message.Extensions.
var knownKeys = map[string]bool{
	"messageType":        true,
	"messageId":          true,
	"deviceId":           true,
	"timestamp":          true,
	"originalMessageId":  true,
	"priority":           true,
	"qos":                true,
	"expireAfterSeconds": true,
	"command":            true,
	"parameters":         true,
	"properties":         true,
	"status":             true,
	"details":            true,
	"event":              true,
	"relatedMessageId":   true,
	"errorCode":          true,
	"errorMessage":       true,
	"severity":           true,
	"deviceInfo":         true,
	"deviceTypes":        true,
	"devices":            true,
	"method":             true,
	"credentials":        true,
}

// DecodeError indicates that a frame could not be decoded or failed
// envelope validation.  The Reason is human-readable; callers decide
// whether to reply with an Error envelope.
type DecodeError struct {
	Reason string
	Cause  error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid envelope: %s: %s", e.Reason, e.Cause)
	}

	return fmt.Sprintf("invalid envelope: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

func newDecodeError(reason string, cause error) *DecodeError {
	return &DecodeError{Reason: reason, Cause: cause}
}

// Validate checks the structural invariants every envelope must hold.
// It returns a DecodeError describing the first violation found.
func (m *Message) Validate() error {
	switch {
	case m.Type < CommandType || m.Type > AuthenticationType:
		return newDecodeError("missing or invalid messageType", nil)
	case len(m.MessageID) == 0:
		return newDecodeError("missing messageId", nil)
	case m.Timestamp.IsZero():
		return newDecodeError("missing timestamp", nil)
	case !m.Priority.Valid():
		return newDecodeError("invalid priority", nil)
	case !m.QOS.Valid():
		return newDecodeError("invalid qos", nil)
	}

	switch m.Type {
	case CommandType:
		if len(m.Command) == 0 {
			return newDecodeError("Command envelope requires a command", nil)
		}
	case RegistrationType:
		if m.DeviceInfo == nil || len(m.DeviceInfo.ID) == 0 || len(m.DeviceInfo.Type) == 0 {
			return newDecodeError("Registration envelope requires deviceInfo.id and deviceInfo.type", nil)
		}
	}

	return nil
}

// encodeJSON produces the canonical JSON encoding of a message,
// merging any preserved extension keys.
func encodeJSON(m *Message) ([]byte, error) {
	var encoded []byte
	if err := NewEncoderBytes(&encoded, JSON).Encode(m); err != nil {
		return nil, err
	}

	if len(m.Extensions) == 0 {
		return encoded, nil
	}

	// re-encode through a map so extensions sit beside the model fields
	var object map[string]interface{}
	if err := NewDecoderBytes(encoded, JSON).Decode(&object); err != nil {
		return nil, err
	}

	for key, value := range m.Extensions {
		if !knownKeys[key] {
			object[key] = value
		}
	}

	encoded = encoded[:0]
	if err := NewEncoderBytes(&encoded, JSON).Encode(object); err != nil {
		return nil, err
	}

	return encoded, nil
}

// Encode serializes an envelope in the given format.  Validation is
// not performed; use Validate before encoding untrusted envelopes.
func Encode(m *Message, f Format) ([]byte, error) {
	encoded, err := encodeJSON(m)
	if err != nil {
		return nil, err
	}

	if f == JSON {
		return encoded, nil
	}

	// non-JSON formats transcode the canonical JSON object so that the
	// custom field marshaling stays identical across formats
	var object map[string]interface{}
	if err := NewDecoderBytes(encoded, JSON).Decode(&object); err != nil {
		return nil, err
	}

	var out []byte
	if err := NewEncoderBytes(&out, f).Encode(object); err != nil {
		return nil, err
	}

	return out, nil
}

// Decode deserializes and validates an envelope.  Unknown keys are
// preserved in the returned message's Extensions map.
func Decode(data []byte, f Format) (*Message, error) {
	if f != JSON {
		var object map[string]interface{}
		if err := NewDecoderBytes(data, f).Decode(&object); err != nil {
			return nil, newDecodeError("malformed frame", err)
		}

		transcoded := data[:0:0]
		if err := NewEncoderBytes(&transcoded, JSON).Encode(object); err != nil {
			return nil, newDecodeError("malformed frame", err)
		}

		data = transcoded
	}

	message := new(Message)
	if err := NewDecoderBytes(data, JSON).Decode(message); err != nil {
		return nil, newDecodeError("malformed JSON", err)
	}

	var object map[string]interface{}
	if err := NewDecoderBytes(data, JSON).Decode(&object); err != nil {
		return nil, newDecodeError("malformed JSON", err)
	}

	for key := range object {
		if knownKeys[key] {
			delete(object, key)
		}
	}

	if len(object) > 0 {
		message.Extensions = object
	}

	if err := message.Validate(); err != nil {
		return nil, err
	}

	return message, nil
}

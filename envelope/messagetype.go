package envelope

import (
	"fmt"
	"strings"
)

// Type indicates the kind of envelope
type Type int

const (
	CommandType Type = iota + 1
	ResponseType
	EventType
	ErrorType
	DiscoveryRequestType
	DiscoveryResponseType
	RegistrationType
	AuthenticationType

	InvalidTypeString = "!!INVALID!!"
)

func (t Type) String() string {
	switch t {
	case CommandType:
		return "Command"
	case ResponseType:
		return "Response"
	case EventType:
		return "Event"
	case ErrorType:
		return "Error"
	case DiscoveryRequestType:
		return "DiscoveryRequest"
	case DiscoveryResponseType:
		return "DiscoveryResponse"
	case RegistrationType:
		return "Registration"
	case AuthenticationType:
		return "Authentication"
	}

	return InvalidTypeString
}

// ParseType returns the Type corresponding to a wire string.
// This function is case-insensitive.
func ParseType(value string) (Type, error) {
	for t := CommandType; t <= AuthenticationType; t++ {
		if strings.EqualFold(t.String(), value) {
			return t, nil
		}
	}

	return Type(0), fmt.Errorf("invalid message type: %s", value)
}

// SupportsCorrelation tests if envelopes of this type may carry an
// originalMessageId referring to a triggering Command.
func (t Type) SupportsCorrelation() bool {
	switch t {
	case ResponseType, ErrorType:
		return true
	default:
		return false
	}
}

func (t Type) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func (t *Type) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' {
		return fmt.Errorf("message type must be a JSON string: %s", data)
	}

	parsed, err := ParseType(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}

	*t = parsed
	return nil
}

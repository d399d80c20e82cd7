package envelope

// Priority orders envelopes within a peer's outbound queue.
// It never affects delivery semantics, only queue position.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "Low"
	case Normal:
		return "Normal"
	case High:
		return "High"
	case Critical:
		return "Critical"
	}

	return InvalidTypeString
}

// Valid tests if this priority is one of the four defined levels.
func (p Priority) Valid() bool {
	return p >= Low && p <= Critical
}

// QOS is the delivery contract for an envelope.
type QOS int

const (
	AtMostOnce QOS = iota
	AtLeastOnce
	ExactlyOnce
)

func (q QOS) String() string {
	switch q {
	case AtMostOnce:
		return "AtMostOnce"
	case AtLeastOnce:
		return "AtLeastOnce"
	case ExactlyOnce:
		return "ExactlyOnce"
	}

	return InvalidTypeString
}

func (q QOS) Valid() bool {
	return q >= AtMostOnce && q <= ExactlyOnce
}

// RequiresAck tests if envelopes sent under this contract must be
// retained until a matching acknowledgement arrives.
func (q QOS) RequiresAck() bool {
	return q >= AtLeastOnce
}

// Severity describes how serious a device-reported Error is.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "Debug"
	case SeverityInfo:
		return "Info"
	case SeverityWarning:
		return "Warning"
	case SeverityError:
		return "Error"
	case SeverityCritical:
		return "Critical"
	}

	return InvalidTypeString
}

package mqtttransport

import (
	"strings"
)

// DefaultRoot is the first segment of every topic used by the adaptor.
const DefaultRoot = "astrocomm"

// Topic kinds under astrocomm/device/{id}/...
const (
	KindCommand = "command"
	KindStatus  = "status"
	KindData    = "data"
	KindEvent   = "event"
)

// Topics builds and parses the per-device topic scheme:
//
//	{root}/device/{id}/command        commands addressed to the device
//	{root}/device/{id}/status         retained connection status
//	{root}/device/{id}/data/{stream}  telemetry streams
//	{root}/device/{id}/event/{name}   discrete events
type Topics struct {
	Root string
}

func (t Topics) root() string {
	if t.Root == "" {
		return DefaultRoot
	}

	return t.Root
}

func (t Topics) Command(deviceID string) string {
	return t.root() + "/device/" + deviceID + "/" + KindCommand
}

func (t Topics) Status(deviceID string) string {
	return t.root() + "/device/" + deviceID + "/" + KindStatus
}

func (t Topics) Data(deviceID, stream string) string {
	return t.root() + "/device/" + deviceID + "/" + KindData + "/" + stream
}

func (t Topics) Event(deviceID, name string) string {
	return t.root() + "/device/" + deviceID + "/" + KindEvent + "/" + name
}

// DeviceFilter subscribes to everything originated by devices: status,
// data streams, and events.
func (t Topics) DeviceFilter() []string {
	prefix := t.root() + "/device/+/"
	return []string{
		prefix + KindStatus,
		prefix + KindData + "/#",
		prefix + KindEvent + "/#",
	}
}

// CommandFilter subscribes to the command topics, for device-side use.
func (t Topics) CommandFilter() []string {
	return []string{t.root() + "/device/+/" + KindCommand}
}

// Parse splits a topic into device id, kind, and detail (the stream or
// event name, empty for command/status).  ok is false for topics
// outside the scheme.
func (t Topics) Parse(topic string) (deviceID, kind, detail string, ok bool) {
	prefix := t.root() + "/device/"
	if !strings.HasPrefix(topic, prefix) {
		return
	}

	parts := strings.SplitN(topic[len(prefix):], "/", 3)
	if len(parts) < 2 || parts[0] == "" {
		return
	}

	deviceID, kind = parts[0], parts[1]
	switch kind {
	case KindCommand, KindStatus:
		ok = len(parts) == 2
	case KindData, KindEvent:
		if len(parts) == 3 && parts[2] != "" {
			detail = parts[2]
			ok = true
		}
	}

	return
}

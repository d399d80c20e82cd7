package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	assert := assert.New(t)

	for expected := CommandType; expected <= AuthenticationType; expected++ {
		actual, err := ParseType(expected.String())
		assert.NoError(err)
		assert.Equal(expected, actual)
	}

	_, err := ParseType("nosuchtype")
	assert.Error(err)

	actual, err := ParseType("command")
	assert.NoError(err)
	assert.Equal(CommandType, actual)
}

func TestTimestampRoundTrip(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		ts      = Timestamp(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	)

	data, err := ts.MarshalJSON()
	require.NoError(err)
	assert.Equal(`"2025-01-01T12:00:00.000Z"`, string(data))

	var decoded Timestamp
	require.NoError(decoded.UnmarshalJSON(data))
	assert.True(ts.Time().Equal(decoded.Time()))
}

func TestTimestampExpired(t *testing.T) {
	var (
		assert = assert.New(t)
		base   = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
		ts     = Timestamp(base)
	)

	assert.False(ts.Expired(0, base.Add(time.Hour)))
	assert.False(ts.Expired(30, base.Add(29*time.Second)))
	assert.True(ts.Expired(30, base.Add(31*time.Second)))
}

func TestDecodeCommand(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)

		raw = []byte(`{"messageType":"Command","messageId":"m1","deviceId":"telescope-1",` +
			`"timestamp":"2025-01-01T12:00:00.000Z","priority":2,"qos":1,` +
			`"expireAfterSeconds":30,"command":"goto","parameters":{"ra":12.5,"dec":45.0}}`)
	)

	message, err := Decode(raw, JSON)
	require.NoError(err)

	assert.Equal(CommandType, message.Type)
	assert.Equal("m1", message.MessageID)
	assert.Equal("telescope-1", message.DeviceID)
	assert.Equal(High, message.Priority)
	assert.Equal(AtLeastOnce, message.QOS)
	assert.Equal(30, message.ExpireAfterSeconds)
	assert.Equal("goto", message.Command)
	assert.Contains(message.Parameters, "ra")
	assert.Empty(message.Extensions)
}

func TestDecodeValidation(t *testing.T) {
	testData := []struct {
		name string
		raw  string
	}{
		{"missingType", `{"messageId":"m1","timestamp":"2025-01-01T12:00:00.000Z"}`},
		{"missingId", `{"messageType":"Event","timestamp":"2025-01-01T12:00:00.000Z","event":"e"}`},
		{"missingTimestamp", `{"messageType":"Event","messageId":"m1","event":"e"}`},
		{"emptyCommand", `{"messageType":"Command","messageId":"m1","timestamp":"2025-01-01T12:00:00.000Z"}`},
		{"registrationNoId", `{"messageType":"Registration","messageId":"m1",` +
			`"timestamp":"2025-01-01T12:00:00.000Z","deviceInfo":{"type":"telescope"}}`},
		{"badPriority", `{"messageType":"Event","messageId":"m1",` +
			`"timestamp":"2025-01-01T12:00:00.000Z","event":"e","priority":9}`},
		{"notJSON", `this is not json`},
	}

	for _, record := range testData {
		t.Run(record.name, func(t *testing.T) {
			assert := assert.New(t)
			message, err := Decode([]byte(record.raw), JSON)
			assert.Nil(message)

			var decodeError *DecodeError
			assert.ErrorAs(err, &decodeError)
		})
	}
}

func TestRoundTripPreservesExtensions(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)

		raw = []byte(`{"messageType":"Event","messageId":"m1","deviceId":"scope-1",` +
			`"timestamp":"2025-01-01T12:00:00.000Z","event":"slewing",` +
			`"x-vendor":{"nested":true},"traceId":"abc"}`)
	)

	message, err := Decode(raw, JSON)
	require.NoError(err)
	require.Len(message.Extensions, 2)
	assert.Contains(message.Extensions, "x-vendor")
	assert.Contains(message.Extensions, "traceId")

	encoded, err := Encode(message, JSON)
	require.NoError(err)

	again, err := Decode(encoded, JSON)
	require.NoError(err)
	assert.Equal(message.Extensions, again.Extensions)
	assert.Equal(message.Event, again.Event)
	assert.Equal(message.MessageID, again.MessageID)
}

func TestRoundTripAllTypes(t *testing.T) {
	var (
		require = require.New(t)
		assert  = assert.New(t)

		messages = []*Message{
			NewCommand("scope-1", "goto", map[string]interface{}{"ra": "12.5"}),
			NewResponse(NewCommand("scope-1", "ping", nil), "OK", nil),
			NewEvent("scope-1", "slewing", nil, map[string]interface{}{"detail": "x"}),
			NewError("scope-1", "m1", CodeTimeout, "deadline exceeded"),
			NewRegistration(&DeviceInfo{ID: "scope-1", Type: "telescope"}),
			NewDiscoveryRequest("telescope"),
			NewDiscoveryResponse(
				NewDiscoveryRequest(),
				map[string]DeviceInfo{"scope-1": {ID: "scope-1", Type: "telescope"}},
			),
			NewAuthentication("token", "opaque"),
		}
	)

	for _, format := range []Format{JSON, Msgpack} {
		for _, original := range messages {
			encoded, err := Encode(original, format)
			require.NoError(err)

			decoded, err := Decode(encoded, format)
			require.NoError(err, "type %s format %s", original.Type, format)

			assert.Equal(original.Type, decoded.Type)
			assert.Equal(original.MessageID, decoded.MessageID)
			assert.Equal(original.DeviceID, decoded.DeviceID)
			assert.Equal(original.OriginalMessageID, decoded.OriginalMessageID)
			assert.True(original.Timestamp.Time().Equal(decoded.Timestamp.Time()))
		}
	}
}

func TestDecodeDeviceInfo(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
	)

	info, err := DecodeDeviceInfo(map[string]interface{}{
		"id":           "focuser-1",
		"type":         "focuser",
		"manufacturer": "ZWO",
		"capabilities": []interface{}{"absolute", "temperature"},
	})

	require.NoError(err)
	assert.Equal("focuser-1", info.ID)
	assert.Equal("focuser", info.Type)
	assert.Equal("ZWO", info.Manufacturer)
	assert.Equal([]string{"absolute", "temperature"}, info.Capabilities)
}

func TestFail(t *testing.T) {
	assert := assert.New(t)

	command := NewCommand("ghost", "ping", nil)
	failure := command.Fail(CodeDeviceUnavailable, "no such device")

	assert.Equal(ErrorType, failure.Type)
	assert.Equal(command.MessageID, failure.OriginalMessageID)
	assert.Equal(CodeDeviceUnavailable, failure.ErrorCode)
	assert.True(failure.CorrelatesTo(command.MessageID))
	assert.False(command.CorrelatesTo(command.MessageID))
}

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/astrocomm/broker/auth"
	"github.com/astrocomm/broker/transport"
	"github.com/astrocomm/broker/types"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const configJSON = `{
	"broker": {
		"heartbeatInterval": 30,
		"autosaveIntervalSeconds": 5,
		"snapshotPath": "/var/lib/astrocomm/devices.json",
		"sessionTimeoutMinutes": 15,
		"maxFailedAttempts": 5,
		"rateLimitDurationMinutes": 10,
		"maxQueueSoft": 1000,
		"maxQueueHard": 5000,
		"retryBaseMs": 500,
		"retryMaxMs": 10000,
		"retryMaxAttempts": 4,
		"pendingResponseTimeoutMs": 15000,
		"allowedCommands": ["ping", "goto", "park"],
		"enableCommandFiltering": true,
		"auth": {
			"bearer": {"s3cret": "operator"}
		},
		"transports": {
			"tcp": {"endpoint": "0.0.0.0:7624", "readTimeout": "45s"},
			"websocket": {"endpoint": "0.0.0.0:8080"}
		}
	}
}`

func load(t *testing.T, document string) *Config {
	v := viper.New()
	v.SetConfigType("json")
	require.NoError(t, v.ReadConfig(strings.NewReader(document)))

	c, err := FromViper(Sub(v))
	require.NoError(t, err)
	return c
}

func TestFromViper(t *testing.T) {
	assert := assert.New(t)
	c := load(t, configJSON)

	assert.Equal(30, c.HeartbeatInterval)
	assert.Equal(5, c.AutosaveIntervalSeconds)
	assert.Equal("/var/lib/astrocomm/devices.json", c.SnapshotPath)
	assert.Equal(15, c.SessionTimeoutMinutes)
	assert.Equal([]string{"ping", "goto", "park"}, c.AllowedCommands)
	assert.True(c.EnableCommandFiltering)
}

func TestFromViperNil(t *testing.T) {
	c, err := FromViper(nil)
	require.NoError(t, err)
	assert.Zero(t, c.HeartbeatInterval)
}

func TestTransportOptions(t *testing.T) {
	assert := assert.New(t)
	c := load(t, configJSON)

	tcp, ok := c.TransportOptions(transport.TagTCP)
	require.True(t, ok)
	assert.Equal("0.0.0.0:7624", tcp.Endpoint)
	assert.Equal(types.Duration(45*time.Second), tcp.ReadTimeout)
	assert.Equal(45*time.Second, tcp.ReadWait())

	_, ok = c.TransportOptions(transport.TagMQTT)
	assert.False(ok)
}

func TestQueueOptions(t *testing.T) {
	assert := assert.New(t)
	qo := load(t, configJSON).QueueOptions()

	assert.Equal(500*time.Millisecond, qo.RetryBase)
	assert.Equal(10*time.Second, qo.RetryMax)
	assert.Equal(4, qo.MaxAttempts)
	assert.Equal(1000, qo.SoftBound)
	assert.Equal(5000, qo.HardBound)
}

func TestAuthenticator(t *testing.T) {
	assert := assert.New(t)
	c := load(t, configJSON)

	a := c.Authenticator()
	require.NotNil(t, a)

	result := a.Authenticate(auth.MethodToken, "s3cret", "10.0.0.1")
	assert.Equal(auth.Ok, result.Status)
	assert.Equal("operator", result.Identity)

	result = a.Authenticate(auth.MethodBasic, "user:pass", "10.0.0.1")
	assert.Equal(auth.Denied, result.Status)
}

func TestAuthenticatorDisabled(t *testing.T) {
	c := load(t, `{"broker": {"heartbeatInterval": 1}}`)
	assert.Nil(t, c.Authenticator())
}

func TestBrokerOptions(t *testing.T) {
	assert := assert.New(t)
	o := load(t, configJSON).BrokerOptions()

	assert.Equal(30*time.Second, o.HeartbeatInterval)
	assert.Equal(5*time.Second, o.AutosaveDelay)
	require.NotNil(t, o.Persister)
	require.NotNil(t, o.Session)
	assert.Equal(15*time.Minute, o.Session.IdleTimeout)
	require.NotNil(t, o.Router)
	assert.Equal(15*time.Second, o.Router.CommandTimeout)
	assert.True(o.Router.EnableCommandFiltering)
}

package auth

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/astrocomm/broker/clock/clocktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasic(t *testing.T) {
	var (
		require = require.New(t)
		assert  = assert.New(t)
	)

	hash, err := HashPassword("correct horse")
	require.NoError(err)

	a := NewBasic(map[string]string{"observer": hash})

	testData := []struct {
		name        string
		method      string
		credentials string
		status      Status
		identity    string
	}{
		{"valid", MethodBasic, "observer:correct horse", Ok, "observer"},
		{"base64", MethodBasic, base64.StdEncoding.EncodeToString([]byte("observer:correct horse")), Ok, "observer"},
		{"badPassword", MethodBasic, "observer:wrong", Denied, ""},
		{"unknownUser", MethodBasic, "intruder:correct horse", Denied, ""},
		{"malformed", MethodBasic, "observer", Denied, ""},
		{"wrongMethod", MethodToken, "observer:correct horse", Denied, ""},
	}

	for _, record := range testData {
		t.Run(record.name, func(t *testing.T) {
			result := a.Authenticate(record.method, record.credentials, "10.0.0.1")
			assert.Equal(record.status, result.Status)
			assert.Equal(record.identity, result.Identity)
		})
	}
}

func TestBearer(t *testing.T) {
	assert := assert.New(t)

	a := NewBearer(map[string]string{
		"tok-aaaa": "scope-a",
		"tok-bbbb": "scope-b",
	})

	result := a.Authenticate(MethodToken, "tok-aaaa", "")
	assert.Equal(Ok, result.Status)
	assert.Equal("scope-a", result.Identity)

	assert.Equal(Denied, a.Authenticate(MethodToken, "tok-cccc", "").Status)
	assert.Equal(Denied, a.Authenticate(MethodToken, "tok-aaa", "").Status)
	assert.Equal(Denied, a.Authenticate(MethodBasic, "tok-aaaa", "").Status)
}

func TestMethods(t *testing.T) {
	assert := assert.New(t)

	a := Methods(map[string]Authenticator{
		MethodToken: NewBearer(map[string]string{"tok": "peer"}),
	})

	assert.Equal(Ok, a.Authenticate(MethodToken, "tok", "").Status)
	assert.Equal(Denied, a.Authenticate(MethodBasic, "user:pass", "").Status)
}

func TestLimiterTripsAndRecovers(t *testing.T) {
	assert := assert.New(t)

	fc := clocktest.NewFake(time.Now())
	a := NewLimited(
		NewBearer(map[string]string{"tok": "peer"}),
		&LimiterOptions{Limit: 3, Window: time.Minute, Clock: fc},
	)

	for i := 0; i < 3; i++ {
		assert.Equal(Denied, a.Authenticate(MethodToken, "bad", "10.0.0.1").Status)
	}

	// window full: even valid credentials are refused
	assert.Equal(RateLimited, a.Authenticate(MethodToken, "tok", "10.0.0.1").Status)

	// a different address is unaffected
	assert.Equal(Ok, a.Authenticate(MethodToken, "tok", "10.0.0.2").Status)

	// failures age out of the window
	fc.Advance(61 * time.Second)
	assert.Equal(Ok, a.Authenticate(MethodToken, "tok", "10.0.0.1").Status)
}

func TestAllowAll(t *testing.T) {
	assert := assert.New(t)

	result := AllowAll().Authenticate(MethodNone, "", "10.9.8.7")
	assert.Equal(Ok, result.Status)
	assert.Equal("10.9.8.7", result.Identity)
}

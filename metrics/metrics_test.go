package metrics

import (
	"testing"

	"github.com/go-kit/kit/metrics/provider"
	"github.com/stretchr/testify/assert"
)

func TestNewMeasures(t *testing.T) {
	var (
		assert = assert.New(t)
		m      = NewMeasures(provider.NewDiscardProvider())
	)

	assert.NotNil(m.Devices)
	assert.NotNil(m.Sessions)
	assert.NotNil(m.Sent)
	assert.NotNil(m.Received)
	assert.NotNil(m.Failed)
	assert.NotNil(m.Acknowledged)
	assert.NotNil(m.RoutingDrop)
	assert.NotNil(m.FanoutFail)
	assert.NotNil(m.AuthDenied)
	assert.NotNil(m.QueueReject)
	assert.NotNil(m.DecodeFail)

	// discard metrics tolerate arbitrary use
	m.Sent.Add(1.0)
	m.Devices.Set(12.0)
}

func TestNewTestMeasures(t *testing.T) {
	var (
		assert = assert.New(t)
		m      = NewTestMeasures()
	)

	assert.NotNil(m.Sent)
	m.Failed.Add(3.0)
}

func TestHandler(t *testing.T) {
	assert := assert.New(t)
	assert.NotNil(Handler())
}

package zmqtransport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPatternRoles(t *testing.T) {
	testData := []struct {
		pattern  Pattern
		name     string
		sends    bool
		receives bool
		binds    bool
	}{
		{Rep, "rep", true, true, true},
		{Req, "req", true, false, false},
		{Pub, "pub", true, false, true},
		{Sub, "sub", false, true, false},
		{Push, "push", true, false, false},
		{Pull, "pull", false, true, true},
	}

	for _, record := range testData {
		t.Run(record.name, func(t *testing.T) {
			assert := assert.New(t)
			assert.Equal(record.name, record.pattern.String())
			assert.Equal(record.sends, record.pattern.sends())
			assert.Equal(record.receives, record.pattern.receives())
			assert.Equal(record.binds, record.pattern.binds())
		})
	}
}

func TestSendUnsupported(t *testing.T) {
	assert := assert.New(t)

	c := &zmqConn{pattern: Pull}
	assert.Equal(errSendUnsupported, c.Send([]byte("x")))
}

package transport

import (
	"testing"
	"time"

	"github.com/astrocomm/broker/types"

	"github.com/stretchr/testify/assert"
)

func TestOptionsValidate(t *testing.T) {
	testData := []struct {
		name    string
		options *Options
		valid   bool
	}{
		{"nil", nil, true},
		{"defaults", DefaultOptions("localhost:7624"), true},
		{"emptyEndpoint", &Options{BufferSize: 1, MaxMessageSize: 1, ReadTimeout: types.Duration(time.Second), WriteTimeout: types.Duration(time.Second)}, false},
		{"zeroBuffer", &Options{Endpoint: "x", MaxMessageSize: 1, ReadTimeout: types.Duration(time.Second), WriteTimeout: types.Duration(time.Second)}, false},
		{"zeroMaxMessage", &Options{Endpoint: "x", BufferSize: 1, ReadTimeout: types.Duration(time.Second), WriteTimeout: types.Duration(time.Second)}, false},
		{"zeroReadTimeout", &Options{Endpoint: "x", BufferSize: 1, MaxMessageSize: 1, WriteTimeout: types.Duration(time.Second)}, false},
		{"longDelimiter", func() *Options {
			o := DefaultOptions("x")
			o.Delimiter = "\r\n"
			return o
		}(), false},
		{"badFraming", func() *Options {
			o := DefaultOptions("x")
			o.Framing = FramingMode(99)
			return o
		}(), false},
	}

	for _, record := range testData {
		t.Run(record.name, func(t *testing.T) {
			err := record.options.Validate()
			if record.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestOptionsDefaults(t *testing.T) {
	assert := assert.New(t)

	var o *Options
	assert.Equal(DefaultBufferSize, o.Buffer())
	assert.Equal(DefaultMaxMessageSize, o.MaxFrame())
	assert.Equal(DefaultReadTimeout, o.ReadWait())
	assert.Equal(DefaultWriteTimeout, o.WriteWait())
	assert.Equal(byte('\n'), o.DelimiterByte())

	custom := &Options{Delimiter: ";", BufferSize: 64}
	assert.Equal(byte(';'), custom.DelimiterByte())
	assert.Equal(64, custom.Buffer())
}

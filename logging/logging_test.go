package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLogger(t *testing.T) {
	assert := assert.New(t)
	assert.NotNil(DefaultLogger())
	assert.Equal(DefaultLogger(), DefaultLogger())
	assert.NoError(DefaultLogger().Log("msg", "discarded"))
}

func TestNew(t *testing.T) {
	assert := assert.New(t)
	assert.NotNil(New(nil))
	assert.NotNil(New(&Options{Level: "DEBUG", JSON: true}))
}

func TestNewFilter(t *testing.T) {
	testData := []struct {
		level   string
		allowed []func(log.Logger, ...interface{}) log.Logger
		denied  []func(log.Logger, ...interface{}) log.Logger
	}{
		{"DEBUG", []func(log.Logger, ...interface{}) log.Logger{Debug, Info, Warn, Error}, nil},
		{"INFO", []func(log.Logger, ...interface{}) log.Logger{Info, Warn, Error}, []func(log.Logger, ...interface{}) log.Logger{Debug}},
		{"WARN", []func(log.Logger, ...interface{}) log.Logger{Warn, Error}, []func(log.Logger, ...interface{}) log.Logger{Debug, Info}},
		{"", []func(log.Logger, ...interface{}) log.Logger{Error}, []func(log.Logger, ...interface{}) log.Logger{Debug, Info, Warn}},
	}

	for _, record := range testData {
		t.Run(record.level, func(t *testing.T) {
			assert := assert.New(t)

			var output bytes.Buffer
			logger := NewFilter(log.NewJSONLogger(&output), &Options{Level: record.level})

			for _, leveled := range record.allowed {
				output.Reset()
				assert.NoError(leveled(logger).Log(MessageKey(), "expected"))
				assert.NotEmpty(output.Bytes())
			}

			for _, leveled := range record.denied {
				output.Reset()
				assert.NoError(leveled(logger).Log(MessageKey(), "filtered"))
				assert.Empty(output.Bytes())
			}
		})
	}
}

func TestNewTestLogger(t *testing.T) {
	assert := assert.New(t)

	logger := NewTestLogger(nil, t)
	assert.NotNil(logger)
	assert.NoError(Debug(logger).Log(MessageKey(), "captured by the test log"))
}

func TestLevelHelpers(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		output  bytes.Buffer
		logger  = log.NewJSONLogger(&output)
	)

	require.NoError(Error(logger, "peer", "client-17").Log(MessageKey(), "send failed"))

	var entry map[string]interface{}
	require.NoError(json.Unmarshal(output.Bytes(), &entry))

	assert.Equal("error", entry["level"])
	assert.Equal("client-17", entry["peer"])
	assert.Equal("send failed", entry["msg"])
	assert.Contains(entry, "caller")
}

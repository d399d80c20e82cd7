package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDurationString(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("15m0s", Duration(15*time.Minute).String())
}

func TestDurationMarshalJSON(t *testing.T) {
	assert := assert.New(t)

	data, err := json.Marshal(Duration(2 * time.Hour))
	assert.NoError(err)
	assert.Equal(`"2h0m0s"`, string(data))
}

func TestDurationUnmarshalJSON(t *testing.T) {
	testData := []struct {
		json     string
		expected Duration
		errors   bool
	}{
		{`"30s"`, Duration(30 * time.Second), false},
		{`"1h15m"`, Duration(time.Hour + 15*time.Minute), false},
		{`150000000`, Duration(150 * time.Millisecond), false},
		{`"this is not a duration"`, Duration(0), true},
		{`{"huh": true}`, Duration(0), true},
	}

	for _, record := range testData {
		t.Run(record.json, func(t *testing.T) {
			var (
				assert = assert.New(t)
				actual Duration
			)

			err := json.Unmarshal([]byte(record.json), &actual)
			if record.errors {
				assert.Error(err)
				return
			}

			assert.NoError(err)
			assert.Equal(record.expected, actual)
		})
	}
}

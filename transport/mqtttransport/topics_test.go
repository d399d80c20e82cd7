package mqtttransport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicsBuild(t *testing.T) {
	assert := assert.New(t)

	var topics Topics
	assert.Equal("astrocomm/device/mount-1/command", topics.Command("mount-1"))
	assert.Equal("astrocomm/device/mount-1/status", topics.Status("mount-1"))
	assert.Equal("astrocomm/device/cam-1/data/frames", topics.Data("cam-1", "frames"))
	assert.Equal("astrocomm/device/cam-1/event/shutter", topics.Event("cam-1", "shutter"))

	custom := Topics{Root: "obs"}
	assert.Equal("obs/device/d/command", custom.Command("d"))
	assert.Equal(
		[]string{"obs/device/+/status", "obs/device/+/data/#", "obs/device/+/event/#"},
		custom.DeviceFilter(),
	)
}

func TestTopicsParse(t *testing.T) {
	testData := []struct {
		topic    string
		deviceID string
		kind     string
		detail   string
		ok       bool
	}{
		{"astrocomm/device/mount-1/command", "mount-1", KindCommand, "", true},
		{"astrocomm/device/mount-1/status", "mount-1", KindStatus, "", true},
		{"astrocomm/device/cam-1/data/frames", "cam-1", KindData, "frames", true},
		{"astrocomm/device/cam-1/event/shutter", "cam-1", KindEvent, "shutter", true},
		{"astrocomm/device/cam-1/data", "", "", "", false},
		{"astrocomm/device/cam-1/command/extra", "", "", "", false},
		{"astrocomm/device//status", "", "", "", false},
		{"other/device/cam-1/status", "", "", "", false},
		{"astrocomm/broker/egress", "", "", "", false},
	}

	for _, record := range testData {
		t.Run(record.topic, func(t *testing.T) {
			assert := assert.New(t)

			deviceID, kind, detail, ok := Topics{}.Parse(record.topic)
			assert.Equal(record.ok, ok)
			if record.ok {
				assert.Equal(record.deviceID, deviceID)
				assert.Equal(record.kind, kind)
				assert.Equal(record.detail, detail)
			}
		})
	}
}

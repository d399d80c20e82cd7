package logging

import (
	"reflect"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"gopkg.in/natefinch/lumberjack.v2"
)

func testOptionsOutputDefault(t *testing.T) {
	var (
		assert = assert.New(t)
		o      *Options
	)

	assert.NotNil(o.output())
}

func testOptionsOutputStdout(t *testing.T) {
	var (
		assert = assert.New(t)
		o      = &Options{File: StdoutFile}
	)

	_, isLumberjack := o.output().(*lumberjack.Logger)
	assert.False(isLumberjack)
}

func testOptionsOutputFile(t *testing.T) {
	var (
		assert = assert.New(t)
		o      = &Options{
			File:       "/var/log/broker/broker.log",
			MaxSize:    104,
			MaxAge:     5,
			MaxBackups: 17,
		}
	)

	writer, isLumberjack := o.output().(*lumberjack.Logger)
	assert.True(isLumberjack)
	assert.Equal("/var/log/broker/broker.log", writer.Filename)
	assert.Equal(104, writer.MaxSize)
	assert.Equal(5, writer.MaxAge)
	assert.Equal(17, writer.MaxBackups)
}

func TestOptionsOutput(t *testing.T) {
	t.Run("Default", testOptionsOutputDefault)
	t.Run("Stdout", testOptionsOutputStdout)
	t.Run("File", testOptionsOutputFile)
}

func TestOptionsLoggerFactory(t *testing.T) {
	testData := []struct {
		name     string
		o        *Options
		expected uintptr
	}{
		{"Default", nil, reflect.ValueOf(log.NewLogfmtLogger).Pointer()},
		{"Logfmt", &Options{JSON: false}, reflect.ValueOf(log.NewLogfmtLogger).Pointer()},
		{"JSON", &Options{JSON: true}, reflect.ValueOf(log.NewJSONLogger).Pointer()},
	}

	for _, record := range testData {
		t.Run(record.name, func(t *testing.T) {
			assert := assert.New(t)
			assert.Equal(record.expected, reflect.ValueOf(record.o.loggerFactory()).Pointer())
		})
	}
}

func TestOptionsLevel(t *testing.T) {
	var (
		assert = assert.New(t)
		o      *Options
	)

	assert.Equal("", o.level())
	assert.Equal("DEBUG", (&Options{Level: "DEBUG"}).level())
}

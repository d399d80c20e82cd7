package logging

import (
	"github.com/go-kit/log"
)

// testSink is the interface testing.T satisfies for log capture
type testSink interface {
	Log(...interface{})
}

type testWriter struct {
	testSink
}

func (tw testWriter) Write(data []byte) (int, error) {
	tw.Log(string(data))
	return len(data), nil
}

// NewTestLogger produces a go-kit Logger which delegates to the supplied
// testing log.  Passing a nil options pointer yields a DEBUG logger,
// which is usually appropriate for tests.
func NewTestLogger(o *Options, t testSink) log.Logger {
	if o == nil {
		o = &Options{Level: "DEBUG"}
	}

	return NewFilter(
		log.WithPrefix(
			o.loggerFactory()(testWriter{t}),
			TimestampKey(), log.DefaultTimestampUTC,
		),
		o,
	)
}

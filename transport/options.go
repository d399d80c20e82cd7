package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/astrocomm/broker/types"
)

const (
	DefaultBufferSize     = 4096
	DefaultMaxMessageSize = 1 << 20
	DefaultReadTimeout    = 30 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
)

// FramingMode selects how line-oriented transports delimit envelopes.
type FramingMode int

const (
	// NewlineFraming terminates each frame with the configured
	// delimiter (default '\n')
	NewlineFraming FramingMode = iota

	// LengthPrefixFraming precedes each frame with a 4-byte big-endian
	// length
	LengthPrefixFraming
)

func (fm FramingMode) String() string {
	switch fm {
	case NewlineFraming:
		return "newline"
	case LengthPrefixFraming:
		return "lengthPrefix"
	}

	return "unknown"
}

// CompressionType is reserved for adaptors that compress frames.
type CompressionType int

const (
	NoCompression CompressionType = iota
	GzipCompression
)

// AuthMethod selects how the adaptor conveys credentials.
type AuthMethod string

const (
	// AuthNone defers authentication to the first envelope
	AuthNone AuthMethod = ""

	// AuthBasic carries base64 user:pass credentials
	AuthBasic AuthMethod = "basic"

	// AuthToken carries an opaque bearer token
	AuthToken AuthMethod = "token"
)

var (
	errEmptyEndpoint     = errors.New("transport: endpoint must not be empty")
	errZeroBuffer        = errors.New("transport: bufferSize must be positive")
	errZeroTimeout       = errors.New("transport: timeouts must be positive")
	errZeroMaxMessage    = errors.New("transport: maxMessageSize must be positive")
	errInvalidFraming    = errors.New("transport: unknown framing mode")
	errInvalidDelimiter  = errors.New("transport: delimiter must be a single byte")
	errInvalidComression = errors.New("transport: unknown compression type")
)

// Options is the enumerated configuration every adaptor consumes.
// Zero durations and sizes select the documented defaults; Validate
// rejects explicitly invalid settings.
type Options struct {
	// Endpoint is the listen address (server role) or remote address
	// (client role).  Ignored by the stdio adaptor.
	Endpoint string `json:"endpoint"`

	// BufferSize is the read buffer capacity in bytes
	BufferSize int `json:"bufferSize"`

	// MaxMessageSize bounds a single frame
	MaxMessageSize int `json:"maxMessageSize"`

	// ReadTimeout bounds a single blocking read
	ReadTimeout types.Duration `json:"readTimeout"`

	// WriteTimeout bounds a single blocking write
	WriteTimeout types.Duration `json:"writeTimeout"`

	// Framing selects the line-transport framing mode
	Framing FramingMode `json:"framing"`

	// Delimiter overrides the newline terminator for NewlineFraming
	Delimiter string `json:"delimiter"`

	// Binary enables length-prefixed opaque blob mode on line
	// transports.  Core envelopes do not use it.
	Binary bool `json:"binary"`

	// Compression is applied to frames where the adaptor supports it
	Compression CompressionType `json:"compression"`

	// Auth selects how the transport conveys credentials at connect
	// time, where the protocol has a connect handshake
	Auth AuthMethod `json:"auth"`

	// TLSEnabled requests a TLS listener or dialer.  Certificate
	// provisioning is external to the core.
	TLSEnabled bool `json:"tlsEnabled"`

	// PlatformOptimizations enables transport-specific socket tuning
	PlatformOptimizations bool `json:"platformOptimizations"`
}

// DefaultOptions produces a valid Options for the given endpoint with
// every tunable at its documented default.
func DefaultOptions(endpoint string) *Options {
	return &Options{
		Endpoint:       endpoint,
		BufferSize:     DefaultBufferSize,
		MaxMessageSize: DefaultMaxMessageSize,
		ReadTimeout:    types.Duration(DefaultReadTimeout),
		WriteTimeout:   types.Duration(DefaultWriteTimeout),
	}
}

// Validate rejects configurations the adaptors cannot honor: zero or
// negative buffers, timeouts, and frame bounds, and empty endpoints.
func (o *Options) Validate() error {
	switch {
	case o == nil:
		return nil
	case len(o.Endpoint) == 0:
		return errEmptyEndpoint
	case o.BufferSize <= 0:
		return errZeroBuffer
	case o.MaxMessageSize <= 0:
		return errZeroMaxMessage
	case o.ReadTimeout <= 0 || o.WriteTimeout <= 0:
		return errZeroTimeout
	case o.Framing != NewlineFraming && o.Framing != LengthPrefixFraming:
		return errInvalidFraming
	case len(o.Delimiter) > 1:
		return errInvalidDelimiter
	case o.Compression != NoCompression && o.Compression != GzipCompression:
		return errInvalidComression
	}

	return nil
}

// Buffer returns the effective read buffer capacity.
func (o *Options) Buffer() int {
	if o != nil && o.BufferSize > 0 {
		return o.BufferSize
	}

	return DefaultBufferSize
}

// MaxFrame returns the effective frame bound.
func (o *Options) MaxFrame() int {
	if o != nil && o.MaxMessageSize > 0 {
		return o.MaxMessageSize
	}

	return DefaultMaxMessageSize
}

// ReadWait returns the effective blocking-read timeout.
func (o *Options) ReadWait() time.Duration {
	if o != nil && o.ReadTimeout > 0 {
		return time.Duration(o.ReadTimeout)
	}

	return DefaultReadTimeout
}

// WriteWait returns the effective blocking-write timeout.
func (o *Options) WriteWait() time.Duration {
	if o != nil && o.WriteTimeout > 0 {
		return time.Duration(o.WriteTimeout)
	}

	return DefaultWriteTimeout
}

// DelimiterByte returns the effective frame terminator for
// NewlineFraming.
func (o *Options) DelimiterByte() byte {
	if o != nil && len(o.Delimiter) == 1 {
		return o.Delimiter[0]
	}

	return '\n'
}

func (o *Options) endpoint() string {
	if o != nil {
		return o.Endpoint
	}

	return ""
}

// String is a compact description for logs.
func (o *Options) String() string {
	return fmt.Sprintf(
		"endpoint=%s framing=%s binary=%t tls=%t",
		o.endpoint(), o.Framing, o != nil && o.Binary, o != nil && o.TLSEnabled,
	)
}

// Package config unmarshals the broker's configuration surface from
// viper and materializes component options from it.
package config

import (
	"reflect"
	"time"

	"github.com/astrocomm/broker/auth"
	"github.com/astrocomm/broker/broker"
	"github.com/astrocomm/broker/queue"
	"github.com/astrocomm/broker/router"
	"github.com/astrocomm/broker/session"
	"github.com/astrocomm/broker/transport"
	"github.com/astrocomm/broker/types"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// BrokerKey is the viper subkey holding the broker configuration.
	BrokerKey = "broker"
)

// Auth is the authentication block.  Empty maps disable the
// corresponding method; both empty disables authentication entirely.
type Auth struct {
	// Basic maps usernames to bcrypt password hashes.
	Basic map[string]string `mapstructure:"basic"`

	// Bearer maps opaque tokens to identities.
	Bearer map[string]string `mapstructure:"bearer"`
}

// Config is the full broker option table.  Field names and units match
// the wire-level configuration document.
type Config struct {
	// HeartbeatInterval is the keep-alive period in seconds; 0 disables.
	HeartbeatInterval int `mapstructure:"heartbeatInterval"`

	// AutosaveIntervalSeconds is the registry persistence debounce.
	AutosaveIntervalSeconds int `mapstructure:"autosaveIntervalSeconds"`

	// SnapshotPath enables registry persistence when nonempty.
	SnapshotPath string `mapstructure:"snapshotPath"`

	// SessionTimeoutMinutes is the idle deadline for authenticated
	// sessions.
	SessionTimeoutMinutes int `mapstructure:"sessionTimeoutMinutes"`

	// MaxFailedAttempts and RateLimitDurationMinutes shape the auth
	// throttling window.
	MaxFailedAttempts        int `mapstructure:"maxFailedAttempts"`
	RateLimitDurationMinutes int `mapstructure:"rateLimitDurationMinutes"`

	// MaxQueueSoft and MaxQueueHard are per-session back-pressure
	// bounds.
	MaxQueueSoft int `mapstructure:"maxQueueSoft"`
	MaxQueueHard int `mapstructure:"maxQueueHard"`

	// RetryBaseMs, RetryMaxMs, and RetryMaxAttempts are the QoS retry
	// parameters.
	RetryBaseMs      int `mapstructure:"retryBaseMs"`
	RetryMaxMs       int `mapstructure:"retryMaxMs"`
	RetryMaxAttempts int `mapstructure:"retryMaxAttempts"`

	// PendingResponseTimeoutMs is the router correlation deadline.
	PendingResponseTimeoutMs int `mapstructure:"pendingResponseTimeoutMs"`

	// AllowedCommands and EnableCommandFiltering gate forwarded
	// commands.
	AllowedCommands        []string `mapstructure:"allowedCommands"`
	EnableCommandFiltering bool     `mapstructure:"enableCommandFiltering"`

	// Auth configures the shipped authenticators.
	Auth Auth `mapstructure:"auth"`

	// Transports maps transport tags (tcp, websocket, mqtt, zeromq,
	// grpc, stdio) to their adaptor options.  Only listed transports
	// are served.
	Transports map[string]transport.Options `mapstructure:"transports"`
}

// Sub returns the standard child viper for this package.  If passed
// nil, this function returns nil.
func Sub(v *viper.Viper) *viper.Viper {
	if v != nil {
		return v.Sub(BrokerKey)
	}

	return nil
}

// NewViper produces a viper instance configured with the broker's
// conventions: the application name is the config file name, the
// environment prefix, and the /etc and $HOME lookup path.
func NewViper(applicationName string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(applicationName)
	v.AddConfigPath("/etc/" + applicationName)
	v.AddConfigPath("$HOME/." + applicationName)
	v.AddConfigPath(".")

	v.SetEnvPrefix(applicationName)
	v.AutomaticEnv()

	return v
}

// stringToDurationHookFunc parses duration strings into
// types.Duration, which the stock mapstructure hook does not cover.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	durationType := reflect.TypeOf(types.Duration(0))
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != durationType {
			return data, nil
		}

		d, err := time.ParseDuration(data.(string))
		return types.Duration(d), err
	}
}

// FromViper produces a Config from a (possibly nil) viper instance.
// Callers should use FromViper(Sub(v)) if the standard subkey is
// desired.
func FromViper(v *viper.Viper) (*Config, error) {
	c := new(Config)
	if v != nil {
		hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		))

		if err := v.Unmarshal(c, hook); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// TransportOptions looks up the adaptor options for one transport tag.
func (c *Config) TransportOptions(tag transport.Tag) (*transport.Options, bool) {
	o, ok := c.Transports[string(tag)]
	if !ok {
		return nil, false
	}

	return &o, true
}

// Authenticator builds the configured authenticator chain, or nil when
// no method is configured.
func (c *Config) Authenticator() auth.Authenticator {
	methods := make(map[string]auth.Authenticator)
	if len(c.Auth.Basic) > 0 {
		methods[auth.MethodBasic] = auth.NewBasic(c.Auth.Basic)
	}
	if len(c.Auth.Bearer) > 0 {
		methods[auth.MethodToken] = auth.NewBearer(c.Auth.Bearer)
	}

	if len(methods) == 0 {
		return nil
	}

	return auth.NewLimited(auth.Methods(methods), &auth.LimiterOptions{
		Limit:  c.MaxFailedAttempts,
		Window: time.Duration(c.RateLimitDurationMinutes) * time.Minute,
	})
}

// QueueOptions materializes the per-session queue settings.
func (c *Config) QueueOptions() *queue.Options {
	return &queue.Options{
		RetryBase:   time.Duration(c.RetryBaseMs) * time.Millisecond,
		RetryMax:    time.Duration(c.RetryMaxMs) * time.Millisecond,
		MaxAttempts: c.RetryMaxAttempts,
		SoftBound:   c.MaxQueueSoft,
		HardBound:   c.MaxQueueHard,
	}
}

// SessionOptions materializes the session manager settings, including
// the authenticator.
func (c *Config) SessionOptions() *session.Options {
	return &session.Options{
		Auth:        c.Authenticator(),
		IdleTimeout: time.Duration(c.SessionTimeoutMinutes) * time.Minute,
		Queue:       c.QueueOptions(),
	}
}

// RouterOptions materializes the routing settings.
func (c *Config) RouterOptions() *router.Options {
	return &router.Options{
		CommandTimeout:         time.Duration(c.PendingResponseTimeoutMs) * time.Millisecond,
		AllowedCommands:        c.AllowedCommands,
		EnableCommandFiltering: c.EnableCommandFiltering,
	}
}

// BrokerOptions assembles the full broker option set.
func (c *Config) BrokerOptions() *broker.Options {
	o := &broker.Options{
		HeartbeatInterval: time.Duration(c.HeartbeatInterval) * time.Second,
		AutosaveDelay:     time.Duration(c.AutosaveIntervalSeconds) * time.Second,
		Session:           c.SessionOptions(),
		Router:            c.RouterOptions(),
	}

	if c.SnapshotPath != "" {
		o.Persister = &broker.FileStore{Path: c.SnapshotPath}
	}

	return o
}

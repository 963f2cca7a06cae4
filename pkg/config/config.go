// Package config holds the daemon configuration file format.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/speters/ecotouchd/pkg/ecotouch"
)

const (
	DefaultPollInterval        = 60 * time.Second
	DefaultTooManyUsersBackoff = 30 * time.Second
	DefaultListen              = ":8080"
	DefaultRootTopic           = "ecotouchd"
)

// Config holds the complete daemon configuration
type Config struct {
	Log     LogConfig      `yaml:"log"`
	Listen  string         `yaml:"listen"`
	Poll    PollConfig     `yaml:"poll"`
	MQTT    MQTTConfig     `yaml:"mqtt"`
	Devices []DeviceConfig `yaml:"devices"`
}

// LogConfig selects level and output format of logrus
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// PollConfig controls the polling loop
type PollConfig struct {
	Interval            time.Duration `yaml:"interval"`
	TooManyUsersBackoff time.Duration `yaml:"too_many_users_backoff"`
	LoginRetryDelay     time.Duration `yaml:"login_retry_delay"`
	Timeout             time.Duration `yaml:"timeout"`
}

// MQTTConfig holds the broker connection used to publish tag values
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	ClientID  string `yaml:"client_id"`
	RootTopic string `yaml:"root_topic"`
	UseTLS    bool   `yaml:"use_tls,omitempty"`
	// Retain published messages on the broker
	Retain bool `yaml:"retain"`
}

// DeviceConfig describes one heat pump controller
type DeviceConfig struct {
	Name           string          `yaml:"name"`
	Family         ecotouch.Family `yaml:"family"`
	Host           string          `yaml:"host"`
	Username       string          `yaml:"username"`
	Password       string          `yaml:"password"`
	TagsPerRequest int             `yaml:"tags_per_request"`
	Language       string          `yaml:"language"`
	// Tags to poll. Empty means every tag except the switching programs.
	Tags []string `yaml:"tags"`
}

// Default returns a configuration with all defaults applied and no devices
func Default() *Config {
	return &Config{
		Log:    LogConfig{Level: "info", Format: "text"},
		Listen: DefaultListen,
		Poll: PollConfig{
			Interval:            DefaultPollInterval,
			TooManyUsersBackoff: DefaultTooManyUsersBackoff,
			LoginRetryDelay:     ecotouch.DefaultLoginRetryDelay,
			Timeout:             ecotouch.DefaultTimeout,
		},
		MQTT: MQTTConfig{Port: 1883, ClientID: "ecotouchd", RootTopic: DefaultRootTopic},
	}
}

// Load reads a yaml configuration file on top of the defaults
func Load(path string) (*Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	c.applyDefaults()
	log.Debugf("Loaded %v devices from %s", len(c.Devices), path)
	return c, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Family == "" {
			d.Family = ecotouch.FamilyEcotouch
		}
		if d.TagsPerRequest == 0 {
			d.TagsPerRequest = ecotouch.DefaultTagsPerRequest
		}
		if d.Language == "" {
			d.Language = "en"
		}
	}
}

// AddFlags binds the settings that may be overridden on the command line
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level: debug, info, warn or error")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "log format: text or json")
	fs.StringVar(&c.Listen, "listen", c.Listen, "http server at [bindtohost][:]port, empty disables the REST api")
	fs.DurationVar(&c.Poll.Interval, "interval", c.Poll.Interval, "poll interval")
}

// Validate checks the whole configuration and reports every problem at once
func (c *Config) Validate() error {
	var errs []error
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, errors.Errorf("log format %q must be text or json", c.Log.Format))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.Errorf("poll interval must be positive"))
	}
	if c.Poll.TooManyUsersBackoff < 0 || c.Poll.LoginRetryDelay < 0 || c.Poll.Timeout < 0 {
		errs = append(errs, errors.Errorf("durations must not be negative"))
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.Errorf("mqtt: broker missing"))
		}
		if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
			errs = append(errs, errors.Errorf("mqtt: invalid port %d", c.MQTT.Port))
		}
		if strings.ContainsAny(c.MQTT.RootTopic, "+#") {
			errs = append(errs, errors.Errorf("mqtt: root topic %q contains wildcards", c.MQTT.RootTopic))
		}
	}

	names := sets.New[string]()
	for i, d := range c.Devices {
		if d.Name == "" {
			errs = append(errs, errors.Errorf("device %d: name missing", i))
		} else if names.Has(d.Name) {
			errs = append(errs, errors.Errorf("device %s: duplicate name", d.Name))
		}
		names.Insert(d.Name)
		errs = append(errs, d.validate()...)
	}
	return utilerrors.NewAggregate(errs)
}

func (d DeviceConfig) validate() []error {
	var errs []error
	if d.Host == "" {
		errs = append(errs, errors.Errorf("device %s: host missing", d.Name))
	}
	if d.TagsPerRequest < 0 || d.TagsPerRequest > ecotouch.MaxTagsPerRequest {
		errs = append(errs, errors.Errorf("device %s: tags_per_request must be within 1..%d", d.Name, ecotouch.MaxTagsPerRequest))
	}
	r, err := ecotouch.RegistryFor(d.Family)
	if err != nil {
		return append(errs, errors.Errorf("device %s: %v", d.Name, err))
	}
	for _, n := range d.Tags {
		if _, ok := r.Get(n); !ok {
			errs = append(errs, errors.Errorf("device %s: unknown tag %s", d.Name, n))
		}
	}
	return errs
}

// TagNames returns the tags to poll for the device
func (d DeviceConfig) TagNames() ([]string, error) {
	if len(d.Tags) > 0 {
		return d.Tags, nil
	}
	r, err := ecotouch.RegistryFor(d.Family)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, t := range r.Tags() {
		if !ecotouch.IsScheduleTag(t.Name) {
			names = append(names, t.Name)
		}
	}
	return names, nil
}

// ClientOptions builds the client options of a device
func (c *Config) ClientOptions(d DeviceConfig) ecotouch.Options {
	return ecotouch.Options{
		Family:          d.Family,
		Host:            d.Host,
		Username:        d.Username,
		Password:        d.Password,
		TagsPerRequest:  d.TagsPerRequest,
		Timeout:         c.Poll.Timeout,
		LoginRetryDelay: c.Poll.LoginRetryDelay,
		Language:        d.Language,
	}
}

// Device looks up a device by name
func (c *Config) Device(name string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

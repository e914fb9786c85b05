package main

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"ffes2mqtt/bridge"
	"ffes2mqtt/modbus"
	"ffes2mqtt/watcher"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const ENV_PREFIX = "FFES"

var ErrInvalidConfig = errors.New("invalid configuration")

type MqttConfig struct {
	Server   string `mapstructure:"server"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Prefix   string `mapstructure:"prefix"`
	Insecure bool   `mapstructure:"insecure"`
}

type Config struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	Unit          int           `mapstructure:"unit"`
	Name          string        `mapstructure:"name"`
	Interval      int           `mapstructure:"interval"` // seconds
	Timeout       time.Duration `mapstructure:"timeout"`
	DriverVersion string        `mapstructure:"driver_version"`
	Metrics       string        `mapstructure:"metrics"`
	AverageWindow int           `mapstructure:"average_window"`
	Mqtt          MqttConfig    `mapstructure:"mqtt"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "")
	v.SetDefault("port", modbus.DefaultPort)
	v.SetDefault("unit", 1)
	v.SetDefault("name", "FFES Sauna")
	v.SetDefault("interval", int(watcher.DefaultInterval/time.Second))
	v.SetDefault("timeout", modbus.DefaultTimeout)
	v.SetDefault("driver_version", "")
	v.SetDefault("metrics", "")
	v.SetDefault("average_window", bridge.DefaultAverageWindow)
	v.SetDefault("mqtt.server", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.prefix", "ffes")
	v.SetDefault("mqtt.insecure", false)
}

// addFlags registers the persistent connection flags and binds them to v.
func addFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	flags.StringP("host", "H", "", "Sauna controller host name or IP address")
	flags.IntP("port", "p", modbus.DefaultPort, "Modbus TCP port")
	flags.IntP("unit", "u", 1, "Modbus unit id (1-247)")
	flags.String("name", "FFES Sauna", "Device name, also used for MQTT topics")
	flags.Int("interval", int(watcher.DefaultInterval/time.Second), "Poll interval in seconds (5-120)")
	flags.Duration("timeout", modbus.DefaultTimeout, "Modbus request timeout")
	flags.String("driver-version", "", "Modbus driver version; versions before 3.10 set the unit id per call")
	flags.String("metrics", "", "Listen address for Prometheus metrics, ex: :9100. Disabled if empty")
	flags.Int("average-window", bridge.DefaultAverageWindow, "Number of polls averaged into temperature_average")
	flags.String("mqtt-server", "tcp://127.0.0.1:1883", "The full url of the MQTT server to connect to ex: tcp://127.0.0.1:1883")
	flags.String("mqtt-client-id", "", "A clientid for the connection. Random if empty")
	flags.String("mqtt-username", "", "A username to authenticate to the MQTT server")
	flags.String("mqtt-password", "", "Password to match username")
	flags.String("mqtt-prefix", "ffes", "MQTT topic root where to publish/read topics")
	flags.Bool("mqtt-insecure", false, "Skip TLS certificate verification")

	for key, flag := range map[string]string{
		"host":           "host",
		"port":           "port",
		"unit":           "unit",
		"name":           "name",
		"interval":       "interval",
		"timeout":        "timeout",
		"driver_version": "driver-version",
		"metrics":        "metrics",
		"average_window": "average-window",
		"mqtt.server":    "mqtt-server",
		"mqtt.client_id": "mqtt-client-id",
		"mqtt.username":  "mqtt-username",
		"mqtt.password":  "mqtt-password",
		"mqtt.prefix":    "mqtt-prefix",
		"mqtt.insecure":  "mqtt-insecure",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return errors.Wrapf(err, "bind flag %s", flag)
		}
	}
	return nil
}

// LoadConfig merges defaults, the optional YAML file, FFES_ environment
// variables and flags, in increasing order of precedence.
func LoadConfig(v *viper.Viper, file string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(ENV_PREFIX)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("ffes2mqtt")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrapf(err, "read config %s", file)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	return &config, nil
}

// Validate checks the device settings. MQTT settings are checked by ValidateMqtt.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.Wrap(ErrInvalidConfig, "host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Wrapf(ErrInvalidConfig, "port %d out of range", c.Port)
	}
	if c.Unit < 1 || c.Unit > 247 {
		return errors.Wrapf(ErrInvalidConfig, "unit id %d must be between 1 and 247", c.Unit)
	}
	interval := c.PollInterval()
	if interval < watcher.MinInterval || interval > watcher.MaxInterval {
		return errors.Wrapf(ErrInvalidConfig, "interval %ds must be between %v and %v", c.Interval, watcher.MinInterval, watcher.MaxInterval)
	}
	if c.Timeout <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "timeout %v must be positive", c.Timeout)
	}
	return nil
}

func (c *Config) ValidateMqtt() error {
	if c.Mqtt.Server == "" {
		return errors.Wrap(ErrInvalidConfig, "mqtt server is required")
	}
	if c.Mqtt.Prefix == "" {
		return errors.Wrap(ErrInvalidConfig, "mqtt prefix is required")
	}
	if c.AverageWindow < 1 {
		return errors.Wrapf(ErrInvalidConfig, "average window %d must be at least 1", c.AverageWindow)
	}
	return nil
}

func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

var nodeNameRe = regexp.MustCompile("[^a-zA-Z0-9]+")

// ModuleName turns the device name into a topic segment: "FFES Sauna" becomes "ffes_sauna".
func (c *Config) ModuleName() string {
	return strings.Trim(strings.ToLower(nodeNameRe.ReplaceAllString(c.Name, "_")), "_")
}

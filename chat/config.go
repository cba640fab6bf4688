package chat

import (
	"fmt"
	"io/ioutil"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultQueueCapacity   = 50
	DefaultQueueMaxAge     = 5 * time.Minute
	DefaultQueueMaxAttempt = 3

	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffMax  = 30 * time.Second

	DefaultEchoWindow   = 30 * time.Second
	DefaultWriteTimeout = 3 * time.Second
	DefaultDialTimeout  = 10 * time.Second
)

// Config tunes a session. Zero fields take defaults, see WithDefaults.
type Config struct {
	QueueCapacity   int           `yaml:"queue_capacity"`
	QueueMaxAge     time.Duration `yaml:"queue_max_age"`
	QueueMaxAttempt int           `yaml:"queue_max_attempt"`

	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`

	// EchoWindow bounds the timestamp distance between an optimistic message and
	// the server echo that confirms it.
	EchoWindow time.Duration `yaml:"echo_window"`

	WriteTimeout time.Duration `yaml:"write_timeout"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
}

func (c Config) WithDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.QueueMaxAge <= 0 {
		c.QueueMaxAge = DefaultQueueMaxAge
	}
	if c.QueueMaxAttempt <= 0 {
		c.QueueMaxAttempt = DefaultQueueMaxAttempt
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.EchoWindow <= 0 {
		c.EchoWindow = DefaultEchoWindow
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	return c
}

// LoadConfig reads a YAML config file. Durations are written as "1s", "5m".
func LoadConfig(name string) (Config, error) {
	var c Config
	data, err := ioutil.ReadFile(name)
	if err != nil {
		return c, fmt.Errorf("read config `%s`: %v", name, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse config `%s`: %v", name, err)
	}
	return c.WithDefaults(), nil
}

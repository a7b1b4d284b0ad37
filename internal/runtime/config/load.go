package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. LEOPARD_NATS_URL.
const EnvPrefix = "LEOPARD"

// Load reads the YAML file at path on top of Default and then applies the
// LEOPARD_* environment overrides. An empty path skips the file. The returned
// config has not been validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type envOverride struct {
	key   string
	apply func(cfg *Config, raw string) error
}

var envOverrides = []envOverride{
	{"TRANSPORT", setString(func(c *Config) *string { return &c.Transport })},
	{"NATS_URL", setString(func(c *Config) *string { return &c.NATSURL })},
	{"SERVICE_NAME", setString(func(c *Config) *string { return &c.ServiceName })},
	{"SERVICE_VERSION", setString(func(c *Config) *string { return &c.ServiceVersion })},
	{"QUEUE_GROUP", setString(func(c *Config) *string { return &c.QueueGroup })},
	{"LOG_LEVEL", setString(func(c *Config) *string { return &c.LogLevel })},
	{"LOG_FORMAT", setString(func(c *Config) *string { return &c.LogFormat })},
	{"STATUS_ADDR", setString(func(c *Config) *string { return &c.StatusAddr })},
	{"JOURNAL_SINK", setString(func(c *Config) *string { return &c.Journal.Sink })},
	{"JOURNAL_TOPIC", setString(func(c *Config) *string { return &c.Journal.Topic })},
	{"INSTANCES", func(c *Config, raw string) error {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		c.Instances = n
		return nil
	}},
	{"SHUTDOWN_TIMEOUT", func(c *Config, raw string) error {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		c.ShutdownTimeout = d
		return nil
	}},
	{"METRICS_ENABLED", func(c *Config, raw string) error {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		c.MetricsEnabled = v
		return nil
	}},
	{"TRACING_ENABLED", func(c *Config, raw string) error {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		c.TracingEnabled = v
		return nil
	}},
}

func setString(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, raw string) error {
		*field(c) = raw
		return nil
	}
}

// ApplyEnvOverrides copies every set LEOPARD_* variable into cfg. Malformed
// values are collected and returned together; well-formed ones still apply.
func ApplyEnvOverrides(cfg *Config) error {
	var errs []error
	for _, o := range envOverrides {
		key := EnvPrefix + "_" + o.key
		raw, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if err := o.apply(cfg, raw); err != nil {
			errs = append(errs, fmt.Errorf("apply %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// Package config loads the service configuration: slots, sink consumers and
// the stores and servers around them.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abc3/sequin/internal/backfill"
	"github.com/abc3/sequin/internal/checkpoint"
	"github.com/abc3/sequin/internal/consumer"
	"github.com/abc3/sequin/internal/retry"
	"github.com/abc3/sequin/internal/slot"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds runtime settings for the service.
type Config struct {
	Environment string              `mapstructure:"environment"`
	Postgres    PostgresConfig      `mapstructure:"postgres"`
	Log         LogConfig           `mapstructure:"log"`
	Ops         OpsConfig           `mapstructure:"ops"`
	Telemetry   TelemetryConfig     `mapstructure:"telemetry"`
	Checkpoints checkpoint.Config   `mapstructure:"checkpoints"`
	DeadLetters DeadLetterConfig    `mapstructure:"dead_letters"`
	Delivery    DeliveryConfig      `mapstructure:"delivery"`
	Supervisor  SupervisorConfig    `mapstructure:"supervisor"`
	Backfill    backfill.Config     `mapstructure:"backfill"`
	Slots       []slot.Config       `mapstructure:"slots" validate:"dive"`
	Consumers   []consumer.Consumer `mapstructure:"consumers"`
}

type PostgresConfig struct {
	// DSN is used for backfills and the postgres checkpoint backend.
	DSN string `mapstructure:"dsn"`
	// ReplicationDSN defaults to DSN.
	ReplicationDSN string `mapstructure:"replication_dsn"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json console"`
}

type OpsConfig struct {
	Listen  string `mapstructure:"listen"`
	Metrics bool   `mapstructure:"metrics"`
}

type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

type DeadLetterConfig struct {
	// Path of the pebble directory; empty keeps dead letters in memory.
	Path string `mapstructure:"path"`
}

type DeliveryConfig struct {
	Backoff retry.Backoff `mapstructure:"backoff"`
}

type SupervisorConfig struct {
	Restart retry.Backoff `mapstructure:"restart"`
}

// SetDefaults registers defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("ops.listen", ":7376")
	v.SetDefault("ops.metrics", true)
	v.SetDefault("telemetry.service_name", "sequin")
	v.SetDefault("checkpoints.backend", "memory")
	v.SetDefault("delivery.backoff.base", retry.Default.Base)
	v.SetDefault("delivery.backoff.max", retry.Default.Max)
	v.SetDefault("delivery.backoff.factor", retry.Default.Factor)
	v.SetDefault("supervisor.restart.base", time.Second)
	v.SetDefault("supervisor.restart.max", time.Minute)
	v.SetDefault("supervisor.restart.factor", 2.0)
	v.SetDefault("backfill.batch_size", backfill.DefaultBatchSize)
	v.SetDefault("backfill.workers", 2)
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	if c.Postgres.ReplicationDSN == "" {
		c.Postgres.ReplicationDSN = c.Postgres.DSN
	}
	for idx := range c.Consumers {
		if c.Consumers[idx].Name == "" {
			c.Consumers[idx].Name = c.Consumers[idx].ID
		}
		c.Consumers[idx].Normalize()
	}
}

var validate = validator.New()

// Validate checks field rules and the references between slots and
// consumers. Every consumer predicate is compiled here so bad filters fail
// at startup rather than on the first matching row.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	slots := make(map[string]bool, len(c.Slots))
	for _, s := range c.Slots {
		if slots[s.Name] {
			errs = append(errs, fmt.Errorf("slot %q defined twice", s.Name))
		}
		slots[s.Name] = true
	}
	if len(c.Slots) > 0 && c.Postgres.ReplicationDSN == "" {
		errs = append(errs, errors.New("postgres.dsn or postgres.replication_dsn is required when slots are configured"))
	}
	if strings.EqualFold(c.Checkpoints.Backend, "postgres") && c.Checkpoints.DSN == "" && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("checkpoints.dsn or postgres.dsn is required for the postgres checkpoint backend"))
	}

	ids := make(map[string]bool, len(c.Consumers))
	for _, cons := range c.Consumers {
		if ids[cons.ID] {
			errs = append(errs, fmt.Errorf("consumer %q defined twice", cons.ID))
		}
		ids[cons.ID] = true
		if !slots[cons.Slot] {
			errs = append(errs, fmt.Errorf("consumer %q references unknown slot %q", cons.ID, cons.Slot))
		}
		if _, err := consumer.Compile(cons); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ConsumersFor returns the consumers attached to slot.
func (c *Config) ConsumersFor(slotName string) []consumer.Consumer {
	var out []consumer.Consumer
	for _, cons := range c.Consumers {
		if cons.Slot == slotName {
			out = append(out, cons)
		}
	}
	return out
}

// Slot returns the named slot configuration.
func (c *Config) Slot(name string) (slot.Config, bool) {
	for _, s := range c.Slots {
		if s.Name == name {
			return s, true
		}
	}
	return slot.Config{}, false
}

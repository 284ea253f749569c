// Package config loads the monitor configuration from the environment.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/dratasich/waterquality-monitor/quality"
	"github.com/dratasich/waterquality-monitor/tbmqtt"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	ThingsBoard tbmqtt.Config `env:",prefix=TB_"`

	// bounds every remote store read and write
	StoreTimeout        time.Duration `env:"STORE_TIMEOUT,default=5s"`
	CalibrationInterval time.Duration `env:"CALIBRATION_INTERVAL,default=20s"`
	RefreshOnStart      bool          `env:"CALIBRATION_REFRESH_ON_START,default=true"`
	PublishInterval     time.Duration `env:"PUBLISH_INTERVAL,default=5s"`
	TickInterval        time.Duration `env:"TICK_INTERVAL,default=100ms"`
	RestartDelay        time.Duration `env:"RESTART_DELAY,default=3s"`

	TDSThreshold       float64 `env:"TDS_THRESHOLD,default=500"`
	TurbidityThreshold float64 `env:"TURBIDITY_THRESHOLD,default=5"`

	Hardware Hardware

	Display     string `env:"DISPLAY,default=panel"` // panel or log
	MetricsAddr string `env:"METRICS_ADDR"`          // disabled if empty
	LogLevel    string `env:"LOG_LEVEL,default=info"`
}

// Hardware names periph.io buses and pins; empty bus names pick the first bus.
type Hardware struct {
	I2CBus           string `env:"I2C_BUS"`
	ADCAddress       uint16 `env:"ADC_ADDRESS,default=72"` // 0x48
	ADCMaxMillivolts int64  `env:"ADC_MAX_MILLIVOLTS,default=4096"`
	TDSChannel       int    `env:"TDS_CHANNEL,default=0"`
	TurbidityChannel int    `env:"TURBIDITY_CHANNEL,default=1"`
	OneWireBus       string `env:"ONEWIRE_BUS"`
	ThermalBits      int    `env:"THERMAL_RESOLUTION_BITS,default=12"`
	BuzzerPin        string `env:"BUZZER_PIN,default=GPIO4"`
}

// Load reads the configuration from the process environment.
func Load(ctx context.Context) (*Config, error) {
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom reads the configuration from l.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	}); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.PublishInterval <= 0 || c.CalibrationInterval <= 0 || c.TickInterval <= 0 {
		return fmt.Errorf("intervals must be positive (publish %s, calibration %s, tick %s)",
			c.PublishInterval, c.CalibrationInterval, c.TickInterval)
	}
	switch c.Display {
	case "panel", "log":
	default:
		return fmt.Errorf("unknown display %q", c.Display)
	}
	return nil
}

// Loop returns the loop settings.
func (c *Config) Loop() quality.LoopConfig {
	return quality.LoopConfig{
		RefreshInterval: c.CalibrationInterval,
		PublishInterval: c.PublishInterval,
		TickInterval:    c.TickInterval,
		RefreshOnStart:  c.RefreshOnStart,
		ReplyTimeout:    c.StoreTimeout,
	}
}

func (c *Config) Thresholds() quality.Thresholds {
	return quality.Thresholds{TDS: c.TDSThreshold, Turbidity: c.TurbidityThreshold}
}

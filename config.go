package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// config holds everything the server needs at startup. It is read once and
// never mutated afterwards.
type config struct {
	Addr        string        `mapstructure:"addr"`
	Origin      string        `mapstructure:"origin"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	KillTimeout time.Duration `mapstructure:"kill_timeout"`

	Heartbeat heartbeatConfig `mapstructure:"heartbeat"`
	Vacancy   vacancyConfig   `mapstructure:"vacancy"`
	App       appConfig       `mapstructure:"app"`
	Metrics   metricsConfig   `mapstructure:"metrics"`
	Log       logConfig       `mapstructure:"log"`
}

// heartbeatConfig is applied identically to every connection.
type heartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	SendPing bool          `mapstructure:"send_ping"`
}

type vacancyConfig struct {
	URL            string        `mapstructure:"url"`
	Debounce       time.Duration `mapstructure:"debounce"`
	Retries        int           `mapstructure:"retries"`
	Backoff        time.Duration `mapstructure:"backoff"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type appConfig struct {
	Key    string `mapstructure:"key"`
	Secret string `mapstructure:"secret"`
}

type metricsConfig struct {
	Tick time.Duration `mapstructure:"tick"`
}

type logConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

const maxVacancyRetries = 20

func defaultConfig() config {
	return config{
		Addr:        ":6001",
		StopTimeout: 10 * time.Second,
		KillTimeout: 1 * time.Second,
		Heartbeat: heartbeatConfig{
			Interval: 25 * time.Second,
			Timeout:  60 * time.Second,
		},
		Vacancy: vacancyConfig{
			Debounce:       1 * time.Second,
			Retries:        3,
			Backoff:        1 * time.Second,
			RequestTimeout: 10 * time.Second,
		},
		Metrics: metricsConfig{Tick: 60 * time.Second},
		Log:     logConfig{Level: "info"},
	}
}

// loadConfig merges defaults, an optional config file, an optional .env
// file, environment variables and command line flags, in increasing order
// of precedence.
func loadConfig(args []string) (config, error) {
	def := defaultConfig()

	fs := pflag.NewFlagSet("pulsehub", pflag.ContinueOnError)
	fs.String("addr", def.Addr, "http service address")
	fs.String("origin", def.Origin, "websocket server checks Origin headers against this scheme://host[:port]")
	fs.Duration("stop-timeout", def.StopTimeout, "stop timeout")
	fs.Duration("kill-timeout", def.KillTimeout, "kill timeout")
	fs.Duration("metrics.tick", def.Metrics.Tick, "metrics: duration between reports")
	fs.String("config", "", "path to a config file")
	if err := fs.Parse(args); err != nil {
		return config{}, fmt.Errorf("parse flags: %w", err)
	}

	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("addr", def.Addr)
	v.SetDefault("origin", def.Origin)
	v.SetDefault("stop_timeout", def.StopTimeout)
	v.SetDefault("kill_timeout", def.KillTimeout)
	v.SetDefault("heartbeat.interval", def.Heartbeat.Interval)
	v.SetDefault("heartbeat.timeout", def.Heartbeat.Timeout)
	v.SetDefault("heartbeat.send_ping", def.Heartbeat.SendPing)
	v.SetDefault("vacancy.url", def.Vacancy.URL)
	v.SetDefault("vacancy.debounce", def.Vacancy.Debounce)
	v.SetDefault("vacancy.retries", def.Vacancy.Retries)
	v.SetDefault("vacancy.backoff", def.Vacancy.Backoff)
	v.SetDefault("vacancy.request_timeout", def.Vacancy.RequestTimeout)
	v.SetDefault("app.key", "")
	v.SetDefault("app.secret", "")
	v.SetDefault("metrics.tick", def.Metrics.Tick)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.development", def.Log.Development)

	v.SetEnvPrefix("PULSEHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range map[string]string{
		"app.key":     "PUSHER_APP_KEY",
		"app.secret":  "PUSHER_APP_SECRET",
		"vacancy.url": "SUBSCRIPTION_VACANCY_URL",
	} {
		if err := v.BindEnv(key, "PULSEHUB_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	for flagName, key := range map[string]string{
		"addr":         "addr",
		"origin":       "origin",
		"stop-timeout": "stop_timeout",
		"kill-timeout": "kill_timeout",
		"metrics.tick": "metrics.tick",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flagName)); err != nil {
			return config{}, fmt.Errorf("bind flag %s: %w", flagName, err)
		}
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("pulsehub")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return config{}, fmt.Errorf("config unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c config) validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be > 0, got %s", c.Heartbeat.Interval)
	}
	if c.Heartbeat.Timeout <= 0 {
		return fmt.Errorf("heartbeat.timeout must be > 0, got %s", c.Heartbeat.Timeout)
	}
	if c.Vacancy.Retries < 0 || c.Vacancy.Retries > maxVacancyRetries {
		return fmt.Errorf("vacancy.retries must be between 0 and %d, got %d", maxVacancyRetries, c.Vacancy.Retries)
	}
	if c.Vacancy.Backoff <= 0 {
		return fmt.Errorf("vacancy.backoff must be > 0, got %s", c.Vacancy.Backoff)
	}
	if c.Vacancy.Debounce < 0 {
		return fmt.Errorf("vacancy.debounce must be >= 0, got %s", c.Vacancy.Debounce)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Queue drivers
const (
	QueueDriverJetStream = "jetstream"
	QueueDriverMemory    = "memory"
)

// Z-API delay bounds, in seconds
const (
	MinDelayMessage = 1
	MinDelayTyping  = 0
	MaxDelay        = 15
)

// Hard ceilings for the drain entry points
const (
	InteractiveDrainCeiling = 20
	CronDrainCeiling        = 50
)

// Config holds all configuration for the service
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"logLevel"`
	Server      struct {
		Port    int `mapstructure:"port"`    // health and metrics
		APIPort int `mapstructure:"apiPort"` // public HTTP API
	} `mapstructure:"server"`
	NATS struct {
		URL        string         `mapstructure:"url"`
		Dispatch   DispatchStream `mapstructure:"dispatch"`
		LockBucket string         `mapstructure:"lockBucket"`
	} `mapstructure:"nats"`
	Database struct {
		PostgresDSN         string `mapstructure:"postgresDSN"`
		PostgresAutoMigrate bool   `mapstructure:"postgresAutoMigrate"`
	} `mapstructure:"database"`
	Queue struct {
		Driver  string `mapstructure:"driver"`
		Workers int    `mapstructure:"workers"`
	} `mapstructure:"queue"`
	ZAPI     ZAPIConfig     `mapstructure:"zapi"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Drain    DrainConfig    `mapstructure:"drain"`
	Auth     struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"auth"`
	Crypto struct {
		Key string `mapstructure:"key"`
	} `mapstructure:"crypto"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
}

// DispatchStream holds the JetStream layout used by the dispatch queue
type DispatchStream struct {
	Stream        string        `mapstructure:"stream"`
	Subject       string        `mapstructure:"subject"`
	Consumer      string        `mapstructure:"consumer"`   // durable name
	MaxDeliver    int           `mapstructure:"maxDeliver"` // safety budget, includes deferrals
	AckWait       time.Duration `mapstructure:"ackWait"`
	MaxAckPending int           `mapstructure:"maxAckPending"`
	MaxAgeHours   int           `mapstructure:"maxAgeHours"`
}

// ZAPIConfig configures the Z-API gateway client
type ZAPIConfig struct {
	BaseURL             string        `mapstructure:"baseURL"`
	Timeout             time.Duration `mapstructure:"timeout"`
	Retries             int           `mapstructure:"retries"`
	RetryDelay          time.Duration `mapstructure:"retryDelay"`
	UserAgent           string        `mapstructure:"userAgent"`
	DefaultDelayMessage int           `mapstructure:"defaultDelayMessage"`
	DefaultDelayTyping  int           `mapstructure:"defaultDelayTyping"`
	WebhookSecret       string        `mapstructure:"webhookSecret"`
	RateLimitRPS        float64       `mapstructure:"rateLimitRPS"` // per instance, 0 disables
	RateLimitBurst      int           `mapstructure:"rateLimitBurst"`
	BreakerMaxFailures  uint32        `mapstructure:"breakerMaxFailures"`
	BreakerTimeout      time.Duration `mapstructure:"breakerTimeout"`
}

// DispatchConfig governs the dispatch job retry budget and locking
type DispatchConfig struct {
	MaxAttempts     int             `mapstructure:"maxAttempts"`
	Backoff         []time.Duration `mapstructure:"backoff"`
	LockTTL         time.Duration   `mapstructure:"lockTTL"`
	LockRetryDelay  time.Duration   `mapstructure:"lockRetryDelay"`
	StaggerInterval time.Duration   `mapstructure:"staggerInterval"` // broadcast spacing
}

// DrainConfig bounds the synchronous drain entry points
type DrainConfig struct {
	InteractiveDefault int           `mapstructure:"interactiveDefault"`
	InteractiveMax     int           `mapstructure:"interactiveMax"`
	CronDefault        int           `mapstructure:"cronDefault"`
	CronMax            int           `mapstructure:"cronMax"`
	Pause              time.Duration `mapstructure:"pause"`
	CronToken          string        `mapstructure:"cronToken"`
}

// LoadConfig reads configuration from file or environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("default")
	v.SetConfigType("yaml")

	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("$HOME/.daisi-wa-dispatcher")
	v.AddConfigPath("/etc/daisi-wa-dispatcher")

	if err := v.ReadInConfig(); err != nil {
		// It's ok if config file is not found, we'll use env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, Config{})

	// Conventional names used by the deployment manifests
	overrides := map[string]string{
		"POSTGRES_DSN":       "database.postgresDSN",
		"LOG_LEVEL":          "logLevel",
		"NATS_URL":           "nats.url",
		"ZAPI_BASE_URL":      "zapi.baseURL",
		"ZAPI_WEBHOOK_TOKEN": "zapi.webhookSecret",
		"QUEUE_CRON_TOKEN":   "drain.cronToken",
		"JWT_SECRET":         "auth.jwtSecret",
		"APP_KEY":            "crypto.key",
	}
	for env, key := range overrides {
		if val := os.Getenv(env); val != "" {
			v.Set(key, val)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.apiPort", 8000)
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("nats.dispatch.stream", "wa_dispatch")
	v.SetDefault("nats.dispatch.subject", "v1.wa.dispatch")
	v.SetDefault("nats.dispatch.consumer", "wa-dispatch-worker")
	v.SetDefault("nats.dispatch.maxDeliver", 30)
	v.SetDefault("nats.dispatch.ackWait", 2*time.Minute)
	v.SetDefault("nats.dispatch.maxAckPending", 1000)
	v.SetDefault("nats.dispatch.maxAgeHours", 72)
	v.SetDefault("nats.lockBucket", "wa_send_locks")

	v.SetDefault("queue.driver", QueueDriverJetStream)
	v.SetDefault("queue.workers", 8)

	v.SetDefault("zapi.baseURL", "https://api.z-api.io")
	v.SetDefault("zapi.timeout", 30*time.Second)
	v.SetDefault("zapi.retries", 3)
	v.SetDefault("zapi.retryDelay", time.Second)
	v.SetDefault("zapi.userAgent", "OrcaZap/1.0")
	v.SetDefault("zapi.defaultDelayMessage", 3)
	v.SetDefault("zapi.defaultDelayTyping", 2)
	v.SetDefault("zapi.rateLimitRPS", 0)
	v.SetDefault("zapi.rateLimitBurst", 1)
	v.SetDefault("zapi.breakerMaxFailures", 10)
	v.SetDefault("zapi.breakerTimeout", 20*time.Second)

	v.SetDefault("dispatch.maxAttempts", 3)
	v.SetDefault("dispatch.backoff", []time.Duration{5 * time.Second, 30 * time.Second, 60 * time.Second})
	v.SetDefault("dispatch.lockTTL", 10*time.Second)
	v.SetDefault("dispatch.lockRetryDelay", 5*time.Second)
	v.SetDefault("dispatch.staggerInterval", 5*time.Second)

	v.SetDefault("drain.interactiveDefault", 5)
	v.SetDefault("drain.interactiveMax", 20)
	v.SetDefault("drain.cronDefault", 10)
	v.SetDefault("drain.cronMax", 50)
	v.SetDefault("drain.pause", 500*time.Millisecond)
}

func (c *Config) validate() error {
	if c.Queue.Driver != QueueDriverJetStream && c.Queue.Driver != QueueDriverMemory {
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}
	for name, port := range map[string]int{"server.port": c.Server.Port, "server.apiPort": c.Server.APIPort} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
		}
	}
	if c.Server.Port == c.Server.APIPort {
		return fmt.Errorf("server.port and server.apiPort must differ, both are %d", c.Server.Port)
	}
	if d := c.ZAPI.DefaultDelayMessage; d < MinDelayMessage || d > MaxDelay {
		return fmt.Errorf("zapi.defaultDelayMessage must be between %d and %d, got %d", MinDelayMessage, MaxDelay, d)
	}
	if d := c.ZAPI.DefaultDelayTyping; d < MinDelayTyping || d > MaxDelay {
		return fmt.Errorf("zapi.defaultDelayTyping must be between %d and %d, got %d", MinDelayTyping, MaxDelay, d)
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.maxAttempts must be at least 1, got %d", c.Dispatch.MaxAttempts)
	}
	if len(c.Dispatch.Backoff) == 0 {
		return fmt.Errorf("dispatch.backoff must not be empty")
	}
	if c.Dispatch.LockTTL <= 0 {
		return fmt.Errorf("dispatch.lockTTL must be positive, got %s", c.Dispatch.LockTTL)
	}
	if err := checkDrainLimit("interactive", c.Drain.InteractiveDefault, c.Drain.InteractiveMax, InteractiveDrainCeiling); err != nil {
		return err
	}
	return checkDrainLimit("cron", c.Drain.CronDefault, c.Drain.CronMax, CronDrainCeiling)
}

func checkDrainLimit(mode string, def, max, ceiling int) error {
	if max < 1 || max > ceiling {
		return fmt.Errorf("drain.%sMax must be between 1 and %d, got %d", mode, ceiling, max)
	}
	if def < 1 || def > max {
		return fmt.Errorf("drain.%sDefault must be between 1 and %d, got %d", mode, max, def)
	}
	return nil
}

// bindEnvs recursively binds environment variables to config struct fields
func bindEnvs(v *viper.Viper, cfg interface{}, parts ...string) {
	ifv := reflect.ValueOf(cfg)
	ift := reflect.TypeOf(cfg)
	for i := 0; i < ift.NumField(); i++ {
		fieldVal := ifv.Field(i)
		fieldType := ift.Field(i)

		tag := fieldType.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		path := append(append([]string{}, parts...), tag)
		key := strings.Join(path, ".")

		// time.Duration is an int64, only plain structs recurse
		if fieldType.Type.Kind() == reflect.Struct {
			bindEnvs(v, fieldVal.Interface(), path...)
			continue
		}

		_ = v.BindEnv(key)
	}
}

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/alarmfeed/internal/feedsync"
)

const envPrefix = "ALARMFEED_"

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Key     string   `yaml:"key"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"clientId"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      int    `yaml:"qos"`
	Retained bool   `yaml:"retained"`
}

type Config struct {
	Addr            string        `yaml:"addr"`
	Capacity        int           `yaml:"capacity"`
	Interval        time.Duration `yaml:"interval"`
	InitialDelay    time.Duration `yaml:"initialDelay"`
	IntervalJitter  float64       `yaml:"intervalJitter"`
	PollTimeout     time.Duration `yaml:"pollTimeout"`
	HTTPTimeout     time.Duration `yaml:"httpTimeout"`
	DataDir         string        `yaml:"dataDir"`
	CredentialsFile string        `yaml:"credentialsFile"`
	BackendProfile  string        `yaml:"backendProfile"`
	StateDSN        string        `yaml:"stateDsn"`
	ProductionDSN   string        `yaml:"productionDsn"`
	JWTSecret       string        `yaml:"jwtSecret"`
	RateLimitMax    int           `yaml:"rateLimitMax"`
	RateLimitWindow time.Duration `yaml:"rateLimitWindow"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
	Log             LogConfig     `yaml:"log"`
	Kafka           KafkaConfig   `yaml:"kafka"`
	MQTT            MQTTConfig    `yaml:"mqtt"`
}

func defaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:8787",
		Capacity:        500,
		Interval:        60 * time.Second,
		IntervalJitter:  0.1,
		PollTimeout:     feedsync.DefaultPollTimeout,
		HTTPTimeout:     30 * time.Second,
		DataDir:         ".alarmfeed",
		RateLimitWindow: time.Minute,
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		MQTT: MQTTConfig{QoS: 1},
	}
}

// loadConfig layers defaults, the YAML file, .env, ALARMFEED_* variables and
// finally command line flags, each overriding the previous.
func loadConfig(args []string, stderr io.Writer) (Config, error) {
	cfg := defaultConfig()

	envFile := configValueFromArgs(args, "env-file")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	configPath := configValueFromArgs(args, "config")
	if configPath == "" {
		configPath = strings.TrimSpace(os.Getenv(envPrefix + "CONFIG"))
	}
	if configPath != "" {
		if err := loadConfigFile(configPath, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	fs := flag.NewFlagSet("alarmfeed", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.String("config", configPath, "YAML config file")
	fs.String("env-file", envFile, "dotenv file loaded before reading the environment")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "observer API listen address")
	fs.IntVar(&cfg.Capacity, "capacity", cfg.Capacity, "maximum cached events")
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "poll interval")
	fs.DurationVar(&cfg.InitialDelay, "initial-delay", cfg.InitialDelay, "delay before the first poll")
	fs.Float64Var(&cfg.IntervalJitter, "interval-jitter", cfg.IntervalJitter, "poll interval jitter ratio (0.0-1.0)")
	fs.DurationVar(&cfg.PollTimeout, "poll-timeout", cfg.PollTimeout, "per-poll timeout")
	fs.DurationVar(&cfg.HTTPTimeout, "http-timeout", cfg.HTTPTimeout, "per-request timeout against the remote")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for local state")
	fs.StringVar(&cfg.CredentialsFile, "credentials-file", cfg.CredentialsFile, "session credentials file")
	fs.StringVar(&cfg.BackendProfile, "backend-profile", cfg.BackendProfile, "cache storage profile (durable-local, memory, production)")
	fs.StringVar(&cfg.StateDSN, "state-dsn", cfg.StateDSN, "cache storage DSN; overrides the profile")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level")
	fs.StringVar(&cfg.Log.File, "log-file", cfg.Log.File, "rotated log file")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return normalizeConfig(cfg)
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = envOrDefault(envPrefix+"ADDR", cfg.Addr)
	cfg.Capacity = intEnv(envPrefix+"CAPACITY", cfg.Capacity)
	cfg.Interval = durationEnv(envPrefix+"INTERVAL", cfg.Interval)
	cfg.InitialDelay = durationEnv(envPrefix+"INITIAL_DELAY", cfg.InitialDelay)
	cfg.IntervalJitter = floatEnv(envPrefix+"INTERVAL_JITTER", cfg.IntervalJitter)
	cfg.PollTimeout = durationEnv(envPrefix+"POLL_TIMEOUT", cfg.PollTimeout)
	cfg.HTTPTimeout = durationEnv(envPrefix+"HTTP_TIMEOUT", cfg.HTTPTimeout)
	cfg.DataDir = envOrDefault(envPrefix+"DATA_DIR", cfg.DataDir)
	cfg.CredentialsFile = envOrDefault(envPrefix+"CREDENTIALS_FILE", cfg.CredentialsFile)
	cfg.BackendProfile = envOrDefault(envPrefix+"BACKEND_PROFILE", cfg.BackendProfile)
	cfg.StateDSN = envOrDefault(envPrefix+"STATE_DSN", cfg.StateDSN)
	cfg.ProductionDSN = envOrDefault(envPrefix+"PRODUCTION_DSN", cfg.ProductionDSN)
	cfg.JWTSecret = envOrDefault(envPrefix+"JWT_SECRET", cfg.JWTSecret)
	cfg.RateLimitMax = intEnv(envPrefix+"RATE_LIMIT_MAX", cfg.RateLimitMax)
	cfg.RateLimitWindow = durationEnv(envPrefix+"RATE_LIMIT_WINDOW", cfg.RateLimitWindow)
	cfg.AllowedOrigins = listEnv(envPrefix+"ALLOWED_ORIGINS", cfg.AllowedOrigins)

	cfg.Log.Level = envOrDefault(envPrefix+"LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOrDefault(envPrefix+"LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = envOrDefault(envPrefix+"LOG_FILE", cfg.Log.File)

	cfg.Kafka.Brokers = listEnv(envPrefix+"KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.Topic = envOrDefault(envPrefix+"KAFKA_TOPIC", cfg.Kafka.Topic)
	cfg.Kafka.Key = envOrDefault(envPrefix+"KAFKA_KEY", cfg.Kafka.Key)

	cfg.MQTT.Broker = envOrDefault(envPrefix+"MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.ClientID = envOrDefault(envPrefix+"MQTT_CLIENT_ID", cfg.MQTT.ClientID)
	cfg.MQTT.Username = envOrDefault(envPrefix+"MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = envOrDefault(envPrefix+"MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.MQTT.Topic = envOrDefault(envPrefix+"MQTT_TOPIC", cfg.MQTT.Topic)
	cfg.MQTT.QoS = intEnv(envPrefix+"MQTT_QOS", cfg.MQTT.QoS)
	cfg.MQTT.Retained = boolEnv(envPrefix+"MQTT_RETAINED", cfg.MQTT.Retained)
}

func normalizeConfig(cfg Config) (Config, error) {
	if cfg.Capacity <= 0 {
		return Config{}, fmt.Errorf("capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = feedsync.DefaultPollTimeout
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	cfg.IntervalJitter = feedsync.ClampJitterRatio(cfg.IntervalJitter)
	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		return Config{}, fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}
	if strings.TrimSpace(cfg.CredentialsFile) == "" {
		cfg.CredentialsFile = filepath.Join(cfg.DataDir, "session.json")
	}
	return cfg, nil
}

// stateDSN picks the cache storage: an explicit DSN wins, otherwise the
// backend profile decides.
func stateDSN(cfg Config) (string, error) {
	if dsn := strings.TrimSpace(cfg.StateDSN); dsn != "" {
		return dsn, nil
	}
	profile := strings.ToLower(strings.TrimSpace(cfg.BackendProfile))
	switch profile {
	case "", "durable-local", "local-durable":
		return "file://" + filepath.Join(cfg.DataDir, "cache.json"), nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		if dsn := strings.TrimSpace(cfg.ProductionDSN); dsn != "" {
			return dsn, nil
		}
		return "", fmt.Errorf("%sPRODUCTION_DSN is required when the backend profile is %s", envPrefix, profile)
	default:
		return "", fmt.Errorf("unsupported backend profile: %s", profile)
	}
}

// configValueFromArgs finds -name/--name before the flag set is built, since
// the file it names supplies the flag defaults.
func configValueFromArgs(args []string, name string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		trimmed := strings.TrimLeft(arg, "-")
		if trimmed == arg || len(arg)-len(trimmed) > 2 {
			continue
		}
		if trimmed == name && i+1 < len(args) {
			return strings.TrimSpace(args[i+1])
		}
		if strings.HasPrefix(trimmed, name+"=") {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, name+"="))
		}
	}
	return ""
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func listEnv(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

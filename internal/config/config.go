package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port         int           `yaml:"port"`
	MasterSecret string        `yaml:"masterSecret"`
	GinMode      string        `yaml:"ginMode"`
	TLSCertFile  string        `yaml:"tlsCertFile"`
	TLSKeyFile   string        `yaml:"tlsKeyFile"`
	TokenExpiry  time.Duration `yaml:"tokenExpiry"`
	CORSOrigins  []string      `yaml:"corsOrigins"`
	// CommandRateLimit caps start/stop calls per doctor/patient pair per minute.
	CommandRateLimit int `yaml:"commandRateLimit"`

	MQTT    MQTTConfig    `yaml:"mqtt"`
	Redis   RedisConfig   `yaml:"redis"`
	Persist PersistConfig `yaml:"persist"`
	Log     LogConfig     `yaml:"log"`

	DatabaseDSN string     `yaml:"databaseDsn"`
	AMQP        AMQPConfig `yaml:"amqp"`
}

type MQTTConfig struct {
	Broker        string `yaml:"broker"`
	ClientID      string `yaml:"clientId"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	QoS           byte   `yaml:"qos"`
	RegisterTopic string `yaml:"registerTopic"`
	CleanSession  bool   `yaml:"cleanSession"`
}

type RedisConfig struct {
	Addr            string        `yaml:"addr"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	StreamMaxLen    int64         `yaml:"streamMaxLen"`
	StreamRetention time.Duration `yaml:"streamRetention"`
}

type PersistConfig struct {
	Interval       time.Duration `yaml:"interval"`
	Workers        int           `yaml:"workers"`
	RetryMax       int           `yaml:"retryMax"`
	AttemptTimeout time.Duration `yaml:"attemptTimeout"`
	Prune          bool          `yaml:"prune"`
}

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// LoadConfig reads an optional .env file from the working directory and then
// resolves the configuration from the process environment.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return LoadConfigFromEnv(osEnv{})
}

func Default() Config {
	return Config{
		Port:             3000,
		GinMode:          "release",
		TokenExpiry:      7 * 24 * time.Hour,
		CommandRateLimit: 30,
		MQTT: MQTTConfig{
			Broker:        "tcp://localhost:1883",
			ClientID:      "ecg-server",
			QoS:           1,
			RegisterTopic: "devices/register",
			CleanSession:  true,
		},
		Redis: RedisConfig{
			StreamMaxLen:    10000,
			StreamRetention: time.Hour,
		},
		Persist: PersistConfig{
			Interval:       30 * time.Second,
			Workers:        4,
			RetryMax:       5,
			AttemptTimeout: 30 * time.Second,
		},
		AMQP: AMQPConfig{
			Exchange: "ecg.persist",
			Queue:    "ecg.persist.streams",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfigFromEnv starts from Default, applies the YAML file named by
// CONFIG_FILE if any, then applies environment overrides.
func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Default()

	if path := env.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read CONFIG_FILE: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse CONFIG_FILE: %w", err)
		}
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	if raw := env.Getenv("MASTER_SECRET"); raw != "" {
		cfg.MasterSecret = raw
	}
	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}
	if raw := env.Getenv("TLS_CERT_FILE"); raw != "" {
		cfg.TLSCertFile = raw
	}
	if raw := env.Getenv("TLS_KEY_FILE"); raw != "" {
		cfg.TLSKeyFile = raw
	}
	if raw := env.Getenv("CORS_ORIGINS"); raw != "" {
		cfg.CORSOrigins = splitList(raw)
	}

	var err error
	if cfg.TokenExpiry, err = seconds(env, "TOKEN_EXPIRY_SECONDS", cfg.TokenExpiry); err != nil {
		return Config{}, err
	}
	if cfg.CommandRateLimit, err = positiveInt(env, "COMMAND_RATE_LIMIT", cfg.CommandRateLimit); err != nil {
		return Config{}, err
	}

	if raw := env.Getenv("MQTT_BROKER"); raw != "" {
		cfg.MQTT.Broker = raw
	}
	if raw := env.Getenv("MQTT_CLIENT_ID"); raw != "" {
		cfg.MQTT.ClientID = raw
	}
	if raw := env.Getenv("MQTT_USERNAME"); raw != "" {
		cfg.MQTT.Username = raw
	}
	if raw := env.Getenv("MQTT_PASSWORD"); raw != "" {
		cfg.MQTT.Password = raw
	}
	if raw := env.Getenv("MQTT_REGISTER_TOPIC"); raw != "" {
		cfg.MQTT.RegisterTopic = raw
	}
	if raw := env.Getenv("MQTT_QOS"); raw != "" {
		qos, err := strconv.Atoi(raw)
		if err != nil || qos < 0 || qos > 2 {
			return Config{}, fmt.Errorf("invalid MQTT_QOS")
		}
		cfg.MQTT.QoS = byte(qos)
	}
	if cfg.MQTT.CleanSession, err = boolean(env, "MQTT_CLEAN_SESSION", cfg.MQTT.CleanSession); err != nil {
		return Config{}, err
	}

	if raw := env.Getenv("REDIS_ADDR"); raw != "" {
		cfg.Redis.Addr = raw
	}
	if raw := env.Getenv("REDIS_PASSWORD"); raw != "" {
		cfg.Redis.Password = raw
	}
	if raw := env.Getenv("REDIS_DB"); raw != "" {
		db, err := strconv.Atoi(raw)
		if err != nil || db < 0 {
			return Config{}, fmt.Errorf("invalid REDIS_DB")
		}
		cfg.Redis.DB = db
	}
	if raw := env.Getenv("STREAM_MAXLEN"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid STREAM_MAXLEN")
		}
		cfg.Redis.StreamMaxLen = n
	}
	if cfg.Redis.StreamRetention, err = seconds(env, "STREAM_RETENTION_SECONDS", cfg.Redis.StreamRetention); err != nil {
		return Config{}, err
	}

	if raw := env.Getenv("DATABASE_DSN"); raw != "" {
		cfg.DatabaseDSN = raw
	}

	if raw := env.Getenv("AMQP_URL"); raw != "" {
		cfg.AMQP.URL = raw
	}
	if raw := env.Getenv("AMQP_EXCHANGE"); raw != "" {
		cfg.AMQP.Exchange = raw
	}
	if raw := env.Getenv("AMQP_QUEUE"); raw != "" {
		cfg.AMQP.Queue = raw
	}

	if cfg.Persist.Interval, err = seconds(env, "PERSIST_INTERVAL_SECONDS", cfg.Persist.Interval); err != nil {
		return Config{}, err
	}
	if cfg.Persist.Workers, err = positiveInt(env, "PERSIST_WORKERS", cfg.Persist.Workers); err != nil {
		return Config{}, err
	}
	if cfg.Persist.RetryMax, err = positiveInt(env, "PERSIST_RETRY_MAX", cfg.Persist.RetryMax); err != nil {
		return Config{}, err
	}
	if cfg.Persist.AttemptTimeout, err = seconds(env, "PERSIST_ATTEMPT_TIMEOUT_SECONDS", cfg.Persist.AttemptTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Persist.Prune, err = boolean(env, "PERSIST_PRUNE", cfg.Persist.Prune); err != nil {
		return Config{}, err
	}

	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		cfg.Log.Level = raw
	}
	if raw := env.Getenv("LOG_FORMAT"); raw != "" {
		cfg.Log.Format = raw
	}
	if raw := env.Getenv("LOG_FILE"); raw != "" {
		cfg.Log.File = raw
	}

	if cfg.MQTT.Broker == "" {
		return Config{}, fmt.Errorf("MQTT_BROKER is required")
	}
	return cfg, nil
}

func seconds(env Env, key string, fallback time.Duration) (time.Duration, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return time.Duration(n) * time.Second, nil
}

func positiveInt(env Env, key string, fallback int) (int, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

func boolean(env Env, key string, fallback bool) (bool, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s", key)
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

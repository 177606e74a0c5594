package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port            string
	Environment     string
	DatabasePath    string
	JWTSecret       string
	CORSOrigins     string
	TypingTTL       time.Duration
	SweepInterval   time.Duration
	VAPIDPublicKey  string
	VAPIDPrivateKey string
}

// yamlConfig mirrors Config for the optional file overlay; durations are
// strings in time.ParseDuration syntax.
type yamlConfig struct {
	Port            string `yaml:"port"`
	Environment     string `yaml:"environment"`
	DatabasePath    string `yaml:"database_path"`
	JWTSecret       string `yaml:"jwt_secret"`
	CORSOrigins     string `yaml:"cors_origins"`
	TypingTTL       string `yaml:"typing_ttl"`
	SweepInterval   string `yaml:"sweep_interval"`
	VAPIDPublicKey  string `yaml:"vapid_public_key"`
	VAPIDPrivateKey string `yaml:"vapid_private_key"`
}

// Load resolves configuration in ascending precedence: built-in defaults,
// an optional YAML file (CAMPUSHUB_CONFIG_FILE), an optional .env file
// (CAMPUSHUB_ENV_FILE, loaded without overriding the real environment),
// then environment variables.
func Load() *Config {
	envFile := os.Getenv("CAMPUSHUB_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Printf("config: could not load %s: %v", envFile, err)
		}
	}

	cfg := &Config{
		Port:          "8080",
		Environment:   "development",
		DatabasePath:  "./data/campushub.db",
		JWTSecret:     "your-secret-key-change-in-production",
		CORSOrigins:   "*",
		TypingTTL:     5 * time.Second,
		SweepInterval: time.Second,
	}

	if path := os.Getenv("CAMPUSHUB_CONFIG_FILE"); path != "" {
		if err := loadYAML(path, cfg); err != nil {
			log.Printf("config: could not load %s: %v", path, err)
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.DatabasePath = getEnv("DATABASE_PATH", cfg.DatabasePath)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.CORSOrigins = getEnv("CORS_ORIGINS", cfg.CORSOrigins)
	cfg.TypingTTL = getDuration("TYPING_TTL", cfg.TypingTTL)
	cfg.SweepInterval = getDuration("SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.VAPIDPublicKey = getEnv("VAPID_PUBLIC_KEY", cfg.VAPIDPublicKey)
	cfg.VAPIDPrivateKey = getEnv("VAPID_PRIVATE_KEY", cfg.VAPIDPrivateKey)

	return cfg
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var file yamlConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}

	if file.Port != "" {
		cfg.Port = file.Port
	}
	if file.Environment != "" {
		cfg.Environment = file.Environment
	}
	if file.DatabasePath != "" {
		cfg.DatabasePath = file.DatabasePath
	}
	if file.JWTSecret != "" {
		cfg.JWTSecret = file.JWTSecret
	}
	if file.CORSOrigins != "" {
		cfg.CORSOrigins = file.CORSOrigins
	}
	if file.TypingTTL != "" {
		if d, err := time.ParseDuration(file.TypingTTL); err == nil {
			cfg.TypingTTL = d
		}
	}
	if file.SweepInterval != "" {
		if d, err := time.ParseDuration(file.SweepInterval); err == nil {
			cfg.SweepInterval = d
		}
	}
	if file.VAPIDPublicKey != "" {
		cfg.VAPIDPublicKey = file.VAPIDPublicKey
	}
	if file.VAPIDPrivateKey != "" {
		cfg.VAPIDPrivateKey = file.VAPIDPrivateKey
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

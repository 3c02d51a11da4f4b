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

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                      string   `yaml:"port"`
	LogLevel                  string   `yaml:"logLevel"`
	BackendURL                string   `yaml:"backendURL"`
	JWKSURL                   string   `yaml:"jwksURL"`
	JWTIssuer                 string   `yaml:"jwtIssuer"`
	JWTAudience               string   `yaml:"jwtAudience"`
	JWTLeeway                 string   `yaml:"jwtLeeway"`
	TokenURL                  string   `yaml:"tokenURL"`
	OAuthClientID             string   `yaml:"oauthClientID"`
	OAuthScope                string   `yaml:"oauthScope"`
	RedisAddr                 string   `yaml:"redisAddr"`
	RedisPassword             string   `yaml:"redisPassword"`
	DatabaseURL               string   `yaml:"databaseURL"`
	MinioEndpoint             string   `yaml:"minioEndpoint"`
	MinioAccessKey            string   `yaml:"minioAccessKey"`
	MinioSecretKey            string   `yaml:"minioSecretKey"`
	MinioBucket               string   `yaml:"minioBucket"`
	MinioUseSSL               bool     `yaml:"minioUseSSL"`
	TrustedProxyCIDRs         []string `yaml:"trustedProxyCidrs"`
	AskRateLimitPerMinute     int      `yaml:"askRateLimitPerMinute"`
	UploadRateLimitPerMinute  int      `yaml:"uploadRateLimitPerMinute"`
	MaxUploadBytes            int64    `yaml:"maxUploadBytes"`
	HistoryCacheTTLSeconds    int      `yaml:"historyCacheTTLSeconds"`
	TokenRefreshSkewSeconds   int      `yaml:"tokenRefreshSkewSeconds"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("FRONTEND_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("FRONTEND_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("FRONTEND_BACKEND_URL"); v != "" {
		cfg.BackendURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("FRONTEND_JWKS_URL"); v != "" {
		cfg.JWKSURL = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("FRONTEND_TOKEN_URL"); v != "" {
		cfg.TokenURL = v
	}
	if v := os.Getenv("FRONTEND_OAUTH_CLIENT_ID"); v != "" {
		cfg.OAuthClientID = strings.TrimSpace(v)
	}
	if v := os.Getenv("FRONTEND_OAUTH_SCOPE"); v != "" {
		cfg.OAuthScope = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("FRONTEND_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("FRONTEND_ASK_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AskRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("FRONTEND_UPLOAD_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UploadRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("FRONTEND_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("FRONTEND_HISTORY_CACHE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HistoryCacheTTLSeconds = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.BackendURL) == "" {
		return errors.New("config: backendURL is required (set in config.yaml or FRONTEND_BACKEND_URL)")
	}
	if strings.TrimSpace(cfg.JWKSURL) == "" {
		return errors.New("config: jwksURL is required (set in config.yaml or FRONTEND_JWKS_URL)")
	}
	if cfg.JWTIssuer == "" {
		return errors.New("config: jwtIssuer is required (set in config.yaml or JWT_ISSUER)")
	}
	if cfg.JWTAudience == "" {
		return errors.New("config: jwtAudience is required (set in config.yaml or JWT_AUDIENCE)")
	}
	if cfg.TokenURL != "" && strings.TrimSpace(cfg.OAuthClientID) == "" {
		return errors.New("config: oauthClientID is required when tokenURL is set")
	}
	if cfg.AskRateLimitPerMinute < 0 || cfg.UploadRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be >= 0")
	}
	if cfg.MinioEndpoint != "" && cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required when minioEndpoint is set")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseJWTLeeway parses the optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

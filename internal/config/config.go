package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/example/liveness-check/internal/liveness"
)

// Config holds the process settings read at startup.
type Config struct {
	HTTPAddr         string `validate:"required"`
	DatabaseDSN      string `validate:"required"`
	RedisAddr        string `validate:"required"`
	PoseDetectorAddr string
	JWTSecret        string `validate:"required"`
	JWTAudience      string
	LogFile          string
	FrameRateLimit   float64       `validate:"gt=0"`
	SessionIdleTTL   time.Duration `validate:"gte=0"`
	ShutdownTimeout  time.Duration `validate:"gt=0"`

	Liveness liveness.Config
}

var validate = validator.New()

// Load reads an optional .env file, the environment and the optional YAML file
// named by LIVENESS_CONFIG_FILE. Environment values override the YAML file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	env := envReader{getenv: getenv}

	cfg := &Config{
		HTTPAddr:         env.str("HTTP_ADDR", ":8080"),
		DatabaseDSN:      env.str("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=liveness port=5432 sslmode=disable"),
		RedisAddr:        env.str("REDIS_ADDR", "redis:6379"),
		PoseDetectorAddr: env.str("POSE_DETECTOR_ADDR", ""),
		JWTSecret:        env.str("JWT_SECRET", "dev-secret"),
		JWTAudience:      env.str("JWT_AUDIENCE", ""),
		LogFile:          env.str("LOG_FILE", ""),
		FrameRateLimit:   env.float("FRAME_RATE_LIMIT", 60),
		SessionIdleTTL:   env.duration("SESSION_IDLE_TTL", 10*time.Minute),
		ShutdownTimeout:  env.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
		Liveness:         liveness.DefaultConfig(),
	}

	if path := getenv("LIVENESS_CONFIG_FILE"); path != "" {
		if err := loadYAML(path, &cfg.Liveness); err != nil {
			return nil, err
		}
	}

	lc := &cfg.Liveness
	lc.TargetWidthFraction = env.float("TARGET_WIDTH_FRACTION", lc.TargetWidthFraction)
	lc.TargetHeightFraction = env.float("TARGET_HEIGHT_FRACTION", lc.TargetHeightFraction)
	lc.ThresholdDegrees = env.float("THRESHOLD_DEGREES", lc.ThresholdDegrees)
	lc.HoldDuration = env.duration("HOLD_DURATION", lc.HoldDuration)
	lc.AffirmationDelay = env.duration("AFFIRMATION_DELAY", lc.AffirmationDelay)
	lc.SessionTimeout = env.duration("SESSION_TIMEOUT", lc.SessionTimeout)
	lc.RandomizeOrder = env.bool("RANDOMIZE_ORDER", lc.RandomizeOrder)
	lc.IncludeBaseline = env.bool("INCLUDE_BASELINE", lc.IncludeBaseline)
	lc.MaxRetries = env.int("MAX_RETRIES", lc.MaxRetries)
	if raw := getenv("CHALLENGE_DIRECTIONS"); raw != "" {
		directions, err := ParseDirections(raw)
		if err != nil {
			env.errs = append(env.errs, fmt.Errorf("CHALLENGE_DIRECTIONS: %w", err))
		} else {
			lc.Directions = directions
		}
	}

	if err := errors.Join(env.errs...); err != nil {
		return nil, err
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ParseDirections parses a comma separated list such as "left,right,down".
func ParseDirections(raw string) ([]liveness.Direction, error) {
	var out []liveness.Direction
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		d, err := liveness.ParseDirection(part)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, errors.New("no directions given")
	}
	return out, nil
}

func loadYAML(path string, into *liveness.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read liveness config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("parse liveness config %s: %w", path, err)
	}
	return nil
}

type envReader struct {
	getenv func(string) string
	errs   []error
}

func (r *envReader) str(key, fallback string) string {
	if value := strings.TrimSpace(r.getenv(key)); value != "" {
		return value
	}
	return fallback
}

func (r *envReader) float(key string, fallback float64) float64 {
	raw := r.getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func (r *envReader) int(key string, fallback int) int {
	raw := r.getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func (r *envReader) bool(key string, fallback bool) bool {
	raw := r.getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	raw := r.getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

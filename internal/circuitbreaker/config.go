package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// Settings carries the breaker knobs exposed in the gateway configuration.
// Zero values fall back to DefaultConfig.
type Settings struct {
	FailureThreshold int
	Window           int
	CoolDown         time.Duration
	CoolDownMax      time.Duration
}

// ToConfig converts Settings to a circuit breaker Config
func (s Settings) ToConfig() Config {
	cfg := DefaultConfig()
	if s.FailureThreshold > 0 {
		cfg.FailureThreshold = float64(s.FailureThreshold)
	}
	if s.Window > 0 {
		cfg.Window = s.Window
	}
	if s.CoolDown > 0 {
		cfg.CoolDown = s.CoolDown
	}
	if s.CoolDownMax > 0 {
		cfg.CoolDownMax = s.CoolDownMax
	}
	if cfg.CoolDownMax < cfg.CoolDown {
		cfg.CoolDownMax = cfg.CoolDown
	}
	return cfg
}

// GetRedisConfig returns the Redis mirror breaker configuration. The mirror
// is best-effort, so it trips faster and recovers sooner than the source and
// LLM breakers; environment variables override the defaults.
func GetRedisConfig() Config {
	cfg := DefaultConfig()
	cfg.FailureThreshold = float64(getEnvInt("CB_REDIS_FAILURE_THRESHOLD", 3))
	cfg.CoolDown = getEnvDuration("CB_REDIS_COOL_DOWN", 15*time.Second)
	cfg.CoolDownMax = getEnvDuration("CB_REDIS_COOL_DOWN_MAX", time.Minute)
	return cfg
}

// Helper functions for environment variable parsing

func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

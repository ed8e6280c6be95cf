package config

import "time"

// RateLimitConfig controls the Redis token-bucket limiter applied to the
// ticketing endpoints.  During a flash sale the hold/confirm routes take the
// brunt of the traffic, so the defaults are deliberately tight and keyed per
// user so one aggressive client cannot starve the rest.
type RateLimitConfig struct {
	Enabled        bool
	Capacity       int           // bucket size (burst)
	RefillTokens   int           // tokens added per interval
	RefillInterval time.Duration // refill cadence
	TTL            time.Duration // bucket key expiry in Redis
	KeyStrategy    string        // which request attributes form the bucket key
	Prefix         string        // Redis key namespace
	Debug          bool          // emit limiter diagnostics in headers/logs
}

// LoadRateLimitConfig reads the RATE_LIMIT_* environment variables and
// normalises them into a usable configuration.  Nonsensical values are
// clamped rather than rejected so a bad deploy degrades to a stricter
// limiter instead of crashing the server.
func LoadRateLimitConfig() RateLimitConfig {
	cfg := RateLimitConfig{
		Enabled:        getenv("RATE_LIMIT_ENABLED", "true") == "true",
		Capacity:       getint("RATE_LIMIT_CAPACITY", 30),
		RefillTokens:   getint("RATE_LIMIT_REFILL_TOKENS", 1),
		RefillInterval: getdur("RATE_LIMIT_REFILL_INTERVAL", time.Second),
		TTL:            getdur("RATE_LIMIT_TTL", 10*time.Minute),
		KeyStrategy:    getenv("RATE_LIMIT_KEY_STRATEGY", "user_route"),
		Prefix:         getenv("RATE_LIMIT_PREFIX", "rl"),
		Debug:          getenv("RATE_LIMIT_DEBUG", "false") == "true",
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.RefillTokens < 1 {
		cfg.RefillTokens = 1
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = time.Second
	}
	if min := 5 * cfg.RefillInterval; cfg.TTL < min {
		cfg.TTL = min
	}
	return cfg
}

package ratelimit

import (
	"strconv"
	"strings"
	"time"
)

// EndpointConfig represents rate limiting configuration for a specific endpoint.
type EndpointConfig struct {
	Path   string        // Endpoint path pattern ("{id}" segments, trailing "/" for prefixes)
	Method string        // HTTP method (GET, POST, etc.)
	Limit  int           // Maximum requests per window
	Window time.Duration // Time window
	Burst  int           // Burst capacity (defaults to Limit if 0)
}

// LoadConfig reads rate limiting configuration from environment variables
// through getenv. Unparseable values fall back to the defaults.
func LoadConfig(getenv func(string) string) *Config {
	env := envReader(getenv)
	if !env.boolean("RATE_LIMIT_ENABLED", true) {
		return &Config{Enabled: false}
	}

	return &Config{
		Enabled:         true,
		DefaultLimit:    env.integer("RATE_LIMIT_DEFAULT_LIMIT", 1000),
		DefaultWindow:   env.duration("RATE_LIMIT_DEFAULT_WINDOW", time.Minute),
		CleanupInterval: env.duration("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute),
		Whitelist:       parseIPList(getenv("RATE_LIMIT_WHITELIST")),
		Blacklist:       parseIPList(getenv("RATE_LIMIT_BLACKLIST")),
		EndpointConfigs: DefaultEndpointConfigs(),
	}
}

// DefaultEndpointConfigs returns the default endpoint-specific configurations.
func DefaultEndpointConfigs() []EndpointConfig {
	return []EndpointConfig{
		// Enqueueing starts repository and cluster work, so it is the strictest
		{Path: "/projects/{id}/init", Method: "POST", Limit: 10, Window: time.Minute, Burst: 3},
		{Path: "/projects/{id}/init/retry", Method: "POST", Limit: 10, Window: time.Minute, Burst: 3},
		{Path: "/jobs/{id}/requeue", Method: "POST", Limit: 30, Window: time.Minute, Burst: 5},

		// Stream connections are long-lived; limit how fast clients reconnect
		{Path: "/projects/{id}/init/stream", Method: "GET", Limit: 60, Window: time.Minute, Burst: 10},
		{Path: "/projects/{id}/init/ws", Method: "GET", Limit: 60, Window: time.Minute, Burst: 10},

		// Reads use the default limit; /health and /metrics are unlimited
	}
}

type envReader func(string) string

func (e envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(e(key))
	return v, v != ""
}

func (e envReader) integer(key string, def int) int {
	if v, ok := e.lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (e envReader) boolean(key string, def bool) bool {
	if v, ok := e.lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func (e envReader) duration(key string, def time.Duration) time.Duration {
	if v, ok := e.lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseIPList parses a comma-separated list of IP addresses into a map.
func parseIPList(list string) map[string]bool {
	result := make(map[string]bool)
	if list == "" {
		return result
	}

	ips := strings.Split(list, ",")
	for _, ip := range ips {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			result[ip] = true
		}
	}

	return result
}


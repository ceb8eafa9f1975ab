package ratelimit

import (
	"strings"
)

// MatchEndpoint matches a request path and method to an endpoint configuration.
// Returns the matching EndpointConfig or nil if no match is found.
// Patterns match whole segments; a "{name}" segment matches any value and a
// pattern ending in "/" matches every path below it.
func MatchEndpoint(path string, method string, configs []EndpointConfig) *EndpointConfig {
	// Health and metrics scrapes are unlimited
	if method == "GET" && (path == "/health" || path == "/metrics") {
		return &EndpointConfig{}
	}

	for i := range configs {
		config := &configs[i]
		if config.Method == method && config.Path == path {
			return config
		}
	}
	for i := range configs {
		config := &configs[i]
		if config.Method == method && matchPattern(config.Path, path) {
			return config
		}
	}
	return nil
}

func matchPattern(pattern, path string) bool {
	prefix := strings.HasSuffix(pattern, "/")
	pp := strings.Split(strings.Trim(pattern, "/"), "/")
	ps := strings.Split(strings.Trim(path, "/"), "/")
	if len(ps) < len(pp) || (!prefix && len(ps) != len(pp)) {
		return false
	}
	for i, seg := range pp {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			if ps[i] == "" {
				return false
			}
			continue
		}
		if seg != ps[i] {
			return false
		}
	}
	return true
}

// key is the bucket key for a request matched by this config
func (e *EndpointConfig) key(path string) string {
	if e.Path == "" {
		return path
	}
	return e.Path
}

package config

import "strings"

// ConfigurationError reports missing or malformed startup input.
// The process reports it once and does not go on to connect.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Problems) == 1 {
		return "configuration error: " + e.Problems[0]
	}
	return "configuration errors:\n  - " + strings.Join(e.Problems, "\n  - ")
}

package utils

import "os"

// EnvOrDefault returns the value of the named environment variable, or def
// if it is unset or empty.
func EnvOrDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

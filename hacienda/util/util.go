package util

import (
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "hacienda.util")

// DebugEnabled reports HACIENDA_DEBUG=true.
func DebugEnabled() bool {
	return envBool("HACIENDA_DEBUG")
}

func HttpTraceEnabled() bool {
	return envBool("HACIENDA_HTTP_TRACE")
}

func envBool(envName string) bool {
	v, ok := os.LookupEnv(envName)
	if !ok {
		return false
	}
	bv, err := strconv.ParseBool(v)
	return err == nil && bv
}

func GetEnvOrFailed(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		logger.Fatal(key, " environment variable is not set")
	}
	return v
}

// GetEnvOrDefault returns the variable or def when it is unset or empty.
func GetEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

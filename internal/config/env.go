package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// env reads typed variables, recording a warning whenever it falls back.
type env struct {
	warnings []string
}

func (e *env) warn(format string, args ...any) {
	e.warnings = append(e.warnings, fmt.Sprintf(format, args...))
}

func (e *env) str(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// Helper to get float64 env with default
func (e *env) float64(key string, fallback float64) float64 {
	valueStr, exists := os.LookupEnv(key)
	if !exists || valueStr == "" {
		return fallback
	}
	val, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		e.warn("invalid float64 %q for %s, using default %g", valueStr, key, fallback)
		return fallback
	}
	return val
}

func (e *env) int(key string, fallback int) int {
	valueStr, exists := os.LookupEnv(key)
	if !exists || valueStr == "" {
		return fallback
	}
	val, err := strconv.Atoi(valueStr)
	if err != nil || val < 0 {
		e.warn("invalid integer %q for %s, using default %d", valueStr, key, fallback)
		return fallback
	}
	return val
}

func (e *env) bool(key string, fallback bool) bool {
	valueStr, exists := os.LookupEnv(key)
	if !exists || valueStr == "" {
		return fallback
	}
	val, err := strconv.ParseBool(valueStr)
	if err != nil {
		e.warn("invalid bool %q for %s, using default %t", valueStr, key, fallback)
		return fallback
	}
	return val
}

func (e *env) seconds(key string, fallback int) time.Duration {
	return time.Duration(e.int(key, fallback)) * time.Second
}

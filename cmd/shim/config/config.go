package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	"github.com/onkernel/shim/lib/logger"
)

type Config struct {
	// Image is the ELF file carrying the payload. Empty means the running
	// executable.
	Image string
	// Root confines the program path to a sysroot when non-empty.
	Root string
	// RequirePayload makes a missing payload section a failure instead of
	// a "no payload configured" no-op.
	RequirePayload bool
	MaxImageSize   string
	LogLevel       string

	OtelEnabled           bool
	OtelEndpoint          string
	OtelServiceName       string
	OtelServiceInstanceID string
	OtelInsecure          bool
	Version               string
	Env                   string
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	hostname, _ := os.Hostname()

	cfg := &Config{
		Image:          getEnv("SHIM_IMAGE", ""),
		Root:           getEnv("SHIM_ROOT", ""),
		RequirePayload: getEnvBool("SHIM_REQUIRE_PAYLOAD", true),
		MaxImageSize:   getEnv("SHIM_MAX_IMAGE_SIZE", "512MB"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),

		OtelEnabled:           getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:          getEnv("OTEL_ENDPOINT", "127.0.0.1:4317"),
		OtelServiceName:       getEnv("OTEL_SERVICE_NAME", "shim"),
		OtelServiceInstanceID: getEnv("OTEL_SERVICE_INSTANCE_ID", hostname),
		OtelInsecure:          getEnvBool("OTEL_INSECURE", true),
		Version:               getEnv("VERSION", "unknown"),
		Env:                   getEnv("ENV", "unset"),
	}

	return cfg
}

// Validate checks values that Load accepts as plain strings.
func (c *Config) Validate() error {
	if _, err := c.MaxImageSizeBytes(); err != nil {
		return err
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	if c.OtelEnabled && c.OtelEndpoint == "" {
		return fmt.Errorf("OTEL_ENDPOINT is required when OTEL_ENABLED is set")
	}
	return nil
}

// MaxImageSizeBytes parses MaxImageSize. Zero means no limit.
func (c *Config) MaxImageSizeBytes() (datasize.ByteSize, error) {
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(c.MaxImageSize)); err != nil {
		return 0, fmt.Errorf("invalid SHIM_MAX_IMAGE_SIZE %q: %w", c.MaxImageSize, err)
	}
	return size, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

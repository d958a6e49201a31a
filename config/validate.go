package config

import (
	"fmt"
	"strings"
)

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendMemory:
	case BackendLevelDB, BackendBolt:
		if strings.TrimSpace(c.DataDir) == "" {
			return fmt.Errorf("DataDir required for %s backend", c.StorageBackend)
		}
	default:
		return fmt.Errorf("unsupported StorageBackend %q", c.StorageBackend)
	}
	engine, err := c.EngineAddress()
	if err != nil {
		return err
	}
	if engine == ([20]byte{}) {
		return fmt.Errorf("VerifyingContract must not be the zero address")
	}
	if c.Auth.Enabled && len(strings.TrimSpace(c.Auth.HMACSecret)) < 32 {
		return fmt.Errorf("auth: HMACSecret must be at least 32 bytes")
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	if (c.Telemetry.Traces || c.Telemetry.Metrics) && strings.TrimSpace(c.Telemetry.Endpoint) == "" {
		return fmt.Errorf("telemetry: Endpoint required when exporters are enabled")
	}
	if c.Telemetry.SampleRatio <= 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: SampleRatio must be in (0, 1]")
	}
	if c.Telemetry.ExportIntervalSeconds < 1 {
		return fmt.Errorf("telemetry: ExportIntervalSeconds must be positive")
	}
	return nil
}

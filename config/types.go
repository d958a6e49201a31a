package config

// Storage backends accepted by StorageBackend.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// AuthConfig controls bearer token authentication on mutating routes. The
// token subject is the caller identity the engine acts for.
type AuthConfig struct {
	Enabled    bool     `toml:"Enabled"`
	HMACSecret string   `toml:"HMACSecret"`
	Issuer     string   `toml:"Issuer"`
	Audience   []string `toml:"Audience"`
	// AllowAnonymousReads leaves GET routes open when authentication is on.
	AllowAnonymousReads bool `toml:"AllowAnonymousReads"`
}

// RateLimitConfig caps requests per client IP.
type RateLimitConfig struct {
	RequestsPerMinute int `toml:"RequestsPerMinute"`
	Burst             int `toml:"Burst"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	// Headers is a comma-separated key=value list sent with every export.
	Headers string `toml:"Headers"`
	Traces  bool   `toml:"Traces"`
	Metrics bool   `toml:"Metrics"`
	// SampleRatio is the fraction of root spans kept, in (0, 1].
	SampleRatio float64 `toml:"SampleRatio"`
	// ExportIntervalSeconds is the metric push period.
	ExportIntervalSeconds int `toml:"ExportIntervalSeconds"`
}

// BankConfig governs the in-process asset ledger and settlement vault.
type BankConfig struct {
	// Faucet exposes mint and deposit endpoints for local networks.
	Faucet bool `toml:"Faucet"`
}

// LoggingConfig selects optional file output.
type LoggingConfig struct {
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	Level      string `toml:"Level"`
}

package ddos

import (
	"fmt"
	"time"
)

// Config holds the volumetric detection ceilings and feature flags of
// one tenant. Tenants start from the service-wide default and diverge
// independently after an explicit admin update. Read-mostly on the
// request path; mutated only through Detector.UpdateConfig.
type Config struct {
	MaxConnections            int `json:"max_connections"`
	MaxConnectionsPerIP       int `json:"max_connections_per_ip"`
	MaxRequestsPerSecond      int `json:"max_requests_per_second"`
	MaxRequestsPerIPPerSecond int `json:"max_requests_per_ip_per_second"`

	// VolumetricThreshold is the request/s level treated as a full
	// volumetric signal; UniqueIPThreshold likewise for source
	// diversity. AnomalyThreshold is the 0–1 combined score above
	// which a volumetric attack is declared.
	VolumetricThreshold int     `json:"volumetric_threshold"`
	UniqueIPThreshold   int     `json:"unique_ip_threshold"`
	AnomalyThreshold    float64 `json:"anomaly_threshold"`

	AutoMitigation      bool `json:"auto_mitigation"`
	GraduatedResponse   bool `json:"graduated_response"`
	EnableNormalization bool `json:"enable_normalization"`

	MaxHeaderSize  int           `json:"max_header_size"`
	MaxBodySize    int           `json:"max_body_size"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// DefaultConfig is the service-wide starting configuration copied to
// each tenant on first touch.
func DefaultConfig() Config {
	return Config{
		MaxConnections:            10_000,
		MaxConnectionsPerIP:       100,
		MaxRequestsPerSecond:      1_000,
		MaxRequestsPerIPPerSecond: 50,
		VolumetricThreshold:       500,
		UniqueIPThreshold:         400,
		AnomalyThreshold:          0.6,
		AutoMitigation:            true,
		GraduatedResponse:         true,
		EnableNormalization:       true,
		MaxHeaderSize:             8 << 10,
		MaxBodySize:               1 << 20,
		RequestTimeout:            30 * time.Second,
	}
}

// Validate rejects configurations that would disable detection by
// accident. Called at admin-update time, never on the request path.
func (c Config) Validate() error {
	if c.MaxConnections <= 0 || c.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("connection ceilings must be positive")
	}
	if c.MaxRequestsPerSecond <= 0 || c.MaxRequestsPerIPPerSecond <= 0 {
		return fmt.Errorf("rate ceilings must be positive")
	}
	if c.VolumetricThreshold <= 0 || c.UniqueIPThreshold <= 0 {
		return fmt.Errorf("volumetric thresholds must be positive")
	}
	if c.AnomalyThreshold <= 0 || c.AnomalyThreshold >= 1 {
		return fmt.Errorf("anomaly threshold must lie in (0, 1), got %v", c.AnomalyThreshold)
	}
	if c.MaxHeaderSize <= 0 || c.MaxBodySize <= 0 {
		return fmt.Errorf("protocol size limits must be positive")
	}
	return nil
}

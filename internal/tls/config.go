// Package tls builds the API server's TLS configuration from the [server.tls]
// section, generating a self-signed certificate for loopback use on request.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	caCertName = "tls_ca.crt"
	certName   = "tls.crt"
	keyName    = "tls.key"
)

// Config is the [server.tls] section.
type Config struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	// Dir holds tls.crt/tls.key when CertFile and KeyFile are not set.
	Dir          string        `mapstructure:"dir"`
	AutoGenerate bool          `mapstructure:"auto_generate"`
	MinVersion   string        `mapstructure:"min_version"`
	MaxVersion   string        `mapstructure:"max_version"`
	AutoGen      AutoGenConfig `mapstructure:"auto_gen"`
}

// AutoGenConfig shapes the generated self-signed certificate.
type AutoGenConfig struct {
	CommonName  string   `mapstructure:"common_name"`
	DNSNames    []string `mapstructure:"dns_names"`
	IPAddresses []string `mapstructure:"ip_addresses"`
	ValidDays   int      `mapstructure:"valid_days"`
}

// ParseVersion maps "1.2"/"1.3" (optionally prefixed with "tls") onto the
// crypto/tls constants. Empty and "default" select TLS 1.3.
func ParseVersion(v string) (uint16, error) {
	switch v {
	case "", "default":
		return tls.VersionTLS13, nil
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, nil
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", v)
	}
}

// Validate checks the section without touching the filesystem.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	minV, err := ParseVersion(c.MinVersion)
	if err != nil {
		return err
	}
	maxV, err := ParseVersion(c.MaxVersion)
	if err != nil {
		return err
	}
	if minV > maxV {
		return errors.New("tls min_version is above max_version")
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("tls cert_file and key_file must be set together")
	}
	if c.CertFile == "" && c.Dir == "" {
		return errors.New("tls enabled but neither cert_file/key_file nor dir is set")
	}
	return nil
}

// Setup returns the server TLS config, or nil when TLS is disabled.
// Certificates are reread on every handshake so they can be rotated in place.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	minV, _ := ParseVersion(c.MinVersion)
	maxV, _ := ParseVersion(c.MaxVersion)

	certPath, keyPath := c.CertFile, c.KeyFile
	if certPath == "" {
		certPath = filepath.Join(c.Dir, certName)
		keyPath = filepath.Join(c.Dir, keyName)
		if c.AutoGenerate && (!exists(certPath) || !exists(keyPath)) {
			if err := generate(c.AutoGen, c.Dir); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	// Fail at startup rather than on the first handshake.
	if _, err := loadPair(certPath, keyPath); err != nil {
		return nil, err
	}

	// #nosec G402 min version is configurable down to 1.2
	return &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return loadPair(certPath, keyPath)
		},
		MinVersion: minV,
		MaxVersion: maxV,
	}, nil
}

func loadPair(certPath, keyPath string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Clean(certPath), filepath.Clean(keyPath))
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &cert, nil
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func generate(a AutoGenConfig, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	days := a.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSigned(CertConfig{
		CommonName:   orDefault(a.CommonName, "localhost"),
		Organization: "couchctl",
		DNSNames:     orDefaultSlice(a.DNSNames, []string{"localhost"}),
		IPAddresses:  orDefaultSlice(a.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(dir, certName),
		KeyPath:      filepath.Join(dir, keyName),
		CACertPath:   filepath.Join(dir, caCertName),
	})
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultSlice(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

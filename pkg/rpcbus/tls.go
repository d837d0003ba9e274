package rpcbus

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ultima-robotics/backend-datalink/pkg/common"
)

// systemCADirs is the fixed ordered list of CA directories probed when
// TLS is enabled without an explicit ca_file.
var systemCADirs = []string{
	"/etc/ssl/certs",
	"/usr/local/share/certs",
	"/etc/pki/tls/certs",
}

func buildTLSConfig(cfg *common.RPCConfig, logger *common.Logger) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.TLSInsecure,
	}

	switch strings.ToLower(cfg.TLSVersion) {
	case "tlsv1.2":
		tlsConfig.MinVersion = tls.VersionTLS12
	case "tlsv1.3":
		tlsConfig.MinVersion = tls.VersionTLS13
	case "":
		tlsConfig.MinVersion = tls.VersionTLS12
	default:
		return nil, fmt.Errorf("%w: unsupported tls_version %q", common.ErrInvalidParam, cfg.TLSVersion)
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read ca_file %s: %w", cfg.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates in ca_file %s", common.ErrInvalidParam, cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	} else {
		pool, dir := probeSystemCADirs(logger)
		if pool == nil {
			return nil, fmt.Errorf("%w: no usable system CA directory", common.ErrInvalidParam)
		}
		logger.Info("TLS initialized with CA path: %s", dir)
		tlsConfig.RootCAs = pool
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// probeSystemCADirs tries each candidate directory in order and returns
// the first pool that initialises with at least one certificate.
func probeSystemCADirs(logger *common.Logger) (*x509.CertPool, string) {
	for _, dir := range systemCADirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			logger.Warn("Failed to use CA path %s: %v", dir, err)
			continue
		}

		pool := x509.NewCertPool()
		added := 0
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if !strings.HasSuffix(name, ".pem") && !strings.HasSuffix(name, ".crt") {
				continue
			}
			pem, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			if pool.AppendCertsFromPEM(pem) {
				added++
			}
		}
		if added > 0 {
			return pool, dir
		}
		logger.Warn("Failed to use CA path %s: no certificates", dir)
	}
	return nil, ""
}

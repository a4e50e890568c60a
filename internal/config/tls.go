package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

// TLSConfig builds a *tls.Config for server.WithTLSConfig from the --tls-cert,
// --tls-key, and --mtls-client-ca flags, following the PEM-loading shape of
// newClientTLSFromFile. It returns (nil, nil) when no certificate is
// configured, meaning the server should listen in plaintext.
func TLSConfig(cmd *cli.Command) (*tls.Config, error) {
	certPath := cmd.String("tls-cert")
	keyPath := cmd.String("tls-key")
	if certPath == "" && keyPath == "" {
		return nil, nil
	}
	if certPath == "" || keyPath == "" {
		return nil, fmt.Errorf("config: --tls-cert and --tls-key must both be set")
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("config: failed to load server PEM key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}

	if caPath := cmd.String("mtls-client-ca"); caPath != "" {
		b, err := os.ReadFile(caPath) //gosec:disable G304 // Specified by admin by design.
		if err != nil {
			return nil, fmt.Errorf("config: failed to read client CA cert file: %w", err)
		}
		cp := x509.NewCertPool()
		if !cp.AppendCertsFromPEM(b) {
			return nil, fmt.Errorf("config: failed to parse client CA cert file %q", caPath)
		}
		cfg.ClientCAs = cp
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

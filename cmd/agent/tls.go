package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

type tlsFlags struct {
	caFile             string
	certFile           string
	keyFile            string
	insecureSkipVerify bool
}

func (t *tlsFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&t.caFile, "tls.ca-file", "", "CA bundle verifying the server certificate.")
	fs.StringVar(&t.certFile, "tls.cert-file", "", "Client certificate for mutual TLS.")
	fs.StringVar(&t.keyFile, "tls.key-file", "", "Key of the client certificate.")
	fs.BoolVar(&t.insecureSkipVerify, "tls.insecure-skip-verify", false, "Skip verification of the server certificate.")
}

// config returns nil when no TLS flag is set, leaving the scheme of the server URL
// in charge.
func (t *tlsFlags) config() (*tls.Config, error) {
	if t.caFile == "" && t.certFile == "" && t.keyFile == "" && !t.insecureSkipVerify {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.insecureSkipVerify,
	}
	if t.caFile != "" {
		pem, err := os.ReadFile(t.caFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", t.caFile)
		}
		cfg.RootCAs = pool
	}
	if t.certFile != "" || t.keyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.certFile, t.keyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

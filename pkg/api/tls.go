package api

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSOptions locate the serving certificate and, optionally, the CA used to
// verify client certificates.
type TLSOptions struct {
	CertFile string
	KeyFile  string
	ClientCA string
}

// Enabled reports whether both a certificate and key were given.
func (o TLSOptions) Enabled() bool {
	return o.CertFile != "" && o.KeyFile != ""
}

// ServerTLSConfig builds the listener TLS config. A client CA turns on mutual TLS.
func ServerTLSConfig(o TLSOptions) (*tls.Config, error) {
	if !o.Enabled() {
		return nil, fmt.Errorf("tls needs both a certificate and a key")
	}
	cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load cert/key: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if o.ClientCA == "" {
		return cfg, nil
	}
	caData, err := os.ReadFile(o.ClientCA)
	if err != nil {
		return nil, fmt.Errorf("read client ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("client ca %s holds no certificates", o.ClientCA)
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}

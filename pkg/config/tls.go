package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ClientTLS builds a TLS config for outbound connections to the broker or
// the store: cluster CA as the root, host key pair as the client
// certificate, hostname verification on.
func (c *Config) ClientTLS(serverName string) (*tls.Config, error) {
	pool, err := c.caPool()
	if err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(c.HostCertFile(), c.HostKeyFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load host key pair: %w", err)
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ServerTLS builds the mutual-TLS config for the control API: host key pair
// as the server certificate, client certificates required and verified
// against the cluster CA.
func (c *Config) ServerTLS() (*tls.Config, error) {
	pool, err := c.caPool()
	if err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(c.HostCertFile(), c.HostKeyFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load host key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (c *Config) caPool() (*x509.CertPool, error) {
	pem, err := os.ReadFile(c.CAFile())
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", c.CAFile())
	}
	return pool, nil
}

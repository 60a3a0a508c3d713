// Package config loads the process-wide credential and TLS material every
// service reads once at start: broker and store credentials from secret
// files, and the cluster CA plus host key pair used for mutual TLS towards
// the broker, the store, and the control API clients.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Default filesystem layout inside the service containers
const (
	DefaultSecretsDir  = "/run/secrets"
	DefaultTLSDir      = "/app"
	DefaultAnsibleDir  = "/app/ansible"
	DefaultJobsDir     = "/app/jobs"
	DefaultBrokerAddr  = "broker:5671"
	DefaultStoreAddr   = "mongodb:27017"
	DefaultControlAddr = ":6000"
)

// Config holds the filesystem and network layout for one service process.
// Fields are overridable for tests and non-container deployments.
type Config struct {
	SecretsDir  string
	TLSDir      string
	AnsibleDir  string
	JobsDir     string
	BrokerAddr  string
	StoreAddr   string
	ControlAddr string
}

// Default returns a Config with the container deployment layout
func Default() *Config {
	return &Config{
		SecretsDir:  DefaultSecretsDir,
		TLSDir:      DefaultTLSDir,
		AnsibleDir:  DefaultAnsibleDir,
		JobsDir:     DefaultJobsDir,
		BrokerAddr:  DefaultBrokerAddr,
		StoreAddr:   DefaultStoreAddr,
		ControlAddr: DefaultControlAddr,
	}
}

// BrokerCredentials authenticate the AMQP session
type BrokerCredentials struct {
	User     string
	Password string
	VHost    string
}

// StoreCredentials authenticate the document store session
type StoreCredentials struct {
	User     string
	Password string
	DB       string
}

// LoadBrokerCredentials reads broker_user, broker_passwd and broker_vhost
// from the secrets directory
func (c *Config) LoadBrokerCredentials() (*BrokerCredentials, error) {
	user, err := c.readSecret("broker_user")
	if err != nil {
		return nil, err
	}
	passwd, err := c.readSecret("broker_passwd")
	if err != nil {
		return nil, err
	}
	vhost, err := c.readSecret("broker_vhost")
	if err != nil {
		return nil, err
	}
	if vhost == "" {
		vhost = "/"
	}
	return &BrokerCredentials{User: user, Password: passwd, VHost: vhost}, nil
}

// LoadStoreCredentials reads mongo_user, mongo_passwd and mongo_db from the
// secrets directory
func (c *Config) LoadStoreCredentials() (*StoreCredentials, error) {
	user, err := c.readSecret("mongo_user")
	if err != nil {
		return nil, err
	}
	passwd, err := c.readSecret("mongo_passwd")
	if err != nil {
		return nil, err
	}
	db, err := c.readSecret("mongo_db")
	if err != nil {
		return nil, err
	}
	return &StoreCredentials{User: user, Password: passwd, DB: db}, nil
}

func (c *Config) readSecret(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(c.SecretsDir, name))
	if err != nil {
		return "", fmt.Errorf("failed to load secret %s: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// CAFile is the cluster CA certificate path
func (c *Config) CAFile() string { return filepath.Join(c.TLSDir, "ca.crt") }

// HostCertFile is the host certificate path
func (c *Config) HostCertFile() string { return filepath.Join(c.TLSDir, "host.crt") }

// HostKeyFile is the host private key path
func (c *Config) HostKeyFile() string { return filepath.Join(c.TLSDir, "host.key") }

// HostPEMFile is the combined host certificate + key path, used by the
// store client which wants a single PEM
func (c *Config) HostPEMFile() string { return filepath.Join(c.TLSDir, "host.pem") }

// PlaybookDir is the root of orchestration playbooks
func (c *Config) PlaybookDir() string { return filepath.Join(c.AnsibleDir, "playbooks") }

// AnsibleConfigFile is the runner configuration path
func (c *Config) AnsibleConfigFile() string { return filepath.Join(c.AnsibleDir, "ansible.cfg") }

// AnsiblePrivateKeyFile is the SSH key the runner uses towards inventory hosts
func (c *Config) AnsiblePrivateKeyFile() string {
	return filepath.Join(c.AnsibleDir, ".env", ".ansible_rsa")
}

// JobScriptDir is the per-kind root for job scripts
func (c *Config) JobScriptDir(kind string) string { return filepath.Join(c.JobsDir, kind) }

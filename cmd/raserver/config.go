package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/authz"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/db"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/realca"
)

const (
	defaultListenAddr = ":8443"
	defaultAgentGroup = "Certificate Manager Agents"
)

// config contains the request agent configuration.
type config struct {
	RealCA    *realCAConfig   `json:"ca,omitempty"`
	TLS       *tlsConfig      `json:"tls,omitempty"`
	Database  *databaseConfig `json:"database,omitempty"`
	Queue     queueConfig     `json:"queue"`
	Authz     authzConfig     `json:"authz"`
	CMC       cmcConfig       `json:"cmc"`
	RateLimit int             `json:"rate_limit"`
	Timeout   int             `json:"timeout"`
	Logfile   string          `json:"log_file"`
	LogLevel  string          `json:"log_level"`
	LogFormat string          `json:"log_format"`
}

// realCAConfig contains the issuing CA configuration. The issuing key is read
// from private_key, or from a PKCS#11 token when hsm is set.
type realCAConfig struct {
	Certs        string             `json:"certificates"`
	Key          string             `json:"private_key,omitempty"`
	HSM          *realca.HSMConfig  `json:"hsm,omitempty"`
	ValidityDays int                `json:"validity_days"`
	AllowCA      bool               `json:"allow_ca"`
	Signing      *signingCertConfig `json:"signing,omitempty"`
}

// signingCertConfig names a dedicated CMC response signing identity.
type signingCertConfig struct {
	Cert string `json:"certificate"`
	Key  string `json:"private_key"`
}

// tlsConfig contains the server's TLS configuration.
type tlsConfig struct {
	ListenAddr     string   `json:"listen_address"`
	Certs          string   `json:"certificates"`
	Key            string   `json:"private_key"`
	ClientCAs      []string `json:"client_cas,omitempty"`
	ClientCertAuth bool     `json:"client_cert_auth"`
}

// databaseConfig selects the request and audit store.
type databaseConfig struct {
	Type    string `json:"type"`
	DSN     string `json:"dsn"`
	Verbose bool   `json:"verbose"`
}

type queueConfig struct {
	RequiredApprovals int `json:"required_approvals"`
}

// authzConfig contains the caller identities and the access control list.
// Without acl entries the default grants for agent_group and
// submitter_groups apply.
type authzConfig struct {
	AgentGroup      string             `json:"agent_group"`
	SubmitterGroups []string           `json:"submitter_groups,omitempty"`
	ACL             []authz.Entry      `json:"acl,omitempty"`
	Credentials     []authz.Credential `json:"credentials,omitempty"`
}

type cmcConfig struct {
	Digest string `json:"digest"`
}

// configFromFile returns a new request agent configuration from a
// JSON-encoded configuration file. Relative paths are resolved against the
// directory of the file.
func configFromFile(filename string) (*config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var cfg config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.resolvePaths(filepath.Dir(filename))

	return &cfg, nil
}

// validate checks the configuration and fills in defaults.
func (cfg *config) validate() error {
	switch {
	case cfg.RealCA == nil:
		return errors.New("no CA defined in configuration file")
	case cfg.RealCA.Certs == "":
		return errors.New("no CA certificates specified")
	case cfg.RealCA.Key == "" && cfg.RealCA.HSM == nil:
		return errors.New("no CA private key or HSM specified")
	case cfg.RealCA.Key != "" && cfg.RealCA.HSM != nil:
		return errors.New("CA private key and HSM are mutually exclusive")
	case cfg.RealCA.Signing != nil && (cfg.RealCA.Signing.Cert == "" || cfg.RealCA.Signing.Key == ""):
		return errors.New("signing identity needs a certificate and a private key")
	case cfg.TLS == nil:
		return errors.New("no TLS configuration specified")
	case cfg.TLS.Certs == "" || cfg.TLS.Key == "":
		return errors.New("no TLS certificates or private key specified")
	case cfg.TLS.ClientCertAuth && len(cfg.TLS.ClientCAs) == 0:
		return errors.New("client certificate authentication needs client CAs")
	case cfg.RateLimit < 0 || cfg.Timeout < 0 || cfg.RealCA.ValidityDays < 0:
		return errors.New("rate limit, timeout and validity must not be negative")
	}

	if cfg.TLS.ListenAddr == "" {
		cfg.TLS.ListenAddr = defaultListenAddr
	}
	if cfg.Database == nil {
		cfg.Database = &databaseConfig{Type: db.TypeSQLite, DSN: "kritis3m_ra.db"}
	}
	if cfg.Authz.AgentGroup == "" {
		cfg.Authz.AgentGroup = defaultAgentGroup
	}

	return nil
}

func (cfg *config) resolvePaths(baseDir string) {
	paths := []*string{&cfg.RealCA.Certs, &cfg.RealCA.Key, &cfg.TLS.Certs, &cfg.TLS.Key}
	if cfg.RealCA.Signing != nil {
		paths = append(paths, &cfg.RealCA.Signing.Cert, &cfg.RealCA.Signing.Key)
	}
	for i := range cfg.TLS.ClientCAs {
		paths = append(paths, &cfg.TLS.ClientCAs[i])
	}
	if cfg.Logfile != "" {
		paths = append(paths, &cfg.Logfile)
	}

	for _, p := range paths {
		if *p != "" {
			*p = fullPath(baseDir, *p)
		}
	}
}

// validity returns the configured default certificate validity, or zero.
func (cfg *config) validity() time.Duration {
	return time.Duration(cfg.RealCA.ValidityDays) * 24 * time.Hour
}

// fullPath returns filename if it is an absolute path, or filename joined to
// baseDir if it is not.
func fullPath(baseDir, filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}

	return filepath.Clean(filepath.Join(baseDir, filename))
}

const sample = `{
    "ca": {
        "certificates": "/path/to/CA/certificates.pem",
        "private_key": "/path/to/CA/private/key.pem",
        "validity_days": 365,
        "allow_ca": false,
        "signing": {
            "certificate": "/path/to/CMC/signing/certificate.pem",
            "private_key": "/path/to/CMC/signing/key.pem"
        }
    },
    "tls": {
        "listen_address": "localhost:8443",
        "certificates": "/path/to/server/certificates.pem",
        "private_key": "/path/to/server/private/key.pem",
        "client_cas": [
            "/path/to/first/client/CA/root/certificate.pem"
        ],
        "client_cert_auth": true
    },
    "database": {
        "type": "postgres",
        "dsn": "host=localhost user=ra password=secret dbname=ra sslmode=disable",
        "verbose": false
    },
    "queue": {
        "required_approvals": 1
    },
    "authz": {
        "agent_group": "Certificate Manager Agents",
        "submitter_groups": ["devices"],
        "credentials": [
            {
                "token": "xyzzy",
                "user": "agent1",
                "groups": ["Certificate Manager Agents"]
            }
        ]
    },
    "cmc": {
        "digest": "SHA256"
    },
    "rate_limit": 150,
    "timeout": 30,
    "log_file": "/path/to/log.file",
    "log_level": "info",
    "log_format": "console"
}`

// sampleConfig outputs a sample configuration file.
func sampleConfig() {
	fmt.Println(sample)
}

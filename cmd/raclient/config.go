package main

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/alogger"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/client"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/realca"
	"github.com/rs/zerolog"
	"golang.org/x/term"
)

var (
	errNoServer = errors.New("request agent server not specified")
	errNoID     = errors.New("request id not specified")
)

// config contains the options of one raclient invocation.
type config struct {
	set      *flag.FlagSet
	server   *url.URL
	token    string
	roots    *x509.CertPool
	certs    []*x509.Certificate
	key      crypto.Signer
	insecure bool
	timeout  time.Duration
}

// newConfig builds a configuration from parsed command line flags.
func newConfig(set *flag.FlagSet) (*config, error) {
	cfg := &config{
		set:      set,
		insecure: set.Lookup(insecureFlag).Value.String() == "true",
	}

	server := cfg.FlagValue(serverFlag)
	if server == "" {
		return nil, errNoServer
	}
	if !strings.Contains(server, "://") {
		server = "https://" + server
	}

	var err error
	if cfg.server, err = url.Parse(server); err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	timeout := cfg.FlagValue(timeoutFlag)
	if timeout == "" {
		timeout = defaultTimeout
	}
	if cfg.timeout, err = time.ParseDuration(timeout); err != nil {
		return nil, fmt.Errorf("invalid timeout: %w", err)
	}

	cfg.token = cfg.FlagValue(tokenFlag)
	if cfg.token == "" {
		cfg.token = os.Getenv(tokenEnvVar)
	}
	if cfg.token == "" && cfg.FlagValue(askTokenFlag) == "true" {
		pass, err := passwordFromTerminal("bearer token", cfg.server.Host)
		if err != nil {
			return nil, err
		}
		cfg.token = string(pass)
	}

	if name := cfg.FlagValue(caCertFlag); name != "" {
		certs, err := realca.LoadCertificates(name)
		if err != nil {
			return nil, err
		}
		cfg.roots = x509.NewCertPool()
		for _, c := range certs {
			cfg.roots.AddCert(c)
		}
	}

	certFile, keyFile := cfg.FlagValue(certFlag), cfg.FlagValue(keyFlag)
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("client certificate and key must be given together")
	}
	if certFile != "" {
		if cfg.certs, err = realca.LoadCertificates(certFile); err != nil {
			return nil, err
		}
		if cfg.key, err = realca.LoadPrivateKey(keyFile); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// FlagValue returns the raw (string) value of a flag, or the empty string if
// it was not set.
func (cfg *config) FlagValue(name string) string {
	if f := cfg.set.Lookup(name); f != nil {
		return f.Value.String()
	}
	return ""
}

// MakeContext returns a context with the configured timeout, and its cancel
// function.
func (cfg *config) MakeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cfg.timeout)
}

// MakeClient returns a request agent client for the configuration.
func (cfg *config) MakeClient() *client.Client {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		RootCAs:            cfg.roots,
		InsecureSkipVerify: cfg.insecure,
	}

	if cfg.key != nil {
		chain := make([][]byte, 0, len(cfg.certs))
		for _, c := range cfg.certs {
			chain = append(chain, c.Raw)
		}
		tlsCfg.Certificates = []tls.Certificate{{
			Certificate: chain,
			PrivateKey:  cfg.key,
			Leaf:        cfg.certs[0],
		}}
	}

	logger := alogger.New(os.Stderr, zerolog.WarnLevel, alogger.FormatConsole)

	return client.NewClient(cfg.server, tlsCfg, cfg.token, logger)
}

// passwordFromTerminal prompts for a password at the terminal.
func passwordFromTerminal(cred, target string) ([]byte, error) {
	// Prefer /dev/tty so the prompt works with redirected standard input.
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		if !os.IsNotExist(err) || !term.IsTerminal(int(os.Stdin.Fd())) {
			return nil, fmt.Errorf("failed to open terminal: %w", err)
		}
		tty = os.Stdin
	} else {
		defer tty.Close()
	}

	fmt.Fprintf(tty, "Enter %s for %s: ", cred, target)
	pass, err := term.ReadPassword(int(tty.Fd()))
	fmt.Fprintln(tty)

	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}

	return pass, nil
}

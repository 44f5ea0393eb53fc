package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ra "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/alogger"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/auditfeed"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/authz"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/cmc"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/common"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/db"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/processor"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/realca"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/server"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/status"
	"golang.org/x/term"
)

const shutdownTimeout = 15 * time.Second

func main() {
	log.SetPrefix(fmt.Sprintf("%s: ", appName))
	log.SetFlags(0)

	flag.Usage = usage
	flag.Parse()

	// Process special-purpose flags.
	switch {
	case *fHelp:
		usage()
		return

	case *fSampleConfig:
		sampleConfig()
		return

	case *fVersion:
		version()
		return
	}

	if *fConfig == "" {
		log.Fatalf("No configuration file specified")
	}

	cfg, err := configFromFile(*fConfig)
	if err != nil {
		log.Fatalf("failed to read configuration file: %v", err)
	}

	// Create logger. If no log file was specified, log to standard error.
	var out io.Writer = os.Stderr
	if cfg.Logfile != "" {
		f, err := os.OpenFile(cfg.Logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("failed to open log file: %v", err)
		}
		defer f.Close()
		out = f
	}

	level, err := alogger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("%v", err)
	}
	logger := alogger.New(out, level, alogger.Format(cfg.LogFormat))

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Request agent failed")
	}
}

// run wires the request agent and serves it until a termination signal is
// received.
func run(cfg *config, logger common.Logger) error {
	ca, err := loadCA(cfg.RealCA)
	if err != nil {
		return fmt.Errorf("failed to create CA: %w", err)
	}
	defer ca.Close()

	digest, err := cmc.ParseHash(cfg.CMC.Digest)
	if err != nil {
		return err
	}

	database, err := db.NewDB(cfg.Database.Type, cfg.Database.DSN, logger, cfg.Database.Verbose)
	if err != nil {
		return err
	}
	defer database.Close()

	queue := db.NewQueue(database, db.QueueConfig{
		RequiredApprovals: cfg.Queue.RequiredApprovals,
		Issuer:            ca,
	})
	auditLog := db.NewAuditLog(database)

	hub := auditfeed.NewHub(logger, nil)
	defer hub.Close()

	entries := cfg.Authz.ACL
	if len(entries) == 0 {
		entries = authz.DefaultEntries(cfg.Authz.AgentGroup, cfg.Authz.SubmitterGroups)
	}
	acl, err := authz.NewACL(entries, logger)
	if err != nil {
		return err
	}

	authenticator, err := authz.NewAuthenticator(cfg.Authz.Credentials, cfg.TLS.ClientCertAuth)
	if err != nil {
		return err
	}

	sub := ra.Subsystems{
		Queue:      queue,
		Authorizer: acl,
		Audit:      auditfeed.NewTee(logger, auditLog, hub),
		Signing:    ca,
	}

	r, err := server.NewRouter(&server.Config{
		Subsystems: sub,
		Status: status.New(sub, status.Config{
			AgentGroup: cfg.Authz.AgentGroup,
			Digest:     digest,
			Logger:     logger,
		}),
		Processor:      processor.New(sub, processor.Config{Logger: logger}),
		Authenticator:  authenticator,
		AuditLog:       auditLog,
		AuditFeed:      hub,
		Health:         database.Ping,
		SubmitValidity: cfg.validity(),
		Logger:         logger,
		Timeout:        time.Duration(cfg.Timeout) * time.Second,
		RateLimit:      cfg.RateLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to create router: %w", err)
	}

	tlsCfg, err := serverTLSConfig(cfg.TLS)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.TLS.ListenAddr,
		Handler:           r,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	errs := make(chan error, 1)
	go func() {
		logger.Infow("Starting request agent", "address", srv.Addr)
		if err := srv.ListenAndServeTLS("", ""); !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case got := <-stop:
		logger.Infof("Closing request agent with signal %v", got)
	case err := <-errs:
		return fmt.Errorf("failed to serve: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return srv.Shutdown(ctx)
}

// loadCA creates the issuing CA from a key file or a PKCS#11 token.
func loadCA(cfg *realCAConfig) (*realca.RealCA, error) {
	opts := []realca.Option{realca.WithCAIssuance(cfg.AllowCA)}
	if v := time.Duration(cfg.ValidityDays) * 24 * time.Hour; v > 0 {
		opts = append(opts, realca.WithValidity(v))
	}

	if cfg.Signing != nil {
		certs, err := realca.LoadCertificates(cfg.Signing.Cert)
		if err != nil {
			return nil, err
		}
		key, err := realca.LoadPrivateKey(cfg.Signing.Key)
		if err != nil {
			return nil, err
		}
		opts = append(opts, realca.WithSigningIdentity(certs[0], key))
	}

	if cfg.HSM == nil {
		return realca.Load(cfg.Certs, cfg.Key, opts...)
	}

	hsm := *cfg.HSM
	if hsm.PIN == "" {
		pin, err := passwordFromTerminal("PIN", hsm.Label)
		if err != nil {
			return nil, err
		}
		hsm.PIN = string(pin)
	}

	return realca.LoadHSM(cfg.Certs, hsm, opts...)
}

// serverTLSConfig returns the listener TLS configuration. Client
// certificates are requested, and verified against the client CAs, when
// client CAs are configured.
func serverTLSConfig(cfg *tlsConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.Certs, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}

	if len(cfg.ClientCAs) > 0 {
		pool := x509.NewCertPool()
		for _, name := range cfg.ClientCAs {
			certs, err := realca.LoadCertificates(name)
			if err != nil {
				return nil, err
			}
			for _, c := range certs {
				pool.AddCert(c)
			}
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}

	return tlsCfg, nil
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

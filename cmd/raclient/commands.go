package main

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"time"

	ra "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/client"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/cmc"
	"github.com/globalsign/pemfile"
)

const (
	csrPEMType  = "CERTIFICATE REQUEST"
	certPEMType = "CERTIFICATE"
)

// submit queues a certificate request.
func submit(w io.Writer, cfg *config) error {
	name := cfg.FlagValue(csrFlag)
	if name == "" {
		return errors.New("CSR file not specified")
	}

	blocks, err := pemfile.ReadBlocks(name)
	if err != nil {
		return fmt.Errorf("failed to read CSR: %w", err)
	} else if len(blocks) != 1 {
		return fmt.Errorf("expected exactly one CSR in %s, found %d", name, len(blocks))
	}
	if err := pemfile.IsType(blocks[0], csrPEMType); err != nil {
		return err
	}

	s := client.Submission{CSR: blocks[0].Bytes, ProfileID: cfg.FlagValue(profileFlag)}
	if v := cfg.FlagValue(typeFlag); v != "" {
		if s.Type, err = ra.ParseRequestType(v); err != nil {
			return err
		}
	}
	if s.ValidityDays, err = intFlag(cfg, validityFlag); err != nil {
		return err
	}

	ctx, cancel := cfg.MakeContext()
	defer cancel()

	resp, err := cfg.MakeClient().Submit(ctx, s)
	if err != nil {
		return err
	}

	return writeJSON(w, resp)
}

// status queries a request and, with -cmc, verifies the signed CMC
// response against the trust anchors.
func status(w io.Writer, cfg *config) error {
	id := cfg.FlagValue(idFlag)
	if id == "" {
		return errNoID
	}

	q := client.StatusQuery{RequestID: id}

	var query cmc.Query
	if cfg.FlagValue(cmcFlag) == "true" {
		if cfg.key == nil {
			return errors.New("CMC queries need a client certificate and key")
		}

		digest := cfg.FlagValue(digestFlag)
		if digest == "" {
			digest = "SHA256"
		}
		hash, err := cmc.ParseHash(digest)
		if err != nil {
			return err
		}

		signer, err := cmc.NewKeySigner(cfg.certs[0], cfg.key, hash)
		if err != nil {
			return err
		}

		if query, err = cmc.NewQuery(id); err != nil {
			return err
		}
		if q.QueryPending, err = query.Encode(signer); err != nil {
			return err
		}
		q.CMC = true
	}

	ctx, cancel := cfg.MakeContext()
	defer cancel()

	resp, err := cfg.MakeClient().CheckRequest(ctx, q)
	if err != nil {
		return err
	}

	if resp.CMCResponse != "" {
		if err := verifyCMC(w, resp.CMCResponse, cfg, query); err != nil {
			return err
		}
	}

	if name := cfg.FlagValue(outFlag); name != "" && resp.PKCS7Chain != "" {
		if err := writeChain(name, resp.PKCS7Chain); err != nil {
			return err
		}
	}

	return writeJSON(w, resp)
}

// verifyCMC checks the signature of a CMC response and that it answers
// query.
func verifyCMC(w io.Writer, b64 string, cfg *config, query cmc.Query) error {
	if cfg.roots == nil {
		return errors.New("verifying CMC responses needs trust anchors")
	}

	resp, err := cmc.ParseResponse(b64, cfg.roots)
	if err != nil {
		return fmt.Errorf("invalid CMC response: %w", err)
	}

	if query.SenderNonce != nil {
		if len(resp.Controls.RecipientNonce) == 0 ||
			!bytes.Equal(resp.Controls.RecipientNonce[0].Bytes, query.SenderNonce) {
			return errors.New("CMC response does not echo the sender nonce")
		}
	}

	if resp.Controls.Status != nil {
		fmt.Fprintf(w, "CMC status: %s", resp.Controls.Status.Code())
		if s := resp.Controls.Status.StatusString; s != "" {
			fmt.Fprintf(w, " (%s)", s)
		}
		fmt.Fprintf(w, ", signed by %s\n", resp.Signer.Subject)
	}

	return nil
}

// writeChain writes the certificates of a degenerate PKCS#7 chain to a PEM
// file.
func writeChain(name, b64 string) error {
	certs, err := cmc.ParseChain(b64)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	for _, c := range certs {
		if err := pem.Encode(&buf, &pem.Block{Type: certPEMType, Bytes: c.Raw}); err != nil {
			return err
		}
	}

	return os.WriteFile(name, buf.Bytes(), 0644)
}

// process performs an agent action.
func process(w io.Writer, cfg *config) error {
	a := client.Action{
		SeqNum:             cfg.FlagValue(idFlag),
		ToDo:               cfg.FlagValue(actionFlag),
		Subject:            cfg.FlagValue(subjectFlag),
		SignatureAlgorithm: cfg.FlagValue(sigAlgFlag),
		Assignee:           cfg.FlagValue(assigneeFlag),
	}
	if a.SeqNum == "" {
		return errNoID
	}
	if _, err := ra.ParseAction(a.ToDo); err != nil {
		return err
	}

	var err error
	if a.NotValidBefore, err = timeFlag(cfg, notBeforeFlag); err != nil {
		return err
	}
	if a.NotValidAfter, err = timeFlag(cfg, notAfterFlag); err != nil {
		return err
	}

	ctx, cancel := cfg.MakeContext()
	defer cancel()

	resp, err := cfg.MakeClient().Process(ctx, a)
	if err != nil {
		return err
	}

	return writeJSON(w, resp)
}

// list lists queued requests.
func list(w io.Writer, cfg *config) error {
	q := client.ListQuery{Owner: cfg.FlagValue(ownerFlag)}

	var err error
	if v := cfg.FlagValue(statusFlag); v != "" {
		if q.Status, err = ra.ParseStatus(v); err != nil {
			return err
		}
	}
	if v := cfg.FlagValue(typeFlag); v != "" {
		if q.Type, err = ra.ParseRequestType(v); err != nil {
			return err
		}
	}
	if q.Limit, err = intFlag(cfg, limitFlag); err != nil {
		return err
	}
	if q.Offset, err = intFlag(cfg, offsetFlag); err != nil {
		return err
	}

	ctx, cancel := cfg.MakeContext()
	defer cancel()

	resp, err := cfg.MakeClient().List(ctx, q)
	if err != nil {
		return err
	}

	return writeJSON(w, resp)
}

// audit prints audit records, or streams them with -follow.
func audit(w io.Writer, cfg *config) error {
	c := cfg.MakeClient()

	if cfg.FlagValue(followFlag) == "true" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		err := c.WatchAudit(ctx, func(rec ra.AuditRecord) error {
			return writeJSON(w, rec)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	q := client.AuditQuery{
		RequestID: cfg.FlagValue(idFlag),
		Requester: cfg.FlagValue(requesterFlag),
	}

	var err error
	if q.Since, err = timeFlag(cfg, sinceFlag); err != nil {
		return err
	}
	if q.Limit, err = intFlag(cfg, limitFlag); err != nil {
		return err
	}

	ctx, cancel := cfg.MakeContext()
	defer cancel()

	records, err := c.AuditEvents(ctx, q)
	if err != nil {
		return err
	}

	return writeJSON(w, records)
}

func intFlag(cfg *config, name string) (int, error) {
	v := cfg.FlagValue(name)
	if v == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid -%s %q", name, v)
	}

	return n, nil
}

func timeFlag(cfg *config, name string) (time.Time, error) {
	v := cfg.FlagValue(name)
	if v == "" {
		return time.Time{}, nil
	}

	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid -%s: %w", name, err)
	}

	return t, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

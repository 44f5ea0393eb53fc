package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	name := filepath.Join(t.TempDir(), "ra.json")
	require.NoError(t, os.WriteFile(name, []byte(body), 0600))

	return name
}

func TestSampleConfigParses(t *testing.T) {
	var cfg config
	require.NoError(t, json.Unmarshal([]byte(sample), &cfg))
	require.NoError(t, cfg.validate())

	assert.Equal(t, "localhost:8443", cfg.TLS.ListenAddr)
	assert.Equal(t, db.TypePostgres, cfg.Database.Type)
	assert.Equal(t, []string{"devices"}, cfg.Authz.SubmitterGroups)
	require.Len(t, cfg.Authz.Credentials, 1)
	assert.Equal(t, "agent1", cfg.Authz.Credentials[0].User)
	assert.Equal(t, 365, cfg.RealCA.ValidityDays)
}

func TestConfigFromFileDefaultsAndPaths(t *testing.T) {
	name := writeConfig(t, `{
		"ca": {"certificates": "ca.pem", "private_key": "/abs/ca.key"},
		"tls": {"certificates": "tls.pem", "private_key": "tls.key"}
	}`)
	dir := filepath.Dir(name)

	cfg, err := configFromFile(name)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "ca.pem"), cfg.RealCA.Certs)
	assert.Equal(t, "/abs/ca.key", cfg.RealCA.Key)
	assert.Equal(t, filepath.Join(dir, "tls.key"), cfg.TLS.Key)
	assert.Equal(t, defaultListenAddr, cfg.TLS.ListenAddr)
	assert.Equal(t, db.TypeSQLite, cfg.Database.Type)
	assert.Equal(t, defaultAgentGroup, cfg.Authz.AgentGroup)
	assert.Zero(t, cfg.validity())
}

func TestConfigHSM(t *testing.T) {
	name := writeConfig(t, `{
		"ca": {
			"certificates": "ca.pem",
			"hsm": {"pkcs11_library_path": "/usr/lib/softhsm/libsofthsm2.so", "token_label": "ra", "key_id": 7}
		},
		"tls": {"certificates": "tls.pem", "private_key": "tls.key"}
	}`)

	cfg, err := configFromFile(name)
	require.NoError(t, err)
	require.NotNil(t, cfg.RealCA.HSM)
	assert.Equal(t, "ra", cfg.RealCA.HSM.Label)
	assert.EqualValues(t, 7, cfg.RealCA.HSM.KeyID.Int64())
}

func TestConfigValidation(t *testing.T) {
	tcs := []struct {
		name string
		body string
	}{
		{
			name: "NoCA",
			body: `{"tls": {"certificates": "a", "private_key": "b"}}`,
		},
		{
			name: "NoKey",
			body: `{"ca": {"certificates": "a"}, "tls": {"certificates": "a", "private_key": "b"}}`,
		},
		{
			name: "KeyAndHSM",
			body: `{"ca": {"certificates": "a", "private_key": "b", "hsm": {"key_id": 1}}, "tls": {"certificates": "a", "private_key": "b"}}`,
		},
		{
			name: "IncompleteSigning",
			body: `{"ca": {"certificates": "a", "private_key": "b", "signing": {"certificate": "c"}}, "tls": {"certificates": "a", "private_key": "b"}}`,
		},
		{
			name: "NoTLS",
			body: `{"ca": {"certificates": "a", "private_key": "b"}}`,
		},
		{
			name: "ClientCertAuthWithoutCAs",
			body: `{"ca": {"certificates": "a", "private_key": "b"}, "tls": {"certificates": "a", "private_key": "b", "client_cert_auth": true}}`,
		},
		{
			name: "NegativeTimeout",
			body: `{"ca": {"certificates": "a", "private_key": "b"}, "tls": {"certificates": "a", "private_key": "b"}, "timeout": -1}`,
		},
		{
			name: "Malformed",
			body: `{"ca": `,
		},
	}

	for _, tc := range tcs {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := configFromFile(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestConfigFromMissingFile(t *testing.T) {
	_, err := configFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

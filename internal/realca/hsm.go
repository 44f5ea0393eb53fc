package realca

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ThalesIgnite/crypto11"
)

// HSMConfig locates an issuing key held in a PKCS#11 token.
type HSMConfig struct {
	LibraryPath string   `json:"pkcs11_library_path"`
	Label       string   `json:"token_label"`
	PIN         string   `json:"token_pin"`
	KeyID       *big.Int `json:"key_id"`
}

// LoadHSM reads the CA certificates from a PEM file and uses the key pair
// identified by hsm as the issuing key. The PKCS#11 session is closed by
// Close.
func LoadHSM(certFile string, hsm HSMConfig, opts ...Option) (ca *RealCA, err error) {
	certs, err := LoadCertificates(certFile)
	if err != nil {
		return nil, err
	}

	if hsm.KeyID == nil {
		return nil, errors.New("no HSM key id provided")
	}

	p, err := crypto11.Configure(&crypto11.Config{
		Path:       hsm.LibraryPath,
		TokenLabel: hsm.Label,
		Pin:        hsm.PIN,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure PKCS11: %w", err)
	}
	defer func() {
		if err != nil {
			_ = p.Close()
		}
	}()

	key, err := p.FindKeyPair(hsm.KeyID.Bytes(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to find key pair: %w", err)
	} else if key == nil {
		return nil, errors.New("failed to find key pair")
	}

	return New(certs, key, append(opts, withCloser(p.Close))...)
}

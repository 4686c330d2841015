package xhr

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// TLSOptions holds TLS overrides for requests: client certificate material
// for mTLS, a CA bundle, cipher restrictions and verification control.
type TLSOptions struct {
	CertFile           string
	KeyFile            string
	Passphrase         string // decrypts an encrypted PEM private key
	CAFile             string
	CipherSuites       []string // TLS 1.2 suite names, e.g. "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256"
	MinVersion         uint16
	InsecureSkipVerify bool
}

// Build creates a *tls.Config from the options. A nil receiver yields a nil
// config, meaning platform defaults.
func (o *TLSOptions) Build() (*tls.Config, error) {
	if o == nil {
		return nil, nil
	}

	cfg := &tls.Config{
		InsecureSkipVerify: o.InsecureSkipVerify,
		MinVersion:         o.MinVersion,
	}

	if o.CertFile != "" && o.KeyFile != "" {
		certPEM, err := os.ReadFile(o.CertFile)
		if err != nil {
			return nil, fmt.Errorf("reading client cert: %w", err)
		}
		keyPEM, err := os.ReadFile(o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading client key: %w", err)
		}
		if o.Passphrase != "" {
			keyPEM, err = decryptKeyPEM(keyPEM, o.Passphrase)
			if err != nil {
				return nil, err
			}
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("loading client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if o.CAFile != "" {
		caCert, err := os.ReadFile(o.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA cert")
		}
		cfg.RootCAs = pool
	}

	if len(o.CipherSuites) > 0 {
		ids, err := cipherSuiteIDs(o.CipherSuites)
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = ids
	}

	return cfg, nil
}

// decryptKeyPEM handles legacy RFC 1423 encrypted PEM keys. That scheme is
// insecure and the stdlib functions for it are deprecated; support exists
// only so existing passphrase-protected client keys keep working. New keys
// should use PKCS#8, which needs no passphrase handling here.
func decryptKeyPEM(keyPEM []byte, passphrase string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in key file")
	}
	if !x509.IsEncryptedPEMBlock(block) {
		return keyPEM, nil
	}
	der, err := x509.DecryptPEMBlock(block, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("decrypting client key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}

func cipherSuiteIDs(names []string) ([]uint16, error) {
	byName := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		byName[s.Name] = s.ID
	}
	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

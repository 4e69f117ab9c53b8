package transport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/codeready-toolchain/dgate/pkg/config"
)

// newTLSConfig builds a tls.Config from the transport TLS block. Two layouts
// are accepted: a PEM cert/key pair with optional CA bundle, or a single
// keystore file holding the certificate chain and a (possibly encrypted)
// private key guarded by keystore_password. Returns nil when TLS is disabled.
func newTLSConfig(c *config.TLSConfig) (*tls.Config, error) {
	if c == nil || !c.Enabled {
		return nil, nil
	}

	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipTLS,
	}

	if c.CAFile != "" {
		caPEM, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates found in CA file %s", c.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	switch {
	case c.KeystoreFile != "":
		cert, err := loadKeystore(c.KeystoreFile, c.KeystorePassword)
		if err != nil {
			return nil, fmt.Errorf("loading keystore: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	case c.CertFile != "" && c.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading cert/key pair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

// loadKeystore parses a PEM keystore containing the certificate chain and the
// private key. An encrypted key block is decrypted with the given password.
func loadKeystore(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, err
	}

	var certPEM, keyPEM []byte
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		switch {
		case block.Type == "CERTIFICATE":
			certPEM = append(certPEM, pem.EncodeToMemory(block)...)
		case x509.IsEncryptedPEMBlock(block):
			der, err := x509.DecryptPEMBlock(block, []byte(password))
			if err != nil {
				return tls.Certificate{}, fmt.Errorf("decrypting private key: %w", err)
			}
			keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
		default:
			keyPEM = pem.EncodeToMemory(block)
		}
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		return tls.Certificate{}, fmt.Errorf("keystore %s is missing a certificate or key", path)
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}

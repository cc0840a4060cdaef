package email

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

var signedHeaders = []string{"from", "to", "subject", "date", "mime-version", "content-type", "message-id"}

// DKIMSigner adds a DKIM-Signature header to outgoing mailouts.
type DKIMSigner struct {
	Domain   string
	Selector string
	Key      crypto.Signer
}

// LoadDKIMSigner reads a PEM private key from keyPath. It returns nil, nil
// when signing is not configured. domain defaults to the From address's
// domain.
func LoadDKIMSigner(selector, keyPath, domain, from string) (*DKIMSigner, error) {
	if selector == "" && keyPath == "" {
		return nil, nil
	}
	if selector == "" || keyPath == "" {
		return nil, errors.New("dkim: both selector and key path are required")
	}

	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("dkim: read key: %w", err)
	}
	key, err := parseKey(data)
	if err != nil {
		return nil, fmt.Errorf("dkim: %w", err)
	}

	if domain == "" {
		domain = addressDomain(from)
	}
	if domain == "" {
		return nil, fmt.Errorf("dkim: no signing domain in %q", from)
	}

	return &DKIMSigner{Domain: domain, Selector: selector, Key: key}, nil
}

// Sign writes the signed form of msg to w.
func (s *DKIMSigner) Sign(w io.Writer, msg []byte) error {
	return dkim.Sign(w, bytes.NewReader(msg), &dkim.SignOptions{
		Domain:                 s.Domain,
		Selector:               s.Selector,
		Signer:                 s.Key,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             signedHeaders,
	})
}

func parseKey(data []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			return nil, errors.New("no private key in PEM data")
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			signer, ok := key.(crypto.Signer)
			if !ok {
				return nil, fmt.Errorf("unsupported key type %T", key)
			}
			return signer, nil
		}
		data = rest
	}
}

func addressDomain(addr string) string {
	addr = strings.Trim(strings.TrimSpace(addr), "<>")
	if i := strings.LastIndex(addr, "@"); i >= 0 && i+1 < len(addr) {
		return strings.ToLower(addr[i+1:])
	}
	return ""
}

package config

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
)

// ParsePublicKeysPEM decodes id_token verification keys from PEM data. It
// accepts PUBLIC KEY blocks (PKIX) and CERTIFICATE blocks; other block types
// are skipped. At least one key is required.
func ParsePublicKeysPEM(data []byte) ([]crypto.PublicKey, error) {
	var keys []crypto.PublicKey
	rest := bytes.TrimSpace(data)
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, invalid("id_token_keys", "trailing data is not PEM encoded")
		}
		switch block.Type {
		case "PUBLIC KEY":
			key, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, invalid("id_token_keys", "key %d: %v", len(keys), err)
			}
			keys = append(keys, key)
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, invalid("id_token_keys", "certificate %d: %v", len(keys), err)
			}
			keys = append(keys, cert.PublicKey)
		}
		rest = bytes.TrimSpace(rest)
	}
	if len(keys) == 0 {
		return nil, invalid("id_token_keys", "no public keys found")
	}
	return keys, nil
}

package agent

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/xabxx/acs-keyvault-agent/internal/keyvault"
)

const pemContentType = "application/x-pem-file"

// certMaterial extracts PEM private key and certificate chain from a
// cert-backing secret. The vault stores these either as a base64 PKCS#12
// blob (the default) or as a PEM bundle, depending on how the certificate
// was created.
func certMaterial(bundle *keyvault.SecretBundle) (keyPEM, certPEM []byte, err error) {
	if bundle.ContentType == pemContentType || strings.Contains(bundle.Value, "-----BEGIN") {
		return splitPEM([]byte(bundle.Value))
	}
	return splitPFX(bundle.Value)
}

// splitPFX decodes a base64 PKCS#12 blob into PEM key and certificate
// chain. Vault-exported PFX blobs carry no password.
func splitPFX(encoded string) (keyPEM, certPEM []byte, err error) {
	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(encoded), ""))
	if err != nil {
		return nil, nil, fmt.Errorf("decode pkcs12 base64: %w", err)
	}

	priv, leaf, chain, err := pkcs12.DecodeChain(der, "")
	if err != nil {
		return nil, nil, fmt.Errorf("decode pkcs12: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	certPEM = certToPEM(leaf.Raw)
	for _, c := range chain {
		certPEM = append(certPEM, certToPEM(c.Raw)...)
	}
	return keyPEM, certPEM, nil
}

// splitPEM separates a PEM bundle into private key blocks and certificate
// blocks, preserving order within each group.
func splitPEM(data []byte) (keyPEM, certPEM []byte, err error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		out := pem.EncodeToMemory(block)
		switch {
		case strings.Contains(block.Type, "PRIVATE KEY"):
			keyPEM = append(keyPEM, out...)
		case block.Type == "CERTIFICATE":
			certPEM = append(certPEM, out...)
		}
	}
	if len(keyPEM) == 0 && len(certPEM) == 0 {
		return nil, nil, fmt.Errorf("no PEM blocks found in secret value")
	}
	return keyPEM, certPEM, nil
}

// certToPEM wraps a DER certificate in a PEM block.
func certToPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

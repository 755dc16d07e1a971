package registry

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/Rul1an/assay/internal/canon"
	"github.com/Rul1an/assay/internal/trust"
)

const PackPayloadType = "application/vnd.assay.pack+yaml;v=1"

// Envelope is a DSSE envelope as returned by the sidecar signature endpoint.
type Envelope struct {
	PayloadType string      `json:"payloadType"`
	Payload     string      `json:"payload"` // base64
	Signatures  []Signature `json:"signatures"`
}

// Signature is one DSSE signature entry.
type Signature struct {
	KeyID string `json:"keyid"`
	Sig   string `json:"sig"` // base64
}

// PAE computes the DSSE Pre-Authentication Encoding:
// "DSSEv1 <len(type)> <type> <len(payload)> <payload>".
func PAE(payloadType string, payload []byte) []byte {
	return []byte(fmt.Sprintf("DSSEv1 %d %s %d %s", len(payloadType), payloadType, len(payload), payload))
}

// VerifyError identifies which §4.3 DSSE check failed.
type VerifyError struct{ Code string }

func (e *VerifyError) Error() string { return e.Code }

var (
	ErrKeyNotTrusted    = &VerifyError{Code: "KeyNotTrusted"}
	ErrDigestMismatch   = &VerifyError{Code: "DigestMismatch"}
	ErrSignatureInvalid = &VerifyError{Code: "SignatureInvalid"}
)

// VerifyPack checks that env's canonical-encoded payload matches packBytes
// after canonicalization, then verifies at least one signature against a
// trusted key. Fail-closed: an empty signature list, an unknown key_id, a
// payload digest mismatch, or a bad signature all fail verification.
func VerifyPack(store *trust.Store, packBytes []byte, env Envelope) error {
	if env.PayloadType != PackPayloadType {
		return &VerifyError{Code: "UnsupportedPayloadType"}
	}
	if len(env.Signatures) == 0 {
		return ErrSignatureInvalid
	}

	payload, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return &VerifyError{Code: "PayloadDecodeError"}
	}

	_, canonicalBytes, err := canon.Digest(string(packBytes))
	if err != nil {
		return &VerifyError{Code: "CanonicalizeError"}
	}
	if string(canonicalBytes) != string(payload) {
		return ErrDigestMismatch
	}

	pae := PAE(env.PayloadType, payload)

	var lastErr error = ErrSignatureInvalid
	for _, sig := range env.Signatures {
		key, ok := store.Lookup(sig.KeyID)
		if !ok || key.Revoked {
			lastErr = ErrKeyNotTrusted
			continue
		}
		sigBytes, err := base64.StdEncoding.DecodeString(sig.Sig)
		if err != nil {
			lastErr = ErrSignatureInvalid
			continue
		}
		if ed25519.Verify(key.PublicKey, pae, sigBytes) {
			return nil
		}
		lastErr = ErrSignatureInvalid
	}
	return lastErr
}

package attest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/fideslabs/fides/pkg/canonical"
	"github.com/fideslabs/fides/pkg/records"
)

// AlgorithmEd25519 is the recommended (and currently only implemented)
// signature scheme. Ed25519 signatures are deterministic and valid for
// exactly the bytes they were produced over.
const AlgorithmEd25519 = "Ed25519"

// Signer produces decider signatures over record signing bytes. Used by the
// CLI and by tests; the server itself only verifies.
type Signer struct {
	SignerID string
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
}

// NewSigner generates a fresh Ed25519 keypair for signerID.
func NewSigner(signerID string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Signer{SignerID: signerID, priv: priv, pub: pub}, nil
}

// NewSignerFromKey wraps an existing private key.
func NewSignerFromKey(signerID string, priv ed25519.PrivateKey) *Signer {
	return &Signer{SignerID: signerID, priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// PublicKey returns the base64-encoded raw public key.
func (s *Signer) PublicKey() string {
	return base64.StdEncoding.EncodeToString(s.pub)
}

// SignRecord signs the canonical signing bytes of doc (the record without its
// signatures array) and returns the signature object to attach.
func (s *Signer) SignRecord(doc map[string]any) (records.Signature, error) {
	payload, err := canonical.SigningBytes(doc)
	if err != nil {
		return records.Signature{}, err
	}
	sig := ed25519.Sign(s.priv, payload)
	return records.Signature{
		SignerID:  s.SignerID,
		PublicKey: s.PublicKey(),
		Algorithm: AlgorithmEd25519,
		Signature: base64.StdEncoding.EncodeToString(sig),
		SignedAt:  time.Now().UTC().Format(time.RFC3339),
	}, nil
}

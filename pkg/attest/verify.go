package attest

import (
	"crypto/ed25519"
	"encoding/base64"

	"github.com/fideslabs/fides/pkg/canonical"
	"github.com/fideslabs/fides/pkg/records"
)

// VerifyRecordSignatures checks that every decider has a valid Ed25519
// signature over the record's signing bytes and that no signature claims a
// signer outside the decider list.
func VerifyRecordSignatures(doc map[string]any, deciders []string, sigs []records.Signature) error {
	if len(sigs) == 0 {
		return badSignature("record carries no signatures")
	}

	payload, err := canonical.SigningBytes(doc)
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(deciders))
	for _, d := range deciders {
		known[d] = false
	}

	for _, sig := range sigs {
		if _, ok := known[sig.SignerID]; !ok {
			return badSignature("signer %q is not a decider of this record", sig.SignerID)
		}
		if err := verifyOne(payload, sig); err != nil {
			return err
		}
		known[sig.SignerID] = true
	}

	for _, d := range deciders {
		if !known[d] {
			return badSignature("decider %q has not signed the record", d)
		}
	}
	return nil
}

func verifyOne(payload []byte, sig records.Signature) error {
	if sig.Algorithm != AlgorithmEd25519 {
		return badSignature("unsupported signature algorithm %q", sig.Algorithm)
	}
	pub, err := base64.StdEncoding.DecodeString(sig.PublicKey)
	if err != nil {
		return badSignature("signer %q: public key is not valid base64", sig.SignerID)
	}
	if len(pub) != ed25519.PublicKeySize {
		return badSignature("signer %q: public key has size %d, want %d", sig.SignerID, len(pub), ed25519.PublicKeySize)
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return badSignature("signer %q: signature is not valid base64", sig.SignerID)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), payload, raw) {
		return badSignature("signer %q: signature does not verify over canonical bytes", sig.SignerID)
	}
	return nil
}

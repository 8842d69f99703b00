// Package signature fixes the canonical serialization and verification of
// miner submission signatures: fields are newline-joined in declaration
// order and hashed with SHA-256 before secp256k1 verification against the
// claimed miner_hotkey.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// Fields is the set of values bound into a submission signature.
type Fields struct {
	VideoHash   string
	VideoKey    string
	PromptID    string
	MinerUID    int64
	SubmittedAt time.Time
}

// CanonicalBytes returns the exact byte sequence signed by the miner:
// newline-joined fields in declaration order, with submitted_at truncated to
// the minute and rendered as UTC RFC3339.
func CanonicalBytes(f Fields) []byte {
	truncated := f.SubmittedAt.UTC().Truncate(time.Minute).Format(time.RFC3339)
	parts := []string{
		f.VideoHash,
		f.VideoKey,
		f.PromptID,
		strconv.FormatInt(f.MinerUID, 10),
		truncated,
	}
	return []byte(strings.Join(parts, "\n"))
}

// Digest is the SHA-256 hash of the canonical bytes; this is what gets
// signed and verified, not the raw bytes, so signature size is independent
// of field lengths.
func Digest(f Fields) [32]byte {
	return sha256.Sum256(CanonicalBytes(f))
}

// Verify checks that signatureHex is a valid secp256k1 signature over the
// canonical digest of f, produced by the private key behind hotkeyHex
// (a compressed or uncompressed secp256k1 public key, hex-encoded).
func Verify(hotkeyHex, signatureHex string, f Fields) (bool, error) {
	pubKeyBytes, err := hex.DecodeString(hotkeyHex)
	if err != nil {
		return false, fmt.Errorf("decode hotkey: %w", err)
	}
	sigBytes, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	pubKey, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false, fmt.Errorf("parse hotkey: %w", err)
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false, fmt.Errorf("parse signature: %w", err)
	}
	digest := Digest(f)
	return sig.Verify(digest[:], pubKey), nil
}

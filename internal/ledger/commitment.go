package ledger

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SecretWidth is the fixed width secrets are padded or truncated to before hashing.
const SecretWidth = 32

// Hash is a 32-byte secret commitment.
type Hash common.Hash

// PadSecret zero-pads or truncates secret to SecretWidth bytes.
func PadSecret(secret []byte) [SecretWidth]byte {
	var out [SecretWidth]byte
	copy(out[:], secret)
	return out
}

// HashSecret computes the commitment for secret: sha256 of its padded form.
func HashSecret(secret []byte) Hash {
	padded := PadSecret(secret)
	return sha256.Sum256(padded[:])
}

// Matches reports in constant time whether secret opens the commitment.
func (h Hash) Matches(secret []byte) bool {
	got := HashSecret(secret)
	return subtle.ConstantTimeCompare(got[:], h[:]) == 1
}

// HashFromBytes copies b into a Hash. Shorter input is zero-padded and longer
// input truncated, matching how callers prepare commitments.
func HashFromBytes(b []byte) Hash {
	var h Hash
	copy(h[:], b)
	return h
}

// ParseHash decodes a 64 character hex string, with or without 0x prefix.
func ParseHash(s string) (Hash, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	raw, err := hexutil.Decode(s)
	if err != nil {
		return Hash{}, fmt.Errorf("decode secret hash: %w", err)
	}
	if len(raw) != len(Hash{}) {
		return Hash{}, fmt.Errorf("secret hash must be %d bytes, got %d", len(Hash{}), len(raw))
	}
	return HashFromBytes(raw), nil
}

func (h Hash) String() string {
	return hexutil.Encode(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// fieldSep keeps text, mode and tenant from colliding in the digest
// ("ab"+"c" vs "a"+"bc").
const fieldSep = 0x1F

// Normalize canonicalizes question text for fingerprinting and embedding:
// surrounding whitespace stripped, Unicode NFKC-folded, lowercased. Using the
// same form everywhere means the exact index and the semantic scan agree on
// what "the same question" is.
func Normalize(text string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(text)))
}

// Fingerprint derives the cache key for a question. Mode and tenant are part
// of the key: a concise answer must never be served for a detailed request,
// and tenants never see each other's answers.
func Fingerprint(text, mode, tenant string) string {
	h := sha256.New()
	h.Write([]byte(Normalize(text)))
	h.Write([]byte{fieldSep})
	h.Write([]byte(mode))
	h.Write([]byte{fieldSep})
	h.Write([]byte(tenant))
	return hex.EncodeToString(h.Sum(nil))
}

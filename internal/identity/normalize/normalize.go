// Package normalize canonicalizes raw identifier values and computes the
// stable hash used for equality comparison and storage.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"unify/internal/identity/models"
	dErrors "unify/pkg/domain-errors"
)

// Normalized is a canonicalized identifier ready for lookup or storage.
type Normalized struct {
	Type  models.IdentifierType
	Value string
	Hash  string
}

// Identifier canonicalizes a raw identifier value per its type and returns
// the canonical string plus its hash. Pure function, no side effects.
//
// Phone numbers keep digits only; emails are lowercased and trimmed; all
// other types are trimmed as-is.
func Identifier(idType models.IdentifierType, raw string) (Normalized, error) {
	if !idType.Valid() {
		return Normalized{}, dErrors.Newf(dErrors.CodeInvalidIdentifier, "unknown identifier type %q", idType)
	}

	var canonical string
	switch idType {
	case models.IdentifierPhone:
		canonical = digitsOnly(raw)
	case models.IdentifierEmail:
		canonical = strings.ToLower(strings.TrimSpace(raw))
	default:
		canonical = strings.TrimSpace(raw)
	}

	if canonical == "" {
		return Normalized{}, dErrors.Newf(dErrors.CodeInvalidIdentifier, "%s identifier is empty after normalization", idType)
	}

	return Normalized{
		Type:  idType,
		Value: canonical,
		Hash:  Hash(idType, canonical),
	}, nil
}

// Hash returns the stable hex digest for a canonical identifier value. The
// type participates in the digest so equal values of different types never
// collide.
func Hash(idType models.IdentifierType, canonical string) string {
	sum := sha256.Sum256([]byte(string(idType) + ":" + canonical))
	return hex.EncodeToString(sum[:])
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Package fingerprint derives stable cache keys from the output-relevant
// fields of a request.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Length is the number of hex characters kept from the SHA-256 digest.
const Length = 32

// Separator joins fields before hashing.
const Separator = "|"

var escaper = strings.NewReplacer(`\`, `\\`, Separator, `\`+Separator)

// Fingerprint hashes kind and fields joined by Separator. Separators inside
// fields are escaped so field boundaries cannot shift. Only fields that
// influence generated output belong here; actor ids and timestamps do not.
//
// New operation kinds key their results with Fingerprint. Asset and Distill
// keep the unescaped, kind-less layout of keys already stored by earlier
// deployments; both are Fingerprint's join without escaping or a kind.
func Fingerprint(kind string, fields ...string) string {
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, escaper.Replace(kind))
	for _, f := range fields {
		parts = append(parts, escaper.Replace(f))
	}
	return join(parts...)
}

// Asset keys an image generation by its rendered prompt and size.
func Asset(prompt, size string) string {
	return join(prompt, size)
}

// Distill keys a distillation by input kind and raw text.
func Distill(inputKind, rawText string) string {
	return join(inputKind, rawText)
}

func join(fields ...string) string {
	return digest(strings.Join(fields, Separator))
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:Length]
}

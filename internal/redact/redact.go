// Package redact strips credentials from free text before it is stored or
// logged. Each secret is replaced with a short blake2b fingerprint so
// operators can tell whether two messages leaked the same value without
// seeing it.
package redact

import (
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const marker = "[REDACTED:"

// pattern matches (kept prefix)(secret)(kept suffix). The suffix group is
// optional in the expression but always present as a group.
type pattern struct {
	name string
	re   *regexp.Regexp
}

// Applied in order. URL credentials go first so the password is not
// half-consumed by the key=value rule.
var patterns = []pattern{
	{"url_credentials", regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.\-]*://[^:/\s@]+:)([^@\s/]+)(@)`)},
	{"bearer", regexp.MustCompile(`(?i)(bearer\s+)([a-z0-9\-._~+/]+=*)()`)},
	{"provider_key", regexp.MustCompile(`()(\bsk-(?:ant-)?[A-Za-z0-9_\-]{8,})()`)},
	{"aws_access_key", regexp.MustCompile(`()(\b(?:AKIA|ASIA)[0-9A-Z]{16}\b)()`)},
	{"assignment", regexp.MustCompile(`(?i)(\b(?:api[_\-]?key|access[_\-]?token|token|secret|password|passwd)\s*[=:]\s*"?)([^\s"&,;]+)()`)},
}

// String returns s with every recognised secret replaced by
// "[REDACTED:<8 hex>]".
func String(s string) string {
	if s == "" {
		return s
	}
	for _, p := range patterns {
		s = p.re.ReplaceAllStringFunc(s, func(match string) string {
			sub := p.re.FindStringSubmatch(match)
			if len(sub) != 4 || strings.HasPrefix(sub[2], marker) {
				return match
			}
			return sub[1] + Fingerprint(sub[2]) + sub[3]
		})
	}
	return s
}

// Ptr redacts *s, preserving nil.
func Ptr(s *string) *string {
	if s == nil {
		return nil
	}
	out := String(*s)
	return &out
}

// Fingerprint returns the replacement token for secret.
func Fingerprint(secret string) string {
	sum := blake2b.Sum256([]byte(secret))
	return marker + hex.EncodeToString(sum[:4]) + "]"
}

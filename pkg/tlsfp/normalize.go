// Package tlsfp normalizes gateway TLS fingerprints into stable family
// identifiers. The raw fingerprint hashes subject|issuer|sessionId and
// therefore varies per connection; family extraction keeps only the
// stable certificate subject/issuer attributes.
package tlsfp

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// NormalizationResult is the canonical view of one fingerprint.
type NormalizationResult struct {
	RawFingerprint string
	RawMeta        string
	FamilyID       string
	FamilyKey      string
	SubjectAttrs   map[string]string
	IssuerAttrs    map[string]string
	MetaPresent    bool
}

// Normalize parses the X-TLS-Meta header (format:
// "v1;sub=<X500 DN>;iss=<X500 DN>;sid=<sessionId>") and derives a
// session-independent family key and id.
func Normalize(tlsFp, tlsMeta string) NormalizationResult {
	fp := strings.TrimSpace(tlsFp)
	if fp == "" {
		fp = "none"
	}
	meta := strings.TrimSpace(tlsMeta)

	kv := parseKV(meta)
	subDN := kv["sub"]
	issDN := kv["iss"]
	metaPresent := strings.TrimSpace(subDN) != "" || strings.TrimSpace(issDN) != ""

	subAttrs := parseDNAttrs(subDN)
	issAttrs := parseDNAttrs(issDN)

	familyKey := buildFamilyKey(subAttrs, issAttrs)
	return NormalizationResult{
		RawFingerprint: fp,
		RawMeta:        meta,
		FamilyID:       sha256Hex(familyKey),
		FamilyKey:      familyKey,
		SubjectAttrs:   subAttrs,
		IssuerAttrs:    issAttrs,
		MetaPresent:    metaPresent,
	}
}

// buildFamilyKey uses a stable field ordering and deliberately ignores
// the TLS session id.
func buildFamilyKey(subjectAttrs, issuerAttrs map[string]string) string {
	return "sub.cn=" + normAttr(subjectAttrs["CN"]) +
		"|sub.o=" + normAttr(subjectAttrs["O"]) +
		"|sub.ou=" + normAttr(subjectAttrs["OU"]) +
		"|iss.cn=" + normAttr(issuerAttrs["CN"]) +
		"|iss.o=" + normAttr(issuerAttrs["O"]) +
		"|iss.ou=" + normAttr(issuerAttrs["OU"])
}

// normAttr collapses whitespace and lower-cases for stable grouping.
func normAttr(v string) string {
	return strings.ToLower(strings.Join(strings.Fields(v), " "))
}

// parseKV parses a semicolon-delimited k=v header. Tokens without '='
// (such as a leading "v1" version marker) are ignored.
func parseKV(meta string) map[string]string {
	out := make(map[string]string)
	if meta == "" {
		return out
	}
	for _, part := range strings.Split(meta, ";") {
		s := strings.TrimSpace(part)
		if s == "" {
			continue
		}
		eq := strings.Index(s, "=")
		if eq <= 0 || eq == len(s)-1 {
			continue
		}
		k := strings.ToLower(strings.TrimSpace(s[:eq]))
		v := strings.TrimSpace(s[eq+1:])
		if k != "" {
			out[k] = v
		}
	}
	return out
}

// parseDNAttrs parses an X.500 DN into an attribute map (CN, O, OU, C,
// ...). It handles the common OpenSSL/Java DN formats without full
// RFC 2253 escaping.
func parseDNAttrs(dn string) map[string]string {
	out := make(map[string]string)
	if strings.TrimSpace(dn) == "" {
		return out
	}
	for _, token := range strings.Split(dn, ",") {
		s := strings.TrimSpace(token)
		eq := strings.Index(s, "=")
		if eq <= 0 || eq == len(s)-1 {
			continue
		}
		k := strings.ToUpper(strings.TrimSpace(s[:eq]))
		v := strings.TrimSpace(s[eq+1:])
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

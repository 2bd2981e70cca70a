// Package hmacauth computes and verifies HMAC-SHA256 request signatures and
// extracts the credentials a CI client sends with an ingestion request.
package hmacauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// SignatureHeader carries the hex HMAC of the raw request body.
const SignatureHeader = "X-Anchorpipe-Signature"

// ComputeSignature returns the lowercase hex HMAC-SHA256 of payload under secret.
func ComputeSignature(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether candidate is the hex signature of payload
// under secret. Malformed candidates yield false, never an error.
func VerifySignature(secret, payload []byte, candidate string) bool {
	if len(secret) == 0 || candidate == "" {
		return false
	}
	got, err := hex.DecodeString(candidate)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), got)
}

// ExtractToken returns the bearer token from the Authorization header.
func ExtractToken(headers http.Header) (string, bool) {
	value, ok := lookup(headers, "Authorization")
	if !ok {
		return "", false
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(value), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}

// ExtractSignature returns the signature header value. A "sha256=" prefix is
// accepted and stripped.
func ExtractSignature(headers http.Header) (string, bool) {
	value, ok := lookup(headers, SignatureHeader)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if len(value) > 7 && strings.EqualFold(value[:7], "sha256=") {
		value = value[7:]
	}
	if value == "" {
		return "", false
	}
	return value, true
}

// lookup finds a header by case-insensitive name, so maps built without
// canonical keys still work.
func lookup(headers http.Header, name string) (string, bool) {
	if v := headers.Get(name); v != "" {
		return v, true
	}
	for k, vs := range headers {
		if strings.EqualFold(k, name) && len(vs) > 0 && vs[0] != "" {
			return vs[0], true
		}
	}
	return "", false
}

// Package signature verifies webhook authenticity. Both schemes are
// HMAC-SHA256 over a shared secret; both fail closed on missing or malformed
// input.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// VerifySimpleHMAC checks a hex HMAC-SHA256 of the raw request body against
// the provided header value. Used by the manual-confirmation endpoints: the
// client signs the exact JSON it sends.
func VerifySimpleHMAC(payload []byte, provided, secret string) bool {
	if provided == "" || secret == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(provided))
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Header holds the components of a structured signature header of the form
// "ts=<timestamp>,v1=<hash>". Pair order is not guaranteed by the provider.
type Header struct {
	Timestamp string
	Hash      string
}

// ParseHeader extracts ts and v1 from a structured signature header.
// Returns false if either component is missing.
func ParseHeader(header string) (Header, bool) {
	var h Header
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.TrimSpace(kv[0]) {
		case "ts":
			h.Timestamp = strings.TrimSpace(kv[1])
		case "v1":
			h.Hash = strings.TrimSpace(kv[1])
		}
	}
	return h, h.Timestamp != "" && h.Hash != ""
}

// VerifyManifest checks a provider-style manifest signature: the HMAC input
// is "id:<dataID>;request-id:<requestID>;ts:<timestamp>;" and the expected
// digest is the v1 component of the signature header.
func VerifyManifest(dataID, requestID, header, secret string) bool {
	if secret == "" {
		return false
	}
	h, ok := ParseHeader(header)
	if !ok {
		return false
	}

	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", dataID, requestID, h.Timestamp)
	expected := Sign([]byte(manifest), secret)
	return hmac.Equal([]byte(expected), []byte(h.Hash))
}

package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// ChainLink computes the hash of one audit entry linked to its predecessor.
func ChainLink(secret string, prevHash string, fields ...string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(prevHash))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strings.Join(fields, "\x1f")))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func VerifyLink(secret string, prevHash string, hash string, fields ...string) bool {
	expected := ChainLink(secret, prevHash, fields...)
	return hmac.Equal([]byte(hash), []byte(expected))
}

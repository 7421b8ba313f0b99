package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
)

// SessionCodec signs and verifies the session cookie. The cookie carries the
// user id only; everything else is looked up at request time.
type SessionCodec struct {
	secret []byte
}

func NewSessionCodec(secret string) *SessionCodec {
	return &SessionCodec{secret: []byte(secret)}
}

// Encode produces "base64(userID).base64(hmac)".
func (c *SessionCodec) Encode(userID string) string {
	payload := base64.RawURLEncoding.EncodeToString([]byte(userID))
	return payload + "." + c.sign(payload)
}

// Decode verifies the signature and returns the user id.
func (c *SessionCodec) Decode(value string) (string, error) {
	payload, signature, found := strings.Cut(value, ".")
	if !found {
		return "", errors.New("malformed session cookie")
	}
	if !hmac.Equal([]byte(c.sign(payload)), []byte(signature)) {
		return "", errors.New("session cookie signature mismatch")
	}
	userID, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", errors.Wrap(err, "malformed session cookie payload")
	}
	return string(userID), nil
}

func (c *SessionCodec) sign(payload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

package ws

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Token returns the connection token expected for a user. Clients obtain it
// out of band; the relay only verifies it.
func Token(secret, userID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}

// validToken checks the presented token against userID. An empty secret
// disables auth (dev mode).
func validToken(secret, userID, token string) bool {
	if secret == "" {
		return true
	}
	return hmac.Equal([]byte(Token(secret, userID)), []byte(token))
}

package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// credentials is the shared app key/secret pair. The zero value disables
// authorization enforcement and webhook signing.
type credentials struct {
	key    string
	secret string
}

func (c credentials) enabled() bool {
	return c.key != "" && c.secret != ""
}

// sign returns the lowercase hex HMAC-SHA-256 of message keyed by secret.
func sign(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// isAuthorized reports whether auth is exactly "{appKey}:{sign(socketID:channel)}".
// It never succeeds when the key or secret is missing.
func isAuthorized(socketID, channel, auth, appKey, appSecret string) bool {
	if appKey == "" || appSecret == "" {
		return false
	}
	return auth == appKey+":"+sign(socketID+":"+channel, appSecret)
}

func (c credentials) authorize(socketID, channel, auth string) bool {
	return isAuthorized(socketID, channel, auth, c.key, c.secret)
}

package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const identityDomain = "identity:"

// SignIdentity issues a bearer token of the form "<userID>.<mac>". The mac
// covers only the user ID, so tokens never expire; rotate AUTH_SECRET to
// revoke them all.
func SignIdentity(secret, userID string) string {
	return userID + "." + identityMAC(secret, userID)
}

// VerifyIdentity returns the user ID carried by a token from SignIdentity.
// User IDs may contain dots; the mac is everything after the last one.
func VerifyIdentity(secret, token string) (string, bool) {
	i := strings.LastIndex(token, ".")
	if i <= 0 || i == len(token)-1 {
		return "", false
	}
	userID, sig := token[:i], token[i+1:]
	want := identityMAC(secret, userID)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return "", false
	}
	return userID, true
}

// Fingerprint identifies a token in logs without revealing it.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}

func identityMAC(secret, userID string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(identityDomain + userID))
	return hex.EncodeToString(h.Sum(nil))
}

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Session is the resolved identity carried by a valid session cookie.
type Session struct {
	Username  string
	SessionID string
	ExpiresAt time.Time
}

// MintCookie builds the current 4-part cookie value:
// base64url(userB64 | sessionID | expirySec | hexHMAC), where the HMAC is
// computed over "userB64|sessionID|expirySec|passphraseHash" with the
// server's cookie secret. Binding the passphrase hash into the MAC means a
// password change invalidates every outstanding cookie for that user.
func MintCookie(secret, username, sessionID, passwordHash string, ttl time.Duration) string {
	userB64 := base64.RawURLEncoding.EncodeToString([]byte(username))
	expiry := time.Now().Add(ttl).Unix()
	mac := macFor(secret, userB64, sessionID, expiry, passwordHash)

	raw := fmt.Sprintf("%s|%s|%d|%s", userB64, sessionID, expiry, mac)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseCookie verifies and decodes a cookie value minted by MintCookie, or
// the legacy 3-part form (no sessionID) some older clients may still send.
// legacy reports whether the 3-part form was used, so the caller can
// silently reissue the 4-part cookie on its next response.
func ParseCookie(secret, value string, passwordHashLookup func(username string) (string, bool)) (sess Session, legacy bool, ok bool) {
	decoded, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return Session{}, false, false
	}
	parts := strings.Split(string(decoded), "|")

	switch len(parts) {
	case 4:
		sess, ok := verifyParts(secret, parts[0], parts[1], parts[2], parts[3], passwordHashLookup)
		return sess, false, ok
	case 3:
		// Legacy form carried no session identifier: userB64|expirySec|hexHMAC.
		sess, ok := verifyParts(secret, parts[0], "", parts[1], parts[2], passwordHashLookup)
		return sess, true, ok
	default:
		return Session{}, false, false
	}
}

func verifyParts(secret, userB64, sessionID, expiryStr, mac string, passwordHashLookup func(string) (string, bool)) (Session, bool) {
	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return Session{}, false
	}
	if time.Now().Unix() > expiry {
		return Session{}, false
	}

	userBytes, err := base64.RawURLEncoding.DecodeString(userB64)
	if err != nil {
		return Session{}, false
	}
	username := string(userBytes)

	passwordHash, found := passwordHashLookup(username)
	if !found {
		return Session{}, false
	}

	want := macFor(secret, userB64, sessionID, expiry, passwordHash)
	if !hmac.Equal([]byte(want), []byte(mac)) {
		return Session{}, false
	}

	return Session{
		Username:  username,
		SessionID: sessionID,
		ExpiresAt: time.Unix(expiry, 0),
	}, true
}

func macFor(secret, userB64, sessionID string, expiry int64, passwordHash string) string {
	msg := fmt.Sprintf("%s|%s|%d|%s", userB64, sessionID, expiry, passwordHash)
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(msg))
	return fmt.Sprintf("%x", h.Sum(nil))
}

package auth

import (
	"encoding/base64"
	"fmt"
	"testing"
	"time"
)

func passwordLookup(hash string, ok bool) func(string) (string, bool) {
	return func(string) (string, bool) { return hash, ok }
}

func TestMintAndParseCookie_RoundTrip(t *testing.T) {
	value := MintCookie("server-secret", "alice", "sess-1", "hash-a", time.Hour)

	sess, legacy, ok := ParseCookie("server-secret", value, passwordLookup("hash-a", true))
	if !ok {
		t.Fatal("ParseCookie() ok = false, want true")
	}
	if legacy {
		t.Error("legacy = true, want false for a freshly minted cookie")
	}
	if sess.Username != "alice" {
		t.Errorf("Username = %q, want alice", sess.Username)
	}
	if sess.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", sess.SessionID)
	}
}

func TestParseCookie_PasswordChangeInvalidates(t *testing.T) {
	value := MintCookie("server-secret", "alice", "sess-1", "hash-a", time.Hour)

	_, _, ok := ParseCookie("server-secret", value, passwordLookup("hash-b", true))
	if ok {
		t.Error("ParseCookie() ok = true after password change, want false")
	}
}

func TestParseCookie_Expired(t *testing.T) {
	value := MintCookie("server-secret", "alice", "sess-1", "hash-a", -time.Hour)

	_, _, ok := ParseCookie("server-secret", value, passwordLookup("hash-a", true))
	if ok {
		t.Error("ParseCookie() ok = true for expired cookie, want false")
	}
}

func TestParseCookie_UnknownUser(t *testing.T) {
	value := MintCookie("server-secret", "ghost", "sess-1", "hash-a", time.Hour)

	_, _, ok := ParseCookie("server-secret", value, passwordLookup("", false))
	if ok {
		t.Error("ParseCookie() ok = true for unknown user, want false")
	}
}

func TestParseCookie_LegacyThreePartForm(t *testing.T) {
	// Hand-build a legacy cookie: userB64|expirySec|hexHMAC (no sessionID).
	userB64 := base64.RawURLEncoding.EncodeToString([]byte("alice"))
	expiry := time.Now().Add(time.Hour).Unix()
	mac := macFor("server-secret", userB64, "", expiry, "hash-a")
	legacy3Part := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%s|%d|%s", userB64, expiry, mac)))

	sess, isLegacy, ok := ParseCookie("server-secret", legacy3Part, passwordLookup("hash-a", true))
	if !ok {
		t.Fatal("ParseCookie() ok = false for legacy 3-part cookie, want true")
	}
	if !isLegacy {
		t.Error("legacy = false, want true for a 3-part cookie")
	}
	if sess.Username != "alice" {
		t.Errorf("Username = %q, want alice", sess.Username)
	}
}

func TestParseCookie_WrongSecret(t *testing.T) {
	value := MintCookie("server-secret", "alice", "sess-1", "hash-a", time.Hour)

	_, _, ok := ParseCookie("other-secret", value, passwordLookup("hash-a", true))
	if ok {
		t.Error("ParseCookie() ok = true with wrong secret, want false")
	}
}

func TestParseCookie_Malformed(t *testing.T) {
	_, _, ok := ParseCookie("server-secret", "not-valid-base64!!!", passwordLookup("hash-a", true))
	if ok {
		t.Error("ParseCookie() ok = true for malformed input, want false")
	}
}

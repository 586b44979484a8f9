package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MakeIngestToken signs a per-session audio ingest token valid for ttl.
// The token binds the session id and an expiry, so a leaked token can
// neither reach another session nor live forever.
//
// Format: base64url("{session_id}:{expiry_unix}") + "." + base64url(hmac).
func MakeIngestToken(secret, sessionID string, ttl time.Duration) string {
	claims := fmt.Sprintf("%s:%d", sessionID, time.Now().Add(ttl).Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(claims))
	return base64.RawURLEncoding.EncodeToString([]byte(claims)) +
		"." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyIngestToken checks the token's signature, session binding, and
// expiry. An empty secret disables authentication and accepts any
// token, including an absent one.
func VerifyIngestToken(secret, token, sessionID string) bool {
	if secret == "" {
		return true
	}
	head, sig, ok := strings.Cut(token, ".")
	if !ok {
		return false
	}
	claims, err := base64.RawURLEncoding.DecodeString(head)
	if err != nil {
		return false
	}
	gotSig, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(claims)
	if !hmac.Equal(gotSig, mac.Sum(nil)) {
		return false
	}

	id, expiry, ok := strings.Cut(string(claims), ":")
	if !ok || id != sessionID {
		return false
	}
	exp, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		return false
	}
	return time.Now().Unix() <= exp
}

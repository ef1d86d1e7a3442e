package paddlehook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// signatureTolerance bounds how far the signed timestamp may drift
// from the verifier's clock. It limits the replay value of captured
// traffic even if a digest leaks.
const signatureTolerance = 300 * time.Second

// VerifySignature authenticates a raw webhook body against the
// Paddle-Signature header value using the shared secret. The header
// carries semicolon-separated key=value pairs, e.g.
// "ts=1718000000;h1=<hex>". The digest is HMAC-SHA256 over
// "{ts}:{raw_body}" keyed by the secret, compared in constant time.
// Verification fails closed: any malformed, incomplete, or stale
// header yields false, never an error.
func VerifySignature(body []byte, secret, header string) bool {
	return verifySignatureAt(body, secret, header, time.Now())
}

func verifySignatureAt(body []byte, secret, header string, now time.Time) bool {
	if secret == "" || header == "" {
		return false
	}

	ts, digest, ok := parseSignatureHeader(header)
	if !ok {
		return false
	}

	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(signatureTolerance.Seconds()) {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte(":"))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// hmac.Equal avoids early-exit branching on mismatched bytes
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(digest)))
}

// parseSignatureHeader extracts the ts and h1 fields. Both are
// required; anything else in the header is ignored.
func parseSignatureHeader(header string) (ts int64, digest string, ok bool) {
	var haveTS bool
	for _, part := range strings.Split(header, ";") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "ts":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, "", false
			}
			ts = parsed
			haveTS = true
		case "h1":
			digest = value
		}
	}
	if !haveTS || digest == "" {
		return 0, "", false
	}
	return ts, digest, true
}

// SignPayload computes the signature header value for a body at the
// given time. It exists for tests and for callers that simulate
// Paddle deliveries against their own endpoint.
func SignPayload(body []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte(":"))
	mac.Write(body)
	return "ts=" + ts + ";h1=" + hex.EncodeToString(mac.Sum(nil))
}

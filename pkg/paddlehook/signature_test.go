package paddlehook

import (
	"strings"
	"testing"
	"time"
)

func TestVerifySignature_Valid(t *testing.T) {
	body := []byte(`{"event_id":"evt_1"}`)
	secret := "pdl_ntfset_test"
	now := time.Unix(1718000000, 0)

	header := SignPayload(body, secret, now)
	if !verifySignatureAt(body, secret, header, now) {
		t.Error("expected valid signature to verify")
	}
}

func TestVerifySignature_UppercaseDigestAccepted(t *testing.T) {
	body := []byte(`{"event_id":"evt_1"}`)
	secret := "pdl_ntfset_test"
	now := time.Unix(1718000000, 0)

	header := strings.ToUpper(SignPayload(body, secret, now))
	// Uppercasing the whole header breaks the keys; only uppercase the digest.
	header = strings.Replace(header, "TS=", "ts=", 1)
	header = strings.Replace(header, "H1=", "h1=", 1)
	if !verifySignatureAt(body, secret, header, now) {
		t.Error("expected uppercase hex digest to verify")
	}
}

func TestVerifySignature_Rejects(t *testing.T) {
	body := []byte(`{"event_id":"evt_1"}`)
	secret := "pdl_ntfset_test"
	now := time.Unix(1718000000, 0)
	valid := SignPayload(body, secret, now)

	tests := []struct {
		name   string
		body   []byte
		secret string
		header string
		now    time.Time
	}{
		{"empty header", body, secret, "", now},
		{"empty secret", body, "", valid, now},
		{"tampered body", []byte(`{"event_id":"evt_2"}`), secret, valid, now},
		{"wrong secret", body, "pdl_ntfset_other", valid, now},
		{"missing digest", body, secret, "ts=1718000000", now},
		{"missing timestamp", body, secret, "h1=deadbeef", now},
		{"garbage header", body, secret, "not-a-signature", now},
		{"non-numeric timestamp", body, secret, "ts=abc;h1=deadbeef", now},
		{"wrong digest", body, secret, "ts=1718000000;h1=deadbeef", now},
		{"stale timestamp", body, secret, valid, now.Add(301 * time.Second)},
		{"future timestamp", body, secret, valid, now.Add(-301 * time.Second)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if verifySignatureAt(tt.body, tt.secret, tt.header, tt.now) {
				t.Error("expected verification to fail")
			}
		})
	}
}

func TestVerifySignature_ToleranceBoundary(t *testing.T) {
	body := []byte(`{}`)
	secret := "s"
	now := time.Unix(1718000000, 0)
	header := SignPayload(body, secret, now)

	// Exactly at the bound is accepted, one second past is not.
	if !verifySignatureAt(body, secret, header, now.Add(300*time.Second)) {
		t.Error("expected signature at tolerance boundary to verify")
	}
	if verifySignatureAt(body, secret, header, now.Add(300*time.Second+time.Second)) {
		t.Error("expected signature past tolerance boundary to fail")
	}
}

func TestParseSignatureHeader_IgnoresUnknownFields(t *testing.T) {
	ts, digest, ok := parseSignatureHeader("ts=123;v=2;h1=abcd;extra=zzz")
	if !ok {
		t.Fatal("expected header to parse")
	}
	if ts != 123 {
		t.Errorf("ts: got %d, want 123", ts)
	}
	if digest != "abcd" {
		t.Errorf("digest: got %q, want %q", digest, "abcd")
	}
}

func TestParseSignatureHeader_WhitespaceTolerant(t *testing.T) {
	ts, digest, ok := parseSignatureHeader(" ts=123 ; h1=abcd ")
	if !ok {
		t.Fatal("expected header to parse")
	}
	if ts != 123 {
		t.Errorf("ts: got %d, want 123", ts)
	}
	if digest != "abcd" {
		t.Errorf("digest: got %q, want %q", digest, "abcd")
	}
}

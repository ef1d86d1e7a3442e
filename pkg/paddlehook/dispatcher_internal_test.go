package paddlehook

import (
	"encoding/json"
	"testing"
)

func TestLinkageFromCustomData(t *testing.T) {
	tests := []struct {
		name       string
		customData map[string]any
		wantUser   string
		wantOrg    string
	}{
		{"nil map", nil, "", ""},
		{"empty map", map[string]any{}, "", ""},
		{"snake case", map[string]any{"user_id": "u1", "org_id": "o1"}, "u1", "o1"},
		{"camel case fallback", map[string]any{"userId": "u2", "orgId": "o2"}, "u2", "o2"},
		{"snake case wins", map[string]any{"user_id": "u1", "userId": "u2"}, "u1", ""},
		{"non-string values ignored", map[string]any{"user_id": 42, "org_id": true}, "", ""},
		{"empty string ignored", map[string]any{"user_id": "", "userId": "u2"}, "u2", ""},
		{"user only", map[string]any{"user_id": "u1"}, "u1", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, org := linkageFromCustomData(tt.customData)
			if user != tt.wantUser {
				t.Errorf("user: got %q, want %q", user, tt.wantUser)
			}
			if org != tt.wantOrg {
				t.Errorf("org: got %q, want %q", org, tt.wantOrg)
			}
		})
	}
}

func TestSubscriptionPayloadPriceID(t *testing.T) {
	var sp subscriptionPayload
	if got := sp.priceID(); got != "" {
		t.Errorf("empty items: got %q, want empty", got)
	}

	if err := json.Unmarshal([]byte(`{
		"items": [{"price": {"id": "pri_a"}}, {"price": {"id": "pri_b"}}]
	}`), &sp); err != nil {
		t.Fatal(err)
	}
	if got := sp.priceID(); got != "pri_a" {
		t.Errorf("got %q, want pri_a", got)
	}
}

func TestEventStatusPermanent(t *testing.T) {
	if StatusProcessing.Permanent() {
		t.Error("processing must not be permanent")
	}
	if !StatusProcessed.Permanent() {
		t.Error("processed must be permanent")
	}
	if !StatusProcessedPending.Permanent() {
		t.Error("processed_pending must be permanent")
	}
}

func TestAdmitResultAcquired(t *testing.T) {
	if !AdmitAcquired.Acquired() {
		t.Error("acquired must report Acquired")
	}
	if !AdmitAcquiredStale.Acquired() {
		t.Error("acquired_stale must report Acquired")
	}
	if AdmitAlreadyDone.Acquired() {
		t.Error("already_done must not report Acquired")
	}
}

func TestParseEvent(t *testing.T) {
	event, err := parseEvent([]byte(`{
		"event_id": "evt_1",
		"event_type": "transaction.completed",
		"occurred_at": "2024-04-12T10:18:47Z",
		"data": {"id": "txn_1"}
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.EventID != "evt_1" || event.EventType != EventTransactionCompleted {
		t.Errorf("unexpected event: %+v", event)
	}

	if _, err := parseEvent([]byte(`{"event_type":"x","occurred_at":"t","data":{}}`)); err == nil {
		t.Error("expected error for missing event_id")
	}
}

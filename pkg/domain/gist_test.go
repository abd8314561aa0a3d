package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestGist_ProtectionClass(t *testing.T) {
	pin := &Gist{EditPinHash: "h", EditPinSalt: "s"}
	if pin.ProtectionClass() != ProtectionPin {
		t.Errorf("expected pin class, got %s", pin.ProtectionClass())
	}

	otv := &Gist{OneTimeView: true}
	if otv.ProtectionClass() != ProtectionOneTimeView {
		t.Errorf("expected one_time_view class, got %s", otv.ProtectionClass())
	}

	none := &Gist{}
	if none.ProtectionClass() != ProtectionNone {
		t.Errorf("expected none class, got %s", none.ProtectionClass())
	}

	both := &Gist{EditPinHash: "h", EditPinSalt: "s", OneTimeView: true}
	if both.ProtectionClass() != ProtectionPin {
		t.Errorf("pin fields must win over one_time_view, got %s", both.ProtectionClass())
	}
}

func TestGist_Expired(t *testing.T) {
	now := Now()

	g := &Gist{}
	if g.Expired(now) {
		t.Error("record without expires_at must never expire")
	}

	past := now.Add(-time.Minute)
	g.ExpiresAt = &past
	if !g.Expired(now) {
		t.Error("record past expires_at must be expired")
	}

	g.ExpiresAt = &now
	if !g.Expired(now) {
		t.Error("expires_at equal to now means expired")
	}

	future := now.Add(time.Minute)
	g.ExpiresAt = &future
	if g.Expired(now) {
		t.Error("record before expires_at must not be expired")
	}
}

func TestGist_PublicView(t *testing.T) {
	g := &Gist{
		ID:                  "abc",
		Version:             3,
		CurrentVersionToken: "tok",
		TotalSize:           1024,
		EditPinHash:         "hash",
		EditPinSalt:         "salt",
		EncryptedMetadata:   &EncryptedMetadata{IV: "iv", Data: "data"},
	}

	v := g.PublicView()
	if v.EditPinHash != "" || v.EditPinSalt != "" {
		t.Error("public view must not carry PIN hash material")
	}
	if v.EncryptedMetadata != nil {
		t.Error("public view must not carry encrypted metadata")
	}
	if v.ID != "abc" || v.Version != 3 || v.TotalSize != 1024 {
		t.Error("public view must keep the public fields")
	}
	if g.EditPinHash != "hash" || g.EncryptedMetadata == nil {
		t.Error("projection must not mutate the original record")
	}
}

func TestGist_PublicViewJSON(t *testing.T) {
	g := &Gist{
		ID:          "abc",
		EditPinHash: "hash",
		EditPinSalt: "salt",
	}
	data, err := json.Marshal(g.PublicView())
	if err != nil {
		t.Fatalf("Failed to marshal view: %v", err)
	}
	for _, forbidden := range []string{"edit_pin_hash", "edit_pin_salt", "encrypted_metadata"} {
		if containsKey(data, forbidden) {
			t.Errorf("serialized view leaks %s", forbidden)
		}
	}
}

func containsKey(data []byte, key string) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	_, ok := m[key]
	return ok
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2025, 6, 7, 10, 0, 0, 0, time.UTC)
	got := FormatTimestamp(ts)
	if got != "2025-06-07T10:00:00.000Z" {
		t.Errorf("canonical form mismatch: got %s", got)
	}

	withMillis := time.Date(2025, 6, 7, 10, 0, 0, 123*int(time.Millisecond), time.UTC)
	if FormatTimestamp(withMillis) != "2025-06-07T10:00:00.123Z" {
		t.Errorf("millisecond form mismatch: got %s", FormatTimestamp(withMillis))
	}

	est := time.FixedZone("EST", -5*3600)
	local := time.Date(2025, 6, 7, 5, 0, 0, 0, est)
	if FormatTimestamp(local) != "2025-06-07T10:00:00.000Z" {
		t.Errorf("non-UTC input must normalize to UTC: got %s", FormatTimestamp(local))
	}
}

func TestEditorPrefs_Validate(t *testing.T) {
	valid := []EditorPrefs{
		{},
		{IndentMode: "spaces", IndentSize: 4, WrapMode: "soft", Theme: "dark"},
		{IndentMode: "tabs", WrapMode: "off", Theme: "system"},
		{Theme: "light"},
	}
	for i, p := range valid {
		if err := p.Validate(); err != nil {
			t.Errorf("case %d: expected valid prefs, got %v", i, err)
		}
	}

	invalid := []EditorPrefs{
		{IndentMode: "elastic"},
		{WrapMode: "hard"},
		{Theme: "solarized"},
		{IndentSize: -1},
		{IndentSize: 99},
	}
	for i, p := range invalid {
		if err := p.Validate(); err != ErrInvalidInput {
			t.Errorf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
}

package storage

import "testing"

func TestCursorRoundTrip(t *testing.T) {
	cases := []struct {
		value string
		id    string
	}{
		{"2026-01-15T10:00:00Z", "3f1c9a7e"},
		{"vpc", "id-with-dashes"},
		{"", "only-id"},
		{"value/with/slashes+plus", ""},
	}
	for _, tc := range cases {
		token := EncodeCursor(tc.value, tc.id)
		got, err := DecodeCursor(token)
		if err != nil {
			t.Fatalf("DecodeCursor(%q): %v", token, err)
		}
		if got.Value != tc.value || got.ID != tc.id {
			t.Fatalf("round trip (%q, %q): got (%q, %q)", tc.value, tc.id, got.Value, got.ID)
		}
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, token := range []string{
		"",
		"not base64!!!",
		"aGVsbG8", // valid base64, no separator
	} {
		if _, err := DecodeCursor(token); err == nil {
			t.Errorf("DecodeCursor(%q): expected error", token)
		}
	}
}

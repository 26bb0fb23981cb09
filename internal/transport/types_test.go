package transport

import "testing"

func TestChatTargetRoundTrip(t *testing.T) {
	tests := []struct {
		id   string
		want ChatTarget
	}{
		{id: "-1001234", want: ChatTarget{ChatID: -1001234}},
		{id: "42:7", want: ChatTarget{ChatID: 42, ThreadID: 7}},
		{id: " 99 ", want: ChatTarget{ChatID: 99}},
	}
	for _, tt := range tests {
		got, err := ParseChatTarget(tt.id)
		if err != nil {
			t.Fatalf("ParseChatTarget(%q): %v", tt.id, err)
		}
		if got != tt.want {
			t.Fatalf("ParseChatTarget(%q) = %+v, want %+v", tt.id, got, tt.want)
		}
		if back, _ := ParseChatTarget(got.String()); back != got {
			t.Fatalf("round trip mismatch for %q", tt.id)
		}
	}
}

func TestParseChatTargetInvalid(t *testing.T) {
	for _, id := range []string{"", "pending_1700000000", "0", "12:x", "12:-1"} {
		if _, err := ParseChatTarget(id); err == nil {
			t.Fatalf("expected error for %q", id)
		}
	}
}

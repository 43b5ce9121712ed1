package redis

import "testing"

func TestEventsKey(t *testing.T) {
	tests := []struct {
		stream string
		want   string
	}{
		{"meters", "relay:events:meters"},
		{"dispatch-eu", "relay:events:dispatch-eu"},
	}
	for _, tt := range tests {
		if got := eventsKey(tt.stream); got != tt.want {
			t.Errorf("eventsKey(%q) = %q, want %q", tt.stream, got, tt.want)
		}
	}
}

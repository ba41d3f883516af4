package protocol_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/voxlab/sussurro/internal/protocol"
)

func TestParseClientMessage_Known(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want protocol.ClientMessage
	}{
		{
			name: "start permanent",
			raw:  `{"type":"start_permanent_listening"}`,
			want: protocol.ClientMessage{Type: protocol.TypeStartPermanent},
		},
		{
			name: "single capture with overrides",
			raw:  `{"type":"start_single_capture","context":"terminal","timeout":8}`,
			want: protocol.ClientMessage{Type: protocol.TypeStartSingle, Context: "terminal", Timeout: 8},
		},
		{
			name: "switch language",
			raw:  `{"type":"switch_language","language":"en"}`,
			want: protocol.ClientMessage{Type: protocol.TypeSwitchLanguage, Language: "en"},
		},
		{
			name: "history with limit",
			raw:  `{"type":"get_history","limit":5}`,
			want: protocol.ClientMessage{Type: protocol.TypeGetHistory, Limit: 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := protocol.ParseClientMessage([]byte(tt.raw))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseClientMessage_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantSub string
	}{
		{"invalid json", `{"type":`, "invalid JSON"},
		{"missing type", `{"language":"en"}`, "no type field"},
		{"unknown type", `{"type":"dance"}`, "unknown message type: dance"},
		{"switch without language", `{"type":"switch_language"}`, "requires a language"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := protocol.ParseClientMessage([]byte(tt.raw))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var perr *protocol.ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("error %T is not a *ParseError", err)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

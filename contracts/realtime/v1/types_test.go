package v1

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEnvelopeValidate(t *testing.T) {
	cases := []struct {
		name    string
		env     Envelope
		wantErr string
	}{
		{name: "hello", env: Envelope{V: Version, Type: TypeHello}},
		{name: "join", env: Envelope{V: Version, Type: TypeRoomJoin}},
		{name: "leave", env: Envelope{V: Version, Type: TypeRoomLeave}},
		{name: "send", env: Envelope{V: Version, Type: TypeMessageSend}},
		{name: "history", env: Envelope{V: Version, Type: TypeRoomHistory}},
		{name: "missing version", env: Envelope{Type: TypeHello}, wantErr: "missing field: v"},
		{name: "wrong version", env: Envelope{V: "v2", Type: TypeHello}, wantErr: "unsupported protocol version"},
		{name: "missing type", env: Envelope{V: Version}, wantErr: "missing field: type"},
		{name: "server only", env: Envelope{V: Version, Type: TypeMessageNew}, wantErr: "server-only"},
		{name: "unknown", env: Envelope{V: Version, Type: "typing"}, wantErr: "unknown type"},
	}

	for _, tc := range cases {
		err := tc.env.Validate()
		if tc.wantErr == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.wantErr, err)
		}
	}
}

func TestMessagePayload_NullSenderOnWire(t *testing.T) {
	b, err := json.Marshal(MessagePayload{ID: "m1", RoomID: "r1", Type: MessageTypeImage})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(b)
	for _, want := range []string{`"sender":null`, `"content":null`, `"message_type":"image"`, `"image":null`} {
		if !strings.Contains(s, want) {
			t.Fatalf("expected %s in %s", want, s)
		}
	}
}

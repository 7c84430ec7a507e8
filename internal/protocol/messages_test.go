package protocol

import (
	"errors"
	"testing"
)

func TestParseClientCommand(t *testing.T) {
	raw := []byte(`{"type":"client_command","conversation_id":"c1","user_id":"u1","command":"status"}`)
	parsed, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	cmd, ok := parsed.(ClientCommand)
	if !ok {
		t.Fatalf("parsed type = %T, want ClientCommand", parsed)
	}
	if cmd.ConversationID != "c1" || cmd.UserID != "u1" || cmd.Command != "status" {
		t.Fatalf("parsed = %+v", cmd)
	}
}

func TestParseBareMessage(t *testing.T) {
	raw := []byte(`{"type":"client_command","conversation_id":"c1","user_id":"u1","args":"fix the login bug"}`)
	parsed, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	cmd := parsed.(ClientCommand)
	if cmd.Command != "" || cmd.Args != "fix the login bug" {
		t.Fatalf("parsed = %+v, want bare instruction", cmd)
	}
}

func TestParsePermissionResponse(t *testing.T) {
	raw := []byte(`{"type":"permission_response","conversation_id":"c1","user_id":"u1","request_id":"p1","decision":"allow"}`)
	parsed, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	resp, ok := parsed.(PermissionResponse)
	if !ok {
		t.Fatalf("parsed type = %T, want PermissionResponse", parsed)
	}
	if resp.RequestID != "p1" || resp.Decision != "allow" {
		t.Fatalf("parsed = %+v", resp)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := []string{
		`not json`,
		`{"type":"unknown_thing"}`,
		`{"type":"client_command","user_id":"u1","command":"status"}`,
		`{"type":"client_command","conversation_id":"c1","user_id":"u1"}`,
		`{"type":"permission_response","conversation_id":"c1","user_id":"u1"}`,
	}
	for _, raw := range cases {
		if _, err := ParseClientMessage([]byte(raw)); err == nil {
			t.Fatalf("ParseClientMessage(%s) = nil error, want failure", raw)
		}
	}
}

func TestParseUnsupportedType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"task_update"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

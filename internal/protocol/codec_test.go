package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeInboundContentUpdate(t *testing.T) {
	frame := []byte(`{"type":"CONTENT_UPDATE","payload":{"userId":"user-a","noteId":"note-7","content":"Hi","cursorPosition":2,"kind":"insert","position":0,"clientId":"tab-1","clientSeq":4,"baseRevision":0}}`)
	message, err := DecodeInbound(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	update, ok := message.(ContentUpdate)
	if !ok {
		t.Fatalf("expected ContentUpdate, got %T", message)
	}
	if update.NoteRef() != "note-7" || update.Claimant() != "user-a" {
		t.Fatalf("unexpected target %+v", update.Target)
	}
	if update.Content != "Hi" || update.CursorPosition != 2 || update.Kind != "insert" || update.ClientSeq != 4 {
		t.Fatalf("unexpected fields %+v", update)
	}
	if update.BaseRevision == nil || *update.BaseRevision != 0 {
		t.Fatalf("expected explicit base revision 0, got %v", update.BaseRevision)
	}
}

func TestDecodeInboundAllowsMissingPayload(t *testing.T) {
	message, err := DecodeInbound([]byte(`{"type":"HEARTBEAT"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if _, ok := message.(Heartbeat); !ok {
		t.Fatalf("expected Heartbeat, got %T", message)
	}
}

func TestDecodeInboundRejectsBadFrames(t *testing.T) {
	testCases := []struct {
		name  string
		frame string
		want  error
	}{
		{name: "not json", frame: `{`, want: ErrMalformedMessage},
		{name: "unknown type", frame: `{"type":"DROP_TABLES"}`, want: ErrUnknownType},
		{name: "outbound type", frame: `{"type":"CONTENT_UPDATED","payload":{}}`, want: ErrUnknownType},
		{name: "wrong field type", frame: `{"type":"SUBSCRIBE_NOTE","payload":{"noteId":7}}`, want: ErrMalformedMessage},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := DecodeInbound([]byte(testCase.frame)); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestEncodeEventWrapsPayload(t *testing.T) {
	frame, err := EncodeEvent(EditControlReleased{PreviousEditorID: "user-a", NoteID: "note-7"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var decoded struct {
		Type    string            `json:"type"`
		Payload map[string]string `json:"payload"`
	}
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("frame is not json: %v", err)
	}
	if decoded.Type != "EDIT_CONTROL_RELEASED" {
		t.Fatalf("unexpected type %q", decoded.Type)
	}
	if decoded.Payload["previousEditorId"] != "user-a" || decoded.Payload["noteId"] != "note-7" {
		t.Fatalf("unexpected payload %v", decoded.Payload)
	}
}

func TestEncodeInboundIsReadableByDecoder(t *testing.T) {
	frame, err := EncodeInbound(GrantEditControl{Target: Target{UserID: "user-a", NoteID: "note-7"}, GrantToUserID: "user-b"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	message, err := DecodeInbound(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	grant, ok := message.(GrantEditControl)
	if !ok || grant.GrantToUserID != "user-b" || grant.NoteRef() != "note-7" {
		t.Fatalf("unexpected message %#v", message)
	}
}

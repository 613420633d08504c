package eventbus

import (
	"errors"
	"testing"
	"time"

	"studychat/apps/sync-service/model"
)

func TestEncodeDecodeMessageEvent(t *testing.T) {
	at := time.Now().UTC().Truncate(time.Millisecond)
	ev := ChangeEvent{
		Type:           EventMessageInserted,
		ConversationID: 7,
		Message: &model.Message{
			ServerID:       101,
			ConversationID: 7,
			SenderID:       2,
			Content:        "hello",
			MessageType:    model.MessageTypeText,
			CreatedAt:      at,
		},
	}

	data, err := Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != EventMessageInserted || got.ConversationID != 7 {
		t.Errorf("frame fields lost: %+v", got)
	}
	if got.Message == nil || got.Message.ServerID != 101 || got.Message.Content != "hello" {
		t.Errorf("message payload lost: %+v", got.Message)
	}
	if !got.Message.CreatedAt.Equal(at) {
		t.Errorf("created_at drifted: %v vs %v", got.Message.CreatedAt, at)
	}
}

func TestEncodeDecodeReceiptEvent(t *testing.T) {
	at := time.Now().UTC().Truncate(time.Millisecond)
	ev := ChangeEvent{
		Type:           EventReceiptInserted,
		ConversationID: 7,
		Receipt:        &model.ReadReceipt{MessageID: 101, UserID: 3, ReadAt: at},
	}

	data, err := Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Receipt == nil || got.Receipt.MessageID != 101 || got.Receipt.UserID != 3 {
		t.Errorf("receipt payload lost: %+v", got.Receipt)
	}
}

func TestDecodeUnknownEventType(t *testing.T) {
	frame := []byte(`{"type":"conversation_renamed","conversation_id":1,"payload":{}}`)
	_, err := Decode(frame)
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestDecodeMalformedFrame(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
	// 消息事件缺payload
	if _, err := Decode([]byte(`{"type":"message_inserted","conversation_id":1}`)); err == nil {
		t.Fatal("expected error for missing payload")
	}
}

func TestDecodeBackfillsConversationID(t *testing.T) {
	frame := []byte(`{"type":"message_inserted","conversation_id":5,"payload":{"server_id":9,"sender_id":2,"content":"x","message_type":"text","created_at":"2026-01-02T15:04:05Z","delivery_status":"sent"}}`)
	got, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Message.ConversationID != 5 {
		t.Errorf("expected conversation id backfilled from frame, got %d", got.Message.ConversationID)
	}
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	if _, err := Encode(ChangeEvent{Type: "bogus"}); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

package service

import (
	"context"
	"testing"
	"time"

	"studychat/apps/sync-service/eventbus"
	"studychat/apps/sync-service/model"
	"studychat/pkg/logger"
)

// nopLogger 测试用静默日志
type nopLogger struct{}

func (nopLogger) Info(ctx context.Context, msg string, fields ...logger.Field)  {}
func (nopLogger) Error(ctx context.Context, msg string, fields ...logger.Field) {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...logger.Field)  {}
func (nopLogger) Debug(ctx context.Context, msg string, fields ...logger.Field) {}

// waitUntil 轮询等待条件成立，超时视为测试失败
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestReconciler(selfID int64) *Reconciler {
	return NewReconciler(selfID, 10*time.Second, nopLogger{})
}

func serverMsg(serverID, convID, senderID int64, content string, at time.Time) *model.Message {
	return &model.Message{
		ServerID:       serverID,
		ConversationID: convID,
		SenderID:       senderID,
		Content:        content,
		MessageType:    model.MessageTypeText,
		CreatedAt:      at,
		DeliveryStatus: model.DeliveryStatusSent,
	}
}

func insertEvent(msg *model.Message) eventbus.ChangeEvent {
	return eventbus.ChangeEvent{
		Type:           eventbus.EventMessageInserted,
		ConversationID: msg.ConversationID,
		Message:        msg,
	}
}

func TestApplyInsertDeduplicatesRedelivery(t *testing.T) {
	rec := newTestReconciler(1)
	now := time.Now()

	msg := serverMsg(100, 1, 2, "hello", now)
	rec.ApplyEvent(insertEvent(msg))
	rec.ApplyEvent(insertEvent(msg)) // 至少一次投递，重复事件

	snap := rec.Snapshot(1)
	if len(snap) != 1 {
		t.Fatalf("expected 1 message after duplicate insert, got %d", len(snap))
	}
	if snap[0].ServerID != 100 {
		t.Errorf("expected server id 100, got %d", snap[0].ServerID)
	}
}

func TestApplyInsertOrdersByCreatedAt(t *testing.T) {
	rec := newTestReconciler(1)
	base := time.Now()

	// 乱序到达
	rec.ApplyEvent(insertEvent(serverMsg(3, 1, 2, "third", base.Add(2*time.Second))))
	rec.ApplyEvent(insertEvent(serverMsg(1, 1, 2, "first", base)))
	rec.ApplyEvent(insertEvent(serverMsg(2, 1, 2, "second", base.Add(time.Second))))

	snap := rec.Snapshot(1)
	if len(snap) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(snap))
	}
	for i, want := range []int64{1, 2, 3} {
		if snap[i].ServerID != want {
			t.Errorf("position %d: expected server id %d, got %d", i, want, snap[i].ServerID)
		}
	}
}

func TestEqualTimestampKeepsInsertionOrder(t *testing.T) {
	rec := newTestReconciler(1)
	at := time.Now()

	rec.ApplyEvent(insertEvent(serverMsg(10, 1, 2, "a", at)))
	rec.ApplyEvent(insertEvent(serverMsg(11, 1, 2, "b", at)))
	rec.ApplyEvent(insertEvent(serverMsg(12, 1, 2, "c", at)))

	first := rec.Snapshot(1)
	// 重复应用不得改变相对顺序
	rec.ApplyEvent(insertEvent(serverMsg(11, 1, 2, "b", at)))
	second := rec.Snapshot(1)

	for i := range first {
		if first[i].ServerID != second[i].ServerID {
			t.Fatalf("order changed after reapply: %v vs %v", first[i].ServerID, second[i].ServerID)
		}
	}
}

func TestEventBeforeSendResponseCollapses(t *testing.T) {
	rec := newTestReconciler(1)
	now := time.Now()

	var collapsedLocal string
	var collapsedServer int64
	rec.SetCollapseHook(func(localID string, serverID int64) {
		collapsedLocal = localID
		collapsedServer = serverID
	})

	local := &model.Message{
		LocalID:        "local-abc",
		ConversationID: 1,
		SenderID:       1,
		Content:        "race me",
		MessageType:    model.MessageTypeText,
		CreatedAt:      now,
	}
	rec.AddPending(local)

	// 服务端插入事件先于发送响应到达
	canonical := serverMsg(42, 1, 1, "race me", now.Add(time.Second))
	rec.ApplyEvent(insertEvent(canonical))

	snap := rec.Snapshot(1)
	if len(snap) != 1 {
		t.Fatalf("expected exactly 1 message after collapse, got %d", len(snap))
	}
	if snap[0].ServerID != 42 {
		t.Errorf("expected collapsed message to carry server id 42, got %d", snap[0].ServerID)
	}
	if snap[0].DeliveryStatus != model.DeliveryStatusSent {
		t.Errorf("expected status sent, got %s", snap[0].DeliveryStatus)
	}
	if collapsedLocal != "local-abc" || collapsedServer != 42 {
		t.Errorf("collapse hook got (%s, %d)", collapsedLocal, collapsedServer)
	}

	// 发送响应随后到达，等价于无操作
	rec.ConfirmPending(1, "local-abc", canonical)
	snap = rec.Snapshot(1)
	if len(snap) != 1 {
		t.Fatalf("expected 1 message after late confirm, got %d", len(snap))
	}
}

func TestPendingFromOtherSenderNeverCollapses(t *testing.T) {
	rec := newTestReconciler(1)
	now := time.Now()

	rec.AddPending(&model.Message{
		LocalID:        "local-mine",
		ConversationID: 1,
		SenderID:       1,
		Content:        "same text",
		MessageType:    model.MessageTypeText,
		CreatedAt:      now,
	})

	// 别人发的同内容消息不能折叠我的待确认消息
	rec.ApplyEvent(insertEvent(serverMsg(7, 1, 2, "same text", now)))

	snap := rec.Snapshot(1)
	if len(snap) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(snap))
	}
}

func TestConfirmPendingRenamesLocal(t *testing.T) {
	rec := newTestReconciler(1)
	now := time.Now()

	rec.AddPending(&model.Message{
		LocalID:        "local-xyz",
		ConversationID: 1,
		SenderID:       1,
		Content:        "hi",
		MessageType:    model.MessageTypeText,
		CreatedAt:      now,
	})
	rec.ConfirmPending(1, "local-xyz", serverMsg(55, 1, 1, "hi", now))

	snap := rec.Snapshot(1)
	if len(snap) != 1 {
		t.Fatalf("expected 1 message, got %d", len(snap))
	}
	if snap[0].ServerID != 55 || snap[0].EffectiveKey() != "55" {
		t.Errorf("expected effective key 55, got %s", snap[0].EffectiveKey())
	}

	// 同一服务端消息的事件随后到达，应去重
	rec.ApplyEvent(insertEvent(serverMsg(55, 1, 1, "hi", now)))
	if got := len(rec.Snapshot(1)); got != 1 {
		t.Fatalf("expected 1 message after event redelivery, got %d", got)
	}
}

func TestRemoveLocalRefusesConfirmed(t *testing.T) {
	rec := newTestReconciler(1)
	now := time.Now()

	rec.AddPending(&model.Message{
		LocalID:        "local-keep",
		ConversationID: 1,
		SenderID:       1,
		Content:        "keep",
		MessageType:    model.MessageTypeText,
		CreatedAt:      now,
	})
	rec.ConfirmPending(1, "local-keep", serverMsg(9, 1, 1, "keep", now))

	// 已确认的消息不允许回退移除
	rec.RemoveLocal(1, "local-keep")
	if got := len(rec.Snapshot(1)); got != 1 {
		t.Fatalf("confirmed message was removed, snapshot len %d", got)
	}
}

func TestApplyUpdateUpsertsWhenAbsent(t *testing.T) {
	rec := newTestReconciler(1)
	now := time.Now()
	edited := now.Add(time.Minute)

	updated := serverMsg(20, 1, 2, "edited text", now)
	updated.EditedAt = &edited
	rec.ApplyEvent(eventbus.ChangeEvent{
		Type:           eventbus.EventMessageUpdated,
		ConversationID: 1,
		Message:        updated,
	})

	snap := rec.Snapshot(1)
	if len(snap) != 1 {
		t.Fatalf("update for absent message should insert, got %d messages", len(snap))
	}
	if snap[0].Content != "edited text" {
		t.Errorf("expected upserted content, got %q", snap[0].Content)
	}
}

func TestMergeEditLastWriteWins(t *testing.T) {
	rec := newTestReconciler(1)
	now := time.Now()

	rec.ApplyEvent(insertEvent(serverMsg(30, 1, 2, "v1", now)))

	newer := now.Add(2 * time.Minute)
	older := now.Add(time.Minute)

	ev2 := serverMsg(30, 1, 2, "v3", now)
	ev2.EditedAt = &newer
	rec.ApplyEvent(eventbus.ChangeEvent{Type: eventbus.EventMessageUpdated, ConversationID: 1, Message: ev2})

	// 更早的编辑乱序到达，不得覆盖
	ev1 := serverMsg(30, 1, 2, "v2", now)
	ev1.EditedAt = &older
	rec.ApplyEvent(eventbus.ChangeEvent{Type: eventbus.EventMessageUpdated, ConversationID: 1, Message: ev1})

	snap := rec.Snapshot(1)
	if snap[0].Content != "v3" {
		t.Errorf("expected latest edit to win, got %q", snap[0].Content)
	}
}

func TestApplyReceiptIdempotent(t *testing.T) {
	rec := newTestReconciler(1)
	now := time.Now()
	rec.ApplyEvent(insertEvent(serverMsg(40, 1, 2, "read me", now)))

	receipt := eventbus.ChangeEvent{
		Type:           eventbus.EventReceiptInserted,
		ConversationID: 1,
		Receipt:        &model.ReadReceipt{MessageID: 40, UserID: 3, ReadAt: now},
	}
	rec.ApplyEvent(receipt)
	rec.ApplyEvent(receipt)

	snap := rec.Snapshot(1)
	if len(snap[0].ReadBy) != 1 {
		t.Fatalf("expected 1 reader, got %d", len(snap[0].ReadBy))
	}
	if !snap[0].ReadByUser(3) {
		t.Error("expected user 3 marked as reader")
	}
}

func TestReceiptForUnknownMessageIgnored(t *testing.T) {
	rec := newTestReconciler(1)

	// 回执先于消息到达，不得报错也不得产生状态
	rec.ApplyEvent(eventbus.ChangeEvent{
		Type:           eventbus.EventReceiptInserted,
		ConversationID: 1,
		Receipt:        &model.ReadReceipt{MessageID: 999, UserID: 3, ReadAt: time.Now()},
	})
	if got := len(rec.Snapshot(1)); got != 0 {
		t.Fatalf("expected empty conversation, got %d messages", got)
	}
}

func TestResyncLeavesPendingUntouched(t *testing.T) {
	rec := newTestReconciler(1)
	now := time.Now()

	rec.AddPending(&model.Message{
		LocalID:        "local-pending",
		ConversationID: 1,
		SenderID:       1,
		Content:        "still in flight",
		MessageType:    model.MessageTypeText,
		CreatedAt:      now.Add(time.Second),
	})

	// resync返回的已确认消息与本地在途消息并存
	rec.ResyncMessages(1, []*model.Message{
		serverMsg(50, 1, 2, "from server", now),
		serverMsg(50, 1, 2, "from server", now), // 重复条目
		serverMsg(51, 1, 2, "another", now.Add(2*time.Second)),
	})

	snap := rec.Snapshot(1)
	if len(snap) != 3 {
		t.Fatalf("expected 3 messages (2 server + 1 pending), got %d", len(snap))
	}
	foundPending := false
	for _, m := range snap {
		if m.LocalID == "local-pending" && m.DeliveryStatus == model.DeliveryStatusPending {
			foundPending = true
		}
	}
	if !foundPending {
		t.Error("pending message lost during resync")
	}
}

func TestMutationHookFiresOnChange(t *testing.T) {
	rec := newTestReconciler(1)
	calls := 0
	rec.SetMutationHook(func(conversationID int64) { calls++ })

	msg := serverMsg(60, 1, 2, "x", time.Now())
	rec.ApplyEvent(insertEvent(msg))
	if calls != 1 {
		t.Fatalf("expected 1 mutation callback, got %d", calls)
	}

	// 无操作的重复事件不触发回调
	rec.ApplyEvent(insertEvent(msg))
	if calls != 1 {
		t.Fatalf("duplicate event should not notify, got %d calls", calls)
	}
}

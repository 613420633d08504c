package service

import (
	"testing"
	"time"

	"studychat/apps/sync-service/eventbus"
	"studychat/apps/sync-service/model"
)

func TestRecomputeCountsUnread(t *testing.T) {
	agg := NewAggregator(1)
	now := time.Now()

	msgs := []*model.Message{
		serverMsg(1, 5, 2, "unread one", now),
		serverMsg(2, 5, 1, "own message", now.Add(time.Second)), // 自己发的不算未读
		serverMsg(3, 5, 2, "unread two", now.Add(2*time.Second)),
	}
	agg.Recompute(5, msgs)

	s := agg.Get(5)
	if s == nil {
		t.Fatal("expected summary for conversation 5")
	}
	if s.UnreadCount != 2 {
		t.Errorf("expected 2 unread, got %d", s.UnreadCount)
	}
	if s.LastMessage == nil || s.LastMessage.ServerID != 3 {
		t.Errorf("expected last message 3, got %+v", s.LastMessage)
	}
}

func TestRecomputeDropsReadFromUnread(t *testing.T) {
	agg := NewAggregator(1)
	now := time.Now()

	read := serverMsg(1, 5, 2, "seen", now)
	read.ReadBy = map[int64]time.Time{1: now}
	agg.Recompute(5, []*model.Message{
		read,
		serverMsg(2, 5, 2, "not yet", now.Add(time.Second)),
	})

	if got := agg.Get(5).UnreadCount; got != 1 {
		t.Fatalf("expected 1 unread after own receipt, got %d", got)
	}

	// 全部读完后归零，整体重算不残留旧计数
	both := serverMsg(2, 5, 2, "not yet", now.Add(time.Second))
	both.ReadBy = map[int64]time.Time{1: now}
	agg.Recompute(5, []*model.Message{read, both})
	if got := agg.Get(5).UnreadCount; got != 0 {
		t.Fatalf("expected 0 unread, got %d", got)
	}
}

func TestRecomputeEmptyConversation(t *testing.T) {
	agg := NewAggregator(1)
	agg.Recompute(7, nil)

	s := agg.Get(7)
	if s == nil {
		t.Fatal("expected summary for empty conversation")
	}
	if s.LastMessage != nil || s.UnreadCount != 0 {
		t.Errorf("expected empty summary, got %+v", s)
	}
}

func TestSnapshotOrdersByRecency(t *testing.T) {
	agg := NewAggregator(1)
	now := time.Now()

	agg.Recompute(1, []*model.Message{serverMsg(1, 1, 2, "old", now.Add(-time.Hour))})
	agg.Recompute(2, []*model.Message{serverMsg(2, 2, 2, "new", now)})
	agg.Recompute(3, []*model.Message{serverMsg(3, 3, 2, "middle", now.Add(-time.Minute))})

	snap := agg.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 summaries, got %d", len(snap))
	}
	for i, want := range []int64{2, 3, 1} {
		if snap[i].ConversationID != want {
			t.Errorf("position %d: expected conversation %d, got %d", i, want, snap[i].ConversationID)
		}
	}
}

func TestReconcilerDrivesSummary(t *testing.T) {
	rec := newTestReconciler(1)
	agg := NewAggregator(1)
	rec.SetMutationHook(func(conversationID int64) {
		agg.Recompute(conversationID, rec.Snapshot(conversationID))
	})
	now := time.Now()

	rec.ApplyEvent(insertEvent(serverMsg(1, 9, 2, "hi", now)))
	if got := agg.Get(9).UnreadCount; got != 1 {
		t.Fatalf("expected 1 unread after insert, got %d", got)
	}

	// 自己的回执到达后未读随之归零
	rec.ApplyEvent(insertEvent(serverMsg(1, 9, 2, "hi", now))) // 重复投递不抬高计数
	if got := agg.Get(9).UnreadCount; got != 1 {
		t.Fatalf("duplicate insert changed unread to %d", got)
	}

	rec.ApplyEvent(eventbus.ChangeEvent{
		Type:           eventbus.EventReceiptInserted,
		ConversationID: 9,
		Receipt:        &model.ReadReceipt{MessageID: 1, UserID: 1, ReadAt: now},
	})
	if got := agg.Get(9).UnreadCount; got != 0 {
		t.Fatalf("expected 0 unread after own receipt, got %d", got)
	}
}

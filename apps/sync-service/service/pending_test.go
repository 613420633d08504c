package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"studychat/apps/sync-service/model"
)

// fakeSender 可控的发送collaborator
// gate非nil时Send阻塞等待放行，用于构造事件与响应的竞争。
type fakeSender struct {
	mu    sync.Mutex
	gate  chan struct{}
	res   SendResult
	err   error
	calls int
}

func (f *fakeSender) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	res, err := f.res, f.err
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return res, err
}

func (f *fakeSender) set(res SendResult, err error) {
	f.mu.Lock()
	f.res, f.err = res, err
	f.mu.Unlock()
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestTracker(sender Sender) (*Tracker, *Reconciler) {
	rec := newTestReconciler(1)
	return NewTracker(1, sender, rec, nopLogger{}), rec
}

func TestSubmitRejectsEmptyMessage(t *testing.T) {
	tracker, _ := newTestTracker(&fakeSender{})

	_, err := tracker.Submit(context.Background(), SendRequest{ConversationID: 1})
	if !IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitOptimisticInsert(t *testing.T) {
	sender := &fakeSender{gate: make(chan struct{})}
	tracker, rec := newTestTracker(sender)

	localID, err := tracker.Submit(context.Background(), SendRequest{
		ConversationID: 1,
		Content:        "optimistic",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.HasPrefix(localID, model.LocalIDPrefix) {
		t.Errorf("expected local id prefix, got %s", localID)
	}

	// 网络调用尚未返回，消息必须已经可见且为pending
	snap := rec.Snapshot(1)
	if len(snap) != 1 {
		t.Fatalf("expected 1 visible message before send completes, got %d", len(snap))
	}
	if snap[0].DeliveryStatus != model.DeliveryStatusPending {
		t.Errorf("expected pending status, got %s", snap[0].DeliveryStatus)
	}
	close(sender.gate)
}

func TestSubmitConfirmAdoptsServerIdentity(t *testing.T) {
	sender := &fakeSender{}
	sender.set(SendResult{ServerID: 77, CreatedAt: time.Now()}, nil)
	tracker, rec := newTestTracker(sender)

	localID, err := tracker.Submit(context.Background(), SendRequest{ConversationID: 1, Content: "hi"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitUntil(t, func() bool { return tracker.InFlightCount() == 0 })

	snap := rec.Snapshot(1)
	if len(snap) != 1 {
		t.Fatalf("expected 1 message, got %d", len(snap))
	}
	if snap[0].ServerID != 77 {
		t.Errorf("expected server id 77, got %d", snap[0].ServerID)
	}
	if snap[0].LocalID != localID {
		t.Errorf("local id should be retained on the confirmed message")
	}
	if len(tracker.FailedSends()) != 0 {
		t.Error("confirmed send left a failed entry behind")
	}
}

func TestNetworkFailureRemovesVisibleKeepsRetryable(t *testing.T) {
	sender := &fakeSender{}
	sender.set(SendResult{}, &NetworkError{Op: "send", Err: context.DeadlineExceeded})
	tracker, rec := newTestTracker(sender)

	var hookLocal string
	tracker.SetFailureHook(func(localID string, err error) { hookLocal = localID })

	localID, err := tracker.Submit(context.Background(), SendRequest{ConversationID: 1, Content: "doomed"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitUntil(t, func() bool { return len(tracker.FailedSends()) == 1 })

	// 可见列表不留幽灵消息
	if got := len(rec.Snapshot(1)); got != 0 {
		t.Fatalf("failed send still visible, %d messages", got)
	}
	fails := tracker.FailedSends()
	if fails[0].LocalID != localID {
		t.Errorf("expected failed entry %s, got %s", localID, fails[0].LocalID)
	}
	if fails[0].LastError == "" {
		t.Error("failed entry missing last error")
	}
	if hookLocal != localID {
		t.Errorf("failure hook got %s", hookLocal)
	}
}

func TestValidationFailureDiscardsEntry(t *testing.T) {
	sender := &fakeSender{}
	sender.set(SendResult{}, &ValidationError{Reason: "rejected"})
	tracker, rec := newTestTracker(sender)

	if _, err := tracker.Submit(context.Background(), SendRequest{ConversationID: 1, Content: "bad"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitUntil(t, func() bool { return tracker.InFlightCount() == 0 })

	// 不可重试的失败直接销毁，不进失败列表
	if got := len(tracker.FailedSends()); got != 0 {
		t.Fatalf("validation failure should not be retryable, got %d entries", got)
	}
	if got := len(rec.Snapshot(1)); got != 0 {
		t.Fatalf("rejected message still visible, %d messages", got)
	}
}

func TestRetryAfterFailure(t *testing.T) {
	sender := &fakeSender{}
	sender.set(SendResult{}, &NetworkError{Op: "send", Err: context.DeadlineExceeded})
	tracker, rec := newTestTracker(sender)

	localID, _ := tracker.Submit(context.Background(), SendRequest{ConversationID: 1, Content: "again"})
	waitUntil(t, func() bool { return len(tracker.FailedSends()) == 1 })

	sender.set(SendResult{ServerID: 88, CreatedAt: time.Now()}, nil)
	if err := tracker.Retry(context.Background(), localID); err != nil {
		t.Fatalf("retry: %v", err)
	}

	waitUntil(t, func() bool {
		snap := rec.Snapshot(1)
		return len(snap) == 1 && snap[0].ServerID == 88
	})
	if len(tracker.FailedSends()) != 0 {
		t.Error("retried send left failed entry behind")
	}
}

func TestRetryUnknownLocalID(t *testing.T) {
	tracker, _ := newTestTracker(&fakeSender{})
	if err := tracker.Retry(context.Background(), "local-missing"); !IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDismissDropsFailedEntry(t *testing.T) {
	sender := &fakeSender{}
	sender.set(SendResult{}, &NetworkError{Op: "send", Err: context.DeadlineExceeded})
	tracker, _ := newTestTracker(sender)

	localID, _ := tracker.Submit(context.Background(), SendRequest{ConversationID: 1, Content: "drop me"})
	waitUntil(t, func() bool { return len(tracker.FailedSends()) == 1 })

	if err := tracker.Dismiss(localID); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if got := len(tracker.FailedSends()); got != 0 {
		t.Fatalf("expected no failed entries after dismiss, got %d", got)
	}
	// 重复丢弃报错
	if err := tracker.Dismiss(localID); !IsValidationError(err) {
		t.Fatalf("expected validation error on double dismiss, got %v", err)
	}
}

func TestEventConfirmBeforeSendResponse(t *testing.T) {
	sender := &fakeSender{gate: make(chan struct{})}
	now := time.Now()
	sender.set(SendResult{ServerID: 42, CreatedAt: now}, nil)
	tracker, rec := newTestTracker(sender)

	localID, err := tracker.Submit(context.Background(), SendRequest{ConversationID: 1, Content: "raced"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// 服务端事件抢在发送响应前到达并折叠本地消息
	canonical := serverMsg(42, 1, 1, "raced", now)
	rec.ApplyEvent(insertEvent(canonical))

	snap := rec.Snapshot(1)
	if len(snap) != 1 || snap[0].ServerID != 42 {
		t.Fatalf("expected collapsed message with server id 42, got %+v", snap)
	}
	if snap[0].LocalID != localID {
		t.Errorf("collapsed message should keep local id %s, got %s", localID, snap[0].LocalID)
	}

	// 放行发送响应，结果必须保持单条且无失败条目
	close(sender.gate)
	waitUntil(t, func() bool { return tracker.InFlightCount() == 0 })

	snap = rec.Snapshot(1)
	if len(snap) != 1 {
		t.Fatalf("expected exactly 1 message after late response, got %d", len(snap))
	}
	if snap[0].ServerID != 42 {
		t.Errorf("expected server id 42, got %d", snap[0].ServerID)
	}
	if len(tracker.FailedSends()) != 0 {
		t.Error("raced send left failed entry")
	}
}

func TestConcurrentSubmitsStayDistinct(t *testing.T) {
	// 相同内容的两次提交各自独立确认，不得互相折叠
	results := []SendResult{
		{ServerID: 201, CreatedAt: time.Now()},
		{ServerID: 202, CreatedAt: time.Now()},
	}
	idx := 0
	var mu sync.Mutex
	sender := senderFunc(func(ctx context.Context, req SendRequest) (SendResult, error) {
		mu.Lock()
		defer mu.Unlock()
		res := results[idx%len(results)]
		idx++
		return res, nil
	})
	tracker, rec := newTestTracker(sender)

	if _, err := tracker.Submit(context.Background(), SendRequest{ConversationID: 1, Content: "same"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := tracker.Submit(context.Background(), SendRequest{ConversationID: 1, Content: "same"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitUntil(t, func() bool { return tracker.InFlightCount() == 0 })
	waitUntil(t, func() bool {
		snap := rec.Snapshot(1)
		return len(snap) == 2 && snap[0].ServerID > 0 && snap[1].ServerID > 0
	})

	snap := rec.Snapshot(1)
	if snap[0].ServerID == snap[1].ServerID {
		t.Fatalf("two submissions collapsed into one server id %d", snap[0].ServerID)
	}
}

// senderFunc 函数式Sender适配
type senderFunc func(ctx context.Context, req SendRequest) (SendResult, error)

func (f senderFunc) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	return f(ctx, req)
}

package service

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeBroadcaster 记录广播次数的正在输入collaborator
type fakeBroadcaster struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeBroadcaster) Announce(ctx context.Context, conversationID, userID int64, ttl time.Duration) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return nil
}

func (f *fakeBroadcaster) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestAnnounceDebouncesWithinWindow(t *testing.T) {
	fb := &fakeBroadcaster{}
	s := NewTypingSignaler(1, fb, time.Minute, time.Minute, nopLogger{})
	defer s.Stop(1)

	// 窗口内的连续输入只广播一次
	s.Announce(context.Background(), 1)
	s.Announce(context.Background(), 1)
	s.Announce(context.Background(), 1)

	if got := fb.callCount(); got != 1 {
		t.Fatalf("expected 1 broadcast, got %d", got)
	}
}

func TestRenewLoopKeepsBroadcasting(t *testing.T) {
	fb := &fakeBroadcaster{}
	s := NewTypingSignaler(1, fb, time.Minute, 15*time.Millisecond, nopLogger{})
	defer s.Stop(1)

	s.Announce(context.Background(), 1)
	// 输入持续时按续期间隔追加广播
	waitUntil(t, func() bool { return fb.callCount() >= 3 })
}

func TestRenewLoopStopsWhenIdle(t *testing.T) {
	fb := &fakeBroadcaster{}
	// 窗口20ms，停止输入后续期循环应自行退出
	s := NewTypingSignaler(1, fb, 20*time.Millisecond, 10*time.Millisecond, nopLogger{})

	s.Announce(context.Background(), 1)
	time.Sleep(60 * time.Millisecond)
	settled := fb.callCount()
	time.Sleep(40 * time.Millisecond)
	if got := fb.callCount(); got != settled {
		t.Fatalf("broadcast continued after idle: %d -> %d", settled, got)
	}

	// 再次输入重新开始广播
	s.Announce(context.Background(), 1)
	if got := fb.callCount(); got < settled+1 {
		t.Fatalf("expected fresh broadcast after idle, got %d", got)
	}
	s.Stop(1)
}

func TestWatcherExpiresWithoutRenewal(t *testing.T) {
	w := NewTypingWatcher(30 * time.Millisecond)

	w.Observe(1, 2)
	w.Observe(1, 3)

	users := w.TypingUsers(1)
	if len(users) != 2 {
		t.Fatalf("expected 2 typing users, got %v", users)
	}

	// 没有续期广播，窗口过后安全回落到"未输入"
	waitUntil(t, func() bool { return len(w.TypingUsers(1)) == 0 })
}

func TestWatcherRenewalExtendsWindow(t *testing.T) {
	w := NewTypingWatcher(50 * time.Millisecond)

	w.Observe(1, 2)
	time.Sleep(30 * time.Millisecond)
	w.Observe(1, 2) // 续期
	time.Sleep(30 * time.Millisecond)

	if got := w.TypingUsers(1); len(got) != 1 {
		t.Fatalf("renewed user expired early, got %v", got)
	}
}

package service

import (
	"context"
	"sync"
	"time"

	"studychat/pkg/logger"
)

// TypingBroadcaster 正在输入广播collaborator，fire-and-forget尽力而为
type TypingBroadcaster interface {
	Announce(ctx context.Context, conversationID, userID int64, ttl time.Duration) error
}

// TypingSignaler 正在输入信号器
// 本地输入活动触发一次带短有效窗口的广播，输入持续时按续期间隔主动续播，
// 停止输入后不再续期即自动过期，无需显式的"停止输入"消息。
type TypingSignaler struct {
	selfID      int64
	broadcaster TypingBroadcaster
	window      time.Duration
	renewEvery  time.Duration
	log         logger.Logger

	mu    sync.Mutex
	convs map[int64]*typingState
}

// typingState 单个会话的本地输入状态
type typingState struct {
	lastInput time.Time
	active    bool
	stopCh    chan struct{}
}

// NewTypingSignaler 创建正在输入信号器
func NewTypingSignaler(selfID int64, broadcaster TypingBroadcaster, window, renewEvery time.Duration, log logger.Logger) *TypingSignaler {
	return &TypingSignaler{
		selfID:      selfID,
		broadcaster: broadcaster,
		window:      window,
		renewEvery:  renewEvery,
		log:         log,
		convs:       make(map[int64]*typingState),
	}
}

// Announce 上报一次本地输入活动
// 已在广播期内只刷新活动时间（防抖），否则立即广播一次并启动续期循环。
func (s *TypingSignaler) Announce(ctx context.Context, conversationID int64) {
	s.mu.Lock()
	st, ok := s.convs[conversationID]
	if !ok {
		st = &typingState{}
		s.convs[conversationID] = st
	}
	st.lastInput = time.Now()
	if st.active {
		s.mu.Unlock()
		return
	}
	st.active = true
	st.stopCh = make(chan struct{})
	stopCh := st.stopCh
	s.mu.Unlock()

	s.broadcast(ctx, conversationID)
	go s.renewLoop(conversationID, stopCh)
}

// Stop 主动结束某会话的输入广播
// 只是提前停止续期，消费端靠窗口过期兜底。
func (s *TypingSignaler) Stop(conversationID int64) {
	s.mu.Lock()
	st, ok := s.convs[conversationID]
	if ok && st.active {
		st.active = false
		close(st.stopCh)
	}
	s.mu.Unlock()
}

// renewLoop 输入持续期间的续播循环
func (s *TypingSignaler) renewLoop(conversationID int64, stopCh chan struct{}) {
	ticker := time.NewTicker(s.renewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			st := s.convs[conversationID]
			idle := time.Since(st.lastInput) >= s.window
			if idle {
				st.active = false
			}
			s.mu.Unlock()

			if idle {
				return
			}
			s.broadcast(context.Background(), conversationID)
		case <-stopCh:
			return
		}
	}
}

// broadcast 发送一次广播，失败只记日志
func (s *TypingSignaler) broadcast(ctx context.Context, conversationID int64) {
	if err := s.broadcaster.Announce(ctx, conversationID, s.selfID, s.window); err != nil {
		s.log.Debug(ctx, "Typing broadcast failed",
			logger.F("conversationID", conversationID),
			logger.F("error", err.Error()))
	}
}

// TypingWatcher 消费端的正在输入状态表
// 纯UI态，不落地；未观察到续期就按窗口过期，缺失过期事件时安全地回落到"未输入"。
type TypingWatcher struct {
	window time.Duration

	mu    sync.Mutex
	peers map[int64]map[int64]time.Time // conversationID -> userID -> 过期时间
}

// NewTypingWatcher 创建正在输入观察器
func NewTypingWatcher(window time.Duration) *TypingWatcher {
	return &TypingWatcher{
		window: window,
		peers:  make(map[int64]map[int64]time.Time),
	}
}

// Observe 记录一次观察到的输入广播
func (w *TypingWatcher) Observe(conversationID, userID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	users, ok := w.peers[conversationID]
	if !ok {
		users = make(map[int64]time.Time)
		w.peers[conversationID] = users
	}
	users[userID] = time.Now().Add(w.window)
}

// TypingUsers 返回当前仍在输入的用户，顺手清掉已过期的记录
func (w *TypingWatcher) TypingUsers(conversationID int64) []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	users, ok := w.peers[conversationID]
	if !ok {
		return nil
	}
	now := time.Now()
	var out []int64
	for uid, expiresAt := range users {
		if now.After(expiresAt) {
			delete(users, uid)
			continue
		}
		out = append(out, uid)
	}
	return out
}

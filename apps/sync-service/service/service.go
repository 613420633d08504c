package service

import (
	"context"
	"fmt"
	"sync"

	"studychat/apps/sync-service/eventbus"
	"studychat/apps/sync-service/model"
	"studychat/pkg/config"
	"studychat/pkg/logger"
)

// Fetcher 消息拉取collaborator，用于初始加载和断流后的resync
type Fetcher interface {
	FetchMessages(ctx context.Context, conversationID int64, beforeID int64, limit int) ([]*model.Message, error)
}

// Dependencies 引擎的外部collaborator
type Dependencies struct {
	Sender      Sender
	Fetcher     Fetcher
	ReceiptSink ReceiptSink
	Typing      TypingBroadcaster
	Source      eventbus.EventSource
}

// Engine 会话同步引擎
// 对UI暴露只读的消息列表与会话摘要，以及submit/retry/dismiss/markVisible/announceTyping等命令。
// 每个打开的会话各有一条串行的事件应用循环，保证单会话内事件处理严格有序；
// 跨会话互不等待，共享的只有摘要聚合器。
type Engine struct {
	cfg    *config.Config
	selfID int64
	log    logger.Logger

	rec     *Reconciler
	tracker *Tracker
	batcher *ReceiptBatcher
	typing  *TypingSignaler
	watcher *TypingWatcher
	agg     *Aggregator

	source  eventbus.EventSource
	fetcher Fetcher

	mu       sync.Mutex
	sessions map[int64]*session
	closed   bool

	// onUpdate 会话状态变更后的UI通知
	onUpdate func(conversationID int64)
}

// session 一个打开的会话视图
type session struct {
	conversationID int64
	sub            eventbus.Subscription
	cancel         context.CancelFunc
	done           chan struct{}
}

// NewEngine 创建同步引擎
func NewEngine(cfg *config.Config, selfID int64, deps Dependencies, log logger.Logger) *Engine {
	e := &Engine{
		cfg:      cfg,
		selfID:   selfID,
		log:      log,
		source:   deps.Source,
		fetcher:  deps.Fetcher,
		sessions: make(map[int64]*session),
	}

	e.rec = NewReconciler(selfID, cfg.MatchTolerance(), log)
	e.tracker = NewTracker(selfID, deps.Sender, e.rec, log)
	e.batcher = NewReceiptBatcher(selfID, deps.ReceiptSink, e.rec, cfg.FlushInterval(), log)
	e.typing = NewTypingSignaler(selfID, deps.Typing, cfg.TypingWindow(), cfg.TypingRenewInterval(), log)
	e.watcher = NewTypingWatcher(cfg.TypingWindow())
	e.agg = NewAggregator(selfID)

	e.rec.SetMutationHook(e.recomputeSummary)
	return e
}

// recomputeSummary 会话状态变更后的摘要重算
func (e *Engine) recomputeSummary(conversationID int64) {
	e.agg.Recompute(conversationID, e.rec.Snapshot(conversationID))
	if e.onUpdate != nil {
		e.onUpdate(conversationID)
	}
}

// SetUpdateHook 挂接会话状态变更通知，UI据此重渲染
func (e *Engine) SetUpdateHook(fn func(conversationID int64)) {
	e.onUpdate = fn
}

// OpenConversation 打开一个会话视图
// 先做一次初始拉取，再订阅事件流并启动串行应用循环。重复打开为无操作。
func (e *Engine) OpenConversation(ctx context.Context, conversationID int64) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine closed")
	}
	if _, ok := e.sessions[conversationID]; ok {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	ctx = logger.WithConversationID(ctx, conversationID)

	msgs, err := e.fetcher.FetchMessages(ctx, conversationID, 0, e.cfg.Sync.ResyncLimit)
	if err != nil {
		return &NetworkError{Op: "initial fetch", Err: err}
	}
	e.rec.ResyncMessages(conversationID, msgs)

	subCtx, cancel := context.WithCancel(context.Background())
	sub, err := e.source.Subscribe(subCtx, conversationID)
	if err != nil {
		cancel()
		return &NetworkError{Op: "subscribe", Err: err}
	}

	sess := &session{
		conversationID: conversationID,
		sub:            sub,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		sub.Close()
		return fmt.Errorf("engine closed")
	}
	if _, ok := e.sessions[conversationID]; ok {
		// 并发打开同一个会话时先登记的赢，多出来的订阅就地收掉
		e.mu.Unlock()
		cancel()
		sub.Close()
		return nil
	}
	e.sessions[conversationID] = sess
	e.mu.Unlock()

	go e.applyLoop(sess)

	e.log.Info(ctx, "Conversation opened",
		logger.F("initialMessages", len(msgs)))
	return nil
}

// applyLoop 单会话事件应用循环，严格串行
func (e *Engine) applyLoop(sess *session) {
	defer close(sess.done)

	ctx := logger.WithConversationID(context.Background(), sess.conversationID)

	for d := range sess.sub.Deliveries() {
		if d.Gap {
			// 流出现过缺口，先resync把洞补上再继续消费
			e.resync(ctx, sess.conversationID)
			continue
		}
		e.rec.ApplyEvent(d.Event)
	}
}

// resync 断流修复：重新拉取最近的消息并合并
func (e *Engine) resync(ctx context.Context, conversationID int64) {
	gap := &StreamGapError{ConversationID: conversationID}
	e.log.Warn(ctx, "Stream gap detected, resyncing", logger.F("error", gap.Error()))

	msgs, err := e.fetcher.FetchMessages(ctx, conversationID, 0, e.cfg.Sync.ResyncLimit)
	if err != nil {
		// 拉取失败留给下一次缺口信号重试，视图暂时保持旧状态
		e.log.Error(ctx, "Resync fetch failed", logger.F("error", err.Error()))
		return
	}
	e.rec.ResyncMessages(conversationID, msgs)
}

// CloseConversation 关闭会话视图
// 退订事件流并立即flush未提交的回执批次，而不是丢弃，
// 之后清掉该会话的消息状态和摘要，重新打开时从初始拉取重建。
func (e *Engine) CloseConversation(ctx context.Context, conversationID int64) {
	e.mu.Lock()
	sess, ok := e.sessions[conversationID]
	if ok {
		delete(e.sessions, conversationID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	sess.cancel()
	sess.sub.Close()
	<-sess.done

	e.batcher.Flush(ctx)
	e.typing.Stop(conversationID)
	e.rec.Drop(conversationID)
	e.agg.Remove(conversationID)

	e.log.Info(logger.WithConversationID(ctx, conversationID), "Conversation closed")
}

// Submit 提交一次消息发送，返回本地ID
func (e *Engine) Submit(ctx context.Context, conversationID int64, content, messageType string, attachments []string) (string, error) {
	return e.tracker.Submit(ctx, SendRequest{
		ConversationID: conversationID,
		Content:        content,
		MessageType:    messageType,
		Attachments:    attachments,
	})
}

// RetryFailedSend 重试一条失败的发送
func (e *Engine) RetryFailedSend(ctx context.Context, localID string) error {
	return e.tracker.Retry(ctx, localID)
}

// DismissFailedSend 丢弃一条失败的发送
func (e *Engine) DismissFailedSend(localID string) error {
	return e.tracker.Dismiss(localID)
}

// MarkVisible 上报视口内可见的消息，驱动已读回执
func (e *Engine) MarkVisible(ctx context.Context, conversationID int64, messageIDs []int64) {
	e.batcher.MarkVisible(ctx, conversationID, messageIDs)
}

// AnnounceTyping 上报本地输入活动
func (e *Engine) AnnounceTyping(ctx context.Context, conversationID int64) {
	e.typing.Announce(ctx, conversationID)
}

// Messages 会话消息的只读有序快照
func (e *Engine) Messages(conversationID int64) []*model.Message {
	return e.rec.Snapshot(conversationID)
}

// Summaries 会话摘要列表快照
func (e *Engine) Summaries() []*model.ConversationSummary {
	return e.agg.Snapshot()
}

// FailedSends 失败的发送条目快照
func (e *Engine) FailedSends() []model.PendingSend {
	return e.tracker.FailedSends()
}

// TypingUsers 指定会话当前正在输入的其他用户
func (e *Engine) TypingUsers(conversationID int64) []int64 {
	return e.watcher.TypingUsers(conversationID)
}

// TypingWatcher 暴露给typing传输层回灌观察结果
func (e *Engine) TypingWatcher() *TypingWatcher {
	return e.watcher
}

// SetSendFailureHook 挂接发送失败回调
func (e *Engine) SetSendFailureHook(fn func(localID string, err error)) {
	e.tracker.SetFailureHook(fn)
}

// Close 关闭引擎，退订全部会话并flush回执
func (e *Engine) Close(ctx context.Context) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	sessions := make([]*session, 0, len(e.sessions))
	for _, sess := range e.sessions {
		sessions = append(sessions, sess)
	}
	e.sessions = make(map[int64]*session)
	e.mu.Unlock()

	for _, sess := range sessions {
		sess.cancel()
		sess.sub.Close()
		<-sess.done
	}
	e.batcher.Flush(ctx)
}

package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"studychat/apps/sync-service/model"
	"studychat/pkg/logger"
)

// SendRequest 发送请求
type SendRequest struct {
	ConversationID int64
	Content        string
	MessageType    string
	Attachments    []string
}

// SendResult 发送成功后服务端返回的权威字段
type SendResult struct {
	ServerID  int64
	CreatedAt time.Time
	Content   string // 服务端规范化后的内容
}

// Sender 消息发送collaborator
// 失败时返回NetworkError或ValidationError。
type Sender interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// Tracker 待发送条目跟踪器
// 负责本地发起消息从提交到确认/失败的完整生命周期。
// Pending消息由它独家写入Reconciler，确认、折叠与移除则交由Reconciler执行。
type Tracker struct {
	selfID int64
	sender Sender
	rec    *Reconciler
	log    logger.Logger

	mu      sync.Mutex
	entries map[string]*model.PendingSend

	// onFailed 发送失败通知，调用方据此提示重试/丢弃
	onFailed func(localID string, err error)
}

// NewTracker 创建待发送跟踪器
func NewTracker(selfID int64, sender Sender, rec *Reconciler, log logger.Logger) *Tracker {
	t := &Tracker{
		selfID:  selfID,
		sender:  sender,
		rec:     rec,
		log:     log,
		entries: make(map[string]*model.PendingSend),
	}
	rec.SetCollapseHook(t.handleEventConfirm)
	return t
}

// SetFailureHook 挂接发送失败回调
func (t *Tracker) SetFailureHook(fn func(localID string, err error)) {
	t.mu.Lock()
	t.onFailed = fn
	t.mu.Unlock()
}

// Submit 提交一次发送
// 立即物化一条pending消息进入可见列表并返回本地ID，网络调用异步进行。
func (t *Tracker) Submit(ctx context.Context, req SendRequest) (string, error) {
	if req.Content == "" && len(req.Attachments) == 0 {
		return "", &ValidationError{Reason: "empty message"}
	}
	if req.MessageType == "" {
		req.MessageType = model.MessageTypeText
	}

	localID := model.LocalIDPrefix + uuid.NewString()
	now := time.Now()

	entry := &model.PendingSend{
		LocalID:        localID,
		ConversationID: req.ConversationID,
		Content:        req.Content,
		MessageType:    req.MessageType,
		Attachments:    append([]string(nil), req.Attachments...),
		AttemptState:   model.AttemptStateInFlight,
		CreatedAt:      now,
	}

	t.mu.Lock()
	t.entries[localID] = entry
	t.mu.Unlock()

	t.rec.AddPending(&model.Message{
		LocalID:        localID,
		ConversationID: req.ConversationID,
		SenderID:       t.selfID,
		Content:        req.Content,
		MessageType:    req.MessageType,
		Attachments:    append([]string(nil), req.Attachments...),
		CreatedAt:      now,
		DeliveryStatus: model.DeliveryStatusPending,
	})

	// 在途发送不随界面导航取消，允许其完成后与当时的状态做合并
	go t.dispatch(context.WithoutCancel(ctx), localID)

	return localID, nil
}

// dispatch 执行网络发送并按结果推进条目状态
func (t *Tracker) dispatch(ctx context.Context, localID string) {
	t.mu.Lock()
	entry, ok := t.entries[localID]
	if !ok || entry.AttemptState != model.AttemptStateInFlight {
		t.mu.Unlock()
		return
	}
	req := SendRequest{
		ConversationID: entry.ConversationID,
		Content:        entry.Content,
		MessageType:    entry.MessageType,
		Attachments:    entry.Attachments,
	}
	createdAt := entry.CreatedAt
	t.mu.Unlock()

	res, err := t.sender.Send(ctx, req)

	t.mu.Lock()
	entry, ok = t.entries[localID]
	if !ok || entry.AttemptState == model.AttemptStateConfirmed {
		// 服务端事件先一步完成了确认，发送响应按无操作合并
		delete(t.entries, localID)
		t.mu.Unlock()
		if err == nil {
			t.rec.ConfirmPending(req.ConversationID, localID, canonicalMessage(t.selfID, req, res, createdAt))
		}
		return
	}

	if err != nil {
		if IsValidationError(err) {
			// 不可重试，条目直接销毁
			delete(t.entries, localID)
		} else {
			entry.AttemptState = model.AttemptStateFailed
			entry.LastError = err.Error()
		}
		onFailed := t.onFailed
		t.mu.Unlock()

		t.rec.RemoveLocal(req.ConversationID, localID)
		t.log.Warn(ctx, "Message send failed",
			logger.F("localID", localID),
			logger.F("conversationID", req.ConversationID),
			logger.F("error", err.Error()))
		if onFailed != nil {
			onFailed(localID, err)
		}
		return
	}

	entry.AttemptState = model.AttemptStateConfirmed
	delete(t.entries, localID)
	t.mu.Unlock()

	t.rec.ConfirmPending(req.ConversationID, localID, canonicalMessage(t.selfID, req, res, createdAt))
}

// canonicalMessage 用发送响应构造权威消息
func canonicalMessage(selfID int64, req SendRequest, res SendResult, fallbackCreatedAt time.Time) *model.Message {
	content := res.Content
	if content == "" {
		content = req.Content
	}
	createdAt := res.CreatedAt
	if createdAt.IsZero() {
		createdAt = fallbackCreatedAt
	}
	return &model.Message{
		ServerID:       res.ServerID,
		ConversationID: req.ConversationID,
		SenderID:       selfID,
		Content:        content,
		MessageType:    req.MessageType,
		Attachments:    req.Attachments,
		CreatedAt:      createdAt,
		DeliveryStatus: model.DeliveryStatusSent,
	}
}

// handleEventConfirm 服务端事件抢先确认时由Reconciler回调
func (t *Tracker) handleEventConfirm(localID string, serverID int64) {
	t.mu.Lock()
	entry, ok := t.entries[localID]
	if ok {
		entry.AttemptState = model.AttemptStateConfirmed
	}
	t.mu.Unlock()

	if ok {
		t.log.Debug(context.Background(), "Pending send confirmed by server event",
			logger.F("localID", localID),
			logger.F("serverID", serverID))
	}
}

// Retry 重试一条失败的发送，保留原本地ID和创建时间
func (t *Tracker) Retry(ctx context.Context, localID string) error {
	t.mu.Lock()
	entry, ok := t.entries[localID]
	if !ok || entry.AttemptState != model.AttemptStateFailed {
		t.mu.Unlock()
		return &ValidationError{Reason: "no failed send with local id " + localID}
	}
	entry.AttemptState = model.AttemptStateInFlight
	entry.LastError = ""
	msg := &model.Message{
		LocalID:        entry.LocalID,
		ConversationID: entry.ConversationID,
		SenderID:       t.selfID,
		Content:        entry.Content,
		MessageType:    entry.MessageType,
		Attachments:    append([]string(nil), entry.Attachments...),
		CreatedAt:      entry.CreatedAt,
		DeliveryStatus: model.DeliveryStatusPending,
	}
	t.mu.Unlock()

	t.rec.AddPending(msg)
	go t.dispatch(context.WithoutCancel(ctx), localID)
	return nil
}

// Dismiss 丢弃一条失败的发送
func (t *Tracker) Dismiss(localID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[localID]
	if !ok || entry.AttemptState != model.AttemptStateFailed {
		return &ValidationError{Reason: "no failed send with local id " + localID}
	}
	delete(t.entries, localID)
	return nil
}

// FailedSends 失败条目快照
func (t *Tracker) FailedSends() []model.PendingSend {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []model.PendingSend
	for _, entry := range t.entries {
		if entry.AttemptState == model.AttemptStateFailed {
			out = append(out, *entry)
		}
	}
	return out
}

// InFlightCount 在途发送数量
func (t *Tracker) InFlightCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, entry := range t.entries {
		if entry.AttemptState == model.AttemptStateInFlight {
			n++
		}
	}
	return n
}

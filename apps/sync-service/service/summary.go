package service

import (
	"sort"
	"sync"
	"time"

	"studychat/apps/sync-service/model"
)

// Aggregator 会话摘要聚合器
// 从Reconciler的消息快照派生last_message与unread_count，
// 每次会话状态变更都整体重算，不维护可独立漂移的计数器。
// 写入只由变更回调这一条路径进入，读取返回快照。
type Aggregator struct {
	selfID int64

	mu        sync.RWMutex
	summaries map[int64]*model.ConversationSummary
}

// NewAggregator 创建会话摘要聚合器
func NewAggregator(selfID int64) *Aggregator {
	return &Aggregator{
		selfID:    selfID,
		summaries: make(map[int64]*model.ConversationSummary),
	}
}

// Recompute 用会话的消息快照重算摘要
func (a *Aggregator) Recompute(conversationID int64, msgs []*model.Message) {
	var last *model.Message
	unread := 0
	for _, m := range msgs {
		last = m // 快照本身有序，最后一条即排序键最大
		if m.SenderID != a.selfID && !m.ReadByUser(a.selfID) {
			unread++
		}
	}

	summary := &model.ConversationSummary{
		ConversationID: conversationID,
		UnreadCount:    unread,
		UpdatedAt:      time.Now(),
	}
	if last != nil {
		summary.LastMessage = last.Clone()
		summary.UpdatedAt = last.CreatedAt
	}

	a.mu.Lock()
	a.summaries[conversationID] = summary
	a.mu.Unlock()
}

// Remove 会话关闭后清理摘要
func (a *Aggregator) Remove(conversationID int64) {
	a.mu.Lock()
	delete(a.summaries, conversationID)
	a.mu.Unlock()
}

// Get 单个会话的摘要快照
func (a *Aggregator) Get(conversationID int64) *model.ConversationSummary {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s, ok := a.summaries[conversationID]
	if !ok {
		return nil
	}
	return cloneSummary(s)
}

// Snapshot 全部会话摘要，按最近消息时间倒序
func (a *Aggregator) Snapshot() []*model.ConversationSummary {
	a.mu.RLock()
	out := make([]*model.ConversationSummary, 0, len(a.summaries))
	for _, s := range a.summaries {
		out = append(out, cloneSummary(s))
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// cloneSummary 摘要深拷贝
func cloneSummary(s *model.ConversationSummary) *model.ConversationSummary {
	cp := *s
	if s.LastMessage != nil {
		cp.LastMessage = s.LastMessage.Clone()
	}
	return &cp
}

package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"studychat/apps/sync-service/eventbus"
	"studychat/apps/sync-service/model"
	"studychat/pkg/logger"
)

// Reconciler 会话消息状态机
// 按会话维护一份去重后的有序消息列表，键为有效键（服务端ID优先，否则本地ID）。
// 所有变更（乐观插入、发送确认、服务端事件、resync）都汇聚到这里，
// 任何事件的重复应用都是幂等的，可见列表里永远不会同时存在两个相同的键。
type Reconciler struct {
	mu        sync.RWMutex
	selfID    int64
	tolerance time.Duration
	log       logger.Logger
	convs     map[int64]*conversationState

	// onMutate 状态变更通知，用于触发会话摘要重算
	onMutate func(conversationID int64)
	// onCollapse 服务端事件抢先确认了某条本地待发送消息时的通知
	onCollapse func(localID string, serverID int64)
}

// conversationState 单个会话的消息状态
type conversationState struct {
	ordered  []*model.Message // 按(created_at, seq)升序
	byKey    map[string]*model.Message
	byServer map[int64]*model.Message
	nextSeq  int64
}

// NewReconciler 创建消息状态机
func NewReconciler(selfID int64, tolerance time.Duration, log logger.Logger) *Reconciler {
	return &Reconciler{
		selfID:    selfID,
		tolerance: tolerance,
		log:       log,
		convs:     make(map[int64]*conversationState),
	}
}

// SetMutationHook 挂接状态变更回调，在锁外调用
func (r *Reconciler) SetMutationHook(fn func(conversationID int64)) {
	r.onMutate = fn
}

// SetCollapseHook 挂接本地消息被事件抢先确认的回调，在锁外调用
func (r *Reconciler) SetCollapseHook(fn func(localID string, serverID int64)) {
	r.onCollapse = fn
}

// conv 获取或创建会话状态，调用方需持有写锁
func (r *Reconciler) conv(conversationID int64) *conversationState {
	cs, ok := r.convs[conversationID]
	if !ok {
		cs = &conversationState{
			byKey:    make(map[string]*model.Message),
			byServer: make(map[int64]*model.Message),
		}
		r.convs[conversationID] = cs
	}
	return cs
}

// insertLocked 分配序号并按(created_at, seq)插入有序位置
func (cs *conversationState) insertLocked(msg *model.Message) {
	cs.nextSeq++
	msg.Seq = cs.nextSeq

	idx := sort.Search(len(cs.ordered), func(i int) bool {
		m := cs.ordered[i]
		if !m.CreatedAt.Equal(msg.CreatedAt) {
			return m.CreatedAt.After(msg.CreatedAt)
		}
		return m.Seq > msg.Seq
	})
	cs.ordered = append(cs.ordered, nil)
	copy(cs.ordered[idx+1:], cs.ordered[idx:])
	cs.ordered[idx] = msg

	cs.byKey[msg.EffectiveKey()] = msg
	if msg.ServerID > 0 {
		cs.byServer[msg.ServerID] = msg
	}
}

// removeLocked 从有序列表和索引里移除一条消息
func (cs *conversationState) removeLocked(msg *model.Message) {
	for i, m := range cs.ordered {
		if m == msg {
			cs.ordered = append(cs.ordered[:i], cs.ordered[i+1:]...)
			break
		}
	}
	delete(cs.byKey, msg.EffectiveKey())
	if msg.ServerID > 0 {
		delete(cs.byServer, msg.ServerID)
	}
}

// resortLocked created_at变化后为单条消息重新定位，保留原序号以维持平局时的稳定顺序
func (cs *conversationState) resortLocked(msg *model.Message) {
	for i, m := range cs.ordered {
		if m == msg {
			cs.ordered = append(cs.ordered[:i], cs.ordered[i+1:]...)
			break
		}
	}
	idx := sort.Search(len(cs.ordered), func(i int) bool {
		m := cs.ordered[i]
		if !m.CreatedAt.Equal(msg.CreatedAt) {
			return m.CreatedAt.After(msg.CreatedAt)
		}
		return m.Seq > msg.Seq
	})
	cs.ordered = append(cs.ordered, nil)
	copy(cs.ordered[idx+1:], cs.ordered[idx:])
	cs.ordered[idx] = msg
}

// ApplyEvent 应用一条服务端变更事件，幂等
func (r *Reconciler) ApplyEvent(ev eventbus.ChangeEvent) {
	var changed bool
	var convID int64

	switch ev.Type {
	case eventbus.EventMessageInserted:
		if ev.Message == nil {
			return
		}
		convID = ev.Message.ConversationID
		changed = r.applyInsert(ev.Message)
	case eventbus.EventMessageUpdated:
		if ev.Message == nil {
			return
		}
		convID = ev.Message.ConversationID
		changed = r.applyUpdate(ev.Message)
	case eventbus.EventReceiptInserted:
		if ev.Receipt == nil {
			return
		}
		convID = ev.ConversationID
		changed = r.applyReceipt(ev.ConversationID, ev.Receipt)
	default:
		r.log.Warn(context.Background(), "Ignoring unknown change event",
			logger.F("type", string(ev.Type)))
		return
	}

	if changed {
		r.notifyMutation(convID)
	}
}

// applyInsert 处理消息插入事件
// 已存在同服务端ID的消息时合并字段；存在匹配的在途本地消息时折叠为确认；否则按时间序插入。
func (r *Reconciler) applyInsert(incoming *model.Message) bool {
	if incoming.ServerID <= 0 {
		r.log.Warn(context.Background(), "Insert event without server id, dropped",
			logger.F("conversationID", incoming.ConversationID))
		return false
	}

	var collapsedLocal string

	r.mu.Lock()
	cs := r.conv(incoming.ConversationID)

	if existing, ok := cs.byServer[incoming.ServerID]; ok {
		// 重复投递，合并字段后即为无操作
		changed := mergeServerFields(existing, incoming)
		r.mu.Unlock()
		return changed
	}

	if local := r.matchPendingLocked(cs, incoming); local != nil {
		// 服务端事件先于发送响应到达：折叠进已有节点，不追加第二个
		collapsedLocal = local.LocalID
		r.adoptServerIdentityLocked(cs, local, incoming)
		r.mu.Unlock()
		if r.onCollapse != nil {
			r.onCollapse(collapsedLocal, incoming.ServerID)
		}
		return true
	}

	msg := incoming.Clone()
	if msg.DeliveryStatus == "" || msg.DeliveryStatus == model.DeliveryStatusPending {
		msg.DeliveryStatus = model.DeliveryStatusSent
	}
	cs.insertLocked(msg)
	r.mu.Unlock()
	return true
}

// applyUpdate 处理消息更新事件
// 目标消息不存在时按插入处理，乱序投递下依然收敛。
func (r *Reconciler) applyUpdate(incoming *model.Message) bool {
	if incoming.ServerID <= 0 {
		return false
	}

	r.mu.Lock()
	cs := r.conv(incoming.ConversationID)
	existing, ok := cs.byServer[incoming.ServerID]
	if !ok {
		r.mu.Unlock()
		return r.applyInsert(incoming)
	}
	changed := mergeServerFields(existing, incoming)
	r.mu.Unlock()
	return changed
}

// applyReceipt 处理回执插入事件，read_by只做并集，绝不覆盖
func (r *Reconciler) applyReceipt(conversationID int64, receipt *model.ReadReceipt) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.convs[conversationID]
	if !ok {
		return false
	}
	msg, ok := cs.byServer[receipt.MessageID]
	if !ok {
		// 回执先于消息到达，忽略，缺口由下一次resync修复
		return false
	}
	if _, seen := msg.ReadBy[receipt.UserID]; seen {
		return false
	}
	if msg.ReadBy == nil {
		msg.ReadBy = make(map[int64]time.Time)
	}
	msg.ReadBy[receipt.UserID] = receipt.ReadAt
	return true
}

// matchPendingLocked 查找可与该服务端消息折叠的在途本地消息
// 匹配条件：同会话、发送者为本人、内容与类型一致、创建时间差在容忍窗口内。
func (r *Reconciler) matchPendingLocked(cs *conversationState, incoming *model.Message) *model.Message {
	if incoming.SenderID != r.selfID {
		return nil
	}
	for _, m := range cs.ordered {
		if !m.IsLocal() || m.DeliveryStatus != model.DeliveryStatusPending {
			continue
		}
		if m.Content != incoming.Content || m.MessageType != incoming.MessageType {
			continue
		}
		delta := incoming.CreatedAt.Sub(m.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= r.tolerance {
			return m
		}
	}
	return nil
}

// adoptServerIdentityLocked 本地消息采纳服务端身份与权威字段
// 保留插入序号，使时间戳修正后的平局顺序依旧稳定。
func (r *Reconciler) adoptServerIdentityLocked(cs *conversationState, local *model.Message, canonical *model.Message) {
	delete(cs.byKey, local.EffectiveKey())

	local.ServerID = canonical.ServerID
	local.Content = canonical.Content
	local.DeliveryStatus = model.DeliveryStatusSent
	if !canonical.CreatedAt.IsZero() {
		local.CreatedAt = canonical.CreatedAt
	}
	mergeServerFields(local, canonical)

	cs.byKey[local.EffectiveKey()] = local
	cs.byServer[local.ServerID] = local
	cs.resortLocked(local)
}

// mergeServerFields 把服务端消息的可变字段合并进已有节点
// 编辑内容按最后写入者生效，read_by做并集。
func mergeServerFields(dst, src *model.Message) bool {
	changed := false

	if src.EditedAt != nil {
		if dst.EditedAt == nil || src.EditedAt.After(*dst.EditedAt) {
			at := *src.EditedAt
			dst.EditedAt = &at
			dst.Content = src.Content
			changed = true
		}
	}
	if src.Reactions != nil {
		for emoji, users := range src.Reactions {
			if dst.Reactions == nil {
				dst.Reactions = make(map[string][]int64)
			}
			if !equalUserSet(dst.Reactions[emoji], users) {
				dst.Reactions[emoji] = append([]int64(nil), users...)
				changed = true
			}
		}
	}
	for uid, at := range src.ReadBy {
		if _, ok := dst.ReadBy[uid]; !ok {
			if dst.ReadBy == nil {
				dst.ReadBy = make(map[int64]time.Time)
			}
			dst.ReadBy[uid] = at
			changed = true
		}
	}
	if src.DeliveryStatus == model.DeliveryStatusDelivered || src.DeliveryStatus == model.DeliveryStatusRead {
		if dst.DeliveryStatus == model.DeliveryStatusSent || dst.DeliveryStatus == model.DeliveryStatusDelivered {
			if dst.DeliveryStatus != src.DeliveryStatus {
				dst.DeliveryStatus = src.DeliveryStatus
				changed = true
			}
		}
	}
	return changed
}

// equalUserSet 比较两个用户ID集合是否一致
func equalUserSet(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[int64]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	return true
}

// AddPending 插入一条本地乐观消息
// Pending消息只允许由Tracker引入，这里是唯一入口。
func (r *Reconciler) AddPending(msg *model.Message) {
	r.mu.Lock()
	cs := r.conv(msg.ConversationID)
	if _, ok := cs.byKey[msg.LocalID]; ok {
		r.mu.Unlock()
		return
	}
	msg.DeliveryStatus = model.DeliveryStatusPending
	cs.insertLocked(msg)
	r.mu.Unlock()

	r.notifyMutation(msg.ConversationID)
}

// ConfirmPending 发送响应到达，本地消息改挂服务端ID
// 若该服务端ID已存在（事件先到并完成折叠），本地条目直接丢弃，结果等价。
func (r *Reconciler) ConfirmPending(conversationID int64, localID string, canonical *model.Message) {
	r.mu.Lock()
	cs := r.conv(conversationID)

	local, hasLocal := cs.byKey[localID]
	if _, confirmed := cs.byServer[canonical.ServerID]; confirmed {
		if hasLocal {
			cs.removeLocked(local)
		}
		r.mu.Unlock()
		r.notifyMutation(conversationID)
		return
	}

	if !hasLocal {
		// 本地条目已不在（例如失败后被移除，但发送仍然完成了）：按确认消息直接插入
		msg := canonical.Clone()
		msg.DeliveryStatus = model.DeliveryStatusSent
		cs.insertLocked(msg)
		r.mu.Unlock()
		r.notifyMutation(conversationID)
		return
	}

	r.adoptServerIdentityLocked(cs, local, canonical)
	r.mu.Unlock()
	r.notifyMutation(conversationID)
}

// RemoveLocal 发送失败，移除本地消息，不留幽灵条目
func (r *Reconciler) RemoveLocal(conversationID int64, localID string) {
	r.mu.Lock()
	cs, ok := r.convs[conversationID]
	if !ok {
		r.mu.Unlock()
		return
	}
	msg, ok := cs.byKey[localID]
	if !ok || msg.ServerID > 0 {
		// 已被确认的消息不允许回退
		r.mu.Unlock()
		return
	}
	cs.removeLocked(msg)
	r.mu.Unlock()

	r.notifyMutation(conversationID)
}

// ResyncMessages 应用一批resync拉取到的已确认消息
// 逐条按插入事件处理，重复消息自动去重，本地在途消息不受影响。
func (r *Reconciler) ResyncMessages(conversationID int64, msgs []*model.Message) {
	changed := false
	for _, msg := range msgs {
		if msg.ConversationID == 0 {
			msg.ConversationID = conversationID
		}
		if r.applyInsert(msg) {
			changed = true
		}
	}
	if changed {
		r.notifyMutation(conversationID)
	}
}

// Snapshot 返回会话消息的只读快照，供UI与摘要聚合读取
func (r *Reconciler) Snapshot(conversationID int64) []*model.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cs, ok := r.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]*model.Message, 0, len(cs.ordered))
	for _, m := range cs.ordered {
		out = append(out, m.Clone())
	}
	return out
}

// Get 按服务端ID查找消息快照
func (r *Reconciler) Get(conversationID, serverID int64) *model.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cs, ok := r.convs[conversationID]
	if !ok {
		return nil
	}
	msg, ok := cs.byServer[serverID]
	if !ok {
		return nil
	}
	return msg.Clone()
}

// Drop 会话视图关闭后的状态清理
func (r *Reconciler) Drop(conversationID int64) {
	r.mu.Lock()
	delete(r.convs, conversationID)
	r.mu.Unlock()
}

// notifyMutation 锁外触发变更回调
func (r *Reconciler) notifyMutation(conversationID int64) {
	if r.onMutate != nil {
		r.onMutate(conversationID)
	}
}

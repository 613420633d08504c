package model

import (
	"strconv"
	"strings"
	"time"
)

// 消息类型常量
const (
	MessageTypeText        = "text"         // 文本消息
	MessageTypeImage       = "image"        // 图片消息
	MessageTypeFile        = "file"         // 文件消息
	MessageTypeCodeSnippet = "code_snippet" // 代码片段
	MessageTypeLink        = "link"         // 链接消息
	MessageTypeSystem      = "system"       // 系统消息
)

// 投递状态常量
const (
	DeliveryStatusPending   = "pending"   // 本地乐观插入，等待服务端确认
	DeliveryStatusSent      = "sent"      // 服务端已确认
	DeliveryStatusDelivered = "delivered" // 已投递到对端
	DeliveryStatusRead      = "read"      // 已读
	DeliveryStatusFailed    = "failed"    // 发送失败
)

// 会话类型常量
const (
	ConversationTypeDirect = "direct" // 单聊
	ConversationTypeGroup  = "group"  // 群聊
)

// LocalIDPrefix 本地临时消息ID前缀，用于和服务端ID做视觉/结构上的区分
const LocalIDPrefix = "local-"

// Message 会话消息
// ServerID为服务端分配的权威ID，确认前为0；LocalID为客户端生成的临时ID。
// 同一条逻辑消息在可见列表里只允许出现一次，以EffectiveKey为准。
type Message struct {
	ServerID       int64               `json:"server_id,omitempty"`
	LocalID        string              `json:"local_id,omitempty"`
	ConversationID int64               `json:"conversation_id"`
	SenderID       int64               `json:"sender_id"`
	Content        string              `json:"content"`
	MessageType    string              `json:"message_type"`
	Attachments    []string            `json:"attachments,omitempty"` // 有序的附件blob引用
	ReplyToID      int64               `json:"reply_to_id,omitempty"` // 弱引用，不持有被回复消息
	Reactions      map[string][]int64  `json:"reactions,omitempty"`   // emoji -> 用户ID集合
	CreatedAt      time.Time           `json:"created_at"`
	EditedAt       *time.Time          `json:"edited_at,omitempty"`
	DeliveryStatus string              `json:"delivery_status"`
	ReadBy         map[int64]time.Time `json:"read_by,omitempty"` // 用户ID -> 回执时间

	// Seq 插入时分配的单调递增序号，created_at相同时作为稳定的排序副键
	Seq int64 `json:"-"`
}

// EffectiveKey 当前用于在可见列表中寻址该消息的唯一键
// 服务端ID存在时优先使用服务端ID。
func (m *Message) EffectiveKey() string {
	if m.ServerID > 0 {
		return strconv.FormatInt(m.ServerID, 10)
	}
	return m.LocalID
}

// IsLocal 是否还是仅存在于本地的未确认消息
func (m *Message) IsLocal() bool {
	return m.ServerID == 0 && strings.HasPrefix(m.LocalID, LocalIDPrefix)
}

// ReadByUser 指定用户是否已读该消息
func (m *Message) ReadByUser(userID int64) bool {
	_, ok := m.ReadBy[userID]
	return ok
}

// Clone 深拷贝消息，供快照读使用
func (m *Message) Clone() *Message {
	cp := *m
	if m.Attachments != nil {
		cp.Attachments = append([]string(nil), m.Attachments...)
	}
	if m.Reactions != nil {
		cp.Reactions = make(map[string][]int64, len(m.Reactions))
		for emoji, users := range m.Reactions {
			cp.Reactions[emoji] = append([]int64(nil), users...)
		}
	}
	if m.ReadBy != nil {
		cp.ReadBy = make(map[int64]time.Time, len(m.ReadBy))
		for uid, at := range m.ReadBy {
			cp.ReadBy[uid] = at
		}
	}
	if m.EditedAt != nil {
		at := *m.EditedAt
		cp.EditedAt = &at
	}
	return &cp
}

// Participant 会话成员摘要
type Participant struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"` // 群聊成员角色
}

// Conversation 会话
type Conversation struct {
	ID           int64         `json:"id"`
	Type         string        `json:"type"`
	Participants []Participant `json:"participants"`
	IsArchived   bool          `json:"is_archived"`
	IsMuted      bool          `json:"is_muted"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ConversationSummary 会话列表视图的派生数据
// last_message与unread_count均为每次重算得出，禁止增量维护，避免漏事件导致漂移。
type ConversationSummary struct {
	ConversationID int64     `json:"conversation_id"`
	LastMessage    *Message  `json:"last_message,omitempty"`
	UnreadCount    int       `json:"unread_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ReadReceipt 已读回执，追加写入，同一(消息,用户)至多一条
type ReadReceipt struct {
	MessageID int64     `json:"message_id"`
	UserID    int64     `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// 待发送条目状态常量
const (
	AttemptStateInFlight  = "in-flight" // 网络请求已发出，等待结果
	AttemptStateConfirmed = "confirmed" // 服务端已确认
	AttemptStateFailed    = "failed"    // 发送失败，等待调用方重试或丢弃
)

// PendingSend 本地发起的待确认发送条目
// 在确认或失败之前由Tracker独占持有。
type PendingSend struct {
	LocalID        string    `json:"local_id"`
	ConversationID int64     `json:"conversation_id"`
	Content        string    `json:"content"`
	MessageType    string    `json:"message_type"`
	Attachments    []string  `json:"attachments,omitempty"`
	AttemptState   string    `json:"attempt_state"`
	CreatedAt      time.Time `json:"created_at"`
	LastError      string    `json:"last_error,omitempty"` // 最近一次失败原因
}

package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"studychat/apps/sync-service/model"
)

// EventType 变更事件类型
type EventType string

// 事件类型常量，封闭集合，未知类型在边界处丢弃
const (
	EventMessageInserted EventType = "message_inserted" // 新消息写入
	EventMessageUpdated  EventType = "message_updated"  // 消息编辑/表态更新
	EventReceiptInserted EventType = "receipt_inserted" // 已读回执写入
)

// ChangeEvent 单个会话的变更事件
// Message在插入/更新事件中有效，Receipt在回执事件中有效。
type ChangeEvent struct {
	Type           EventType          `json:"type"`
	ConversationID int64              `json:"conversation_id"`
	Message        *model.Message     `json:"message,omitempty"`
	Receipt        *model.ReadReceipt `json:"receipt,omitempty"`
}

// Delivery 订阅的交付单元
// Gap为true表示流出现过中断，消费方必须先做一次resync再继续消费后续事件。
// 事件与缺口标记走同一条通道，保证resync先于重连后的事件被处理。
type Delivery struct {
	Gap   bool
	Event ChangeEvent
}

// Subscription 单个会话的事件订阅
type Subscription interface {
	Deliveries() <-chan Delivery
	Close() error
}

// EventSource 会话变更事件源
type EventSource interface {
	Subscribe(ctx context.Context, conversationID int64) (Subscription, error)
}

// ErrUnknownEvent 未知的事件类型，调用方记录日志后跳过，不得中断流
var ErrUnknownEvent = fmt.Errorf("unknown change event type")

// wireEvent 网络帧格式
type wireEvent struct {
	Type           string          `json:"type"`
	ConversationID int64           `json:"conversation_id"`
	Payload        json.RawMessage `json:"payload"`
}

// Decode 解析一帧变更事件
// 载荷缺失或类型未知时返回错误，由调用方决定丢弃策略。
func Decode(data []byte) (ChangeEvent, error) {
	var frame wireEvent
	if err := json.Unmarshal(data, &frame); err != nil {
		return ChangeEvent{}, fmt.Errorf("decode change event: %w", err)
	}

	ev := ChangeEvent{ConversationID: frame.ConversationID}

	switch EventType(frame.Type) {
	case EventMessageInserted, EventMessageUpdated:
		var msg model.Message
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			return ChangeEvent{}, fmt.Errorf("decode message payload: %w", err)
		}
		if msg.ConversationID == 0 {
			msg.ConversationID = frame.ConversationID
		}
		ev.Type = EventType(frame.Type)
		ev.Message = &msg
		return ev, nil
	case EventReceiptInserted:
		var receipt model.ReadReceipt
		if err := json.Unmarshal(frame.Payload, &receipt); err != nil {
			return ChangeEvent{}, fmt.Errorf("decode receipt payload: %w", err)
		}
		ev.Type = EventReceiptInserted
		ev.Receipt = &receipt
		return ev, nil
	default:
		return ChangeEvent{}, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Type)
	}
}

// Encode 序列化一帧变更事件，供服务端推送和测试使用
func Encode(ev ChangeEvent) ([]byte, error) {
	var payload interface{}
	switch ev.Type {
	case EventMessageInserted, EventMessageUpdated:
		payload = ev.Message
	case EventReceiptInserted:
		payload = ev.Receipt
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %v", err)
	}
	return json.Marshal(wireEvent{
		Type:           string(ev.Type),
		ConversationID: ev.ConversationID,
		Payload:        raw,
	})
}

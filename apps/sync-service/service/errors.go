package service

import (
	"errors"
	"fmt"
)

// NetworkError 瞬时网络错误
// 触发待发送条目进入failed状态，由调用方显式重试或丢弃，绝不静默自动重试，避免重复发送。
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError 不可重试的校验错误，立即上抛并移除待发送条目
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Reason)
}

// StreamGapError 事件流缺口，内部错误
// 触发一次resync拉取，对调用方不可见。
type StreamGapError struct {
	ConversationID int64
	Err            error
}

func (e *StreamGapError) Error() string {
	return fmt.Sprintf("stream gap on conversation %d: %v", e.ConversationID, e.Err)
}

func (e *StreamGapError) Unwrap() error { return e.Err }

// ReceiptFlushError 回执批量提交失败，内部错误
// 失败的消息ID留在待提交集合里等下一轮flush，不上抛给用户。
type ReceiptFlushError struct {
	FailedIDs []int64
	Err       error
}

func (e *ReceiptFlushError) Error() string {
	return fmt.Sprintf("receipt flush failed for %d ids: %v", len(e.FailedIDs), e.Err)
}

func (e *ReceiptFlushError) Unwrap() error { return e.Err }

// IsNetworkError 判断是否为瞬时网络错误
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsValidationError 判断是否为校验错误
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

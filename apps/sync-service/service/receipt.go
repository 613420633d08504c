package service

import (
	"context"
	"sync"
	"time"

	"studychat/pkg/logger"
)

// ReceiptSink 已读回执提交collaborator
// 服务端对重复回执做幂等插入，部分失败时返回失败的消息ID。
type ReceiptSink interface {
	MarkRead(ctx context.Context, messageIDs []int64) (failedIDs []int64, err error)
}

// ReceiptBatcher 已读回执批量提交器
// 收集视口内实际可见的消息，按防抖间隔批量上报，避免刷屏时打爆网络。
// 自己发送的消息不产生回执，已本地标记过的ID绝不重复提交，
// flush失败的ID留在待提交集合里等下一次可见性事件重新触发。
type ReceiptBatcher struct {
	selfID   int64
	sink     ReceiptSink
	rec      *Reconciler
	interval time.Duration
	log      logger.Logger

	mu      sync.Mutex
	pending map[int64][]int64        // conversationID -> 待提交消息ID
	marked  map[int64]struct{}       // 本地已标记已读的消息ID
	queued  map[int64]struct{}       // 已在待提交集合里的消息ID
	timer   *time.Timer
}

// NewReceiptBatcher 创建回执批量提交器
func NewReceiptBatcher(selfID int64, sink ReceiptSink, rec *Reconciler, interval time.Duration, log logger.Logger) *ReceiptBatcher {
	return &ReceiptBatcher{
		selfID:   selfID,
		sink:     sink,
		rec:      rec,
		interval: interval,
		log:      log,
		pending:  make(map[int64][]int64),
		marked:   make(map[int64]struct{}),
		queued:   make(map[int64]struct{}),
	}
}

// MarkVisible 上报一批实际可见的消息
// 过滤自己发送的、已读的和已排队的消息后进入待提交集合，并启动防抖定时器。
func (b *ReceiptBatcher) MarkVisible(ctx context.Context, conversationID int64, messageIDs []int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range messageIDs {
		if _, done := b.marked[id]; done {
			continue
		}
		if _, inQueue := b.queued[id]; inQueue {
			continue
		}
		msg := b.rec.Get(conversationID, id)
		if msg == nil || msg.SenderID == b.selfID || msg.ReadByUser(b.selfID) {
			continue
		}
		b.pending[conversationID] = append(b.pending[conversationID], id)
		b.queued[id] = struct{}{}
	}

	// 只看待提交集合是否非空而不是本次有没有新增：
	// flush失败重排队的ID仍在queued里会被上面过滤掉，
	// 但定时器已经停了，必须靠下一次可见性上报重新拉起。
	if len(b.pending) > 0 && b.timer == nil {
		b.timer = time.AfterFunc(b.interval, func() {
			b.Flush(context.Background())
		})
	}
}

// Flush 立即提交当前待提交集合
// 手动标记已读和会话关闭时直接调用，不等防抖窗口。
// 失败不上抛：整体失败时全部ID重新排队，部分失败时只重排失败的ID。
func (b *ReceiptBatcher) Flush(ctx context.Context) {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make(map[int64][]int64)
	var ids []int64
	for _, convIDs := range batch {
		ids = append(ids, convIDs...)
	}
	b.mu.Unlock()

	failedIDs, err := b.sink.MarkRead(ctx, ids)
	if err != nil {
		// 整体失败，全部重新排队
		b.requeue(batch, nil)
		b.log.Warn(ctx, "Receipt flush failed, ids requeued",
			logger.F("count", len(ids)),
			logger.F("error", (&ReceiptFlushError{FailedIDs: ids, Err: err}).Error()))
		return
	}

	failed := make(map[int64]struct{}, len(failedIDs))
	for _, id := range failedIDs {
		failed[id] = struct{}{}
	}

	b.mu.Lock()
	for _, convIDs := range batch {
		for _, id := range convIDs {
			if _, bad := failed[id]; bad {
				continue
			}
			b.marked[id] = struct{}{}
			delete(b.queued, id)
		}
	}
	b.mu.Unlock()

	if len(failedIDs) > 0 {
		b.requeue(batch, failed)
		b.log.Warn(ctx, "Receipt flush partially failed",
			logger.F("failed", len(failedIDs)))
	}
}

// requeue 把失败的ID放回待提交集合，keep为nil时全部放回
func (b *ReceiptBatcher) requeue(batch map[int64][]int64, keep map[int64]struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convID, convIDs := range batch {
		for _, id := range convIDs {
			if keep != nil {
				if _, bad := keep[id]; !bad {
					continue
				}
			}
			b.pending[convID] = append(b.pending[convID], id)
		}
	}
}

// PendingCount 待提交回执数量，测试与诊断用
func (b *ReceiptBatcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, ids := range b.pending {
		n += len(ids)
	}
	return n
}

// LocallyRead 指定消息是否已在本地标记已读
func (b *ReceiptBatcher) LocallyRead(messageID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.marked[messageID]
	return ok
}

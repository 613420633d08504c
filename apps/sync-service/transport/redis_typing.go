package transport

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"studychat/apps/sync-service/service"
	redisClient "studychat/pkg/redis"
	"studychat/pkg/logger"
)

// Redis键格式
const (
	// typingKeyFmt 正在输入标记键：typing:{conversationID}:{userID}，靠TTL自动过期
	typingKeyFmt = "typing:%d:%d"
	// typingChannelFmt 正在输入广播频道：typing:{conversationID}
	typingChannelFmt = "typing:%d"
)

// RedisTyping 基于Redis的正在输入传输
// 广播端写带TTL的标记键并向会话频道发布，停止续期后键自动过期；
// 观察端订阅频道把广播回灌给TypingWatcher，本地窗口过期兜底。
type RedisTyping struct {
	redis *redisClient.RedisClient
	log   logger.Logger
}

// NewRedisTyping 创建Redis正在输入传输
func NewRedisTyping(redis *redisClient.RedisClient, log logger.Logger) *RedisTyping {
	return &RedisTyping{redis: redis, log: log}
}

// Announce 实现 service.TypingBroadcaster，fire-and-forget
func (t *RedisTyping) Announce(ctx context.Context, conversationID, userID int64, ttl time.Duration) error {
	key := fmt.Sprintf(typingKeyFmt, conversationID, userID)
	if err := t.redis.Set(ctx, key, time.Now().Unix(), ttl); err != nil {
		return err
	}
	channel := fmt.Sprintf(typingChannelFmt, conversationID)
	return t.redis.Publish(ctx, channel, strconv.FormatInt(userID, 10))
}

// Watch 订阅会话的输入广播并回灌给观察器，阻塞直到ctx取消
func (t *RedisTyping) Watch(ctx context.Context, conversationID, selfID int64, watcher *service.TypingWatcher) {
	channel := fmt.Sprintf(typingChannelFmt, conversationID)
	pubsub := t.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	// 先扫一遍存量标记键，补上订阅前已开始输入的用户
	pattern := fmt.Sprintf("typing:%d:*", conversationID)
	if keys, err := t.redis.Keys(ctx, pattern); err == nil {
		for _, key := range keys {
			var convID, userID int64
			if _, err := fmt.Sscanf(key, "typing:%d:%d", &convID, &userID); err == nil && userID != selfID {
				watcher.Observe(conversationID, userID)
			}
		}
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			userID, err := strconv.ParseInt(msg.Payload, 10, 64)
			if err != nil {
				t.log.Debug(ctx, "Dropping malformed typing broadcast",
					logger.F("payload", msg.Payload))
				continue
			}
			if userID == selfID {
				continue
			}
			watcher.Observe(conversationID, userID)
		}
	}
}

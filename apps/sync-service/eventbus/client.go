package eventbus

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"studychat/pkg/logger"
)

// StreamClient 基于WebSocket的会话事件流客户端
// 每个会话一条订阅，投递服务端推送的变更事件。
// 连接断开后按指数退避重连，重连成功先投递一个缺口标记，
// 由消费方完成resync后再继续消费，绝不假设流是连续的。
type StreamClient struct {
	wsURL       string
	token       string
	backoffBase time.Duration
	backoffMax  time.Duration
	log         logger.Logger
	dialer      *websocket.Dialer
}

// NewStreamClient 创建事件流客户端
func NewStreamClient(wsURL, token string, backoffBase, backoffMax time.Duration, log logger.Logger) *StreamClient {
	return &StreamClient{
		wsURL:       wsURL,
		token:       token,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
		log:         log,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Subscribe 订阅一个会话的事件流
// 首次拨号失败直接返回错误，之后的断线由订阅内部自行重连。
func (c *StreamClient) Subscribe(ctx context.Context, conversationID int64) (Subscription, error) {
	conn, err := c.dial(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("subscribe conversation %d: %w", conversationID, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &streamSubscription{
		client:         c,
		conversationID: conversationID,
		conn:           conn,
		ch:             make(chan Delivery, 64),
		cancel:         cancel,
	}
	go s.run(subCtx)
	return s, nil
}

// dial 建立WebSocket连接，携带会话凭证
func (c *StreamClient) dial(ctx context.Context, conversationID int64) (*websocket.Conn, error) {
	url := fmt.Sprintf("%s?conversation_id=%d", c.wsURL, conversationID)
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", c.token)
	}
	conn, _, err := c.dialer.DialContext(ctx, url, header)
	return conn, err
}

// streamSubscription 单个会话的流订阅
type streamSubscription struct {
	client         *StreamClient
	conversationID int64
	ch             chan Delivery
	cancel         context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn
}

// Deliveries 交付通道
func (s *streamSubscription) Deliveries() <-chan Delivery {
	return s.ch
}

// Close 关闭订阅
func (s *streamSubscription) Close() error {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// run 读循环：解码投递事件，断线后退避重连
func (s *streamSubscription) run(ctx context.Context) {
	defer close(s.ch)

	log := s.client.log
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn(ctx, "Event stream disconnected",
				logger.F("conversationID", s.conversationID),
				logger.F("error", err.Error()))

			next := s.reconnect(ctx)
			if next == nil {
				return
			}
			s.mu.Lock()
			s.conn = next
			s.mu.Unlock()

			// 重连期间可能丢事件，先让消费方resync补洞
			if !s.deliver(ctx, Delivery{Gap: true}) {
				return
			}
			continue
		}

		ev, err := Decode(data)
		if err != nil {
			// 未知事件形状只记日志，绝不中断流
			log.Warn(ctx, "Dropping undecodable event",
				logger.F("conversationID", s.conversationID),
				logger.F("error", err.Error()))
			continue
		}
		if !s.deliver(ctx, Delivery{Event: ev}) {
			return
		}
	}
}

// reconnect 指数退避重连，直到成功或订阅取消
func (s *streamSubscription) reconnect(ctx context.Context) *websocket.Conn {
	backoff := s.client.backoffBase
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		conn, err := s.client.dial(ctx, s.conversationID)
		if err == nil {
			s.client.log.Info(ctx, "Event stream reconnected",
				logger.F("conversationID", s.conversationID))
			return conn
		}
		s.client.log.Warn(ctx, "Reconnect attempt failed",
			logger.F("conversationID", s.conversationID),
			logger.F("backoff", backoff.String()),
			logger.F("error", err.Error()))

		backoff *= 2
		if backoff > s.client.backoffMax {
			backoff = s.client.backoffMax
		}
	}
}

// deliver 投递一个交付单元，订阅取消时返回false
func (s *streamSubscription) deliver(ctx context.Context, d Delivery) bool {
	select {
	case s.ch <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

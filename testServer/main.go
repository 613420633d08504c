package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"studychat/apps/sync-service/eventbus"
	"studychat/apps/sync-service/model"
	"studychat/pkg/auth"
	"studychat/pkg/config"
	"studychat/pkg/httpx"
	"studychat/pkg/kafka"
	"studychat/pkg/lifecycle"
	"studychat/pkg/logger"
	"studychat/pkg/middleware"
	"studychat/pkg/snowflake"
)

// 内存版消息后端，给同步引擎做端到端联调用：
// REST发送/历史/已读接口 + 每会话一条WebSocket变更事件流。
// -dup 开启重复投递模式，把每个事件推两遍，用来手工验证引擎的幂等合并。

// store 内存消息存储
type store struct {
	mu       sync.Mutex
	messages map[int64][]*model.Message          // conversationID -> 按created_at顺序
	byID     map[int64]*model.Message            // serverID -> 消息
	receipts map[int64]map[int64]time.Time       // messageID -> userID -> read_at
}

func newStore() *store {
	return &store{
		messages: make(map[int64][]*model.Message),
		byID:     make(map[int64]*model.Message),
		receipts: make(map[int64]map[int64]time.Time),
	}
}

// hub 每会话的事件订阅者集合
// producer非nil时事件同时发布到Kafka，供嵌入式部署的消费端使用。
type hub struct {
	mu    sync.Mutex
	subs  map[int64]map[chan []byte]struct{} // conversationID -> 订阅者
	dup   bool
	topic string
	prod  *kafka.Producer
}

func newHub(dup bool) *hub {
	return &hub{
		subs: make(map[int64]map[chan []byte]struct{}),
		dup:  dup,
	}
}

// subscribe 注册一个订阅者
func (h *hub) subscribe(conversationID int64) chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	if h.subs[conversationID] == nil {
		h.subs[conversationID] = make(map[chan []byte]struct{})
	}
	h.subs[conversationID][ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// unsubscribe 注销一个订阅者
func (h *hub) unsubscribe(conversationID int64, ch chan []byte) {
	h.mu.Lock()
	if subs, ok := h.subs[conversationID]; ok {
		delete(subs, ch)
	}
	h.mu.Unlock()
}

// broadcast 向会话的所有订阅者推送一个事件
func (h *hub) broadcast(ev eventbus.ChangeEvent) {
	data, err := eventbus.Encode(ev)
	if err != nil {
		log.Printf("encode event failed: %v", err)
		return
	}
	times := 1
	if h.dup {
		times = 2 // 重复投递模式
	}
	h.mu.Lock()
	for ch := range h.subs[ev.ConversationID] {
		for i := 0; i < times; i++ {
			select {
			case ch <- data:
			default:
				// 订阅者太慢，丢事件，靠客户端resync补
			}
		}
	}
	prod, topic := h.prod, h.topic
	h.mu.Unlock()

	if prod != nil {
		key := strconv.AppendInt(nil, ev.ConversationID, 10)
		for i := 0; i < times; i++ {
			if err := prod.SendMessage(topic, key, data); err != nil {
				log.Printf("kafka publish failed: %v", err)
			}
		}
	}
}

// server 测试后端
type server struct {
	store *store
	hub   *hub
	idGen *snowflake.Snowflake
	log   logger.Logger
}

func main() {
	var (
		addr      = flag.String("addr", ":21080", "监听地址")
		machineID = flag.Int64("machine", 1, "snowflake机器ID")
		dup       = flag.Bool("dup", false, "重复投递模式，每个事件推两遍")
		useKafka  = flag.Bool("kafka", false, "同时把事件发布到Kafka")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := logger.Init(cfg.Logger.Level); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	lg := logger.GetLogger()

	idGen, err := snowflake.NewSnowflake(*machineID)
	if err != nil {
		log.Fatalf("init snowflake: %v", err)
	}

	s := &server{
		store: newStore(),
		hub:   newHub(*dup),
		idGen: idGen,
		log:   lg,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(middleware.Recovery(lg))
	engine.Use(middleware.Logging(lg))
	// WebSocket握手在各自的处理器里做认证
	authMW := middleware.NewAuthMiddleware(lg, "/api/v1/session/login", "/api/v1/sync/ws")
	engine.Use(authMW.GinAuth())
	s.registerRoutes(engine)

	httpServer := &http.Server{Addr: *addr, Handler: engine}

	lm := lifecycle.NewManager(lg)
	if *useKafka {
		lm.AddHook(lifecycle.Hook{
			Name:     "kafka-producer",
			Priority: 50,
			OnStart: func(ctx context.Context) error {
				prod, err := kafka.InitProducer(cfg.Kafka.Brokers)
				if err != nil {
					return err
				}
				s.hub.mu.Lock()
				s.hub.prod = prod
				s.hub.topic = cfg.Kafka.Topic
				s.hub.mu.Unlock()
				lg.Info(ctx, "Kafka producer attached", logger.F("topic", cfg.Kafka.Topic))
				return nil
			},
			OnStop: func(ctx context.Context) error {
				s.hub.mu.Lock()
				prod := s.hub.prod
				s.hub.prod = nil
				s.hub.mu.Unlock()
				if prod != nil {
					return prod.Close()
				}
				return nil
			},
		})
	}
	lm.AddHook(lifecycle.Hook{
		Name:     "http-server",
		Priority: 100,
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					lg.Error(ctx, "HTTP server failed", logger.F("error", err.Error()))
				}
			}()
			lg.Info(ctx, "Test server listening", logger.F("addr", *addr), logger.F("dup", *dup))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
	})

	if err := lm.Start(); err != nil {
		log.Fatalf("start: %v", err)
	}
	lm.Wait()
}

// registerRoutes 注册路由
func (s *server) registerRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.POST("/session/login", s.handleLogin)

		msgs := api.Group("/messages")
		{
			msgs.POST("/send", s.handleSend)
			msgs.GET("/history", s.handleHistory)
			msgs.POST("/read", s.handleMarkRead)
			msgs.POST("/react", s.handleReact)
		}

		api.GET("/sync/ws", s.handleStream)
	}
}

// handleLogin 签发调试用会话token
func (s *server) handleLogin(c *gin.Context) {
	var req struct {
		UserID int64 `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.WriteError(c, http.StatusBadRequest, err.Error())
		return
	}
	token, err := auth.GenerateSessionToken(req.UserID)
	if err != nil {
		httpx.WriteError(c, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteData(c, "login ok", gin.H{"token": token})
}

// handleSend 发送消息：分配服务端ID，入库并广播插入事件
func (s *server) handleSend(c *gin.Context) {
	var req struct {
		ConversationID int64    `json:"conversation_id" binding:"required"`
		Content        string   `json:"content"`
		MessageType    string   `json:"message_type"`
		Attachments    []string `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.WriteError(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.Content == "" && len(req.Attachments) == 0 {
		httpx.WriteError(c, http.StatusBadRequest, "empty message")
		return
	}
	if req.MessageType == "" {
		req.MessageType = model.MessageTypeText
	}

	msg := &model.Message{
		ServerID:       s.idGen.Generate(),
		ConversationID: req.ConversationID,
		SenderID:       c.GetInt64("user_id"),
		Content:        req.Content,
		MessageType:    req.MessageType,
		Attachments:    req.Attachments,
		CreatedAt:      time.Now(),
		DeliveryStatus: model.DeliveryStatusSent,
	}

	s.store.mu.Lock()
	s.store.messages[msg.ConversationID] = append(s.store.messages[msg.ConversationID], msg)
	s.store.byID[msg.ServerID] = msg
	s.store.mu.Unlock()

	s.hub.broadcast(eventbus.ChangeEvent{
		Type:           eventbus.EventMessageInserted,
		ConversationID: msg.ConversationID,
		Message:        msg,
	})

	httpx.WriteData(c, "sent", gin.H{
		"server_id":  msg.ServerID,
		"created_at": msg.CreatedAt,
		"content":    msg.Content,
	})
}

// handleHistory 拉取最近消息，引擎初始加载和resync共用
func (s *server) handleHistory(c *gin.Context) {
	conversationID, _ := strconv.ParseInt(c.Query("conversation_id"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	beforeID, _ := strconv.ParseInt(c.DefaultQuery("before_id", "0"), 10, 64)

	s.store.mu.Lock()
	all := s.store.messages[conversationID]
	var out []*model.Message
	for _, m := range all {
		if beforeID > 0 && m.ServerID >= beforeID {
			continue
		}
		out = append(out, m.Clone())
	}
	s.store.mu.Unlock()

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	httpx.WriteData(c, "ok", gin.H{"messages": out})
}

// handleMarkRead 批量写入已读回执，重复回执幂等
func (s *server) handleMarkRead(c *gin.Context) {
	var req struct {
		MessageIDs []int64 `json:"message_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.WriteError(c, http.StatusBadRequest, err.Error())
		return
	}
	userID := c.GetInt64("user_id")

	var failed []int64
	var events []eventbus.ChangeEvent

	s.store.mu.Lock()
	for _, id := range req.MessageIDs {
		msg, ok := s.store.byID[id]
		if !ok {
			failed = append(failed, id)
			continue
		}
		if s.store.receipts[id] == nil {
			s.store.receipts[id] = make(map[int64]time.Time)
		}
		if _, seen := s.store.receipts[id][userID]; seen {
			continue // 幂等插入
		}
		readAt := time.Now()
		s.store.receipts[id][userID] = readAt
		if msg.ReadBy == nil {
			msg.ReadBy = make(map[int64]time.Time)
		}
		msg.ReadBy[userID] = readAt
		events = append(events, eventbus.ChangeEvent{
			Type:           eventbus.EventReceiptInserted,
			ConversationID: msg.ConversationID,
			Receipt: &model.ReadReceipt{
				MessageID: id,
				UserID:    userID,
				ReadAt:    readAt,
			},
		})
	}
	s.store.mu.Unlock()

	for _, ev := range events {
		s.hub.broadcast(ev)
	}
	httpx.WriteData(c, "ok", gin.H{"failed_ids": failed})
}

// handleReact 给消息添加表态并广播更新事件
func (s *server) handleReact(c *gin.Context) {
	var req struct {
		MessageID int64  `json:"message_id" binding:"required"`
		Emoji     string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.WriteError(c, http.StatusBadRequest, err.Error())
		return
	}
	userID := c.GetInt64("user_id")

	s.store.mu.Lock()
	msg, ok := s.store.byID[req.MessageID]
	if !ok {
		s.store.mu.Unlock()
		httpx.WriteError(c, http.StatusBadRequest, "message not found")
		return
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]int64)
	}
	exists := false
	for _, uid := range msg.Reactions[req.Emoji] {
		if uid == userID {
			exists = true
			break
		}
	}
	if !exists {
		msg.Reactions[req.Emoji] = append(msg.Reactions[req.Emoji], userID)
	}
	clone := msg.Clone()
	s.store.mu.Unlock()

	s.hub.broadcast(eventbus.ChangeEvent{
		Type:           eventbus.EventMessageUpdated,
		ConversationID: clone.ConversationID,
		Message:        clone,
	})
	httpx.WriteData(c, "ok", nil)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleStream 每会话一条WebSocket变更事件流
func (s *server) handleStream(c *gin.Context) {
	if _, err := auth.ValidateToken(c.GetHeader("Authorization")); err != nil {
		httpx.WriteError(c, http.StatusUnauthorized, "invalid session token")
		return
	}
	conversationID, err := strconv.ParseInt(c.Query("conversation_id"), 10, 64)
	if err != nil || conversationID <= 0 {
		httpx.WriteError(c, http.StatusBadRequest, "invalid conversation_id")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error(c.Request.Context(), "WebSocket upgrade failed", logger.F("error", err.Error()))
		return
	}
	defer conn.Close()

	ch := s.hub.subscribe(conversationID)
	defer s.hub.unsubscribe(conversationID, ch)

	s.log.Info(c.Request.Context(), "Stream subscriber connected",
		logger.F("conversationID", conversationID))

	// 读协程只为感知断开
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case data := <-ch:
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

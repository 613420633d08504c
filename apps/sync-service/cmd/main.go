package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"studychat/apps/sync-service/eventbus"
	"studychat/apps/sync-service/model"
	"studychat/apps/sync-service/service"
	"studychat/apps/sync-service/transport"
	"studychat/pkg/config"
	"studychat/pkg/kafka"
	"studychat/pkg/lifecycle"
	"studychat/pkg/logger"
	redisClient "studychat/pkg/redis"
)

// 交互式同步引擎演示客户端，需要先启动testServer。
// 两个终端分别用不同的-user进同一个-conv，可以观察
// 乐观发送、事件合并、已读回执和正在输入状态的同步效果。

func main() {
	var (
		userID   = flag.Int64("user", 1001, "用户ID")
		convID   = flag.Int64("conv", 1, "会话ID")
		apiAddr  = flag.String("api", "", "REST API地址，默认取配置")
		source   = flag.String("source", "ws", "事件源类型: ws 或 kafka")
		useRedis = flag.Bool("typing", false, "启用基于Redis的正在输入同步")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *apiAddr != "" {
		cfg.Server.APIAddr = *apiAddr
	}

	if err := logger.Init(cfg.Logger.Level); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	lg := logger.GetLogger()

	token, err := login(cfg.Server.APIAddr, *userID)
	if err != nil {
		log.Fatalf("login: %v", err)
	}

	api := transport.NewClient(cfg.Server.APIAddr, token)

	var src eventbus.EventSource
	switch *source {
	case "kafka":
		src = eventbus.NewKafkaSource(kafka.Config{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
			Topic:   cfg.Kafka.Topic,
		}, lg)
	default:
		src = eventbus.NewStreamClient(cfg.Server.WSURL, token,
			cfg.BackoffBase(), cfg.BackoffMax(), lg)
	}

	ctx := context.Background()

	var typing service.TypingBroadcaster = noopTyping{}
	var rt *transport.RedisTyping
	if *useRedis {
		rt = transport.NewRedisTyping(redisClient.NewRedisClient(cfg.Redis.Addr), lg)
		typing = rt
	}

	engine := service.NewEngine(cfg, *userID, service.Dependencies{
		Sender:      api,
		Fetcher:     api,
		ReceiptSink: api,
		Typing:      typing,
		Source:      src,
	}, lg)

	engine.SetUpdateHook(func(conversationID int64) {
		fmt.Printf("  [会话%d有更新，输入 /list 查看]\n", conversationID)
	})
	engine.SetSendFailureHook(func(localID string, err error) {
		fmt.Printf("  [发送失败 %s: %v，/failed 查看可重试项]\n", localID, err)
	})

	lm := lifecycle.NewManager(lg)
	if rt != nil {
		lm.AddHook(lifecycle.Hook{
			Name:     "typing-watch",
			Priority: 100,
			OnStart: func(ctx context.Context) error {
				go rt.Watch(lm.Context(), *convID, *userID, engine.TypingWatcher())
				return nil
			},
		})
	}
	lm.AddHook(lifecycle.Hook{
		Name:     "conversation",
		Priority: 200,
		OnStart: func(ctx context.Context) error {
			return engine.OpenConversation(ctx, *convID)
		},
		OnStop: func(ctx context.Context) error {
			engine.CloseConversation(ctx, *convID)
			engine.Close(ctx)
			return nil
		},
	})
	if err := lm.Start(); err != nil {
		log.Fatalf("start: %v", err)
	}

	go repl(ctx, lm, engine, *userID, *convID, *source)
	lm.Wait()
}

// repl 交互命令循环，/quit或stdin关闭时触发优雅退出
func repl(ctx context.Context, lm *lifecycle.Manager, engine *service.Engine, userID, convID int64, source string) {
	defer lm.Stop()

	fmt.Printf("=== studychat 同步客户端 ===\n")
	fmt.Printf("用户: %d  会话: %d  事件源: %s\n", userID, convID, source)
	fmt.Println("直接输入文本发送消息，命令:")
	fmt.Println("  /list           查看消息列表")
	fmt.Println("  /sum            查看会话摘要")
	fmt.Println("  /read           把当前消息全部标记已读")
	fmt.Println("  /failed         查看失败的发送")
	fmt.Println("  /retry <id>     重试失败的发送")
	fmt.Println("  /dismiss <id>   丢弃失败的发送")
	fmt.Println("  /typing         查看正在输入的用户")
	fmt.Println("  /quit           退出")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			engine.AnnounceTyping(ctx, convID)
			localID, err := engine.Submit(ctx, convID, line, model.MessageTypeText, nil)
			if err != nil {
				fmt.Printf("  提交失败: %v\n", err)
				continue
			}
			fmt.Printf("  已提交 %s\n", localID)
			continue
		}

		parts := strings.Fields(line)
		switch parts[0] {
		case "/quit":
			return
		case "/list":
			printMessages(engine.Messages(convID), userID)
		case "/sum":
			printSummaries(engine.Summaries())
		case "/read":
			markAllRead(ctx, engine, convID, userID)
		case "/failed":
			printFailed(engine.FailedSends())
		case "/retry":
			if len(parts) < 2 {
				fmt.Println("  用法: /retry <localID>")
				continue
			}
			if err := engine.RetryFailedSend(ctx, parts[1]); err != nil {
				fmt.Printf("  重试失败: %v\n", err)
			}
		case "/dismiss":
			if len(parts) < 2 {
				fmt.Println("  用法: /dismiss <localID>")
				continue
			}
			if err := engine.DismissFailedSend(parts[1]); err != nil {
				fmt.Printf("  丢弃失败: %v\n", err)
			}
		case "/typing":
			users := engine.TypingUsers(convID)
			if len(users) == 0 {
				fmt.Println("  没有人在输入")
			} else {
				fmt.Printf("  正在输入: %v\n", users)
			}
		default:
			fmt.Printf("  未知命令 %s\n", parts[0])
		}
	}
}

// login 向测试服务器换取会话token
func login(apiAddr string, userID int64) (string, error) {
	body, _ := json.Marshal(map[string]int64{"user_id": userID})
	resp, err := http.Post(apiAddr+"/api/v1/session/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login returned %d", resp.StatusCode)
	}
	var out struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Data.Token, nil
}

// printMessages 打印会话消息列表
func printMessages(msgs []*model.Message, selfID int64) {
	if len(msgs) == 0 {
		fmt.Println("  (空)")
		return
	}
	for _, m := range msgs {
		who := strconv.FormatInt(m.SenderID, 10)
		if m.SenderID == selfID {
			who = "我"
		}
		status := m.DeliveryStatus
		if m.IsLocal() {
			status = "发送中"
		}
		fmt.Printf("  [%s] %s %s: %s (%s)",
			m.EffectiveKey(), m.CreatedAt.Format("15:04:05"), who, m.Content, status)
		if len(m.Reactions) > 0 {
			fmt.Printf(" 表态:%v", m.Reactions)
		}
		if len(m.ReadBy) > 0 {
			fmt.Printf(" 已读:%d人", len(m.ReadBy))
		}
		fmt.Println()
	}
}

// printSummaries 打印会话摘要
func printSummaries(sums []*model.ConversationSummary) {
	if len(sums) == 0 {
		fmt.Println("  (空)")
		return
	}
	for _, s := range sums {
		preview := ""
		if s.LastMessage != nil {
			preview = s.LastMessage.Content
		}
		fmt.Printf("  会话%d 未读%d 最新: %s\n", s.ConversationID, s.UnreadCount, preview)
	}
}

// markAllRead 把当前视图内别人发的消息全部上报已读
func markAllRead(ctx context.Context, engine *service.Engine, convID, selfID int64) {
	var ids []int64
	for _, m := range engine.Messages(convID) {
		if m.SenderID != selfID && m.ServerID > 0 {
			ids = append(ids, m.ServerID)
		}
	}
	if len(ids) == 0 {
		fmt.Println("  没有待标记的消息")
		return
	}
	engine.MarkVisible(ctx, convID, ids)
	fmt.Printf("  已上报%d条可见消息\n", len(ids))
}

// printFailed 打印失败的发送条目
func printFailed(fails []model.PendingSend) {
	if len(fails) == 0 {
		fmt.Println("  (空)")
		return
	}
	for _, f := range fails {
		fmt.Printf("  %s 会话%d: %s (%s)\n", f.LocalID, f.ConversationID, f.Content, f.AttemptState)
	}
}

// noopTyping 未启用Redis时的空广播器
type noopTyping struct{}

func (noopTyping) Announce(context.Context, int64, int64, time.Duration) error { return nil }

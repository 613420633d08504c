package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"studychat/pkg/logger"
)

// Manager 生命周期管理器
// 按优先级启动钩子，收到退出信号后按相反顺序停止。
type Manager struct {
	log      logger.Logger
	hooks    []Hook
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Hook 生命周期钩子
type Hook struct {
	Name     string                      // 钩子名称
	OnStart  func(context.Context) error // 启动时执行的函数
	OnStop   func(context.Context) error // 停止时执行的函数
	Priority int                         // 优先级，数字越小越先启动
	// Priority分级:
	// 0-99:    基础设施层（Redis、Kafka连接）
	// 100-199: 服务器/订阅层（HTTP服务器、事件流）
	// 200+:    业务逻辑层（引擎、会话）
}

// NewManager 创建生命周期管理器
func NewManager(log logger.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// AddHook 添加生命周期钩子
func (m *Manager) AddHook(hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks = append(m.hooks, hook)
	sort.SliceStable(m.hooks, func(i, j int) bool {
		return m.hooks[i].Priority < m.hooks[j].Priority
	})
}

// Start 按优先级启动所有钩子
func (m *Manager) Start() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, hook := range m.hooks {
		if hook.OnStart == nil {
			continue
		}
		m.log.Info(m.ctx, "Starting hook", logger.F("name", hook.Name))
		if err := hook.OnStart(m.ctx); err != nil {
			m.log.Error(m.ctx, "Hook start failed",
				logger.F("name", hook.Name),
				logger.F("error", err.Error()))
			return err
		}
	}
	return nil
}

// Stop 按相反顺序停止所有钩子
func (m *Manager) Stop() error {
	var stopErr error

	m.stopOnce.Do(func() {
		m.mu.RLock()
		defer m.mu.RUnlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// 后启动的先停止
		for i := len(m.hooks) - 1; i >= 0; i-- {
			hook := m.hooks[i]
			if hook.OnStop == nil {
				continue
			}
			m.log.Info(ctx, "Stopping hook", logger.F("name", hook.Name))
			if err := hook.OnStop(ctx); err != nil {
				m.log.Error(ctx, "Hook stop failed",
					logger.F("name", hook.Name),
					logger.F("error", err.Error()))
				if stopErr == nil {
					stopErr = err
				}
			}
		}

		m.cancel()
		close(m.done)
	})

	return stopErr
}

// Wait 等待退出信号
func (m *Manager) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	select {
	case sig := <-sigChan:
		m.log.Info(m.ctx, "Received signal", logger.F("signal", sig.String()))
		m.Stop()
	case <-m.done:
		// 已经停止
	}
}

// Context 生命周期上下文
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Done 完成通道
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 同步引擎配置
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Receipt ReceiptConfig `mapstructure:"receipt"`
	Typing  TypingConfig  `mapstructure:"typing"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Server  ServerConfig  `mapstructure:"server"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level string `mapstructure:"level"`
}

// SyncConfig 消息合并配置
type SyncConfig struct {
	MatchToleranceSec int `mapstructure:"match_tolerance"` // 本地待确认消息与服务端事件的匹配容忍窗口（秒）
	ResyncLimit       int `mapstructure:"resync_limit"`    // 断流后重新拉取的消息条数
}

// ReceiptConfig 已读回执配置
type ReceiptConfig struct {
	FlushIntervalMs int `mapstructure:"flush_interval"` // 批量提交防抖间隔（毫秒）
}

// TypingConfig 正在输入配置
type TypingConfig struct {
	WindowSec        int `mapstructure:"window"`         // 状态有效窗口（秒）
	RenewIntervalSec int `mapstructure:"renew_interval"` // 续期间隔（秒）
}

// StreamConfig 事件流配置
type StreamConfig struct {
	BackoffBaseMs int `mapstructure:"backoff_base"` // 重连退避基准（毫秒）
	BackoffMaxSec int `mapstructure:"backoff_max"`  // 重连退避上限（秒）
}

// ServerConfig 服务端地址配置
type ServerConfig struct {
	APIAddr string `mapstructure:"api_addr"`
	WSURL   string `mapstructure:"ws_url"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
	Topic   string   `mapstructure:"topic"`
}

// MatchTolerance 匹配容忍窗口
func (c *Config) MatchTolerance() time.Duration {
	return time.Duration(c.Sync.MatchToleranceSec) * time.Second
}

// FlushInterval 回执防抖间隔
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Receipt.FlushIntervalMs) * time.Millisecond
}

// TypingWindow 正在输入有效窗口
func (c *Config) TypingWindow() time.Duration {
	return time.Duration(c.Typing.WindowSec) * time.Second
}

// TypingRenewInterval 正在输入续期间隔
func (c *Config) TypingRenewInterval() time.Duration {
	return time.Duration(c.Typing.RenewIntervalSec) * time.Second
}

// BackoffBase 重连退避基准
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Stream.BackoffBaseMs) * time.Millisecond
}

// BackoffMax 重连退避上限
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Stream.BackoffMaxSec) * time.Second
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("sync.match_tolerance", 10)
	v.SetDefault("sync.resync_limit", 50)
	v.SetDefault("receipt.flush_interval", 300)
	v.SetDefault("typing.window", 5)
	v.SetDefault("typing.renew_interval", 2)
	v.SetDefault("stream.backoff_base", 500)
	v.SetDefault("stream.backoff_max", 30)
	v.SetDefault("server.api_addr", "http://localhost:21080")
	v.SetDefault("server.ws_url", "ws://localhost:21080/api/v1/sync/ws")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "sync-service-group")
	v.SetDefault("kafka.topic", "conversation-events")
}

// Load 加载配置
// 从根目录的config.yaml读取，环境变量（STUDYCHAT_前缀）可覆盖，未找到配置文件时使用默认值。
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("..")

	v.SetEnvPrefix("STUDYCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// 配置文件未找到，使用默认值
			log.Println("Config file not found, using default values")
		} else {
			return nil, fmt.Errorf("failed to read config file: %v", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %v", err)
	}
	return &cfg, nil
}

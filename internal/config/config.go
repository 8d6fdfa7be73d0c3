// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Log        LogConfig        `mapstructure:"log"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	MinIO      MinIOConfig      `mapstructure:"minio"`
	Synthesis  SynthesisConfig  `mapstructure:"synthesis"`
	Poller     PollerConfig     `mapstructure:"poller"`
	Credits    CreditsConfig    `mapstructure:"credits"`
	Unlock     UnlockConfig     `mapstructure:"unlock"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Invariants InvariantsConfig `mapstructure:"invariants"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
// Driver 为 memory 时所有仓储使用进程内实现，不连接 MySQL 与 Redis。
type DatabaseConfig struct {
	Driver string      `mapstructure:"driver"`
	MySQL  MySQLConfig `mapstructure:"mysql"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
	RefreshTokenExpireDays int    `mapstructure:"refresh_token_expire_days"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。未启用时任务事件走进程内通道。
type KafkaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	UseSSL          bool          `mapstructure:"use_ssl"`
	BucketName      string        `mapstructure:"bucket_name"`
	PresignExpiry   time.Duration `mapstructure:"presign_expiry"`
}

// SynthesisConfig 配置视频合成服务。Provider 为 mock 时使用本地模拟实现。
type SynthesisConfig struct {
	Provider          string        `mapstructure:"provider"`
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MockPendingPolls  int           `mapstructure:"mock_pending_polls"`
	CallbackURL       string        `mapstructure:"callback_url"`
	DefaultResolution string        `mapstructure:"default_resolution"`
}

// PollerConfig 控制任务轮询节奏。
type PollerConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	TransportBackoff    time.Duration `mapstructure:"transport_backoff"`
	RefundSweepInterval time.Duration `mapstructure:"refund_sweep_interval"`
}

// CreditsConfig 存储积分账本相关配置。
type CreditsConfig struct {
	SignupBonus         int            `mapstructure:"signup_bonus"`
	HoldTTL             time.Duration  `mapstructure:"hold_ttl"`
	Lock                string         `mapstructure:"lock"`
	LockExpiry          time.Duration  `mapstructure:"lock_expiry"`
	Costs               map[string]int `mapstructure:"costs"`
	DailyCheckinRewards []int          `mapstructure:"daily_checkin_rewards"`
}

// UnlockConfig 存储资源解锁相关配置。
type UnlockConfig struct {
	DefaultPrice int  `mapstructure:"default_price"`
	LockAll      bool `mapstructure:"lock_all"`
}

// CacheConfig 存储会话缓存相关配置。
type CacheConfig struct {
	MaxConversations int           `mapstructure:"max_conversations"`
	TTL              time.Duration `mapstructure:"ttl"`
}

// SyncConfig 控制远端同步的重试。
type SyncConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
}

// InvariantsConfig 控制不变量被破坏时的处理方式：Strict 为 true 时直接 panic。
type InvariantsConfig struct {
	Strict bool `mapstructure:"strict"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8081")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("jwt.access_token_expire_hours", 24)
	v.SetDefault("jwt.refresh_token_expire_days", 7)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("kafka.topic", "generation-jobs")
	v.SetDefault("kafka.group_id", "mydouble-go-consumer")
	v.SetDefault("minio.bucket_name", "assets")
	v.SetDefault("minio.presign_expiry", time.Hour)
	v.SetDefault("synthesis.provider", "http")
	v.SetDefault("synthesis.timeout", 30*time.Second)
	v.SetDefault("synthesis.mock_pending_polls", 3)
	v.SetDefault("synthesis.default_resolution", "480p")
	v.SetDefault("poller.interval", 2*time.Second)
	v.SetDefault("poller.max_attempts", 60)
	v.SetDefault("poller.transport_backoff", 3*time.Second)
	v.SetDefault("poller.refund_sweep_interval", time.Minute)
	v.SetDefault("credits.signup_bonus", 3)
	v.SetDefault("credits.hold_ttl", 10*time.Minute)
	v.SetDefault("credits.lock", "local")
	v.SetDefault("credits.lock_expiry", 8*time.Second)
	v.SetDefault("credits.costs", map[string]int{"480p": 1, "720p": 2, "1080p": 3})
	v.SetDefault("credits.daily_checkin_rewards", []int{1, 1, 1, 2, 2, 3})
	v.SetDefault("unlock.default_price", 10)
	v.SetDefault("cache.max_conversations", 15)
	v.SetDefault("cache.ttl", 7*24*time.Hour)
	v.SetDefault("sync.max_attempts", 3)
	v.SetDefault("sync.initial_delay", 500*time.Millisecond)
}

// Load 读取指定路径的 YAML 配置文件并返回解析后的配置。
// 路径为空时只使用默认值与环境变量（前缀 MYDOUBLE_）。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MYDOUBLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return &cfg, nil
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = *cfg
}

// CostFor 返回指定分辨率的生成费用，未知分辨率按默认分辨率计费。
func (c CreditsConfig) CostFor(resolution string, fallback string) (int, bool) {
	if cost, ok := c.Costs[strings.ToLower(resolution)]; ok {
		return cost, true
	}
	if resolution == "" {
		if cost, ok := c.Costs[strings.ToLower(fallback)]; ok {
			return cost, true
		}
	}
	return 0, false
}

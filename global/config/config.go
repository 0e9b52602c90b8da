package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"ShiftChat/tools"

	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// 默认值
const (
	DefaultHTTPAddr   = ":8080"
	DefaultGRPCAddr   = ":50051"
	DefaultNodeID     = 1
	DefaultSendQueue  = 256
	DefaultReadLimit  = 64 << 10
	DefaultMaxContent = 4000
	DefaultPongWait   = 60 * time.Second
	DefaultWriteWait  = 10 * time.Second
	DefaultFrameRate  = 20.0
	DefaultFrameBurst = 40
	DefaultNotifyBuf  = 32
	DefaultHeartbeat  = 25 * time.Second
	DefaultPresenceTT = 90 * time.Second
	DefaultOfflineTop = "chat_offline_messages"
)

// AppConfig 网关的全部配置，对应 config.yaml。
type AppConfig struct {
	Server ServerConfig `yaml:"server"`
	Auth   AuthConfig   `yaml:"auth"`
	Chat   ChatConfig   `yaml:"chat"`
	Notify NotifyConfig `yaml:"notify"`
	Store  StoreConfig  `yaml:"store"`
	Redis  RedisConfig  `yaml:"redis"`
	Nats   NatsConfig   `yaml:"nats"`
	Kafka  KafkaConfig  `yaml:"kafka"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"` // 空字符串关闭 gRPC health
	// NodeID seeds the snowflake generator; unique per gateway process.
	NodeID int64 `yaml:"node_id"`
}

type AuthConfig struct {
	// SecretEnv names the environment variable holding the HMAC secret.
	SecretEnv string        `yaml:"jwt_secret_env"`
	Alg       string        `yaml:"alg"`
	Leeway    time.Duration `yaml:"leeway"`
	Issuer    string        `yaml:"issuer"`   // 空 = 不校验
	Audience  string        `yaml:"audience"` // 空 = 不校验
}

// Secret resolves the HMAC secret from the environment.
func (a AuthConfig) Secret() []byte {
	if a.SecretEnv == "" {
		return nil
	}
	return []byte(os.Getenv(a.SecretEnv))
}

type ChatConfig struct {
	SendQueue      int           `yaml:"send_queue"`
	ReadLimit      int64         `yaml:"read_limit"`
	MaxPerUser     int           `yaml:"max_per_user"` // 0 = 不限制
	PongWait       time.Duration `yaml:"pong_wait"`
	PingPeriod     time.Duration `yaml:"ping_period"`
	WriteWait      time.Duration `yaml:"write_wait"`
	MaxContent     int           `yaml:"max_content"`
	FrameRate      float64       `yaml:"frame_rate"` // frames/sec per connection, 0 = off
	FrameBurst     int           `yaml:"frame_burst"`
	AllowedOrigins []string      `yaml:"allowed_origins"` // 空 = 全部放行
}

type NotifyConfig struct {
	Buffer    int           `yaml:"buffer"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

type StoreConfig struct {
	Driver   string         `yaml:"driver"`
	Postgres PostgresConfig `yaml:"postgres"`
	Mongo    MongoConfig    `yaml:"mongo"`
}

type PostgresConfig struct {
	DSNEnv   string `yaml:"dsn_env"`
	MaxConns int32  `yaml:"max_conns"`
}

func (p PostgresConfig) DSN() string {
	if p.DSNEnv == "" {
		return ""
	}
	return os.Getenv(p.DSNEnv)
}

type MongoConfig struct {
	URI         string `yaml:"uri"`
	Database    string `yaml:"database"`
	Collection  string `yaml:"collection"`
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
	MaxPoolSize uint64 `yaml:"max_pool_size"`
	MaxRetry    int    `yaml:"max_retry"`
}

func (m MongoConfig) Password() string {
	if m.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(m.PasswordEnv)
}

type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	PresenceTTL time.Duration `yaml:"presence_ttl"`
}

func (r RedisConfig) Password() string {
	if r.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(r.PasswordEnv)
}

type NatsConfig struct {
	Enabled bool     `yaml:"enabled"`
	Servers []string `yaml:"servers"`
	Name    string   `yaml:"name"`
	// IdemTTL 重复消息抑制窗口
	IdemTTL time.Duration `yaml:"idem_ttl"`
	// JetStream 打开后单用户通知走持久化 stream，每个节点一个 durable
	JetStream    bool          `yaml:"jetstream"`
	Stream       string        `yaml:"stream"`
	StreamMaxAge time.Duration `yaml:"stream_max_age"`
}

type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	OfflineTopic string   `yaml:"offline_topic"`
	ClientID     string   `yaml:"client_id"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Format console 或 json
	Format string `yaml:"format"`
}

// Load 读取 yaml -> 默认值 -> 环境变量覆盖 -> 校验
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse 同 Load，但直接接收文件内容。
func Parse(data []byte) (*AppConfig, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.fill()
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Defaults returns a config usable without any file: memory store, no
// external brokers.
func Defaults() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{HTTPAddr: DefaultHTTPAddr, GRPCAddr: DefaultGRPCAddr, NodeID: DefaultNodeID},
		Auth:   AuthConfig{SecretEnv: "JWT_SECRET", Alg: "HS256"},
		Chat: ChatConfig{
			SendQueue:  DefaultSendQueue,
			ReadLimit:  DefaultReadLimit,
			PongWait:   DefaultPongWait,
			WriteWait:  DefaultWriteWait,
			MaxContent: DefaultMaxContent,
			FrameRate:  DefaultFrameRate,
			FrameBurst: DefaultFrameBurst,
		},
		Notify: NotifyConfig{Buffer: DefaultNotifyBuf, Heartbeat: DefaultHeartbeat},
		Store: StoreConfig{
			Driver:   StoreMemory,
			Postgres: PostgresConfig{DSNEnv: "DATABASE_URL", MaxConns: 10},
			Mongo: MongoConfig{
				URI:         "mongodb://localhost:27017",
				Database:    "shiftchat",
				Collection:  "messages",
				MaxPoolSize: 20,
				MaxRetry:    3,
			},
		},
		Redis: RedisConfig{Addr: "127.0.0.1:6379", PresenceTTL: DefaultPresenceTT},
		Nats: NatsConfig{
			Servers:      []string{"nats://127.0.0.1:4222"},
			Name:         "shiftchat-gateway",
			IdemTTL:      2 * time.Minute,
			Stream:       "SHIFTCHAT_NOTIFY",
			StreamMaxAge: time.Hour,
		},
		Kafka: KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, OfflineTopic: DefaultOfflineTop, ClientID: "shiftchat-gateway"},
		Log:   LogConfig{Level: "info", Format: "console"},
	}
}

// 环境变量优先级高于文件
func applyEnv(cfg *AppConfig) error {
	return errors.Join(
		tools.Override(&cfg.Server.HTTPAddr, "SHIFTCHAT_HTTP_ADDR", tools.ParseString),
		tools.Override(&cfg.Server.GRPCAddr, "SHIFTCHAT_GRPC_ADDR", tools.ParseString),
		tools.Override(&cfg.Server.NodeID, "SHIFTCHAT_NODE_ID", tools.ParseInt64),
		tools.Override(&cfg.Store.Driver, "SHIFTCHAT_STORE", tools.ParseString),
		tools.Override(&cfg.Log.Level, "SHIFTCHAT_LOG_LEVEL", tools.ParseString),
		tools.Override(&cfg.Log.Format, "SHIFTCHAT_LOG_FORMAT", tools.ParseString),
		tools.Override(&cfg.Redis.Enabled, "SHIFTCHAT_REDIS", tools.ParseBool),
		tools.Override(&cfg.Nats.Enabled, "SHIFTCHAT_NATS", tools.ParseBool),
		tools.Override(&cfg.Nats.JetStream, "SHIFTCHAT_NATS_JETSTREAM", tools.ParseBool),
		tools.Override(&cfg.Kafka.Enabled, "SHIFTCHAT_KAFKA", tools.ParseBool),
		tools.Override(&cfg.Nats.Servers, "NATS_SERVERS", tools.ParseList),
		tools.Override(&cfg.Kafka.Brokers, "KAFKA_BROKERS", tools.ParseList),
	)
}

// fill 派生值
func (c *AppConfig) fill() {
	if c.Chat.PingPeriod <= 0 || c.Chat.PingPeriod >= c.Chat.PongWait {
		c.Chat.PingPeriod = c.Chat.PongWait * 9 / 10
	}
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
}

func validate(cfg *AppConfig) error {
	if cfg.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr must not be empty")
	}
	if cfg.Server.NodeID < 0 || cfg.Server.NodeID > 1023 {
		return fmt.Errorf("server.node_id %d is out of range [0, 1023]", cfg.Server.NodeID)
	}
	switch cfg.Store.Driver {
	case StoreMemory, StorePostgres, StoreMongo:
	default:
		return fmt.Errorf("store.driver %q unknown: want memory|postgres|mongo", cfg.Store.Driver)
	}
	if cfg.Chat.SendQueue <= 0 {
		return fmt.Errorf("chat.send_queue must be positive")
	}
	if cfg.Chat.MaxPerUser < 0 {
		return fmt.Errorf("chat.max_per_user must not be negative")
	}
	if cfg.Chat.PongWait <= 0 || cfg.Chat.WriteWait <= 0 {
		return fmt.Errorf("chat.pong_wait and chat.write_wait must be positive")
	}
	if cfg.Chat.FrameRate < 0 || cfg.Chat.FrameBurst < 0 {
		return fmt.Errorf("chat.frame_rate and chat.frame_burst must not be negative")
	}
	if cfg.Chat.FrameRate > 0 && cfg.Chat.FrameBurst == 0 {
		return fmt.Errorf("chat.frame_burst must be positive when frame_rate is set")
	}
	if cfg.Notify.Buffer <= 0 {
		return fmt.Errorf("notify.buffer must be positive")
	}
	if cfg.Notify.Heartbeat < 0 {
		return fmt.Errorf("notify.heartbeat must not be negative")
	}
	if cfg.Nats.Enabled && len(cfg.Nats.Servers) == 0 {
		return fmt.Errorf("nats.servers required when nats is enabled")
	}
	if cfg.Nats.JetStream && strings.TrimSpace(cfg.Nats.Stream) == "" {
		return fmt.Errorf("nats.stream required when nats.jetstream is set")
	}
	if cfg.Kafka.Enabled && (len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.OfflineTopic == "") {
		return fmt.Errorf("kafka.brokers and kafka.offline_topic required when kafka is enabled")
	}
	return nil
}

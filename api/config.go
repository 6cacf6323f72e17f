package api

import (
	"crypto"
	"time"

	"stockat/adapters/database"
)

type ServerConfig struct {
	// ID 是本實例在 consumer group 中的名稱
	ID     string
	DB     database.Config
	Redis  RedisConfig
	Auth   AuthConfig
	Stripe StripeConfig
	S3     S3Config
	Closer CloserConfig
	CORS   CORSConfig
	// SSEHeartbeat 是沒有事件時送出心跳的間隔
	SSEHeartbeat time.Duration
}

type AuthConfig struct {
	// PublicKey 用於驗證 access token 的 EdDSA 公鑰
	PublicKey crypto.PublicKey
	Issuer    string
	Audience  string
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Currency      string
	BaseURL       string
}

type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Region          string
	Bucket          string
	PublicBaseURL   string
}

type CloserConfig struct {
	Interval  time.Duration
	BatchSize int
	// 關閉失敗的拍賣暫停重試的起始時間與上限
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

type CORSConfig struct {
	AllowOrigins []string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	KeyPrefix     string
	ConsumerGroup string
	StreamKeys    RedisStreamKeys
	// StreamMaxLen 是每個 stream 保留的訊息數量上限
	StreamMaxLen int64
	LockExpiry   time.Duration
}

type RedisStreamKeys struct {
	BidStream  string
	MailStream string
}

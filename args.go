package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"stockat/adapters/database"
	"stockat/api"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("server-id", "", "consumer name of this instance, defaults to hostname")
	pflag.StringSlice("cors-allow-origins", nil, "")
	pflag.Duration("sse-heartbeat", 0, "")

	// auth config
	pflag.String("auth-public-key-file", "", "PEM encoded Ed25519 public key of the identity service")
	pflag.String("auth-issuer", "", "")
	pflag.String("auth-audience", "", "")

	// stripe config
	pflag.String("stripe-secret-key", "", "")
	pflag.String("stripe-webhook-secret", "", "")
	pflag.String("stripe-success-url", "", "")
	pflag.String("stripe-cancel-url", "", "")
	pflag.String("stripe-currency", "usd", "")
	pflag.String("stripe-base-url", "", "")

	// s3 config
	pflag.String("s3-endpoint", "", "")
	pflag.String("s3-region", "", "")
	pflag.String("s3-bucket", "", "")
	pflag.String("s3-public-base-url", "", "")
	pflag.String("s3-access-key-id", "", "")
	pflag.String("s3-secret-access-key", "", "")

	// db config
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")
	pflag.String("db-schema", "", "")
	pflag.Int("db-max-open-conns", 20, "")
	pflag.Int("db-max-idle-conns", 5, "")
	pflag.Duration("db-conn-max-lifetime", 0, "")
	pflag.Bool("db-debug", false, "")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", "stockat:", "")
	pflag.String("redis-consumer-group", "stockat", "")
	pflag.Int64("redis-stream-max-len", 10000, "")
	pflag.Duration("redis-lock-expiry", 0, "")

	// redis stream keys
	pflag.String("redis-stream-key-for-bid", "stockat-bid-stream", "")
	pflag.String("redis-stream-key-for-mail", "stockat-mail-stream", "")

	// closer config
	pflag.Duration("closer-interval", 0, "")
	pflag.Int("closer-batch-size", 0, "")
	pflag.Duration("closer-retry-backoff", 30*time.Second, "")
	pflag.Duration("closer-max-retry-backoff", 10*time.Minute, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("STOCKAT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	serverID := viper.GetString("server-id")
	if serverID == "" {
		serverID, _ = os.Hostname()
	}

	// initial arguments
	return Args{
		ServerURL:     viper.GetString("server-url"),
		PublicKeyFile: viper.GetString("auth-public-key-file"),
		ServerConfig: api.ServerConfig{
			ID:           serverID,
			SSEHeartbeat: viper.GetDuration("sse-heartbeat"),
			CORS: api.CORSConfig{
				AllowOrigins: viper.GetStringSlice("cors-allow-origins"),
			},
			Auth: api.AuthConfig{
				Issuer:   viper.GetString("auth-issuer"),
				Audience: viper.GetString("auth-audience"),
			},
			Stripe: api.StripeConfig{
				SecretKey:     viper.GetString("stripe-secret-key"),
				WebhookSecret: viper.GetString("stripe-webhook-secret"),
				SuccessURL:    viper.GetString("stripe-success-url"),
				CancelURL:     viper.GetString("stripe-cancel-url"),
				Currency:      viper.GetString("stripe-currency"),
				BaseURL:       viper.GetString("stripe-base-url"),
			},
			S3: api.S3Config{
				Endpoint:        viper.GetString("s3-endpoint"),
				Region:          viper.GetString("s3-region"),
				Bucket:          viper.GetString("s3-bucket"),
				PublicBaseURL:   viper.GetString("s3-public-base-url"),
				AccessKeyID:     viper.GetString("s3-access-key-id"),
				SecretAccessKey: viper.GetString("s3-secret-access-key"),
			},
			DB: database.Config{
				User:            viper.GetString("db-user"),
				Password:        viper.GetString("db-password"),
				Host:            viper.GetString("db-host"),
				Port:            viper.GetInt("db-port"),
				Database:        viper.GetString("db-database"),
				Schema:          viper.GetString("db-schema"),
				MaxOpenConns:    viper.GetInt("db-max-open-conns"),
				MaxIdleConns:    viper.GetInt("db-max-idle-conns"),
				ConnMaxLifetime: viper.GetDuration("db-conn-max-lifetime"),
				Debug:           viper.GetBool("db-debug"),
			},
			Redis: api.RedisConfig{
				Addr:          viper.GetString("redis-addr"),
				Password:      viper.GetString("redis-password"),
				DB:            viper.GetInt("redis-db"),
				KeyPrefix:     viper.GetString("redis-key-prefix"),
				ConsumerGroup: viper.GetString("redis-consumer-group"),
				StreamMaxLen:  viper.GetInt64("redis-stream-max-len"),
				LockExpiry:    viper.GetDuration("redis-lock-expiry"),
				StreamKeys: api.RedisStreamKeys{
					BidStream:  viper.GetString("redis-stream-key-for-bid"),
					MailStream: viper.GetString("redis-stream-key-for-mail"),
				},
			},
			Closer: api.CloserConfig{
				Interval:        viper.GetDuration("closer-interval"),
				BatchSize:       viper.GetInt("closer-batch-size"),
				RetryBackoff:    viper.GetDuration("closer-retry-backoff"),
				MaxRetryBackoff: viper.GetDuration("closer-max-retry-backoff"),
			},
		},
	}
}

type Args struct {
	ServerURL     string
	PublicKeyFile string
	ServerConfig  api.ServerConfig
}

// Validate 檢查必要參數並載入驗證 access token 用的公鑰
func (args *Args) Validate() error {
	const op = "Validate"
	if args.ServerURL == "" {
		return errors.New("server-url is required")
	}
	if args.ServerConfig.DB.Host == "" || args.ServerConfig.DB.Database == "" {
		return errors.New("db-host and db-database are required")
	}
	if args.ServerConfig.Redis.Addr == "" {
		return errors.New("redis-addr is required")
	}
	if args.ServerConfig.Stripe.WebhookSecret == "" {
		return errors.New("stripe-webhook-secret is required")
	}
	if args.PublicKeyFile == "" {
		return errors.New("auth-public-key-file is required")
	}
	pem, err := os.ReadFile(args.PublicKeyFile)
	if err != nil {
		return fmt.Errorf("[%s] Fail to read public key, err=%w", op, err)
	}
	key, err := jwt.ParseEdPublicKeyFromPEM(pem)
	if err != nil {
		return fmt.Errorf("[%s] Fail to parse public key, err=%w", op, err)
	}
	args.ServerConfig.Auth.PublicKey = key
	return nil
}

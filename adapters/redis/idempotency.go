package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ClaimState 表示一個冪等 key 目前的狀態
type ClaimState int

const (
	// ClaimAcquired 表示呼叫端取得處理權
	ClaimAcquired ClaimState = iota
	// ClaimInFlight 表示其他呼叫端正在處理
	ClaimInFlight
	// ClaimDone 表示已經處理完成
	ClaimDone
)

const (
	processingPrefix = "processing:"
	doneValue        = "done"
)

// finishScript 只有在 key 仍屬於同一個處理者時才改寫成完成狀態
var finishScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`)

// releaseScript 只有在 key 仍屬於同一個處理者時才刪除
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Claim 是一次取得的處理權
type Claim struct {
	Key   string
	State ClaimState
	token string
}

type idempotencyOptions struct {
	prefix        string
	processingTTL time.Duration
	doneTTL       time.Duration
}

type IdempotencyOption func(*idempotencyOptions)

// WithIdempotencyPrefix 設定 key 前綴
func WithIdempotencyPrefix(prefix string) IdempotencyOption {
	return func(o *idempotencyOptions) {
		o.prefix = prefix
	}
}

// WithIdempotencyTTL 設定處理中與完成後 key 的保留時間
func WithIdempotencyTTL(processing, done time.Duration) IdempotencyOption {
	return func(o *idempotencyOptions) {
		o.processingTTL = processing
		o.doneTTL = done
	}
}

// IdempotencyStore 以 SET NX 記錄已處理過的外部事件，重複投遞時可以直接略過
// 處理失敗時釋放 key，讓下一次投遞可以重試
type IdempotencyStore struct {
	client  *redis.Client
	options idempotencyOptions
}

func NewIdempotencyStore(client *redis.Client, opts ...IdempotencyOption) *IdempotencyStore {
	options := idempotencyOptions{
		processingTTL: time.Minute,
		doneTTL:       7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &IdempotencyStore{
		client:  client,
		options: options,
	}
}

func (s *IdempotencyStore) key(id string) string {
	return s.options.prefix + "idempotency:" + id
}

// Begin 嘗試取得 id 的處理權
func (s *IdempotencyStore) Begin(ctx context.Context, id string) (Claim, error) {
	const op = "IdempotencyStore.Begin"
	claim := Claim{Key: s.key(id), token: processingPrefix + uuid.NewString()}
	ok, err := s.client.SetNX(ctx, claim.Key, claim.token, s.options.processingTTL).Result()
	if err != nil {
		return Claim{}, fmt.Errorf("[%s] Fail to claim key, err=%w", op, err)
	}
	if ok {
		claim.State = ClaimAcquired
		return claim, nil
	}
	value, err := s.client.Get(ctx, claim.Key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// key 剛好過期，交給下一次投遞處理
		claim.State = ClaimInFlight
	case err != nil:
		return Claim{}, fmt.Errorf("[%s] Fail to read key, err=%w", op, err)
	case value == doneValue:
		claim.State = ClaimDone
	case strings.HasPrefix(value, processingPrefix):
		claim.State = ClaimInFlight
	default:
		return Claim{}, fmt.Errorf("[%s] Unexpected value in key %s: %q", op, claim.Key, value)
	}
	claim.token = ""
	return claim, nil
}

// Finish 把取得的處理權標記為完成
func (s *IdempotencyStore) Finish(ctx context.Context, claim Claim) error {
	const op = "IdempotencyStore.Finish"
	if claim.State != ClaimAcquired {
		return nil
	}
	err := finishScript.Run(ctx, s.client, []string{claim.Key}, claim.token, doneValue, s.options.doneTTL.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("[%s] Fail to mark key done, err=%w", op, err)
	}
	return nil
}

// Release 放棄處理權，讓之後的投遞可以重新處理
func (s *IdempotencyStore) Release(ctx context.Context, claim Claim) error {
	const op = "IdempotencyStore.Release"
	if claim.State != ClaimAcquired {
		return nil
	}
	if err := releaseScript.Run(ctx, s.client, []string{claim.Key}, claim.token).Err(); err != nil {
		return fmt.Errorf("[%s] Fail to release key, err=%w", op, err)
	}
	return nil
}

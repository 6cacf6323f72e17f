package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"stockat/auction"
	"stockat/settlement"
)

// DefaultTolerance 是簽章時間戳允許的誤差
const DefaultTolerance = 5 * time.Minute

type verifierOptions struct {
	tolerance time.Duration
	now       func() time.Time
}

type VerifierOption func(*verifierOptions)

// WithTolerance 設置簽章時間戳允許的誤差
func WithTolerance(d time.Duration) VerifierOption {
	return func(o *verifierOptions) {
		o.tolerance = d
	}
}

// WithVerifierClock 設置取得目前時間的函數
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(o *verifierOptions) {
		o.now = now
	}
}

// Verifier 驗證 Stripe-Signature 標頭並解析事件
type Verifier struct {
	secret  []byte
	options verifierOptions
}

var _ settlement.EventVerifier = (*Verifier)(nil)

func NewVerifier(secret string, opts ...VerifierOption) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("[NewVerifier] Webhook secret cannot be empty")
	}

	// 默認選項
	options := verifierOptions{
		tolerance: DefaultTolerance,
		now:       time.Now,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Verifier{secret: []byte(secret), options: options}, nil
}

// Sign 產生 Stripe-Signature 標頭，格式為 t=<unix>,v1=<hex>
func Sign(secret string, timestamp time.Time, payload []byte) string {
	ts := strconv.FormatInt(timestamp.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(computeSignature([]byte(secret), ts, payload))
}

func computeSignature(secret []byte, timestamp string, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

func verificationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", auction.ErrGatewayVerification, fmt.Sprintf(format, args...))
}

// Verify 先檢查簽章與時間戳，通過後才解析事件內容
func (v *Verifier) Verify(payload []byte, header string) (settlement.Event, error) {
	timestamp, signatures, err := parseHeader(header)
	if err != nil {
		return settlement.Event{}, err
	}
	signedAt := time.Unix(timestamp, 0)
	if diff := v.options.now().Sub(signedAt).Abs(); diff > v.options.tolerance {
		return settlement.Event{}, verificationError("timestamp outside tolerance")
	}
	expected := computeSignature(v.secret, strconv.FormatInt(timestamp, 10), payload)
	matched := false
	for _, signature := range signatures {
		if hmac.Equal(expected, signature) {
			matched = true
			break
		}
	}
	if !matched {
		return settlement.Event{}, verificationError("no matching signature")
	}
	return ParseEvent(payload)
}

func parseHeader(header string) (int64, [][]byte, error) {
	if header == "" {
		return 0, nil, verificationError("missing signature header")
	}
	var (
		timestamp  int64
		signatures [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, verificationError("invalid timestamp")
			}
			timestamp = ts
		case "v1":
			signature, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			signatures = append(signatures, signature)
		}
	}
	if timestamp == 0 {
		return 0, nil, verificationError("missing timestamp")
	}
	if len(signatures) == 0 {
		return 0, nil, verificationError("missing v1 signature")
	}
	return timestamp, signatures, nil
}

type eventPayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string            `json:"id"`
			PaymentIntent json.RawMessage   `json:"payment_intent"`
			Metadata      map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// ParseEvent 把 webhook 內容轉成 settlement.Event
// payment_intent 可能是字串、展開後的物件或 null
func ParseEvent(payload []byte) (settlement.Event, error) {
	var raw eventPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return settlement.Event{}, verificationError("malformed payload: %v", err)
	}
	if raw.ID == "" || raw.Type == "" {
		return settlement.Event{}, verificationError("event id or type missing")
	}
	event := settlement.Event{
		ID:        raw.ID,
		Type:      raw.Type,
		SessionID: raw.Data.Object.ID,
		Metadata:  raw.Data.Object.Metadata,
	}
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	if len(raw.Data.Object.PaymentIntent) > 0 {
		var id string
		if err := json.Unmarshal(raw.Data.Object.PaymentIntent, &id); err == nil {
			event.PaymentIntentID = id
		} else {
			var expanded struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(raw.Data.Object.PaymentIntent, &expanded); err == nil {
				event.PaymentIntentID = expanded.ID
			}
		}
	}
	return event, nil
}

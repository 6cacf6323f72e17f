package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"stockat/auction"
)

const defaultBaseURL = "https://api.stripe.com"

// maxResponseSize 限制讀取閘道回應的大小
const maxResponseSize = 1 << 20

// APIError 是閘道回傳的錯誤內容
type APIError struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stripe api error, status=%d, type=%s, code=%s, message=%s", e.StatusCode, e.Type, e.Code, e.Message)
}

type clientOptions struct {
	logger      *slog.Logger
	httpClient  *http.Client
	baseURL     string
	currency    string
	productName string
}

type ClientOption func(*clientOptions)

// WithLogger 設置日誌記錄器
func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithHTTPClient 設置 HTTP 客戶端
func WithHTTPClient(client *http.Client) ClientOption {
	return func(o *clientOptions) {
		o.httpClient = client
	}
}

// WithBaseURL 設置 API 位址，測試時指向 httptest server
func WithBaseURL(baseURL string) ClientOption {
	return func(o *clientOptions) {
		o.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithCurrency 設置結帳幣別
func WithCurrency(currency string) ClientOption {
	return func(o *clientOptions) {
		o.currency = strings.ToLower(currency)
	}
}

// WithProductName 設置結帳頁顯示的商品名稱
func WithProductName(name string) ClientOption {
	return func(o *clientOptions) {
		o.productName = name
	}
}

// Client 呼叫 Checkout Sessions API 建立結帳頁面
type Client struct {
	secretKey  string
	successURL string
	cancelURL  string
	logger     *slog.Logger
	options    clientOptions
}

var _ auction.PaymentGateway = (*Client)(nil)

func NewClient(secretKey, successURL, cancelURL string, opts ...ClientOption) (*Client, error) {
	const op = "NewClient"
	if secretKey == "" {
		return nil, fmt.Errorf("[%s] Secret key cannot be empty", op)
	}
	if successURL == "" || cancelURL == "" {
		return nil, fmt.Errorf("[%s] Success and cancel URL are required", op)
	}

	// 默認選項
	options := clientOptions{
		logger:      slog.Default(),
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		baseURL:     defaultBaseURL,
		currency:    "usd",
		productName: "Auction order",
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Client{
		secretKey:  secretKey,
		successURL: successURL,
		cancelURL:  cancelURL,
		logger:     options.logger.With(slog.String("caller", "StripeClient")),
		options:    options,
	}, nil
}

type sessionResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateCheckoutSession 以得標金額建立一次性付款的結帳頁面
// 一筆出價代表整批商品的價格，所以只建立一個數量為 1 的品項
func (c *Client) CreateCheckoutSession(ctx context.Context, req auction.CheckoutRequest) (auction.SessionRef, error) {
	const op = "CreateCheckoutSession"
	if !req.Amount.IsPositive() {
		return auction.SessionRef{}, fmt.Errorf("[%s] Amount must be positive, amount=%s", op, req.Amount)
	}
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", c.successURL)
	form.Set("cancel_url", c.cancelURL)
	form.Set("client_reference_id", req.OrderID.String())
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", c.options.currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(MinorUnits(req.Amount), 10))
	form.Set("line_items[0][price_data][product_data][name]", c.productName(req))
	for key, value := range req.Metadata {
		form.Set("metadata["+key+"]", value)
		form.Set("payment_intent_data[metadata]["+key+"]", value)
	}

	var session sessionResponse
	if err := c.post(ctx, "/v1/checkout/sessions", form, &session); err != nil {
		return auction.SessionRef{}, fmt.Errorf("[%s] Fail to create checkout session, err=%w", op, err)
	}
	if session.ID == "" {
		return auction.SessionRef{}, fmt.Errorf("[%s] Empty session id in response", op)
	}
	c.logger.Info("Checkout session created", slog.String("orderID", req.OrderID.String()), slog.String("sessionID", session.ID))
	return auction.SessionRef{ID: session.ID, URL: session.URL}, nil
}

func (c *Client) productName(req auction.CheckoutRequest) string {
	if req.Quantity > 1 {
		return fmt.Sprintf("%s x%d", c.options.productName, req.Quantity)
	}
	return c.options.productName
}

func (c *Client) post(ctx context.Context, path string, form url.Values, out any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.options.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	request.SetBasicAuth(c.secretKey, "")
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := c.options.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response error: %w", err)
	}
	if response.StatusCode >= http.StatusBadRequest {
		var wrapper struct {
			Error *APIError `json:"error"`
		}
		if err := json.Unmarshal(body, &wrapper); err != nil || wrapper.Error == nil {
			return &APIError{StatusCode: response.StatusCode, Message: http.StatusText(response.StatusCode)}
		}
		wrapper.Error.StatusCode = response.StatusCode
		return wrapper.Error
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Join(errors.New("decode response error"), err)
	}
	return nil
}

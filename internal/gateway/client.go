package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// HTTPClient implements Client against the gateway's REST API using
// key-id/key-secret basic auth.
type HTTPClient struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a gateway client from config.
func NewHTTPClient(cfg Config, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// CreateOrder opens a new order on the gateway.
func (c *HTTPClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	body := map[string]any{
		"amount":   req.AmountMinor,
		"currency": req.Currency,
		"receipt":  req.Receipt,
	}
	if len(req.Notes) > 0 {
		body["notes"] = req.Notes
	}

	var order Order
	if err := c.do(ctx, http.MethodPost, "/orders", body, &order); err != nil {
		return nil, fmt.Errorf("gateway create order: %w", err)
	}

	c.logger.Debug("gateway order created",
		"gateway_order_id", order.ID,
		"amount", order.AmountMinor,
		"currency", order.Currency,
	)

	return &order, nil
}

// FetchPayment fetches the authoritative payment record.
func (c *HTTPClient) FetchPayment(ctx context.Context, gatewayTransactionID string) (*Payment, error) {
	var payment Payment
	if err := c.do(ctx, http.MethodGet, "/payments/"+gatewayTransactionID, nil, &payment); err != nil {
		return nil, fmt.Errorf("gateway fetch payment %s: %w", gatewayTransactionID, err)
	}
	return &payment, nil
}

// CreateRefund requests a refund against a captured payment.
func (c *HTTPClient) CreateRefund(ctx context.Context, gatewayTransactionID string, amountMinor int64, notes map[string]string) (*Refund, error) {
	body := map[string]any{
		"amount": amountMinor,
	}
	if len(notes) > 0 {
		body["notes"] = notes
	}

	var refund Refund
	if err := c.do(ctx, http.MethodPost, "/payments/"+gatewayTransactionID+"/refund", body, &refund); err != nil {
		return nil, fmt.Errorf("gateway create refund for %s: %w", gatewayTransactionID, err)
	}

	c.logger.Debug("gateway refund created",
		"gateway_transaction_id", gatewayTransactionID,
		"refund_id", refund.ID,
		"amount", refund.AmountMinor,
	)

	return &refund, nil
}

// VerifyPaymentSignature checks a checkout confirmation signature.
func (c *HTTPClient) VerifyPaymentSignature(gatewayOrderID, gatewayTransactionID, signature string) bool {
	return VerifyPaymentSig(gatewayOrderID, gatewayTransactionID, signature, c.cfg.KeySecret)
}

// VerifyWebhookSignature checks a webhook signature over the raw body.
func (c *HTTPClient) VerifyWebhookSignature(rawBody []byte, signature string) bool {
	return VerifyWebhookSig(rawBody, signature, c.cfg.WebhookSecret)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.SetBasicAuth(c.cfg.KeyID, c.cfg.KeySecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling gateway: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading gateway response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var gwErr struct {
			Error struct {
				Code        string `json:"code"`
				Description string `json:"description"`
			} `json:"error"`
		}
		if jsonErr := json.Unmarshal(respBody, &gwErr); jsonErr == nil && gwErr.Error.Code != "" {
			return fmt.Errorf("gateway returned %d: %s (%s)", resp.StatusCode, gwErr.Error.Description, gwErr.Error.Code)
		}
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding gateway response: %w", err)
		}
	}
	return nil
}

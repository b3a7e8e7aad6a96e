package intake

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domain "github.com/craftmarket/api/internal/domain"
	"github.com/craftmarket/api/internal/services"
)

// ErrIntakeUnavailable indicates the intake endpoint could not be reached or
// answered with a server error.
var ErrIntakeUnavailable = errors.New("intake: endpoint unavailable")

// Logger defines the logging contract for intake submissions.
type Logger func(ctx context.Context, event string, fields map[string]any)

// ClientConfig configures the HTTP order-intake client.
type ClientConfig struct {
	// Endpoint receives the order submission POST.
	Endpoint string
	// SharedSecret signs the request body with HMAC-SHA256 when set.
	SharedSecret string
	HTTP         *http.Client
	Logger       Logger
	Clock        func() time.Time
}

// Client forwards saved orders to the external order-intake endpoint and
// decodes its confirmation response.
type Client struct {
	endpoint string
	secret   string
	http     *http.Client
	logger   Logger
	clock    func() time.Time
}

var _ services.IntakeClient = (*Client)(nil)

// NewClient constructs the intake client.
func NewClient(cfg ClientConfig) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("intake: endpoint is required")
	}

	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Client{
		endpoint: endpoint,
		secret:   strings.TrimSpace(cfg.SharedSecret),
		http:     httpClient,
		logger:   logger,
		clock:    clock,
	}, nil
}

type orderSubmission struct {
	OrderID        string           `json:"orderId"`
	OrderNumber    string           `json:"orderNumber"`
	Currency       string           `json:"currency"`
	UserID         string           `json:"userId,omitempty"`
	Items          []submissionItem `json:"items"`
	DeliveryMethod string           `json:"deliveryMethod,omitempty"`
	PaymentMethod  string           `json:"paymentMethod,omitempty"`
	Total          float64          `json:"total"`
	SubmittedAt    time.Time        `json:"submittedAt"`
}

type submissionItem struct {
	ItemID     string  `json:"itemId"`
	ProductRef string  `json:"productRef"`
	Kind       string  `json:"kind"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unitPrice"`
	Total      float64 `json:"total"`
}

type intakeEnvelope struct {
	Accepted     bool   `json:"accepted"`
	ExternalID   string `json:"externalId"`
	ExternalCode string `json:"externalCode"`
	Items        []struct {
		ItemID string  `json:"itemId"`
		Action string  `json:"responseAction"`
		Amount float64 `json:"amount"`
	} `json:"items"`
}

// SubmitOrder posts the saved order and decodes the intake verdict. A 2xx
// response with accepted=false is a valid rejection, not an error.
func (c *Client) SubmitOrder(ctx context.Context, order domain.Order) (services.IntakeResponse, error) {
	if strings.TrimSpace(order.ID) == "" {
		return services.IntakeResponse{}, errors.New("intake: order id is required")
	}

	payload, err := json.Marshal(buildSubmission(order, c.clock().UTC()))
	if err != nil {
		return services.IntakeResponse{}, fmt.Errorf("intake: encode order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return services.IntakeResponse{}, fmt.Errorf("intake: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("X-Intake-Signature", signPayload(c.secret, payload))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return services.IntakeResponse{}, fmt.Errorf("%w: %v", ErrIntakeUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return services.IntakeResponse{}, fmt.Errorf("%w: read response: %v", ErrIntakeUnavailable, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return services.IntakeResponse{}, fmt.Errorf("%w: status %d", ErrIntakeUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		c.logger(ctx, "intake.submit.rejected", map[string]any{
			"order":  order.ID,
			"status": resp.StatusCode,
		})
		return services.IntakeResponse{Accepted: false}, nil
	}

	var envelope intakeEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return services.IntakeResponse{}, fmt.Errorf("intake: decode response: %w", err)
	}

	response := services.IntakeResponse{
		Accepted:     envelope.Accepted,
		ExternalID:   strings.TrimSpace(envelope.ExternalID),
		ExternalCode: strings.TrimSpace(envelope.ExternalCode),
	}
	for _, item := range envelope.Items {
		response.Items = append(response.Items, services.IntakeItem{
			ItemID: item.ItemID,
			Action: item.Action,
			Amount: item.Amount,
		})
	}
	return response, nil
}

func buildSubmission(order domain.Order, at time.Time) orderSubmission {
	submission := orderSubmission{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		Currency:       order.Currency,
		UserID:         order.UserID,
		DeliveryMethod: order.DeliveryMethod,
		PaymentMethod:  order.PaymentMethod,
		Total:          order.Prices.Total,
		SubmittedAt:    at,
	}
	for _, item := range order.Items {
		submission.Items = append(submission.Items, submissionItem{
			ItemID:     item.ID,
			ProductRef: item.ProductRef,
			Kind:       string(item.Kind),
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			Total:      item.Total,
		})
	}
	return submission
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PayPal REST endpoints used by the adapter.
const (
	paypalSandboxBaseURL = "https://api-m.sandbox.paypal.com"
	paypalLiveBaseURL    = "https://api-m.paypal.com"

	paypalTokenPath      = "/v1/oauth2/token"
	paypalPaymentPath    = "/v1/payments/payment"
	paypalPlanPath       = "/v1/payments/billing-plans"
	paypalAgreementPath  = "/v1/payments/billing-agreements"
	paypalVerifyHookPath = "/v1/notifications/verify-webhook-signature"
)

// PayPalLogger defines the logging contract for PayPal provider operations.
type PayPalLogger func(ctx context.Context, event string, fields map[string]any)

// PayPalProviderConfig configures the PayPalProvider.
type PayPalProviderConfig struct {
	ClientID  string
	Secret    string
	WebhookID string
	Live      bool
	BaseURL   string
	HTTP      *http.Client
	Logger    PayPalLogger
	Clock     func() time.Time
}

// PayPalProvider implements the Provider interface against the PayPal REST
// API: one-off payments via /payments/payment, recurring billing via billing
// plans and agreements, webhook authentication via the verify endpoint.
type PayPalProvider struct {
	clientID  string
	secret    string
	webhookID string
	baseURL   string
	http      *http.Client
	logger    PayPalLogger
	clock     func() time.Time

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewPayPalProvider constructs a PayPal Provider using the given configuration.
func NewPayPalProvider(cfg PayPalProviderConfig) (*PayPalProvider, error) {
	clientID := strings.TrimSpace(cfg.ClientID)
	secret := strings.TrimSpace(cfg.Secret)
	if clientID == "" || secret == "" {
		return nil, errors.New("paypal: client id and secret are required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = paypalSandboxBaseURL
		if cfg.Live {
			baseURL = paypalLiveBaseURL
		}
	}

	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &PayPalProvider{
		clientID:  clientID,
		secret:    secret,
		webhookID: strings.TrimSpace(cfg.WebhookID),
		baseURL:   baseURL,
		http:      httpClient,
		logger:    logger,
		clock:     func() time.Time { return clock().UTC() },
	}, nil
}

var _ Provider = (*PayPalProvider)(nil)

// CreateCharge creates a PayPal payment with an approval redirect. The
// payment id is the correlation reference webhooks echo back.
func (p *PayPalProvider) CreateCharge(ctx context.Context, req ChargeRequest) (ChargeInstruction, error) {
	if req.Amount <= 0 {
		return ChargeInstruction{}, NewProviderError("paypal", "create_charge", "amount must be positive", nil)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return ChargeInstruction{}, NewProviderError("paypal", "create_charge", "currency is required", nil)
	}

	body := map[string]any{
		"intent": "sale",
		"payer":  map[string]any{"payment_method": "paypal"},
		"transactions": []map[string]any{
			{
				"amount": map[string]any{
					"total":    formatPayPalAmount(req.Amount),
					"currency": currency,
				},
				"description":    req.Description,
				"invoice_number": req.OrderNumber,
				"custom":         req.OrderID,
			},
		},
		"redirect_urls": map[string]any{
			"return_url": req.ReturnURL,
			"cancel_url": req.CancelURL,
		},
	}

	var payment paypalPayment
	if err := p.do(ctx, http.MethodPost, paypalPaymentPath, body, &payment); err != nil {
		return ChargeInstruction{}, err
	}

	p.logger(ctx, "paypal.charge.created", map[string]any{
		"order_id":   req.OrderID,
		"payment_id": payment.ID,
	})

	return ChargeInstruction{
		ChargeID:      payment.ID,
		CorrelationID: payment.ID,
		RedirectURL:   payment.link("approval_url"),
		Raw:           map[string]any{"payment_id": payment.ID, "state": payment.State},
	}, nil
}

// ExecuteCharge executes an approved payment with the payer id from the
// return redirect.
func (p *PayPalProvider) ExecuteCharge(ctx context.Context, req ExecuteRequest) (ChargeResult, error) {
	paymentID := strings.TrimSpace(req.Tokens["payment_id"])
	payerID := strings.TrimSpace(req.Tokens["payer_id"])
	if paymentID == "" || payerID == "" {
		return ChargeResult{}, NewProviderError("paypal", "execute_charge", "payment_id and payer_id tokens are required", nil)
	}

	var payment paypalPayment
	path := fmt.Sprintf("%s/%s/execute", paypalPaymentPath, paymentID)
	if err := p.do(ctx, http.MethodPost, path, map[string]any{"payer_id": payerID}, &payment); err != nil {
		return ChargeResult{}, err
	}

	amount, currency := payment.total()
	return ChargeResult{
		ChargeID:      payment.ID,
		CorrelationID: payment.ID,
		Status:        payment.State,
		Settled:       strings.EqualFold(payment.State, "approved") || strings.EqualFold(payment.State, "completed"),
		Amount:        amount,
		Currency:      currency,
		Raw:           map[string]any{"payment_id": payment.ID, "state": payment.State},
	}, nil
}

// CreateAgreement provisions a billing plan, activates it, and creates a
// billing agreement pending the customer's acceptance redirect.
func (p *PayPalProvider) CreateAgreement(ctx context.Context, req AgreementRequest) (AgreementInstruction, error) {
	if req.Amount <= 0 {
		return AgreementInstruction{}, NewProviderError("paypal", "create_agreement", "amount must be positive", nil)
	}
	frequency, err := paypalFrequency(req.PeriodUnit)
	if err != nil {
		return AgreementInstruction{}, err
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	periodCount := req.PeriodCount
	if periodCount <= 0 {
		periodCount = 1
	}
	cycles := req.Cycles
	if cycles < 0 {
		cycles = 0
	}

	planType := "FIXED"
	if cycles == 0 {
		planType = "INFINITE"
	}

	name := strings.TrimSpace(req.Description)
	if name == "" {
		name = fmt.Sprintf("Recurring plan %s", req.SubscriptionID)
	}

	planBody := map[string]any{
		"name":        name,
		"description": name,
		"type":        planType,
		"payment_definitions": []map[string]any{
			{
				"name":               "Regular payment",
				"type":               "REGULAR",
				"frequency":          frequency,
				"frequency_interval": strconv.Itoa(periodCount),
				"cycles":             strconv.Itoa(cycles),
				"amount": map[string]any{
					"value":    formatPayPalAmount(req.Amount),
					"currency": currency,
				},
			},
		},
		"merchant_preferences": map[string]any{
			"return_url":                 req.ReturnURL,
			"cancel_url":                 req.CancelURL,
			"auto_bill_amount":           "YES",
			"initial_fail_amount_action": "CONTINUE",
		},
	}

	var plan struct {
		ID string `json:"id"`
	}
	if err := p.do(ctx, http.MethodPost, paypalPlanPath, planBody, &plan); err != nil {
		return AgreementInstruction{}, err
	}

	activate := []map[string]any{
		{"op": "replace", "path": "/", "value": map[string]any{"state": "ACTIVE"}},
	}
	if err := p.do(ctx, http.MethodPatch, paypalPlanPath+"/"+plan.ID, activate, nil); err != nil {
		return AgreementInstruction{}, err
	}

	// The first charge happens immediately upon acceptance; start just far
	// enough ahead to satisfy the API's future-start requirement.
	start := p.clock().Add(time.Minute).Format(time.RFC3339)
	agreementBody := map[string]any{
		"name":        name,
		"description": name,
		"start_date":  start,
		"payer":       map[string]any{"payment_method": "paypal"},
		"plan":        map[string]any{"id": plan.ID},
	}

	var agreement paypalAgreement
	if err := p.do(ctx, http.MethodPost, paypalAgreementPath, agreementBody, &agreement); err != nil {
		return AgreementInstruction{}, err
	}

	p.logger(ctx, "paypal.agreement.created", map[string]any{
		"subscription_id": req.SubscriptionID,
		"plan_id":         plan.ID,
	})

	return AgreementInstruction{
		AgreementID: agreement.ID,
		PlanID:      plan.ID,
		RedirectURL: agreement.link("approval_url"),
		ClientToken: agreement.token(),
		Raw:         map[string]any{"plan_id": plan.ID},
	}, nil
}

// ExecuteAgreement finalises the billing agreement with the acceptance token.
func (p *PayPalProvider) ExecuteAgreement(ctx context.Context, req ExecuteRequest) (ChargeResult, error) {
	token := strings.TrimSpace(req.Tokens["token"])
	if token == "" {
		return ChargeResult{}, NewProviderError("paypal", "execute_agreement", "token is required", nil)
	}

	var agreement paypalAgreement
	path := fmt.Sprintf("%s/%s/agreement-execute", paypalAgreementPath, token)
	if err := p.do(ctx, http.MethodPost, path, map[string]any{}, &agreement); err != nil {
		return ChargeResult{}, err
	}

	return ChargeResult{
		AgreementID: agreement.ID,
		Status:      agreement.State,
		Settled:     strings.EqualFold(agreement.State, "active"),
		Raw:         map[string]any{"agreement_id": agreement.ID, "state": agreement.State},
	}, nil
}

// SuspendAgreement pauses the billing agreement.
func (p *PayPalProvider) SuspendAgreement(ctx context.Context, agreementID string) error {
	return p.agreementAction(ctx, agreementID, "suspend", "suspending per user request")
}

// ReactivateAgreement resumes a suspended billing agreement.
func (p *PayPalProvider) ReactivateAgreement(ctx context.Context, agreementID string) error {
	return p.agreementAction(ctx, agreementID, "re-activate", "reactivating per user request")
}

// CancelAgreement permanently cancels the billing agreement.
func (p *PayPalProvider) CancelAgreement(ctx context.Context, agreementID string) error {
	return p.agreementAction(ctx, agreementID, "cancel", "canceling per user request")
}

func (p *PayPalProvider) agreementAction(ctx context.Context, agreementID, action, note string) error {
	agreementID = strings.TrimSpace(agreementID)
	if agreementID == "" {
		return NewProviderError("paypal", action, "agreement id is required", nil)
	}
	path := fmt.Sprintf("%s/%s/%s", paypalAgreementPath, agreementID, action)
	if err := p.do(ctx, http.MethodPost, path, map[string]any{"note": note}, nil); err != nil {
		return err
	}
	p.logger(ctx, "paypal.agreement."+action, map[string]any{"agreement_id": agreementID})
	return nil
}

// VerifyWebhook calls PayPal's verification endpoint with the transmission
// headers, then normalises the event payload.
func (p *PayPalProvider) VerifyWebhook(ctx context.Context, req WebhookRequest) (WebhookEvent, error) {
	if p.webhookID == "" {
		return WebhookEvent{}, NewProviderError("paypal", "verify_webhook", "webhook id not configured", nil)
	}

	var event paypalWebhookEvent
	if err := json.Unmarshal(req.Payload, &event); err != nil {
		return WebhookEvent{}, NewProviderError("paypal", "verify_webhook", "malformed payload", err)
	}

	verification := map[string]any{
		"transmission_id":   headerValue(req.Headers, "Paypal-Transmission-Id"),
		"transmission_time": headerValue(req.Headers, "Paypal-Transmission-Time"),
		"cert_url":          headerValue(req.Headers, "Paypal-Cert-Url"),
		"auth_algo":         headerValue(req.Headers, "Paypal-Auth-Algo"),
		"transmission_sig":  headerValue(req.Headers, "Paypal-Transmission-Sig"),
		"webhook_id":        p.webhookID,
		"webhook_event":     json.RawMessage(req.Payload),
	}

	var verdict struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := p.do(ctx, http.MethodPost, paypalVerifyHookPath, verification, &verdict); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrWebhookVerification, err)
	}
	if !strings.EqualFold(verdict.VerificationStatus, "SUCCESS") {
		return WebhookEvent{}, fmt.Errorf("%w: verification status %s", ErrWebhookVerification, verdict.VerificationStatus)
	}

	normalised := WebhookEvent{
		ID:         event.ID,
		Type:       EventIgnored,
		Status:     event.Resource.State,
		OccurredAt: event.createTime(),
		Raw:        map[string]any{"event_type": event.EventType, "id": event.ID},
	}

	switch event.EventType {
	case "PAYMENT.SALE.COMPLETED":
		normalised.Status = "completed"
		normalised.Amount, _ = strconv.ParseFloat(event.Resource.Amount.Total, 64)
		normalised.Currency = strings.ToUpper(event.Resource.Amount.Currency)
		if event.Resource.BillingAgreementID != "" {
			normalised.Type = EventSubscriptionPaymentCompleted
			normalised.AgreementID = event.Resource.BillingAgreementID
			normalised.CorrelationID = event.Resource.ID
		} else {
			normalised.Type = EventOrderPaymentCompleted
			normalised.CorrelationID = event.Resource.ParentPayment
		}
	case "BILLING.SUBSCRIPTION.CANCELLED", "BILLING.SUBSCRIPTION.SUSPENDED":
		normalised.Type = EventSubscriptionCanceled
		normalised.AgreementID = event.Resource.ID
	}

	p.logger(ctx, "paypal.webhook.verified", map[string]any{
		"event_id":   event.ID,
		"event_type": event.EventType,
		"mapped":     string(normalised.Type),
	})
	return normalised, nil
}

// do issues an authenticated JSON request against the PayPal API.
func (p *PayPalProvider) do(ctx context.Context, method, path string, body any, out any) error {
	token, err := p.token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return NewProviderError("paypal", "request", "encode body", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return NewProviderError("paypal", "request", "", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := p.http.Do(request)
	if err != nil {
		return NewProviderError("paypal", "request", "", err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return NewProviderError("paypal", "request", "read response", err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return NewProviderError("paypal", "request", fmt.Sprintf("%s %s returned %d: %s", method, path, response.StatusCode, truncate(string(payload), 300)), nil)
	}
	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return NewProviderError("paypal", "request", "decode response", err)
		}
	}
	return nil
}

// token returns a cached OAuth access token, refreshing when expired.
func (p *PayPalProvider) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && p.clock().Before(p.tokenExpiry) {
		return p.accessToken, nil
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+paypalTokenPath, strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return "", NewProviderError("paypal", "token", "", err)
	}
	request.SetBasicAuth(p.clientID, p.secret)
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := p.http.Do(request)
	if err != nil {
		return "", NewProviderError("paypal", "token", "", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return "", NewProviderError("paypal", "token", fmt.Sprintf("token endpoint returned %d", response.StatusCode), nil)
	}

	var grant struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(response.Body).Decode(&grant); err != nil {
		return "", NewProviderError("paypal", "token", "decode token response", err)
	}
	if grant.AccessToken == "" {
		return "", NewProviderError("paypal", "token", "empty access token", nil)
	}

	p.accessToken = grant.AccessToken
	// Refresh a minute early to avoid using a token at its expiry edge.
	p.tokenExpiry = p.clock().Add(time.Duration(grant.ExpiresIn)*time.Second - time.Minute)
	return p.accessToken, nil
}

// Response shapes ------------------------------------------------------------

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalPayment struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	Transactions []struct {
		Amount struct {
			Total    string `json:"total"`
			Currency string `json:"currency"`
		} `json:"amount"`
	} `json:"transactions"`
	Links []paypalLink `json:"links"`
}

func (p paypalPayment) link(rel string) string {
	for _, l := range p.Links {
		if strings.EqualFold(l.Rel, rel) {
			return l.Href
		}
	}
	return ""
}

func (p paypalPayment) total() (float64, string) {
	if len(p.Transactions) == 0 {
		return 0, ""
	}
	amount, _ := strconv.ParseFloat(p.Transactions[0].Amount.Total, 64)
	return amount, strings.ToUpper(p.Transactions[0].Amount.Currency)
}

type paypalAgreement struct {
	ID    string       `json:"id"`
	State string       `json:"state"`
	Links []paypalLink `json:"links"`
}

func (a paypalAgreement) link(rel string) string {
	for _, l := range a.Links {
		if strings.EqualFold(l.Rel, rel) {
			return l.Href
		}
	}
	return ""
}

// token extracts the acceptance token from the approval link query.
func (a paypalAgreement) token() string {
	href := a.link("approval_url")
	if idx := strings.Index(href, "token="); idx >= 0 {
		token := href[idx+len("token="):]
		if amp := strings.Index(token, "&"); amp >= 0 {
			token = token[:amp]
		}
		return token
	}
	return ""
}

type paypalWebhookEvent struct {
	ID         string `json:"id"`
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"`
	Resource   struct {
		ID                 string `json:"id"`
		State              string `json:"state"`
		ParentPayment      string `json:"parent_payment"`
		BillingAgreementID string `json:"billing_agreement_id"`
		Amount             struct {
			Total    string `json:"total"`
			Currency string `json:"currency"`
		} `json:"amount"`
	} `json:"resource"`
}

func (e paypalWebhookEvent) createTime() time.Time {
	if t, err := time.Parse(time.RFC3339, e.CreateTime); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func paypalFrequency(periodUnit string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(periodUnit)) {
	case "day":
		return "DAY", nil
	case "week":
		return "WEEK", nil
	case "month":
		return "MONTH", nil
	case "year":
		return "YEAR", nil
	default:
		return "", NewProviderError("paypal", "create_agreement", fmt.Sprintf("unsupported period unit %q", periodUnit), nil)
	}
}

func formatPayPalAmount(amount float64) string {
	return strconv.FormatFloat(amount, 'f', 2, 64)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "cm-dev",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "cm-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.PubSub.ProjectID != "cm-dev" {
		t.Errorf("expected pubsub project to default to firebase project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.PubSub.OrderEventsTopic != defaultOrderEventsTopic {
		t.Errorf("unexpected default order events topic: %s", cfg.PubSub.OrderEventsTopic)
	}
	if cfg.PSP.DefaultProvider != "stripe" {
		t.Errorf("unexpected default provider: %s", cfg.PSP.DefaultProvider)
	}
	if cfg.PSP.DefaultCurrency != "EUR" {
		t.Errorf("unexpected default currency: %s", cfg.PSP.DefaultCurrency)
	}
	if cfg.RateLimits.DefaultPerMinute != 120 {
		t.Errorf("unexpected default rate limit: %d", cfg.RateLimits.DefaultPerMinute)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if cfg.Security.OIDC.JWKSURL != defaultOIDCJWKSURL {
		t.Errorf("expected default jwks url %s, got %s", defaultOIDCJWKSURL, cfg.Security.OIDC.JWKSURL)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("expected default issuers, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Security.HMAC.SignatureHeader != defaultHMACSignatureHeader {
		t.Errorf("expected default signature header, got %s", cfg.Security.HMAC.SignatureHeader)
	}
	if !cfg.Features.EnableIntakeForwarding {
		t.Errorf("expected intake forwarding enabled by default")
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected default idempotency ttl: %s", cfg.Idempotency.TTL)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                    "9090",
		"API_SERVER_READ_TIMEOUT":            "20s",
		"API_SERVER_WRITE_TIMEOUT":           "25s",
		"API_SERVER_IDLE_TIMEOUT":            "2m",
		"API_FIREBASE_PROJECT_ID":            "cm-prod",
		"API_FIRESTORE_PROJECT_ID":           "cm-fire",
		"API_PUBSUB_ORDER_EVENTS_TOPIC":      "order-events-prod",
		"API_PSP_DEFAULT_PROVIDER":           "PayPal",
		"API_PSP_DEFAULT_CURRENCY":           "usd",
		"API_PSP_STRIPE_API_KEY":             "secret://stripe/api",
		"API_PSP_STRIPE_WEBHOOK_SECRET":      "secret://stripe/webhook",
		"API_PSP_PAYPAL_CLIENT_ID":           "paypal-client",
		"API_PSP_PAYPAL_SECRET":              "secret://paypal/secret",
		"API_PSP_PAYPAL_WEBHOOK_ID":          "WH-1",
		"API_PSP_PAYPAL_LIVE":                "true",
		"API_INTAKE_ENDPOINT":                "https://intake.example.com/orders",
		"API_INTAKE_SHARED_SECRET":           "secret://intake/secret",
		"API_RATELIMIT_DEFAULT_PER_MIN":      "150",
		"API_FEATURE_INTAKE_FORWARDING":      "false",
		"API_SECURITY_ENVIRONMENT":           "prod",
		"API_SECURITY_ORDER_TOKEN_SECRET":    "secret://order/token",
		"API_SECURITY_OIDC_AUDIENCE":         "https://service.example.com",
		"API_SECURITY_OIDC_ISSUERS":          "https://accounts.google.com, https://cloud.google.com/iap",
		"API_SECURITY_OIDC_JWKS_URL":         "https://example.com/jwks.json",
		"API_SECURITY_HMAC_SECRETS":          "internal=secret://hmac/internal,intake=intake-secret",
		"API_SECURITY_HMAC_HEADER_SIGNATURE": "X-Custom-Signature",
		"API_SECURITY_HMAC_CLOCK_SKEW":       "3m",
		"API_IDEMPOTENCY_HEADER":             "X-Idem-Key",
		"API_IDEMPOTENCY_TTL":                "48h",
	}

	secrets := map[string]string{
		"secret://stripe/api":     "stripe-key",
		"secret://stripe/webhook": "stripe-webhook",
		"secret://paypal/secret":  "paypal-secret",
		"secret://intake/secret":  "intake-shared",
		"secret://order/token":    "order-token-secret",
		"secret://hmac/internal":  "internal-hmac",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
	}
	if cfg.PubSub.OrderEventsTopic != "order-events-prod" {
		t.Errorf("unexpected topic %s", cfg.PubSub.OrderEventsTopic)
	}
	if cfg.PSP.DefaultProvider != "paypal" {
		t.Errorf("expected lowercased provider, got %s", cfg.PSP.DefaultProvider)
	}
	if cfg.PSP.DefaultCurrency != "USD" {
		t.Errorf("expected uppercased currency, got %s", cfg.PSP.DefaultCurrency)
	}
	if cfg.PSP.StripeAPIKey != "stripe-key" {
		t.Errorf("expected resolved stripe api key, got %s", cfg.PSP.StripeAPIKey)
	}
	if cfg.PSP.PayPalSecret != "paypal-secret" {
		t.Errorf("expected resolved paypal secret, got %s", cfg.PSP.PayPalSecret)
	}
	if !cfg.PSP.PayPalLive || cfg.PSP.PayPalWebhookID != "WH-1" {
		t.Errorf("unexpected paypal settings %+v", cfg.PSP)
	}
	if cfg.Intake.Endpoint != "https://intake.example.com/orders" {
		t.Errorf("unexpected intake endpoint %s", cfg.Intake.Endpoint)
	}
	if cfg.Intake.SharedSecret != "intake-shared" {
		t.Errorf("expected resolved intake secret, got %s", cfg.Intake.SharedSecret)
	}
	if cfg.Features.EnableIntakeForwarding {
		t.Errorf("expected intake forwarding disabled")
	}
	if cfg.Security.Environment != "prod" {
		t.Errorf("expected security environment prod, got %s", cfg.Security.Environment)
	}
	if cfg.Security.OrderTokenSecret != "order-token-secret" {
		t.Errorf("expected resolved order token secret, got %s", cfg.Security.OrderTokenSecret)
	}
	if cfg.Security.OIDC.Audience != "https://service.example.com" {
		t.Errorf("unexpected oidc audience %s", cfg.Security.OIDC.Audience)
	}
	if cfg.Security.HMAC.Secrets["internal"] != "internal-hmac" {
		t.Errorf("expected resolved internal hmac secret, got %s", cfg.Security.HMAC.Secrets["internal"])
	}
	if cfg.Security.HMAC.Secrets["intake"] != "intake-secret" {
		t.Errorf("expected literal intake secret, got %s", cfg.Security.HMAC.Secrets["intake"])
	}
	if cfg.Security.HMAC.SignatureHeader != "X-Custom-Signature" {
		t.Errorf("unexpected signature header %s", cfg.Security.HMAC.SignatureHeader)
	}
	if cfg.Security.HMAC.ClockSkew != 3*time.Minute {
		t.Errorf("unexpected clock skew %s", cfg.Security.HMAC.ClockSkew)
	}
	if cfg.Idempotency.Header != "X-Idem-Key" {
		t.Errorf("unexpected idempotency header %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != 48*time.Hour {
		t.Errorf("unexpected idempotency ttl %s", cfg.Idempotency.TTL)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_SERVER_PORT=7070\nAPI_FIREBASE_PROJECT_ID=cm-dot\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firebase.ProjectID != "cm-dot" {
		t.Errorf("expected firebase project from dotenv, got %s", cfg.Firebase.ProjectID)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "cm-dev",
		"API_PSP_STRIPE_API_KEY":  "secret://missing",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_FIREBASE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_PROJECT_IDS", "prod=project-prod")

	overrides := map[string]string{
		"API_FIREBASE_PROJECT_ID": "override-project",
		"API_SECRET_VERSION_PINS": "secret://stripe/api=5",
	}

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(overrides))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["API_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["API_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["API_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
	if got := values["API_SECRET_VERSION_PINS"]; got != "secret://stripe/api=5" {
		t.Fatalf("expected override version pin, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "cm-dev",
	}

	_, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeAPIKey"),
	)
	if err == nil {
		t.Fatal("expected missing secrets error, got nil")
	}
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	expectedRedacted := redactSecretName("PSP.StripeAPIKey")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "cm-dev",
	}

	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic when required secrets missing")
		}
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if len(missing.Names()) != 1 || missing.Names()[0] != "PSP.StripeAPIKey" {
			t.Fatalf("unexpected missing secrets %v", missing.Names())
		}
	}()

	Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeAPIKey"),
		WithPanicOnMissingSecrets(),
	)
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":  "cm-dev",
		"API_INTAKE_SHARED_SECRET": "sm://intake/secret",
	}

	secrets := map[string]string{
		"secret://intake/secret": "legacy-secret",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errors.New("not found")}
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Intake.SharedSecret != "legacy-secret" {
		t.Fatalf("expected legacy secret, got %s", cfg.Intake.SharedSecret)
	}
}

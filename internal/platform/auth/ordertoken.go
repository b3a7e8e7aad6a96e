package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const orderTokenAudience = "craftmarket/order"

var (
	// ErrOrderTokenInvalid signals the guest order token failed verification.
	ErrOrderTokenInvalid = errors.New("auth: order token invalid")
	// ErrOrderTokenExpired signals the guest order token is past its expiry.
	ErrOrderTokenExpired = errors.New("auth: order token expired")
)

// OrderTokenIssuer mints and verifies the signed tokens handed to guests so
// they can keep acting on an order without a session. The token subject is the
// order ID.
type OrderTokenIssuer struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// OrderTokenConfig configures the issuer.
type OrderTokenConfig struct {
	Secret string
	// TTL bounds the token lifetime. Defaults to 30 days.
	TTL   time.Duration
	Clock func() time.Time
}

// NewOrderTokenIssuer constructs the issuer.
func NewOrderTokenIssuer(cfg OrderTokenConfig) (*OrderTokenIssuer, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("auth: order token secret is required")
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &OrderTokenIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		clock:  clock,
	}, nil
}

// Issue signs a token granting access to the given order.
func (i *OrderTokenIssuer) Issue(orderID string) (string, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return "", errors.New("auth: order id is required")
	}

	now := i.clock().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   orderID,
		Audience:  jwt.ClaimStrings{orderTokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign order token: %w", err)
	}
	return signed, nil
}

// Verify checks the token signature and expiry and returns the order ID it
// grants access to.
func (i *OrderTokenIssuer) Verify(tokenStr string) (string, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return "", ErrOrderTokenInvalid
	}

	// Claims are validated by hand below so expiry checks run against the
	// injected clock rather than the package-global time source.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	claims := &jwt.RegisteredClaims{}
	if _, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrOrderTokenInvalid, err)
	}

	now := i.clock().UTC()
	if !claims.VerifyExpiresAt(now, true) {
		return "", ErrOrderTokenExpired
	}
	if !claims.VerifyAudience(orderTokenAudience, true) {
		return "", ErrOrderTokenInvalid
	}

	orderID := strings.TrimSpace(claims.Subject)
	if orderID == "" {
		return "", ErrOrderTokenInvalid
	}
	return orderID, nil
}

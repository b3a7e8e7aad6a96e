package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/craftmarket/api/internal/platform/auth"
	"github.com/craftmarket/api/internal/services"
)

const orderTokenHeader = "X-Order-Token"

var errBodyTooLarge = errors.New("request body too large")

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func cloneMap(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// orderTokenVerifier narrows the auth issuer to what handlers need.
type orderTokenVerifier interface {
	Verify(token string) (string, error)
}

// callerIdentity resolves the request principal: a signed-in user from the
// verified bearer token, or a guest holding the order token issued at
// checkout. Both may be absent for a fresh guest checkout.
func callerIdentity(r *http.Request, tokens orderTokenVerifier) services.CallerIdentity {
	identity := services.CallerIdentity{}

	if principal, ok := auth.IdentityFromContext(r.Context()); ok {
		identity.SessionUserID = strings.TrimSpace(principal.UID)
	}

	if raw := strings.TrimSpace(r.Header.Get(orderTokenHeader)); raw != "" && tokens != nil {
		if orderID, err := tokens.Verify(raw); err == nil {
			identity.OrderToken = orderID
		}
	}

	return identity
}

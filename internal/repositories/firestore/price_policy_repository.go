package firestore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	domain "github.com/craftmarket/api/internal/domain"
	pfirestore "github.com/craftmarket/api/internal/platform/firestore"
)

const pricePoliciesCollection = "pricePolicies"

// PricePolicyRepository serves the per-currency rate table consulted by the
// pricing engine. Policies are operator-maintained documents, read-only here.
type PricePolicyRepository struct {
	base *pfirestore.BaseRepository[pricePolicyDocument]

	cacheTTL time.Duration
	now      func() time.Time

	mu     sync.RWMutex
	cached map[string]cachedPolicy
}

type cachedPolicy struct {
	policy    domain.PricePolicy
	fetchedAt time.Time
}

// PricePolicyOption customises repository behaviour.
type PricePolicyOption func(*PricePolicyRepository)

// WithPolicyCacheTTL changes how long a fetched policy is reused before it is
// re-read from Firestore. Zero disables caching.
func WithPolicyCacheTTL(ttl time.Duration) PricePolicyOption {
	return func(r *PricePolicyRepository) {
		if ttl >= 0 {
			r.cacheTTL = ttl
		}
	}
}

// WithPolicyClock injects a custom clock primarily for tests.
func WithPolicyClock(clock func() time.Time) PricePolicyOption {
	return func(r *PricePolicyRepository) {
		if clock != nil {
			r.now = clock
		}
	}
}

// NewPricePolicyRepository constructs a Firestore-backed price policy repository.
func NewPricePolicyRepository(provider *pfirestore.Provider, opts ...PricePolicyOption) (*PricePolicyRepository, error) {
	if provider == nil {
		return nil, errors.New("price policy repository: firestore provider is required")
	}
	repo := &PricePolicyRepository{
		base:     pfirestore.NewBaseRepository[pricePolicyDocument](provider, pricePoliciesCollection, nil, nil),
		cacheTTL: time.Minute,
		now:      time.Now,
		cached:   make(map[string]cachedPolicy),
	}
	for _, opt := range opts {
		opt(repo)
	}
	return repo, nil
}

// Get returns the policy for the given currency. Policies are keyed by
// upper-cased currency code.
func (r *PricePolicyRepository) Get(ctx context.Context, currency string) (domain.PricePolicy, error) {
	if r == nil || r.base == nil {
		return domain.PricePolicy{}, errors.New("price policy repository not initialised")
	}
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == "" {
		return domain.PricePolicy{}, errors.New("price policy repository: currency is required")
	}

	if policy, ok := r.fromCache(code); ok {
		return policy, nil
	}

	doc, err := r.base.Get(ctx, code)
	if err != nil {
		return domain.PricePolicy{}, err
	}
	policy := decodePricePolicy(doc.ID, doc.Data)
	r.store(code, policy)
	return policy, nil
}

func (r *PricePolicyRepository) fromCache(code string) (domain.PricePolicy, bool) {
	if r.cacheTTL <= 0 {
		return domain.PricePolicy{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.cached[code]
	if !ok || r.now().Sub(entry.fetchedAt) > r.cacheTTL {
		return domain.PricePolicy{}, false
	}
	return entry.policy, true
}

func (r *PricePolicyRepository) store(code string, policy domain.PricePolicy) {
	if r.cacheTTL <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached[code] = cachedPolicy{policy: policy, fetchedAt: r.now()}
}

type pricePolicyDocument struct {
	TaxRegime       string               `firestore:"taxRegime"`
	DefaultTaxRate  float64              `firestore:"defaultTaxRate"`
	DeliveryMethods []methodRateDocument `firestore:"deliveryMethods"`
	PaymentMethods  []methodRateDocument `firestore:"paymentMethods"`
	UpdatedAt       time.Time            `firestore:"updatedAt"`
}

type methodRateDocument struct {
	Code          string             `firestore:"code"`
	Name          string             `firestore:"name"`
	Bands         []rateBandDocument `firestore:"bands"`
	ExcludedKinds []string           `firestore:"excludedKinds,omitempty"`
}

type rateBandDocument struct {
	Kind string  `firestore:"kind,omitempty"`
	From float64 `firestore:"from"`
	To   float64 `firestore:"to"`
	Fee  float64 `firestore:"fee"`
}

func decodePricePolicy(currency string, doc pricePolicyDocument) domain.PricePolicy {
	return domain.PricePolicy{
		Currency:        currency,
		TaxRegime:       domain.TaxRegime(doc.TaxRegime),
		DefaultTaxRate:  doc.DefaultTaxRate,
		DeliveryMethods: decodeMethodRates(doc.DeliveryMethods),
		PaymentMethods:  decodeMethodRates(doc.PaymentMethods),
	}
}

func decodeMethodRates(docs []methodRateDocument) []domain.MethodRate {
	if len(docs) == 0 {
		return nil
	}
	methods := make([]domain.MethodRate, 0, len(docs))
	for _, doc := range docs {
		method := domain.MethodRate{
			Code: strings.TrimSpace(doc.Code),
			Name: strings.TrimSpace(doc.Name),
		}
		for _, band := range doc.Bands {
			method.Bands = append(method.Bands, domain.RateBand{
				Kind: domain.ItemKind(band.Kind),
				From: band.From,
				To:   band.To,
				Fee:  band.Fee,
			})
		}
		for _, kind := range doc.ExcludedKinds {
			if value := strings.TrimSpace(kind); value != "" {
				method.ExcludedKinds = append(method.ExcludedKinds, domain.ItemKind(value))
			}
		}
		methods = append(methods, method)
	}
	return methods
}

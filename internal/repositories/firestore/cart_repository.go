package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/craftmarket/api/internal/domain"
	pfirestore "github.com/craftmarket/api/internal/platform/firestore"
	"github.com/craftmarket/api/internal/repositories"
)

const cartsCollection = "carts"

// CartRepository persists cart documents keyed by user ID.
type CartRepository struct {
	base *pfirestore.BaseRepository[cartDocument]
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[cartDocument](provider, cartsCollection, nil, nil)
	return &CartRepository{base: base}, nil
}

// GetCart loads the cart for the given user ID.
func (r *CartRepository) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	doc, err := r.base.Get(ctx, uid)
	if err != nil {
		return domain.Cart{}, err
	}

	cart := domain.Cart{
		ID:       doc.ID,
		UserID:   doc.ID,
		Currency: strings.ToUpper(strings.TrimSpace(doc.Data.Currency)),
		Items:    make([]domain.CartItem, 0, len(doc.Data.Items)),
		UpdatedAt: func() time.Time {
			if !doc.UpdateTime.IsZero() {
				return doc.UpdateTime
			}
			return doc.Data.UpdatedAt
		}(),
		CreatedAt: func() time.Time {
			if !doc.Data.CreatedAt.IsZero() {
				return doc.Data.CreatedAt
			}
			return doc.UpdateTime
		}(),
	}
	for _, item := range doc.Data.Items {
		cart.Items = append(cart.Items, decodeCartItem(item))
	}
	return cart, nil
}

// UpsertCart persists the cart using the user ID as document identifier.
func (r *CartRepository) UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}

	cartID := strings.TrimSpace(firstCartID(cart))
	if cartID == "" {
		return domain.Cart{}, errors.New("cart repository: cart id is required")
	}

	now := time.Now().UTC()
	if !cart.UpdatedAt.IsZero() {
		now = cart.UpdatedAt.UTC()
	}
	createdAt := cart.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = now
	}

	doc := cartDocument{
		Currency:  strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Items:     make([]cartItemDocument, 0, len(cart.Items)),
		CreatedAt: createdAt,
		UpdatedAt: now,
	}
	for _, item := range cart.Items {
		doc.Items = append(doc.Items, encodeCartItem(item))
	}

	result, err := r.base.Set(ctx, cartID, doc)
	if err != nil {
		return domain.Cart{}, err
	}

	saved := cloneCart(cart)
	saved.ID = cartID
	saved.UserID = cartID
	saved.Currency = doc.Currency
	saved.CreatedAt = createdAt
	saved.UpdatedAt = result.UpdateTime
	return saved, nil
}

// ClearCart removes the user's cart document. Clearing an absent cart is not
// an error.
func (r *CartRepository) ClearCart(ctx context.Context, userID string) error {
	if r == nil || r.base == nil {
		return errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return errors.New("cart repository: user id is required")
	}
	ref, err := r.base.DocumentRef(ctx, uid)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		wrapped := pfirestore.WrapError("carts.clear", err)
		var repoErr repositories.RepositoryError
		if errors.As(wrapped, &repoErr) && repoErr.IsNotFound() {
			return nil
		}
		return wrapped
	}
	return nil
}

func firstCartID(cart domain.Cart) string {
	if strings.TrimSpace(cart.ID) != "" {
		return strings.TrimSpace(cart.ID)
	}
	return strings.TrimSpace(cart.UserID)
}

func cloneCart(cart domain.Cart) domain.Cart {
	dup := cart
	if cart.Items != nil {
		dup.Items = make([]domain.CartItem, len(cart.Items))
		copy(dup.Items, cart.Items)
	}
	return dup
}

func cloneAnyMap(values map[string]any) map[string]any {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func normalizeTimePointer(value *time.Time) *time.Time {
	if value == nil || value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func encodeCartItem(item domain.CartItem) cartItemDocument {
	doc := cartItemDocument{
		ProductRef: strings.TrimSpace(item.ProductRef),
		Name:       strings.TrimSpace(item.Name),
		Kind:       string(item.Kind),
		Quantity:   item.Quantity,
		UnitPrice:  item.UnitPrice,
		TaxRate:    item.TaxRate,
		Metadata:   cloneAnyMap(item.Metadata),
	}
	if item.Subscription != nil {
		doc.Subscription = &subscriptionPolicyRecord{
			Period:   string(item.Subscription.Period),
			Duration: item.Subscription.Duration,
			Cycles:   item.Subscription.Cycles,
		}
	}
	return doc
}

func decodeCartItem(doc cartItemDocument) domain.CartItem {
	item := domain.CartItem{
		ProductRef: doc.ProductRef,
		Name:       doc.Name,
		Kind:       domain.ItemKind(doc.Kind),
		Quantity:   doc.Quantity,
		UnitPrice:  doc.UnitPrice,
		TaxRate:    doc.TaxRate,
		Metadata:   cloneAnyMap(doc.Metadata),
	}
	if doc.Subscription != nil {
		item.Subscription = &domain.SubscriptionPolicy{
			Period:   domain.PeriodUnit(doc.Subscription.Period),
			Duration: doc.Subscription.Duration,
			Cycles:   doc.Subscription.Cycles,
		}
	}
	return item
}

type cartDocument struct {
	Currency  string             `firestore:"currency"`
	Items     []cartItemDocument `firestore:"items"`
	CreatedAt time.Time          `firestore:"createdAt"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ProductRef   string                    `firestore:"productRef"`
	Name         string                    `firestore:"name"`
	Kind         string                    `firestore:"kind"`
	Quantity     int                       `firestore:"quantity"`
	UnitPrice    float64                   `firestore:"unitPrice"`
	TaxRate      *float64                  `firestore:"taxRate,omitempty"`
	Subscription *subscriptionPolicyRecord `firestore:"subscription,omitempty"`
	Metadata     map[string]any            `firestore:"metadata,omitempty"`
}

var _ repositories.CartRepository = (*CartRepository)(nil)

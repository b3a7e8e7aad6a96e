package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/craftmarket/api/internal/domain"
	pfirestore "github.com/craftmarket/api/internal/platform/firestore"
	"github.com/craftmarket/api/internal/repositories"
)

const subscriptionsCollection = "subscriptions"

// SubscriptionRepository persists subscription documents with their event history.
type SubscriptionRepository struct {
	base *pfirestore.BaseRepository[subscriptionDocument]
}

// NewSubscriptionRepository constructs a Firestore-backed subscription repository.
func NewSubscriptionRepository(provider *pfirestore.Provider) (*SubscriptionRepository, error) {
	if provider == nil {
		return nil, errors.New("subscription repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[subscriptionDocument](provider, subscriptionsCollection, nil, nil)
	return &SubscriptionRepository{base: base}, nil
}

// Insert stores a new subscription document. The ID must be unique.
func (r *SubscriptionRepository) Insert(ctx context.Context, sub domain.Subscription) error {
	if r == nil || r.base == nil {
		return errors.New("subscription repository not initialised")
	}
	subID := strings.TrimSpace(sub.ID)
	if subID == "" {
		return errors.New("subscription repository: subscription id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, subID)
	if err != nil {
		return err
	}
	doc := encodeSubscriptionDocument(sub)
	if _, err := docRef.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("subscriptions.insert", err)
	}
	return nil
}

// Update replaces the persisted subscription state with the provided snapshot.
func (r *SubscriptionRepository) Update(ctx context.Context, sub domain.Subscription) error {
	if r == nil || r.base == nil {
		return errors.New("subscription repository not initialised")
	}
	subID := strings.TrimSpace(sub.ID)
	if subID == "" {
		return errors.New("subscription repository: subscription id is required")
	}
	doc := encodeSubscriptionDocument(sub)
	if _, err := r.base.Set(ctx, subID, doc); err != nil {
		return err
	}
	return nil
}

// FindByID fetches a single subscription document.
func (r *SubscriptionRepository) FindByID(ctx context.Context, subscriptionID string) (domain.Subscription, error) {
	if r == nil || r.base == nil {
		return domain.Subscription{}, errors.New("subscription repository not initialised")
	}
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return domain.Subscription{}, errors.New("subscription repository: subscription id is required")
	}
	doc, err := r.base.Get(ctx, subscriptionID)
	if err != nil {
		return domain.Subscription{}, err
	}
	return decodeSubscriptionDocument(doc.ID, doc.Data), nil
}

// FindByAgreementID resolves the subscription a provider webhook refers to by
// the billing agreement reference the provider issued at activation.
func (r *SubscriptionRepository) FindByAgreementID(ctx context.Context, supplier string, agreementID string) (domain.Subscription, error) {
	if r == nil || r.base == nil {
		return domain.Subscription{}, errors.New("subscription repository not initialised")
	}
	agreementID = strings.TrimSpace(agreementID)
	if agreementID == "" {
		return domain.Subscription{}, errors.New("subscription repository: agreement id is required")
	}
	supplier = strings.TrimSpace(supplier)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("agreementId", "==", agreementID)
		if supplier != "" {
			q = q.Where("supplier", "==", supplier)
		}
		return q.Limit(1)
	})
	if err != nil {
		return domain.Subscription{}, err
	}
	if len(docs) == 0 {
		return domain.Subscription{}, pfirestore.WrapError("subscriptions.findByAgreement", status.Errorf(codes.NotFound, "no subscription for agreement %s", agreementID))
	}
	return decodeSubscriptionDocument(docs[0].ID, docs[0].Data), nil
}

// ListByOrder returns the subscriptions spawned from the given order.
func (r *SubscriptionRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Subscription, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("subscription repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errors.New("subscription repository: order id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID)
	})
	if err != nil {
		return nil, err
	}

	subs := make([]domain.Subscription, 0, len(docs))
	for _, doc := range docs {
		subs = append(subs, decodeSubscriptionDocument(doc.ID, doc.Data))
	}
	return subs, nil
}

// ListDue returns billable subscriptions whose next charge date is at or
// before the given instant, oldest first. Agreed subscriptions count too:
// their first charge may never have arrived and the sweep must see them.
func (r *SubscriptionRepository) ListDue(ctx context.Context, before time.Time, limit int) ([]domain.Subscription, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("subscription repository not initialised")
	}
	if before.IsZero() {
		return nil, errors.New("subscription repository: cutoff time is required")
	}
	if limit <= 0 {
		limit = 50
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.
			Where("status", "in", []string{
				string(domain.SubscriptionStatusActive),
				string(domain.SubscriptionStatusAgreed),
			}).
			Where("dates.nextCharge", "<=", before.UTC()).
			OrderBy("dates.nextCharge", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}

	subs := make([]domain.Subscription, 0, len(docs))
	for _, doc := range docs {
		subs = append(subs, decodeSubscriptionDocument(doc.ID, doc.Data))
	}
	return subs, nil
}

// ListByUser returns a page of the user's subscriptions, newest first.
func (r *SubscriptionRepository) ListByUser(ctx context.Context, userID string, filter repositories.SubscriptionListFilter) (domain.CursorPage[domain.Subscription], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Subscription]{}, errors.New("subscription repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.CursorPage[domain.Subscription]{}, errors.New("subscription repository: user id is required")
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	var startAfter []any
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		tokenTime, tokenID, err := decodeOrderListToken(token)
		if err != nil {
			return domain.CursorPage[domain.Subscription]{}, errors.New("subscription repository: invalid page token")
		}
		startAfter = []any{tokenTime, tokenID}
	}

	statusFilters := make([]string, 0, len(filter.Status))
	for _, s := range filter.Status {
		if value := strings.TrimSpace(string(s)); value != "" {
			statusFilters = append(statusFilters, value)
		}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("userId", "==", userID)
		if len(statusFilters) == 1 {
			q = q.Where("status", "==", statusFilters[0])
		} else if len(statusFilters) > 1 {
			if len(statusFilters) > 10 {
				statusFilters = statusFilters[:10]
			}
			q = q.Where("status", "in", statusFilters)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Subscription]{}, err
	}

	valueDocs := docs
	nextToken := ""
	if limit > 0 && len(valueDocs) == fetchLimit {
		last := valueDocs[len(valueDocs)-1]
		tokenTime := last.Data.CreatedAt
		if tokenTime.IsZero() {
			tokenTime = last.CreateTime
		}
		nextToken = encodeOrderListToken(tokenTime, last.ID)
		valueDocs = valueDocs[:len(valueDocs)-1]
	}

	items := make([]domain.Subscription, 0, len(valueDocs))
	for _, doc := range valueDocs {
		items = append(items, decodeSubscriptionDocument(doc.ID, doc.Data))
	}

	return domain.CursorPage[domain.Subscription]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

type subscriptionDocument struct {
	UserID          string                      `firestore:"userId"`
	OrderID         string                      `firestore:"orderId"`
	ProductRef      string                      `firestore:"productRef,omitempty"`
	Status          string                      `firestore:"status"`
	Period          string                      `firestore:"period"`
	Duration        int                         `firestore:"duration"`
	Cycles          int                         `firestore:"cycles"`
	CyclesBilled    int                         `firestore:"cyclesBilled"`
	Price           float64                     `firestore:"price"`
	Currency        string                      `firestore:"currency"`
	Supplier        string                      `firestore:"supplier,omitempty"`
	AgreementID     string                      `firestore:"agreementId,omitempty"`
	ProductSnapshot map[string]any              `firestore:"productSnapshot,omitempty"`
	TemplateOrder   *orderDocument              `firestore:"templateOrder,omitempty"`
	TemplateOrderID string                      `firestore:"templateOrderId,omitempty"`
	Dates           subscriptionDatesDocument   `firestore:"dates"`
	History         []subscriptionEventDocument `firestore:"history,omitempty"`
	CreatedAt       time.Time                   `firestore:"createdAt"`
	UpdatedAt       time.Time                   `firestore:"updatedAt"`
}

type subscriptionDatesDocument struct {
	Start      time.Time `firestore:"start"`
	NextCharge time.Time `firestore:"nextCharge"`
	End        time.Time `firestore:"end,omitempty"`
}

type subscriptionEventDocument struct {
	Action  string         `firestore:"action"`
	Actor   string         `firestore:"actor,omitempty"`
	At      time.Time      `firestore:"at"`
	Payload map[string]any `firestore:"payload,omitempty"`
}

func encodeSubscriptionDocument(sub domain.Subscription) subscriptionDocument {
	doc := subscriptionDocument{
		UserID:          strings.TrimSpace(sub.UserID),
		OrderID:         strings.TrimSpace(sub.OrderID),
		ProductRef:      strings.TrimSpace(sub.ProductRef),
		Status:          string(sub.Status),
		Period:          string(sub.Period),
		Duration:        sub.Duration,
		Cycles:          sub.Cycles,
		CyclesBilled:    sub.CyclesBilled,
		Price:           sub.Price,
		Currency:        strings.ToUpper(strings.TrimSpace(sub.Currency)),
		Supplier:        strings.TrimSpace(sub.Supplier),
		AgreementID:     strings.TrimSpace(sub.AgreementID),
		ProductSnapshot: cloneAnyMap(sub.ProductSnapshot),
		Dates: subscriptionDatesDocument{
			Start:      sub.Dates.Start.UTC(),
			NextCharge: sub.Dates.NextCharge.UTC(),
			End:        sub.Dates.End.UTC(),
		},
		CreatedAt: sub.CreatedAt.UTC(),
		UpdatedAt: sub.UpdatedAt.UTC(),
	}
	if sub.TemplateOrder != nil {
		template := encodeOrderDocument(*sub.TemplateOrder)
		doc.TemplateOrder = &template
		doc.TemplateOrderID = strings.TrimSpace(sub.TemplateOrder.ID)
	}
	if len(sub.History) > 0 {
		doc.History = make([]subscriptionEventDocument, 0, len(sub.History))
		for _, event := range sub.History {
			doc.History = append(doc.History, subscriptionEventDocument{
				Action:  strings.TrimSpace(event.Action),
				Actor:   strings.TrimSpace(event.Actor),
				At:      event.At.UTC(),
				Payload: cloneAnyMap(event.Payload),
			})
		}
	}
	return doc
}

func decodeSubscriptionDocument(id string, doc subscriptionDocument) domain.Subscription {
	sub := domain.Subscription{
		ID:              id,
		UserID:          doc.UserID,
		OrderID:         doc.OrderID,
		ProductRef:      doc.ProductRef,
		Status:          domain.SubscriptionStatus(doc.Status),
		Period:          domain.PeriodUnit(doc.Period),
		Duration:        doc.Duration,
		Cycles:          doc.Cycles,
		CyclesBilled:    doc.CyclesBilled,
		Price:           doc.Price,
		Currency:        doc.Currency,
		Supplier:        doc.Supplier,
		AgreementID:     doc.AgreementID,
		ProductSnapshot: cloneAnyMap(doc.ProductSnapshot),
		Dates: domain.SubscriptionDates{
			Start:      doc.Dates.Start.UTC(),
			NextCharge: doc.Dates.NextCharge.UTC(),
			End:        doc.Dates.End.UTC(),
		},
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
	if doc.TemplateOrder != nil {
		template := decodeOrderDocument(doc.TemplateOrderID, *doc.TemplateOrder)
		sub.TemplateOrder = &template
	}
	if len(doc.History) > 0 {
		sub.History = make([]domain.SubscriptionEvent, 0, len(doc.History))
		for _, event := range doc.History {
			sub.History = append(sub.History, domain.SubscriptionEvent{
				Action:  event.Action,
				Actor:   event.Actor,
				At:      event.At.UTC(),
				Payload: cloneAnyMap(event.Payload),
			})
		}
	}
	return sub
}

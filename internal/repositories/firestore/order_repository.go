package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/craftmarket/api/internal/domain"
	pfirestore "github.com/craftmarket/api/internal/platform/firestore"
	"github.com/craftmarket/api/internal/platform/pagination"
	"github.com/craftmarket/api/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists order documents including items, prices and the payment log.
type OrderRepository struct {
	base     *pfirestore.BaseRepository[orderDocument]
	provider *pfirestore.Provider
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{base: base, provider: provider}, nil
}

// Insert stores a new order document. The ID must be unique.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, orderID)
	if err != nil {
		return err
	}
	doc := encodeOrderDocument(order)
	if _, err := docRef.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// Update replaces the stored order. The write runs in a transaction that
// compares the stored changedAt with the one carried by the supplied order and
// fails with a conflict when another writer got there first.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}

	expected := order.ChangedAt.UTC()
	doc := encodeOrderDocument(order)
	doc.ChangedAt = time.Now().UTC()

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var stored struct {
			ChangedAt time.Time `firestore:"changedAt"`
		}
		if err := snapshot.DataTo(&stored); err != nil {
			return err
		}
		if !expected.IsZero() && !stored.ChangedAt.UTC().Equal(expected) {
			return errConcurrentOrderUpdate
		}
		return tx.Set(ref, doc)
	})
	if err != nil {
		if errors.Is(err, errConcurrentOrderUpdate) {
			return pfirestore.WrapError("orders.update", status.Errorf(codes.Aborted, "order %s changed concurrently", orderID))
		}
		return pfirestore.WrapError("orders.update", err)
	}
	return nil
}

// FindByID fetches a single order document.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrderDocument(doc.ID, doc.Data), nil
}

// FindByCorrelation resolves the order a provider callback refers to. Both the
// provider-issued reference (externalId) and our own invoice reference
// (externalCode) are consulted because providers echo back different fields
// depending on the event family.
func (r *OrderRepository) FindByCorrelation(ctx context.Context, supplier string, correlationID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	supplier = strings.TrimSpace(supplier)
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return domain.Order{}, errors.New("order repository: correlation id is required")
	}

	for _, field := range []string{"externalId", "externalCode"} {
		docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
			q = q.Where(field, "==", correlationID)
			if supplier != "" {
				q = q.Where("paymentMethod", "==", supplier)
			}
			return q.Limit(1)
		})
		if err != nil {
			return domain.Order{}, err
		}
		if len(docs) > 0 {
			return decodeOrderDocument(docs[0].ID, docs[0].Data), nil
		}
	}
	return domain.Order{}, pfirestore.WrapError("orders.findByCorrelation", status.Errorf(codes.NotFound, "no order correlates to %s", correlationID))
}

// List returns orders matching the filter ordered by creation time.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	direction := firestore.Desc
	if filter.SortOrder == domain.SortAsc {
		direction = firestore.Asc
	}

	var startAfter []any
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		tokenTime, tokenID, err := decodeOrderListToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("order repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	statusFilters := make([]string, 0, len(filter.Status))
	for _, status := range filter.Status {
		value := strings.TrimSpace(string(status))
		if value != "" {
			statusFilters = append(statusFilters, value)
		}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if userID := strings.TrimSpace(filter.UserID); userID != "" {
			q = q.Where("userId", "==", userID)
		}
		if len(statusFilters) == 1 {
			q = q.Where("status", "==", statusFilters[0])
		} else if len(statusFilters) > 1 {
			// Firestore in clause supports up to 10 values.
			if len(statusFilters) > 10 {
				statusFilters = statusFilters[:10]
			}
			q = q.Where("status", "in", statusFilters)
		}
		if filter.CreatedAfter != nil && !filter.CreatedAfter.IsZero() {
			q = q.Where("createdAt", ">=", filter.CreatedAfter.UTC())
		}
		if filter.CreatedBefore != nil && !filter.CreatedBefore.IsZero() {
			q = q.Where("createdAt", "<", filter.CreatedBefore.UTC())
		}
		q = q.OrderBy("createdAt", direction).OrderBy(firestore.DocumentID, direction)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
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

	items := make([]domain.Order, 0, len(valueDocs))
	for _, doc := range valueDocs {
		items = append(items, decodeOrderDocument(doc.ID, doc.Data))
	}

	return domain.CursorPage[domain.Order]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

var errConcurrentOrderUpdate = errors.New("orders: concurrent update")

type orderDocument struct {
	OrderNumber    string                 `firestore:"orderNumber,omitempty"`
	Status         string                 `firestore:"status"`
	UserID         string                 `firestore:"userId,omitempty"`
	Currency       string                 `firestore:"currency"`
	Items          []orderItemDocument    `firestore:"items"`
	DeliveryMethod string                 `firestore:"deliveryMethod,omitempty"`
	PaymentMethod  string                 `firestore:"paymentMethod,omitempty"`
	InvoiceAddress *orderAddressDocument  `firestore:"invoiceAddress,omitempty"`
	Prices         orderPricesDocument    `firestore:"prices"`
	ExternalID     string                 `firestore:"externalId,omitempty"`
	ExternalCode   string                 `firestore:"externalCode,omitempty"`
	PaymentLog     []orderPaymentDocument `firestore:"paymentLog,omitempty"`
	ConfirmedAt    *time.Time             `firestore:"confirmedAt,omitempty"`
	CreatedAt      time.Time              `firestore:"createdAt"`
	ChangedAt      time.Time              `firestore:"changedAt"`
	SentAt         *time.Time             `firestore:"sentAt,omitempty"`
	PaidAt         *time.Time             `firestore:"paidAt,omitempty"`
	CanceledAt     *time.Time             `firestore:"canceledAt,omitempty"`
	CancelReason   string                 `firestore:"cancelReason,omitempty"`
	Metadata       map[string]any         `firestore:"metadata,omitempty"`
}

type orderItemDocument struct {
	ItemID         string                    `firestore:"itemId"`
	ProductRef     string                    `firestore:"productRef,omitempty"`
	Name           string                    `firestore:"name"`
	Kind           string                    `firestore:"kind"`
	Quantity       int                       `firestore:"quantity"`
	UnitPrice      float64                   `firestore:"unitPrice"`
	TaxRate        *float64                  `firestore:"taxRate,omitempty"`
	Total          float64                   `firestore:"total"`
	Tax            float64                   `firestore:"tax"`
	ResponseAction string                    `firestore:"responseAction,omitempty"`
	Subscription   *subscriptionPolicyRecord `firestore:"subscription,omitempty"`
	Metadata       map[string]any            `firestore:"metadata,omitempty"`
}

type subscriptionPolicyRecord struct {
	Period   string `firestore:"period"`
	Duration int    `firestore:"duration"`
	Cycles   int    `firestore:"cycles"`
}

type orderAddressDocument struct {
	Email   string `firestore:"email,omitempty"`
	Phone   string `firestore:"phone,omitempty"`
	Name    string `firestore:"name,omitempty"`
	Street  string `firestore:"street,omitempty"`
	Zip     string `firestore:"zip,omitempty"`
	City    string `firestore:"city,omitempty"`
	Country string `firestore:"country,omitempty"`
	Company string `firestore:"company,omitempty"`
}

type orderPricesDocument struct {
	Items      float64 `firestore:"items"`
	ItemsNet   float64 `firestore:"itemsNet"`
	Tax        float64 `firestore:"tax"`
	Delivery   float64 `firestore:"delivery"`
	PaymentFee float64 `firestore:"paymentFee"`
	Total      float64 `firestore:"total"`
	AmountDue  float64 `firestore:"amountDue"`
}

type orderPaymentDocument struct {
	EventID       string         `firestore:"eventId"`
	Supplier      string         `firestore:"supplier"`
	Kind          string         `firestore:"kind"`
	Status        string         `firestore:"status"`
	Amount        float64        `firestore:"amount"`
	Currency      string         `firestore:"currency"`
	CorrelationID string         `firestore:"correlationId,omitempty"`
	Raw           map[string]any `firestore:"raw,omitempty"`
	ReceivedAt    time.Time      `firestore:"receivedAt"`
}

func encodeOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:    strings.TrimSpace(order.OrderNumber),
		Status:         string(order.Status),
		UserID:         strings.TrimSpace(order.UserID),
		Currency:       strings.ToUpper(strings.TrimSpace(order.Currency)),
		DeliveryMethod: strings.TrimSpace(order.DeliveryMethod),
		PaymentMethod:  strings.TrimSpace(order.PaymentMethod),
		ExternalID:     strings.TrimSpace(order.ExternalID),
		ExternalCode:   strings.TrimSpace(order.ExternalCode),
		Metadata:       cloneAnyMap(order.Metadata),
		Prices: orderPricesDocument{
			Items:      order.Prices.Items,
			ItemsNet:   order.Prices.ItemsNet,
			Tax:        order.Prices.Tax,
			Delivery:   order.Prices.Delivery,
			PaymentFee: order.Prices.PaymentFee,
			Total:      order.Prices.Total,
			AmountDue:  order.Prices.AmountDue,
		},
		ConfirmedAt: normalizeTimePointer(order.ConfirmedAt),
		CreatedAt:   order.CreatedAt.UTC(),
		ChangedAt:   order.ChangedAt.UTC(),
		SentAt:      normalizeTimePointer(order.SentAt),
		PaidAt:      normalizeTimePointer(order.PaidAt),
		CanceledAt:  normalizeTimePointer(order.CanceledAt),
	}

	if order.CancelReason != nil {
		doc.CancelReason = strings.TrimSpace(*order.CancelReason)
	}

	if order.InvoiceAddress != nil {
		doc.InvoiceAddress = &orderAddressDocument{
			Email:   strings.TrimSpace(order.InvoiceAddress.Email),
			Phone:   strings.TrimSpace(order.InvoiceAddress.Phone),
			Name:    strings.TrimSpace(order.InvoiceAddress.Name),
			Street:  strings.TrimSpace(order.InvoiceAddress.Street),
			Zip:     strings.TrimSpace(order.InvoiceAddress.Zip),
			City:    strings.TrimSpace(order.InvoiceAddress.City),
			Country: strings.TrimSpace(order.InvoiceAddress.Country),
			Company: strings.TrimSpace(order.InvoiceAddress.Company),
		}
	}

	doc.Items = make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		doc.Items = append(doc.Items, encodeOrderItem(item))
	}

	if len(order.PaymentLog) > 0 {
		doc.PaymentLog = make([]orderPaymentDocument, 0, len(order.PaymentLog))
		for _, record := range order.PaymentLog {
			doc.PaymentLog = append(doc.PaymentLog, encodePaymentRecord(record))
		}
	}
	return doc
}

func encodeOrderItem(item domain.OrderItem) orderItemDocument {
	doc := orderItemDocument{
		ItemID:         strings.TrimSpace(item.ID),
		ProductRef:     strings.TrimSpace(item.ProductRef),
		Name:           strings.TrimSpace(item.Name),
		Kind:           string(item.Kind),
		Quantity:       item.Quantity,
		UnitPrice:      item.UnitPrice,
		TaxRate:        item.TaxRate,
		Total:          item.Total,
		Tax:            item.Tax,
		ResponseAction: strings.TrimSpace(item.ResponseAction),
		Metadata:       cloneAnyMap(item.Metadata),
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

func encodePaymentRecord(record domain.PaymentRecord) orderPaymentDocument {
	return orderPaymentDocument{
		EventID:       strings.TrimSpace(record.EventID),
		Supplier:      strings.TrimSpace(record.Supplier),
		Kind:          strings.TrimSpace(record.Kind),
		Status:        strings.TrimSpace(record.Status),
		Amount:        record.Amount,
		Currency:      strings.ToUpper(strings.TrimSpace(record.Currency)),
		CorrelationID: strings.TrimSpace(record.CorrelationID),
		Raw:           cloneAnyMap(record.Raw),
		ReceivedAt:    record.ReceivedAt.UTC(),
	}
}

func decodeOrderDocument(id string, doc orderDocument) domain.Order {
	order := domain.Order{
		ID:             id,
		OrderNumber:    doc.OrderNumber,
		Status:         domain.OrderStatus(doc.Status),
		UserID:         doc.UserID,
		Currency:       doc.Currency,
		DeliveryMethod: doc.DeliveryMethod,
		PaymentMethod:  doc.PaymentMethod,
		ExternalID:     doc.ExternalID,
		ExternalCode:   doc.ExternalCode,
		CancelReason:   optionalString(doc.CancelReason),
		Metadata:       cloneAnyMap(doc.Metadata),
		Prices: domain.OrderPrices{
			Items:      doc.Prices.Items,
			ItemsNet:   doc.Prices.ItemsNet,
			Tax:        doc.Prices.Tax,
			Delivery:   doc.Prices.Delivery,
			PaymentFee: doc.Prices.PaymentFee,
			Total:      doc.Prices.Total,
			AmountDue:  doc.Prices.AmountDue,
		},
		ConfirmedAt: normalizeTimePointer(doc.ConfirmedAt),
		CreatedAt:   doc.CreatedAt.UTC(),
		ChangedAt:   doc.ChangedAt.UTC(),
		SentAt:      normalizeTimePointer(doc.SentAt),
		PaidAt:      normalizeTimePointer(doc.PaidAt),
		CanceledAt:  normalizeTimePointer(doc.CanceledAt),
	}

	if doc.InvoiceAddress != nil {
		order.InvoiceAddress = &domain.InvoiceAddress{
			Email:   doc.InvoiceAddress.Email,
			Phone:   doc.InvoiceAddress.Phone,
			Name:    doc.InvoiceAddress.Name,
			Street:  doc.InvoiceAddress.Street,
			Zip:     doc.InvoiceAddress.Zip,
			City:    doc.InvoiceAddress.City,
			Country: doc.InvoiceAddress.Country,
			Company: doc.InvoiceAddress.Company,
		}
	}

	order.Items = make([]domain.OrderItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		order.Items = append(order.Items, decodeOrderItem(item))
	}

	if len(doc.PaymentLog) > 0 {
		order.PaymentLog = make([]domain.PaymentRecord, 0, len(doc.PaymentLog))
		for _, record := range doc.PaymentLog {
			order.PaymentLog = append(order.PaymentLog, domain.PaymentRecord{
				EventID:       record.EventID,
				Supplier:      record.Supplier,
				Kind:          record.Kind,
				Status:        record.Status,
				Amount:        record.Amount,
				Currency:      record.Currency,
				CorrelationID: record.CorrelationID,
				Raw:           cloneAnyMap(record.Raw),
				ReceivedAt:    record.ReceivedAt.UTC(),
			})
		}
	}
	return order
}

func decodeOrderItem(doc orderItemDocument) domain.OrderItem {
	item := domain.OrderItem{
		ID:             doc.ItemID,
		ProductRef:     doc.ProductRef,
		Name:           doc.Name,
		Kind:           domain.ItemKind(doc.Kind),
		Quantity:       doc.Quantity,
		UnitPrice:      doc.UnitPrice,
		TaxRate:        doc.TaxRate,
		Total:          doc.Total,
		Tax:            doc.Tax,
		ResponseAction: doc.ResponseAction,
		Metadata:       cloneAnyMap(doc.Metadata),
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

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func encodeOrderListToken(createdAt time.Time, docID string) string {
	token, err := pagination.EncodeToken(pagination.Cursor{
		StartAfter: []any{createdAt.UTC().Format(time.RFC3339Nano), docID},
	})
	if err != nil {
		return ""
	}
	return token
}

func decodeOrderListToken(token string) (time.Time, string, error) {
	cursor, err := pagination.DecodeToken(token)
	if err != nil {
		return time.Time{}, "", err
	}
	if len(cursor.StartAfter) != 2 {
		return time.Time{}, "", pagination.ErrInvalidPageToken
	}
	rawTime, timeOK := cursor.StartAfter[0].(string)
	docID, idOK := cursor.StartAfter[1].(string)
	if !timeOK || !idOK || docID == "" {
		return time.Time{}, "", pagination.ErrInvalidPageToken
	}
	createdAt, err := time.Parse(time.RFC3339Nano, rawTime)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", pagination.ErrInvalidPageToken, err)
	}
	return createdAt.UTC(), docID, nil
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/craftmarket/api/internal/domain"
	"github.com/craftmarket/api/internal/repositories"
)

const (
	subscriptionIDPrefix = "sub_"

	subscriptionEventCreated         = "created"
	subscriptionEventAgreed          = "agreed"
	subscriptionEventPayment         = "payment"
	subscriptionEventSuspended       = "suspended"
	subscriptionEventSuspendFailed   = "suspend_failed"
	subscriptionEventReactivated     = "reactivated"
	subscriptionEventReactivateError = "reactivate_failed"
	subscriptionEventStopped         = "stopped"
	subscriptionEventFinished        = "finished"

	// calculateDateEnd advances period by period; the cap guards against
	// runaway cycle counts.
	maxEndDateIterations = 1000
)

var (
	// ErrSubscriptionInvalidInput signals the caller provided invalid data.
	ErrSubscriptionInvalidInput = errors.New("subscription: invalid input")
	// ErrSubscriptionNotFound indicates the subscription could not be located.
	ErrSubscriptionNotFound = errors.New("subscription: not found")
	// ErrSubscriptionInvalidState indicates an invalid lifecycle transition was attempted.
	ErrSubscriptionInvalidState = errors.New("subscription: invalid lifecycle transition")
	// ErrSubscriptionForbidden indicates the caller may not access the subscription.
	ErrSubscriptionForbidden = errors.New("subscription: forbidden")
	// ErrSubscriptionProvider indicates the billing provider rejected a lifecycle change.
	ErrSubscriptionProvider = errors.New("subscription: provider rejected the change")
)

// agreementGateway abstracts the provider-side agreement lifecycle calls.
type agreementGateway interface {
	SuspendAgreement(ctx context.Context, agreementID string) error
	ReactivateAgreement(ctx context.Context, agreementID string) error
	CancelAgreement(ctx context.Context, agreementID string) error
}

// SubscriptionServiceDeps bundles collaborators for the subscription service.
type SubscriptionServiceDeps struct {
	Subscriptions repositories.SubscriptionRepository
	Orders        repositories.OrderRepository
	Policies      repositories.PricePolicyRepository
	Counters      repositories.CounterRepository
	Pricing       PriceCalculator
	Agreements    agreementGateway
	UnitOfWork    repositories.UnitOfWork
	// SweepTolerance is the grace window past the next charge date before
	// the daily sweep suspends a subscription. Defaults to 72 hours.
	SweepTolerance time.Duration
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type subscriptionService struct {
	subscriptions  repositories.SubscriptionRepository
	orders         repositories.OrderRepository
	policies       repositories.PricePolicyRepository
	counters       repositories.CounterRepository
	pricing        PriceCalculator
	agreements     agreementGateway
	unitOfWork     repositories.UnitOfWork
	sweepTolerance time.Duration
	clock          func() time.Time
	newID          func() string
	logger         func(context.Context, string, map[string]any)
}

// NewSubscriptionService wires dependencies into a concrete SubscriptionService.
func NewSubscriptionService(deps SubscriptionServiceDeps) (SubscriptionService, error) {
	if deps.Subscriptions == nil {
		return nil, errors.New("subscription service: subscription repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("subscription service: order repository is required")
	}
	if deps.Policies == nil {
		return nil, errors.New("subscription service: price policy repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("subscription service: counter repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("subscription service: price calculator is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	tolerance := deps.SweepTolerance
	if tolerance <= 0 {
		tolerance = 72 * time.Hour
	}

	return &subscriptionService{
		subscriptions:  deps.Subscriptions,
		orders:         deps.Orders,
		policies:       deps.Policies,
		counters:       deps.Counters,
		pricing:        deps.Pricing,
		agreements:     deps.Agreements,
		unitOfWork:     unit,
		sweepTolerance: tolerance,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// CreateFromOrder spawns one subscription per subscription-kind item of a
// saved order. The order itself is stored as a sanitized template used to
// mint each renewal order.
func (s *subscriptionService) CreateFromOrder(ctx context.Context, order Order) ([]Subscription, error) {
	if strings.TrimSpace(order.ID) == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrSubscriptionInvalidInput)
	}

	now := s.now()
	template := sanitizeTemplateOrder(order)

	var created []Subscription
	for _, item := range order.Items {
		if item.Kind != domain.ItemKindSubscription || item.Subscription == nil {
			continue
		}
		policy := *item.Subscription
		if policy.Duration <= 0 {
			return nil, fmt.Errorf("%w: item %s has a non-positive billing duration", ErrSubscriptionInvalidInput, item.ID)
		}

		sub := Subscription{
			ID:           subscriptionIDPrefix + s.newID(),
			UserID:       order.UserID,
			OrderID:      order.ID,
			ProductRef:   item.ProductRef,
			Status:       domain.SubscriptionStatusInactive,
			Period:       policy.Period,
			Duration:     policy.Duration,
			Cycles:       policy.Cycles,
			CyclesBilled: 0,
			Price:        item.Total,
			Currency:     order.Currency,
			ProductSnapshot: map[string]any{
				"name":      item.Name,
				"unitPrice": item.UnitPrice,
				"quantity":  item.Quantity,
			},
			TemplateOrder: &template,
			Dates: domain.SubscriptionDates{
				Start:      now,
				NextCharge: now,
				End:        calculateDateEnd(now, policy.Period, policy.Duration, policy.Cycles),
			},
			History: []SubscriptionEvent{{
				Action: subscriptionEventCreated,
				Actor:  "system",
				At:     now,
				Payload: map[string]any{
					"orderId": order.ID,
					"itemId":  item.ID,
				},
			}},
			CreatedAt: now,
			UpdatedAt: now,
		}

		if err := s.subscriptions.Insert(ctx, sub); err != nil {
			return created, s.mapRepositoryError(err)
		}
		created = append(created, sub)
	}

	return created, nil
}

func (s *subscriptionService) GetSubscription(ctx context.Context, cmd GetSubscriptionCommand) (Subscription, error) {
	subID := strings.TrimSpace(cmd.SubscriptionID)
	if subID == "" {
		return Subscription{}, fmt.Errorf("%w: subscription id is required", ErrSubscriptionInvalidInput)
	}

	sub, err := s.subscriptions.FindByID(ctx, subID)
	if err != nil {
		return Subscription{}, s.mapRepositoryError(err)
	}
	if userID := strings.TrimSpace(cmd.UserID); userID != "" && sub.UserID != userID {
		return Subscription{}, fmt.Errorf("%w: subscription %s belongs to another user", ErrSubscriptionForbidden, subID)
	}
	return sub, nil
}

func (s *subscriptionService) ListSubscriptions(ctx context.Context, userID string, filter SubscriptionListFilter) (domain.CursorPage[Subscription], error) {
	if strings.TrimSpace(userID) == "" {
		return domain.CursorPage[Subscription]{}, fmt.Errorf("%w: user id is required", ErrSubscriptionInvalidInput)
	}
	page, err := s.subscriptions.ListByUser(ctx, userID, filter)
	if err != nil {
		return domain.CursorPage[Subscription]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// MarkAgreed stamps the accepted provider agreement onto the order's
// subscriptions and moves them from inactive to agreed.
func (s *subscriptionService) MarkAgreed(ctx context.Context, cmd AgreementCommand) ([]Subscription, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	agreementID := strings.TrimSpace(cmd.AgreementID)
	if orderID == "" || agreementID == "" {
		return nil, fmt.Errorf("%w: order id and agreement id are required", ErrSubscriptionInvalidInput)
	}

	subs, err := s.subscriptions.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}

	now := s.now()
	var updated []Subscription
	for _, sub := range subs {
		if isTerminalSubscriptionStatus(sub.Status) {
			continue
		}
		sub.Supplier = strings.TrimSpace(cmd.Supplier)
		sub.AgreementID = agreementID
		if sub.Status == domain.SubscriptionStatusInactive {
			sub.Status = domain.SubscriptionStatusAgreed
		}
		sub.History = append(sub.History, SubscriptionEvent{
			Action: subscriptionEventAgreed,
			Actor:  "system",
			At:     now,
			Payload: map[string]any{
				"agreementId": agreementID,
				"supplier":    sub.Supplier,
			},
		})
		sub.UpdatedAt = now

		if err := s.subscriptions.Update(ctx, sub); err != nil {
			return updated, s.mapRepositoryError(err)
		}
		updated = append(updated, sub)
	}

	return updated, nil
}

// AdvanceAfterPayment records a settled recurring charge. The first payment
// finalises the originating order; every later one mints a paid renewal
// order from the stored template. The next charge date always advances from
// its previous value, so late webhooks cannot drift the schedule.
func (s *subscriptionService) AdvanceAfterPayment(ctx context.Context, cmd AdvancePaymentCommand) (Subscription, error) {
	subID := strings.TrimSpace(cmd.SubscriptionID)
	if subID == "" {
		return Subscription{}, fmt.Errorf("%w: subscription id is required", ErrSubscriptionInvalidInput)
	}
	eventID := strings.TrimSpace(cmd.Record.EventID)
	if eventID == "" {
		return Subscription{}, fmt.Errorf("%w: payment record event id is required", ErrSubscriptionInvalidInput)
	}

	sub, err := s.subscriptions.FindByID(ctx, subID)
	if err != nil {
		return Subscription{}, s.mapRepositoryError(err)
	}

	if subscriptionHasPaymentEvent(sub, eventID) {
		return sub, nil
	}
	if isTerminalSubscriptionStatus(sub.Status) {
		return Subscription{}, fmt.Errorf("%w: subscription %s is %s", ErrSubscriptionInvalidState, subID, sub.Status)
	}

	now := s.now()
	sub.CyclesBilled++

	if sub.CyclesBilled == 1 {
		if err := s.finalizeOriginOrder(ctx, sub.OrderID, cmd.Record, now); err != nil {
			s.logger(ctx, "subscription.origin.finalize.failed", map[string]any{
				"subscription": sub.ID,
				"order":        sub.OrderID,
				"error":        err.Error(),
			})
		}
		if sub.Status == domain.SubscriptionStatusInactive || sub.Status == domain.SubscriptionStatusAgreed {
			sub.Status = domain.SubscriptionStatusActive
		}
	} else {
		renewalID, err := s.mintRenewalOrder(ctx, sub, cmd.Record, now)
		if err != nil {
			s.logger(ctx, "subscription.renewal.mint.failed", map[string]any{
				"subscription": sub.ID,
				"error":        err.Error(),
			})
		} else {
			s.logger(ctx, "subscription.renewal.minted", map[string]any{
				"subscription": sub.ID,
				"order":        renewalID,
			})
		}
	}

	exhausted := sub.Cycles > 0 && sub.CyclesBilled >= sub.Cycles
	if !exhausted {
		sub.Dates.NextCharge = calculateDateOrderNext(sub.Dates.NextCharge, sub.Period, sub.Duration)
	}

	sub.History = append(sub.History, SubscriptionEvent{
		Action: subscriptionEventPayment,
		Actor:  "system",
		At:     now,
		Payload: map[string]any{
			"eventId": eventID,
			"amount":  cmd.Record.Amount,
			"cycle":   sub.CyclesBilled,
		},
	})

	if exhausted {
		sub.Status = domain.SubscriptionStatusStopped
		sub.History = append(sub.History, SubscriptionEvent{
			Action:  subscriptionEventStopped,
			Actor:   "system",
			At:      now,
			Payload: map[string]any{"cyclesBilled": sub.CyclesBilled},
		})
		s.cancelProviderAgreement(ctx, sub)
	}

	sub.UpdatedAt = now
	if err := s.subscriptions.Update(ctx, sub); err != nil {
		return Subscription{}, s.mapRepositoryError(err)
	}
	return sub, nil
}

func (s *subscriptionService) Suspend(ctx context.Context, cmd SuspendSubscriptionCommand) (SubscriptionActionResult, error) {
	return s.changeBillingState(ctx, cmd, domain.SubscriptionStatusSuspended)
}

func (s *subscriptionService) Reactivate(ctx context.Context, cmd SuspendSubscriptionCommand) (SubscriptionActionResult, error) {
	return s.changeBillingState(ctx, cmd, domain.SubscriptionStatusActive)
}

// changeBillingState handles suspend and reactivate symmetrically: the
// provider call happens first, local state only changes on its success, and
// failures are recorded in the history either way.
func (s *subscriptionService) changeBillingState(ctx context.Context, cmd SuspendSubscriptionCommand, target domain.SubscriptionStatus) (SubscriptionActionResult, error) {
	subID := strings.TrimSpace(cmd.SubscriptionID)
	if subID == "" {
		return SubscriptionActionResult{}, fmt.Errorf("%w: subscription id is required", ErrSubscriptionInvalidInput)
	}

	sub, err := s.subscriptions.FindByID(ctx, subID)
	if err != nil {
		return SubscriptionActionResult{}, s.mapRepositoryError(err)
	}
	if actorID := strings.TrimSpace(cmd.ActorID); actorID != "" && cmd.ActorType == "user" && sub.UserID != actorID {
		return SubscriptionActionResult{}, fmt.Errorf("%w: subscription %s belongs to another user", ErrSubscriptionForbidden, subID)
	}

	var expected domain.SubscriptionStatus
	var successEvent, failureEvent string
	var providerCall func(context.Context, string) error
	switch target {
	case domain.SubscriptionStatusSuspended:
		expected = domain.SubscriptionStatusActive
		successEvent, failureEvent = subscriptionEventSuspended, subscriptionEventSuspendFailed
		if s.agreements != nil {
			providerCall = s.agreements.SuspendAgreement
		}
	case domain.SubscriptionStatusActive:
		expected = domain.SubscriptionStatusSuspended
		successEvent, failureEvent = subscriptionEventReactivated, subscriptionEventReactivateError
		if s.agreements != nil {
			providerCall = s.agreements.ReactivateAgreement
		}
	default:
		return SubscriptionActionResult{}, fmt.Errorf("%w: unsupported target status %q", ErrSubscriptionInvalidInput, target)
	}

	if sub.Status != expected {
		return SubscriptionActionResult{}, fmt.Errorf("%w: subscription %s is %s, expected %s", ErrSubscriptionInvalidState, subID, sub.Status, expected)
	}

	agreementID := resolveAgreementID(sub)
	if agreementID == "" {
		return SubscriptionActionResult{}, fmt.Errorf("%w: subscription %s has no billing agreement", ErrSubscriptionInvalidState, subID)
	}

	now := s.now()
	actor := strings.TrimSpace(cmd.ActorID)
	if actor == "" {
		actor = "system"
	}

	if providerCall != nil {
		if err := providerCall(ctx, agreementID); err != nil {
			sub.History = append(sub.History, SubscriptionEvent{
				Action: failureEvent,
				Actor:  actor,
				At:     now,
				Payload: map[string]any{
					"agreementId": agreementID,
					"error":       err.Error(),
				},
			})
			sub.UpdatedAt = now
			if updateErr := s.subscriptions.Update(ctx, sub); updateErr != nil {
				s.logger(ctx, "subscription.history.update.failed", map[string]any{
					"subscription": sub.ID,
					"error":        updateErr.Error(),
				})
			}
			return SubscriptionActionResult{Success: false, Subscription: sub, AgreementID: agreementID},
				fmt.Errorf("%w: %v", ErrSubscriptionProvider, err)
		}
	}

	sub.Status = target
	sub.History = append(sub.History, SubscriptionEvent{
		Action:  successEvent,
		Actor:   actor,
		At:      now,
		Payload: map[string]any{"agreementId": agreementID, "actorType": cmd.ActorType},
	})
	sub.UpdatedAt = now

	if err := s.subscriptions.Update(ctx, sub); err != nil {
		return SubscriptionActionResult{}, s.mapRepositoryError(err)
	}

	return SubscriptionActionResult{Success: true, Subscription: sub, AgreementID: agreementID}, nil
}

// CheckSubscriptions is the daily sweep. It finishes subscriptions past
// their end date and suspends the ones whose expected charge never arrived
// within the tolerance window.
func (s *subscriptionService) CheckSubscriptions(ctx context.Context, now time.Time) (SubscriptionSweepSummary, error) {
	if now.IsZero() {
		now = s.now()
	}
	now = now.UTC()

	summary := SubscriptionSweepSummary{}
	due, err := s.subscriptions.ListDue(ctx, now, 0)
	if err != nil {
		return summary, s.mapRepositoryError(err)
	}

	for _, sub := range due {
		summary.Scanned++

		switch {
		case !sub.Dates.End.IsZero() && now.After(sub.Dates.End):
			sub.Status = domain.SubscriptionStatusFinished
			sub.History = append(sub.History, SubscriptionEvent{
				Action:  subscriptionEventFinished,
				Actor:   "system",
				At:      now,
				Payload: map[string]any{"endDate": sub.Dates.End},
			})
			sub.UpdatedAt = now
			if err := s.subscriptions.Update(ctx, sub); err != nil {
				summary.Failed++
				s.logger(ctx, "subscription.sweep.finish.failed", map[string]any{
					"subscription": sub.ID,
					"error":        err.Error(),
				})
				continue
			}
			s.cancelProviderAgreement(ctx, sub)
			summary.Finished++

		case now.Sub(sub.Dates.NextCharge) > s.sweepTolerance:
			agreementID := resolveAgreementID(sub)
			if s.agreements != nil && agreementID != "" {
				if err := s.agreements.SuspendAgreement(ctx, agreementID); err != nil {
					summary.Failed++
					s.logger(ctx, "subscription.sweep.suspend.failed", map[string]any{
						"subscription": sub.ID,
						"error":        err.Error(),
					})
					continue
				}
			}
			sub.Status = domain.SubscriptionStatusSuspended
			sub.History = append(sub.History, SubscriptionEvent{
				Action:  subscriptionEventSuspended,
				Actor:   "system",
				At:      now,
				Payload: map[string]any{"reason": "charge overdue", "nextCharge": sub.Dates.NextCharge},
			})
			sub.UpdatedAt = now
			if err := s.subscriptions.Update(ctx, sub); err != nil {
				summary.Failed++
				s.logger(ctx, "subscription.sweep.update.failed", map[string]any{
					"subscription": sub.ID,
					"error":        err.Error(),
				})
				continue
			}
			summary.Suspended++
		}
	}

	return summary, nil
}

// finalizeOriginOrder marks the originating order paid after the first
// recurring charge settled.
func (s *subscriptionService) finalizeOriginOrder(ctx context.Context, orderID string, record PaymentRecord, now time.Time) error {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return s.mapRepositoryError(err)
	}
	if order.Status == domain.OrderStatusPaid || order.Status == domain.OrderStatusCanceled {
		return nil
	}

	log, appended := AppendPaymentRecord(order.PaymentLog, record)
	if !appended {
		return nil
	}
	order.PaymentLog = log

	policy, err := s.policies.Get(ctx, order.Currency)
	if err != nil {
		return s.mapRepositoryError(err)
	}
	order, err = s.pricing.Recalculate(ctx, order, policy, CalcTotals)
	if err != nil {
		return err
	}

	if order.Prices.AmountDue <= 0 {
		if order.Status == domain.OrderStatusSaved {
			order.SentAt = &now
		}
		order.Status = domain.OrderStatusPaid
		order.PaidAt = &now
	}
	order.ChangedAt = now

	if err := s.orders.Update(ctx, order); err != nil {
		return s.mapRepositoryError(err)
	}
	return nil
}

// mintRenewalOrder clones the stored template into a fresh, already paid
// order for the settled billing cycle.
func (s *subscriptionService) mintRenewalOrder(ctx context.Context, sub Subscription, record PaymentRecord, now time.Time) (string, error) {
	if sub.TemplateOrder == nil {
		return "", fmt.Errorf("%w: subscription %s has no template order", ErrSubscriptionInvalidState, sub.ID)
	}

	order := cloneTemplateOrder(*sub.TemplateOrder)
	order.ID = orderIDPrefix + s.newID()
	order.UserID = sub.UserID
	order.Currency = sub.Currency

	seq, err := s.counters.Next(ctx, orderNumberCounter, 1)
	if err != nil {
		return "", err
	}
	order.OrderNumber = fmt.Sprintf("CM-%04d-%06d", now.Year(), seq)

	policy, err := s.policies.Get(ctx, order.Currency)
	if err != nil {
		return "", s.mapRepositoryError(err)
	}
	order, err = s.pricing.Recalculate(ctx, order, policy, CalcAll)
	if err != nil {
		return "", err
	}

	order.PaymentLog = []PaymentRecord{record}
	order, err = s.pricing.Recalculate(ctx, order, policy, CalcTotals)
	if err != nil {
		return "", err
	}

	order.Status = domain.OrderStatusPaid
	order.CreatedAt = now
	order.ChangedAt = now
	order.SentAt = &now
	order.PaidAt = &now
	order.Metadata = cloneAndMergeMetadata(order.Metadata, map[string]any{
		"subscriptionId": sub.ID,
		"billingCycle":   sub.CyclesBilled,
	})

	if err := s.orders.Insert(ctx, order); err != nil {
		return "", s.mapRepositoryError(err)
	}
	return order.ID, nil
}

func (s *subscriptionService) cancelProviderAgreement(ctx context.Context, sub Subscription) {
	if s.agreements == nil {
		return
	}
	agreementID := resolveAgreementID(sub)
	if agreementID == "" {
		return
	}
	if err := s.agreements.CancelAgreement(ctx, agreementID); err != nil {
		s.logger(ctx, "subscription.agreement.cancel.failed", map[string]any{
			"subscription": sub.ID,
			"agreement":    agreementID,
			"error":        err.Error(),
		})
	}
}

func (s *subscriptionService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrSubscriptionNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("subscription: conflict: %w", err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("subscription: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *subscriptionService) now() time.Time {
	return s.clock()
}

// Date arithmetic ------------------------------------------------------------

// calculateDateOrderNext advances a charge date by one billing period. The
// new value derives from the previous one, never from the current time.
// Month and year arithmetic clamps to the last valid day of the target
// month, so a Jan 31 schedule bills on Feb 29 in a leap year.
func calculateDateOrderNext(prev time.Time, period PeriodUnit, duration int) time.Time {
	if duration <= 0 {
		duration = 1
	}
	switch period {
	case domain.PeriodDay:
		return prev.AddDate(0, 0, duration)
	case domain.PeriodWeek:
		return prev.AddDate(0, 0, 7*duration)
	case domain.PeriodMonth:
		return addMonthsClamped(prev, duration)
	case domain.PeriodYear:
		return addMonthsClamped(prev, 12*duration)
	default:
		return prev.AddDate(0, 0, duration)
	}
}

// calculateDateEnd projects a subscription's end by advancing the start
// date once per billing cycle. Unbounded subscriptions run through the full
// iteration cap, which lands their end date far in the future.
func calculateDateEnd(start time.Time, period PeriodUnit, duration int, cycles int) time.Time {
	iterations := cycles
	if iterations <= 0 || iterations > maxEndDateIterations {
		iterations = maxEndDateIterations
	}
	end := start
	for i := 0; i < iterations; i++ {
		end = calculateDateOrderNext(end, period, duration)
	}
	return end
}

func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, minute, second := t.Clock()

	totalMonths := int(month) - 1 + months
	targetYear := year + totalMonths/12
	targetMonth := time.Month(totalMonths%12 + 1)
	if totalMonths < 0 {
		// Go's modulo keeps the sign of the dividend.
		targetYear = year + (totalMonths-11)/12
		targetMonth = time.Month((totalMonths%12+12)%12 + 1)
	}

	if last := daysInMonth(targetYear, targetMonth); day > last {
		day = last
	}
	return time.Date(targetYear, targetMonth, day, hour, minute, second, t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func resolveAgreementID(sub Subscription) string {
	if agreementID := strings.TrimSpace(sub.AgreementID); agreementID != "" {
		return agreementID
	}
	// Older records carry the agreement only in the history payload.
	for i := len(sub.History) - 1; i >= 0; i-- {
		event := sub.History[i]
		if event.Action != subscriptionEventAgreed {
			continue
		}
		if raw, ok := event.Payload["agreementId"]; ok {
			if agreementID, ok := raw.(string); ok && strings.TrimSpace(agreementID) != "" {
				return strings.TrimSpace(agreementID)
			}
		}
	}
	return ""
}

func subscriptionHasPaymentEvent(sub Subscription, eventID string) bool {
	for _, event := range sub.History {
		if event.Action != subscriptionEventPayment {
			continue
		}
		if raw, ok := event.Payload["eventId"]; ok {
			if id, ok := raw.(string); ok && id == eventID {
				return true
			}
		}
	}
	return false
}

func isTerminalSubscriptionStatus(status SubscriptionStatus) bool {
	return status == domain.SubscriptionStatusStopped || status == domain.SubscriptionStatusFinished
}

// sanitizeTemplateOrder strips everything transactional from the originating
// order so the remainder can mint renewal orders: fresh status, no payment
// history, no external references, zeroed totals.
func sanitizeTemplateOrder(order Order) Order {
	template := order
	template.ID = ""
	template.OrderNumber = ""
	template.Status = domain.OrderStatusCart
	template.Prices = domain.OrderPrices{}
	template.ExternalID = ""
	template.ExternalCode = ""
	template.PaymentLog = nil
	template.ConfirmedAt = nil
	template.SentAt = nil
	template.PaidAt = nil
	template.CanceledAt = nil
	template.CancelReason = nil
	template.CreatedAt = time.Time{}
	template.ChangedAt = time.Time{}
	template.Metadata = cloneMap(order.Metadata)

	items := make([]domain.OrderItem, 0, len(order.Items))
	for _, item := range order.Items {
		cloned := item
		cloned.Total = 0
		cloned.Tax = 0
		cloned.ResponseAction = ""
		cloned.TaxRate = cloneFloatPtr(item.TaxRate)
		cloned.Subscription = cloneSubscriptionPolicy(item.Subscription)
		cloned.Metadata = cloneMap(item.Metadata)
		items = append(items, cloned)
	}
	template.Items = items

	if order.InvoiceAddress != nil {
		addr := *order.InvoiceAddress
		template.InvoiceAddress = &addr
	}
	return template
}

func cloneTemplateOrder(template Order) Order {
	return sanitizeTemplateOrder(template)
}

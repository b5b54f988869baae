package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tabshare/tabshare-api/internal/events"
	"github.com/tabshare/tabshare-api/internal/types"
	"github.com/tabshare/tabshare-api/pkg/response"
	"gorm.io/gorm"
)

// Gateway creates payment intents with the external payment provider.
// Implementations carry their own transport; calls are bounded by ctx.
type Gateway interface {
	CreateIntent(ctx context.Context, identity string, amount float64, document string) (*types.PaymentIntent, error)
}

// Options tune the engine's time bounds. Zero values fall back to defaults.
type Options struct {
	DefaultTTL     time.Duration // group lifetime when the host does not pick one
	LockTimeout    time.Duration // bounded wait on the per-group lock
	GatewayTimeout time.Duration // bounded wait on intent creation
}

// Service is the reconciliation engine. It is the only component that
// mutates the (GroupOrder, MemberLedgerEntry) aggregate.
type Service struct {
	db        *Database
	gateway   Gateway
	publisher events.Publisher
	locks     *groupLocks
	opts      Options
}

func NewService(gormDB *gorm.DB, gateway Gateway, publisher events.Publisher, opts Options) *Service {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 15 * time.Minute
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = 5 * time.Second
	}
	return &Service{
		db:        NewDatabase(gormDB),
		gateway:   gateway,
		publisher: publisher,
		locks:     newGroupLocks(),
		opts:      opts,
	}
}

// CreateGroup opens a shared bill for a priced cart. The source order and
// the group order are written atomically.
func (s *Service) CreateGroup(cart []types.CartItem, total float64, currency, tableCode string, ttl time.Duration) (*types.CreateGroupResponse, error) {
	if total <= 0 {
		return nil, &types.ValidationError{Field: "total", Reason: "must be greater than zero"}
	}
	if len(cart) == 0 {
		return nil, &types.ValidationError{Field: "cart", Reason: "must not be empty"}
	}
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	if currency == "" {
		currency = "BRL"
	}

	items, err := json.Marshal(cart)
	if err != nil {
		return nil, &types.ValidationError{Field: "cart", Reason: "not serializable"}
	}

	now := time.Now()
	source := &types.SourceOrder{
		SourceOrderID: "SRC_" + uuid.New().String(),
		TableCode:     tableCode,
		Items:         string(items),
		TotalAmount:   total,
		Currency:      currency,
		Status:        "OPEN",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	group := &types.GroupOrder{
		GroupID:       "GRP_" + uuid.New().String(),
		SourceOrderID: source.SourceOrderID,
		TargetAmount:  total,
		Currency:      currency,
		Status:        types.GroupStatusPending,
		Deadline:      now.Add(ttl),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.db.CreateGroupWithSource(source, group); err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "reconcile").
		Str("group_id", group.GroupID).
		Str("source_order_id", source.SourceOrderID).
		Float64("target_amount", group.TargetAmount).
		Time("deadline", group.Deadline).
		Msg("group order opened")

	return &types.CreateGroupResponse{
		GroupOrderID:  group.GroupID,
		SourceOrderID: source.SourceOrderID,
		TargetAmount:  group.TargetAmount,
		Currency:      group.Currency,
		Deadline:      group.Deadline,
	}, nil
}

// JoinAndInitiatePayment registers a guest's declared share and creates a
// payment intent for it. Declared shares are not reserved against the
// remaining balance; only confirmed payments count toward completion.
func (s *Service) JoinAndInitiatePayment(groupID, identity string, shareAmount float64, document string) (*types.JoinResponse, error) {
	logger := log.With().
		Str("service", "reconcile").
		Str("group_id", groupID).
		Logger()

	if shareAmount <= 0 {
		return nil, &types.ValidationError{Field: "share_amount", Reason: "must be greater than zero"}
	}
	if strings.TrimSpace(identity) == "" {
		return nil, &types.ValidationError{Field: "identity", Reason: "must not be empty"}
	}
	if err := validateDocument(document); err != nil {
		return nil, err
	}

	group, err := s.groupForUpdate(groupID)
	if err != nil {
		return nil, err
	}
	if group.Status != types.GroupStatusPending || !time.Now().Before(group.Deadline) {
		return nil, types.ErrGroupClosed
	}

	// The gateway call happens before the lock is taken: it is a network
	// round trip and must not serialize unrelated joins on the same bill.
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.GatewayTimeout)
	defer cancel()

	intent, err := s.gateway.CreateIntent(ctx, identity, shareAmount, document)
	if err != nil {
		logger.Warn().Err(err).Msg("gateway intent creation failed, nothing persisted")
		return nil, &types.GatewayError{Err: err}
	}

	release, err := s.locks.acquire(groupID, s.opts.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	// Re-check under the lock: the group may have closed while the intent
	// was being created.
	group, err = s.groupForUpdate(groupID)
	if err != nil {
		return nil, err
	}
	if group.Status != types.GroupStatusPending || !time.Now().Before(group.Deadline) {
		return nil, types.ErrGroupClosed
	}

	now := time.Now()
	entry := &types.MemberLedgerEntry{
		EntryID:             "ENT_" + uuid.New().String(),
		GroupID:             groupID,
		ParticipantIdentity: identity,
		DeclaredShareAmount: shareAmount,
		PaymentReference:    intent.PaymentReference,
		Status:              types.EntryStatusAwaiting,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.db.CreateEntry(entry); err != nil {
		return nil, err
	}

	logger.Info().
		Str("entry_id", entry.EntryID).
		Str("payment_reference", entry.PaymentReference).
		Float64("share_amount", shareAmount).
		Msg("guest joined, awaiting confirmation")

	return &types.JoinResponse{
		GroupOrderID:     groupID,
		EntryID:          entry.EntryID,
		PaymentReference: intent.PaymentReference,
		PresentableCode:  intent.PresentableCode,
		ShareAmount:      shareAmount,
		Status:           entry.Status,
	}, nil
}

// ConfirmPayment applies a gateway paid confirmation for a payment
// reference. Replays of an already-applied confirmation are no-ops.
func (s *Service) ConfirmPayment(paymentReference string) (*types.ConfirmResult, error) {
	logger := log.With().
		Str("service", "reconcile").
		Str("payment_reference", paymentReference).
		Logger()

	entry, err := s.db.GetEntryByReference(paymentReference)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, types.ErrUnknownReference
	}

	release, err := s.locks.acquire(entry.GroupID, s.opts.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	result, completed, err := s.db.ApplyPaid(paymentReference, time.Now())
	if err != nil {
		var cv *types.ConsistencyViolation
		if errors.As(err, &cv) {
			logger.Error().Str("group_id", cv.GroupID).Str("detail", cv.Detail).
				Msg("consistency violation, confirmation aborted")
		}
		return nil, err
	}

	if !result.Applied {
		logger.Info().
			Str("group_id", result.GroupOrderID).
			Str("entry_status", result.EntryStatus).
			Msg("confirmation replay dropped without mutation")
		return result, nil
	}

	logger.Info().
		Str("group_id", result.GroupOrderID).
		Float64("paid_sum", result.PaidSum).
		Str("group_status", result.GroupStatus).
		Msg("payment confirmed")

	if completed {
		s.emitCompletion(result.GroupOrderID, result.PaidSum)
	}

	return result, nil
}

// FailPayment applies an explicit gateway failure callback.
func (s *Service) FailPayment(paymentReference string) (*types.ConfirmResult, error) {
	entry, err := s.db.GetEntryByReference(paymentReference)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, types.ErrUnknownReference
	}

	release, err := s.locks.acquire(entry.GroupID, s.opts.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	result, err := s.db.ApplyFailed(paymentReference, time.Now())
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "reconcile").
		Str("payment_reference", paymentReference).
		Str("group_id", result.GroupOrderID).
		Str("entry_status", result.EntryStatus).
		Bool("applied", result.Applied).
		Msg("payment failure recorded")

	return result, nil
}

// CancelGroup is the explicit host cancel: PENDING -> CANCELLED.
func (s *Service) CancelGroup(groupID string) error {
	release, err := s.locks.acquire(groupID, s.opts.LockTimeout)
	if err != nil {
		return err
	}
	defer release()

	cancelled, err := s.db.CancelGroup(groupID, time.Now())
	if err != nil {
		return err
	}
	if !cancelled {
		return types.ErrGroupClosed
	}

	log.Info().
		Str("service", "reconcile").
		Str("group_id", groupID).
		Msg("group order cancelled by host")
	return nil
}

// ExpireSweep cancels every PENDING group whose deadline passed before now.
// A confirmation that completes a group before the sweep reaches it wins:
// the cancel transition only fires from PENDING.
func (s *Service) ExpireSweep(now time.Time) (int, error) {
	stale, err := s.db.GetStalePendingGroups(now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, group := range stale {
		if err := s.expireGroup(group.GroupID); err != nil {
			log.Error().Err(err).
				Str("service", "reconcile").
				Str("group_id", group.GroupID).
				Msg("failed to expire stale group")
			continue
		}
		expired++
	}

	return expired, nil
}

func (s *Service) expireGroup(groupID string) error {
	release, err := s.locks.acquire(groupID, s.opts.LockTimeout)
	if err != nil {
		return err
	}
	defer release()

	cancelled, err := s.db.CancelGroup(groupID, time.Now())
	if err != nil {
		return err
	}
	if cancelled {
		log.Info().
			Str("service", "reconcile").
			Str("group_id", groupID).
			Msg("stale group order expired")
	}
	return nil
}

// Snapshot returns the polling view of a group. Before reading it runs the
// lazy expiry check so a stale bill reports CANCELLED on its next read even
// with the sweeper down. The read itself takes no lock.
func (s *Service) Snapshot(groupID string) (*types.GroupSnapshot, error) {
	group, err := s.groupForUpdate(groupID)
	if err != nil {
		return nil, err
	}

	if group.Status == types.GroupStatusPending && !time.Now().Before(group.Deadline) {
		// Best effort: a lock timeout here falls back to last-committed
		// state rather than failing the read.
		if err := s.expireGroup(groupID); err != nil && !errors.Is(err, types.ErrRetryable) {
			return nil, err
		}
		if group, err = s.groupForUpdate(groupID); err != nil {
			return nil, err
		}
	}

	entries, err := s.db.GetEntries(groupID)
	if err != nil {
		return nil, err
	}
	sum, err := s.db.PaidSum(groupID)
	if err != nil {
		return nil, err
	}

	snapshot := &types.GroupSnapshot{
		GroupOrderID: group.GroupID,
		TargetAmount: group.TargetAmount,
		PaidSum:      sum,
		Currency:     group.Currency,
		Status:       group.Status,
		Deadline:     group.Deadline,
		Entries:      make([]types.EntrySnapshot, 0, len(entries)),
	}
	for _, e := range entries {
		snapshot.Entries = append(snapshot.Entries, types.EntrySnapshot{
			Identity:    e.ParticipantIdentity,
			ShareAmount: e.DeclaredShareAmount,
			Status:      e.Status,
		})
	}
	return snapshot, nil
}

func (s *Service) groupForUpdate(groupID string) (*types.GroupOrder, error) {
	group, err := s.db.GetGroup(groupID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, types.ErrNotFound
	}
	return group, nil
}

func (s *Service) emitCompletion(groupID string, paidSum float64) {
	group, err := s.db.GetGroup(groupID)
	if err != nil || group == nil {
		log.Error().Err(err).
			Str("service", "reconcile").
			Str("group_id", groupID).
			Msg("completed group not readable for event emission")
		return
	}

	s.publisher.PublishGroupCompleted(events.GroupCompletedPayload{
		GroupOrderID:  group.GroupID,
		SourceOrderID: group.SourceOrderID,
		TargetAmount:  group.TargetAmount,
		PaidSum:       paidSum,
		Currency:      group.Currency,
		CompletedAt:   group.UpdatedAt,
	})
}

// validateDocument accepts CPF (11 digits) or CNPJ (14 digits) shaped
// documents, with or without punctuation.
func validateDocument(document string) error {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, document)

	if len(digits) != 11 && len(digits) != 14 {
		return &types.ValidationError{Field: "document", Reason: "must be a CPF or CNPJ"}
	}
	for i := 1; i < len(digits); i++ {
		if digits[i] != digits[0] {
			return nil
		}
	}
	return &types.ValidationError{Field: "document", Reason: "repeated digit sequence"}
}

// GinHandlers contains HTTP handlers for the group order endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type createGroupRequest struct {
	Cart       []types.CartItem `json:"cart" binding:"required"`
	Total      float64          `json:"total" binding:"required"`
	Currency   string           `json:"currency"`
	TableCode  string           `json:"table_code"`
	TTLMinutes int              `json:"ttl_minutes"`
}

type joinRequest struct {
	Identity    string  `json:"identity" binding:"required"`
	ShareAmount float64 `json:"share_amount" binding:"required"`
	Document    string  `json:"document" binding:"required"`
}

// CreateGroupHandler handles POST requests to open a shared bill.
// Requires host authentication.
func (h *GinHandlers) CreateGroupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createGroupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		created, err := h.service.CreateGroup(req.Cart, req.Total, req.Currency, req.TableCode,
			time.Duration(req.TTLMinutes)*time.Minute)
		response.Handle(c, created, err)
	}
}

// JoinHandler handles POST requests from anonymous guests declaring a share.
// URL parameter: group_id
func (h *GinHandlers) JoinHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		groupID := c.Param("group_id")

		var req joinRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		joined, err := h.service.JoinAndInitiatePayment(groupID, req.Identity, req.ShareAmount, req.Document)
		response.Handle(c, joined, err)
	}
}

// GetGroupHandler handles the unauthenticated polling read.
// URL parameter: group_id
func (h *GinHandlers) GetGroupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		groupID := c.Param("group_id")

		snapshot, err := h.service.Snapshot(groupID)
		response.Handle(c, snapshot, err)
	}
}

// CancelGroupHandler handles the explicit host cancel.
// URL parameter: group_id
func (h *GinHandlers) CancelGroupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		groupID := c.Param("group_id")

		err := h.service.CancelGroup(groupID)
		response.Handle(c, gin.H{"group_order_id": groupID, "status": types.GroupStatusCancelled}, err)
	}
}

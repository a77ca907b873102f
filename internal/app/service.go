/**
 * @description
 * This file contains the core business logic for the reward-service. The `Service`
 * struct orchestrates task submissions, manual approve/reject actions, and
 * withdrawal requests, coordinating between the database repository, the
 * runtime settings store, the notification sink, and the message broker.
 *
 * Key features:
 * - Submission-time eligibility checks (working hours, monitored app, per-app
 *   submission limit, per-user rate limit). These are advisory only; an
 *   existing task is never retroactively invalidated by a settings change.
 * - A single terminal-transition path for tasks and withdrawals shared by the
 *   operator API and the reconciler, guarded by the store's conditional
 *   updates so at most one actor resolves any record.
 * - Publishes resolution events to RabbitMQ for asynchronous consumers.
 *
 * @dependencies
 * - context, errors, fmt, log, strings, time: Standard Go libraries.
 * - github.com/google/uuid: For record id generation.
 * - internal/domain, internal/settings, internal/store: Models, runtime
 *   settings, and data access.
 * - pkg/rabbitmq: Event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/reviewpay/reward-service/internal/domain"
	"github.com/reviewpay/reward-service/internal/settings"
	"github.com/reviewpay/reward-service/internal/store"
	"github.com/reviewpay/reward-service/pkg/rabbitmq"
)

var (
	// ErrAlreadyProcessed means another actor won the terminal transition first.
	// Callers report it as a normal "already processed" outcome, not a failure.
	ErrAlreadyProcessed = errors.New("record already processed")

	ErrUserBlocked          = errors.New("user is blocked")
	ErrOutsideWorkingHours  = errors.New("outside working hours")
	ErrUnknownApp           = errors.New("app is not monitored")
	ErrAppLimitReached      = errors.New("app submission limit reached")
	ErrSubmissionRateLimit  = errors.New("submission rate limit exceeded")
	ErrBelowMinimumWithdraw = errors.New("amount below withdrawal minimum")
	ErrInvalidAmount        = errors.New("amount must be positive")
)

// Notifier delivers chat messages. Delivery is best-effort; the service logs
// failures and never lets them affect ledger state.
type Notifier interface {
	Send(ctx context.Context, targetID, text string) error
}

// ReviewSource lists the most recent reviews for an app, newest first.
type ReviewSource interface {
	ListReviews(ctx context.Context, appID string, count int) ([]domain.Review, error)
}

// RateLimiter bounds how often a subject may perform an action within a
// window. A zero count with nil error means the limiter is disabled.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for the reward ledger.
type Service struct {
	repo     store.Repository
	settings *settings.Store
	notifier Notifier
	events   rabbitmq.Publisher

	rateLimiter          RateLimiter
	submissionsPerHour   int
	reviewsPerCycle      int
	workingHoursTimezone *time.Location

	now func() time.Time
}

// NewService creates a new reward service instance. The notifier and event
// producer may be fallback implementations; the repository and settings store
// are required.
func NewService(repo store.Repository, settingsStore *settings.Store, notifier Notifier, events rabbitmq.Publisher, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		repo:                 repo,
		settings:             settingsStore,
		notifier:             notifier,
		events:               events,
		reviewsPerCycle:      50,
		workingHoursTimezone: loc,
		now:                  time.Now,
	}
}

// SetSubmissionRateLimiter enables per-user submission rate limiting. Passing
// a nil limiter or a non-positive limit disables the check.
func (s *Service) SetSubmissionRateLimiter(limiter RateLimiter, perHour int) {
	s.rateLimiter = limiter
	s.submissionsPerHour = perHour
}

// RegisterUser creates the user record on first contact. The referrer
// back-reference is applied only at creation time and a self-referral is
// ignored. Returns the stored user.
func (s *Service) RegisterUser(ctx context.Context, userID string, req domain.RegisterUserRequest) (*domain.User, error) {
	referrer := req.Referrer
	if referrer != nil && (strings.TrimSpace(*referrer) == "" || *referrer == userID) {
		referrer = nil
	}

	created, err := s.repo.CreateUserIfAbsent(ctx, domain.User{
		ID:       userID,
		Name:     strings.TrimSpace(req.Name),
		Referrer: referrer,
	})
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	if created && referrer != nil {
		if err := s.repo.IncrementReferralCount(ctx, *referrer); err != nil {
			log.Printf("level=warn component=service flow=register msg=\"referral count update failed\" referrer=%s err=%v", *referrer, err)
		}
	}

	return s.repo.FindUserByID(ctx, userID)
}

// Profile returns the user's current ledger view.
func (s *Service) Profile(ctx context.Context, userID string) (*domain.User, error) {
	return s.repo.FindUserByID(ctx, userID)
}

// SetUserBlocked soft-blocks or unblocks a user. Blocked users keep their
// balance and history; they just cannot submit new work.
func (s *Service) SetUserBlocked(ctx context.Context, userID string, blocked bool) error {
	return s.repo.SetUserBlocked(ctx, userID, blocked)
}

// SubmitTask runs the submission-time eligibility checks and creates a pending
// task carrying a snapshot of the current task price.
func (s *Service) SubmitTask(ctx context.Context, userID string, req domain.SubmitTaskRequest) (*domain.Task, error) {
	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.IsBlocked {
		return nil, ErrUserBlocked
	}

	snapshot := s.settings.Snapshot(ctx)

	if !inWorkingWindow(s.now().In(s.workingHoursTimezone), snapshot.WorkStart, snapshot.WorkEnd) {
		return nil, ErrOutsideWorkingHours
	}

	app, ok := snapshot.App(req.AppID)
	if !ok {
		return nil, ErrUnknownApp
	}

	active, err := s.repo.CountActiveTasksForApp(ctx, app.AppID)
	if err != nil {
		return nil, fmt.Errorf("count active tasks: %w", err)
	}
	if app.SubmissionLimit > 0 && active >= app.SubmissionLimit {
		return nil, ErrAppLimitReached
	}

	if s.rateLimiter != nil && s.submissionsPerHour > 0 {
		count, _, limitErr := s.rateLimiter.ConsumeRateLimit(ctx, "task_submission", userID, s.submissionsPerHour, time.Hour)
		if limitErr != nil {
			// Fail open: rate limiting is protective, not a correctness guard.
			log.Printf("level=warn component=service flow=submit msg=\"rate limiter unavailable; allowing submission\" user_id=%s err=%v", userID, limitErr)
		} else if count > s.submissionsPerHour {
			return nil, ErrSubmissionRateLimit
		}
	}

	task := &domain.Task{
		ID:            uuid.New(),
		UserID:        userID,
		AppID:         app.AppID,
		SubmitterName: strings.TrimSpace(req.SubmitterName),
		Email:         strings.TrimSpace(req.Email),
		Device:        strings.TrimSpace(req.Device),
		ProofURL:      strings.TrimSpace(req.ProofURL),
		Status:        domain.StatusPending,
		Price:         snapshot.TaskPrice,
		SubmittedAt:   s.now().UTC(),
	}
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	if snapshot.NotifyTargetID != "" {
		s.notify(ctx, snapshot.NotifyTargetID, fmt.Sprintf(
			"New task submitted\nUser: %s\nApp: %s\nReview name: %s\nProof: %s",
			userID, app.Name, task.SubmitterName, task.ProofURL,
		))
	}

	return task, nil
}

// ApproveTask runs the single terminal transition to approved, shared by the
// operator API (auto=false) and the reconciler (auto=true). The conditional
// update in the store guarantees at most one winner; losers get
// ErrAlreadyProcessed. Side effects after winning: payout credit plus
// approved-task counter, referral bonus at the rate of the CURRENT settings
// snapshot (the bonus rate is a property of the approval event, not the
// submission event), owner notification, and a task.approved event.
func (s *Service) ApproveTask(ctx context.Context, taskID uuid.UUID, auto bool) (*domain.Task, error) {
	task, err := s.repo.FindTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	approvedAt := s.now().UTC()
	won, err := s.repo.MarkTaskApproved(ctx, taskID, auto, approvedAt)
	if err != nil {
		return nil, fmt.Errorf("approve task: %w", err)
	}
	if !won {
		return task, ErrAlreadyProcessed
	}
	task.Status = domain.StatusApproved
	task.AutoApproved = auto
	task.ApprovedAt = &approvedAt

	if err := s.repo.ApplyApprovalCredit(ctx, task.UserID, task.Price); err != nil {
		// The transition is already recorded; a missed credit is a loud
		// inconsistency, never a silent one.
		log.Printf("level=error component=service flow=approve msg=\"task approved but payout credit failed\" task_id=%s user_id=%s price=%d err=%v", task.ID, task.UserID, task.Price, err)
		return task, fmt.Errorf("apply approval credit: %w", err)
	}

	s.applyReferralBonus(ctx, task)

	s.notify(ctx, task.UserID, fmt.Sprintf("Your task was approved! %s added to your balance.", formatAmount(task.Price)))
	s.publishResolution(ctx, rabbitmq.RoutingKeyTaskApproved, rabbitmq.ResolutionEvent{
		RecordType: "task",
		RecordID:   task.ID,
		UserID:     task.UserID,
		Amount:     task.Price,
		Outcome:    domain.StatusApproved,
		Auto:       auto,
		Timestamp:  approvedAt,
	})

	return task, nil
}

// RejectTask runs the terminal transition to rejected. No balance effect.
func (s *Service) RejectTask(ctx context.Context, taskID uuid.UUID, note string) (*domain.Task, error) {
	task, err := s.repo.FindTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	won, err := s.repo.MarkTaskRejected(ctx, taskID, note)
	if err != nil {
		return nil, fmt.Errorf("reject task: %w", err)
	}
	if !won {
		return task, ErrAlreadyProcessed
	}
	task.Status = domain.StatusRejected
	if note != "" {
		task.Note = &note
	}

	s.notify(ctx, task.UserID, "Your task was rejected.")
	s.publishResolution(ctx, rabbitmq.RoutingKeyTaskRejected, rabbitmq.ResolutionEvent{
		RecordType: "task",
		RecordID:   task.ID,
		UserID:     task.UserID,
		Outcome:    domain.StatusRejected,
		Timestamp:  s.now().UTC(),
	})

	return task, nil
}

// RequestWithdrawal creates a pending withdrawal with escrow semantics: the
// amount is debited in the same database transaction that records the
// request, via a conditional decrement that cannot drive the balance
// negative even under concurrent requests.
func (s *Service) RequestWithdrawal(ctx context.Context, userID string, req domain.WithdrawalRequest) (*domain.Withdrawal, error) {
	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.IsBlocked {
		return nil, ErrUserBlocked
	}
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	snapshot := s.settings.Snapshot(ctx)
	if req.Amount < snapshot.MinWithdraw {
		return nil, ErrBelowMinimumWithdraw
	}

	withdrawal := &domain.Withdrawal{
		ID:                uuid.New(),
		UserID:            userID,
		Amount:            req.Amount,
		Method:            strings.TrimSpace(req.Method),
		DestinationNumber: strings.TrimSpace(req.DestinationNumber),
		Status:            domain.StatusPending,
		RequestedAt:       s.now().UTC(),
	}
	if err := s.repo.CreateWithdrawalWithDebit(ctx, withdrawal); err != nil {
		return nil, err
	}

	if snapshot.NotifyTargetID != "" {
		s.notify(ctx, snapshot.NotifyTargetID, fmt.Sprintf(
			"New withdrawal request\nUser: %s\nAmount: %s\n%s: %s",
			userID, formatAmount(withdrawal.Amount), withdrawal.Method, withdrawal.DestinationNumber,
		))
	}

	return withdrawal, nil
}

// ApproveWithdrawal marks a pending withdrawal paid. The amount already left
// the ledger at request time, so approval performs no balance mutation.
func (s *Service) ApproveWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (*domain.Withdrawal, error) {
	withdrawal, err := s.repo.FindWithdrawalByID(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}

	resolvedAt := s.now().UTC()
	won, err := s.repo.MarkWithdrawalApproved(ctx, withdrawalID, resolvedAt)
	if err != nil {
		return nil, fmt.Errorf("approve withdrawal: %w", err)
	}
	if !won {
		return withdrawal, ErrAlreadyProcessed
	}
	withdrawal.Status = domain.StatusApproved
	withdrawal.ResolvedAt = &resolvedAt

	s.notify(ctx, withdrawal.UserID, fmt.Sprintf("Your withdrawal of %s was paid.", formatAmount(withdrawal.Amount)))
	s.publishResolution(ctx, rabbitmq.RoutingKeyWithdrawalApproved, rabbitmq.ResolutionEvent{
		RecordType: "withdrawal",
		RecordID:   withdrawal.ID,
		UserID:     withdrawal.UserID,
		Amount:     withdrawal.Amount,
		Outcome:    domain.StatusApproved,
		Timestamp:  resolvedAt,
	})

	return withdrawal, nil
}

// RejectWithdrawal rejects a pending withdrawal and re-credits exactly its
// amount. The store applies the transition and the refund atomically, so a
// racing duplicate rejection cannot double-refund.
func (s *Service) RejectWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (*domain.Withdrawal, error) {
	withdrawal, err := s.repo.FindWithdrawalByID(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}

	resolvedAt := s.now().UTC()
	won, err := s.repo.MarkWithdrawalRejectedWithRefund(ctx, withdrawalID, resolvedAt)
	if err != nil {
		return nil, fmt.Errorf("reject withdrawal: %w", err)
	}
	if !won {
		return withdrawal, ErrAlreadyProcessed
	}
	withdrawal.Status = domain.StatusRejected
	withdrawal.ResolvedAt = &resolvedAt

	s.notify(ctx, withdrawal.UserID, fmt.Sprintf("Your withdrawal was rejected. %s was returned to your balance.", formatAmount(withdrawal.Amount)))
	s.publishResolution(ctx, rabbitmq.RoutingKeyWithdrawalRejected, rabbitmq.ResolutionEvent{
		RecordType: "withdrawal",
		RecordID:   withdrawal.ID,
		UserID:     withdrawal.UserID,
		Amount:     withdrawal.Amount,
		Outcome:    domain.StatusRejected,
		Timestamp:  resolvedAt,
	})

	return withdrawal, nil
}

// Settings returns the current settings snapshot for read-only callers.
func (s *Service) Settings(ctx context.Context) domain.Settings {
	return s.settings.Snapshot(ctx)
}

// UpdateSettings merges a partial settings document and invalidates the cache.
func (s *Service) UpdateSettings(ctx context.Context, partial map[string]any) error {
	return s.settings.Update(ctx, partial)
}

// PendingWithdrawals lists unresolved payout requests for the operator view.
func (s *Service) PendingWithdrawals(ctx context.Context) ([]domain.Withdrawal, error) {
	return s.repo.ListPendingWithdrawals(ctx)
}

// applyReferralBonus credits the owner's referrer once per qualifying
// approval. The bonus rate is read from the current settings snapshot at
// resolution time. Bonus failures are logged, never propagated: the task
// approval itself already committed.
func (s *Service) applyReferralBonus(ctx context.Context, task *domain.Task) {
	owner, err := s.repo.FindUserByID(ctx, task.UserID)
	if err != nil {
		log.Printf("level=warn component=service flow=approve msg=\"owner lookup for referral bonus failed\" task_id=%s user_id=%s err=%v", task.ID, task.UserID, err)
		return
	}
	if owner.Referrer == nil {
		return
	}

	bonus := s.settings.Snapshot(ctx).ReferralBonus
	if bonus <= 0 {
		return
	}
	if err := s.repo.CreditBalance(ctx, *owner.Referrer, bonus); err != nil {
		log.Printf("level=error component=service flow=approve msg=\"referral bonus credit failed\" task_id=%s referrer=%s bonus=%d err=%v", task.ID, *owner.Referrer, bonus, err)
		return
	}
	s.notify(ctx, *owner.Referrer, fmt.Sprintf("Referral bonus! %s added to your balance.", formatAmount(bonus)))
}

func (s *Service) notify(ctx context.Context, targetID, text string) {
	if s.notifier == nil || targetID == "" {
		return
	}
	if err := s.notifier.Send(ctx, targetID, text); err != nil {
		log.Printf("level=warn component=service msg=\"notification send failed\" target_id=%s err=%v", targetID, err)
	}
}

func (s *Service) publishResolution(ctx context.Context, routingKey string, event rabbitmq.ResolutionEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishResolutionEvent(ctx, routingKey, event); err != nil {
		log.Printf("level=warn component=service msg=\"resolution event publish failed\" routing_key=%s record_id=%s err=%v", routingKey, event.RecordID, err)
	}
}

// formatAmount renders a poisha amount as whole currency units.
func formatAmount(poisha int64) string {
	return fmt.Sprintf("%d.%02d", poisha/100, poisha%100)
}

/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the reward-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * The contract deliberately exposes only primitives that are safe under concurrent
 * manual and automatic actors: balance mutations are atomic increments, and every
 * pending-to-terminal transition is a conditional update that reports whether this
 * caller won the transition.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For task/withdrawal ids.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/reviewpay/reward-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// User and ledger methods
	// CreateUserIfAbsent inserts the user on first contact and reports whether a
	// row was created. The referrer back-reference is set only at creation.
	CreateUserIfAbsent(ctx context.Context, user domain.User) (bool, error)
	FindUserByID(ctx context.Context, userID string) (*domain.User, error)
	SetUserBlocked(ctx context.Context, userID string, blocked bool) error
	// CreditBalance applies an atomic increment; concurrent credits to the same
	// user compose in any order.
	CreditBalance(ctx context.Context, userID string, amount int64) error
	// ApplyApprovalCredit credits a task payout and bumps the approved-task
	// counter in one atomic statement.
	ApplyApprovalCredit(ctx context.Context, userID string, price int64) error
	IncrementReferralCount(ctx context.Context, userID string) error

	// Task methods
	CreateTask(ctx context.Context, task *domain.Task) error
	FindTaskByID(ctx context.Context, taskID uuid.UUID) (*domain.Task, error)
	// CountActiveTasksForApp counts pending plus approved tasks for an app,
	// used by the submission-limit eligibility check.
	CountActiveTasksForApp(ctx context.Context, appID string) (int, error)
	ListPendingTasksByApp(ctx context.Context, appID string) ([]domain.Task, error)
	ListPendingTasksOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Task, error)
	// MarkTaskApproved and MarkTaskRejected perform the pending-only conditional
	// transition and report whether this caller performed it.
	MarkTaskApproved(ctx context.Context, taskID uuid.UUID, autoApproved bool, approvedAt time.Time) (bool, error)
	MarkTaskRejected(ctx context.Context, taskID uuid.UUID, note string) (bool, error)

	// Withdrawal methods
	// CreateWithdrawalWithDebit performs the escrow debit and the row insert in
	// one database transaction; ErrInsufficientBalance when the conditional
	// debit does not apply.
	CreateWithdrawalWithDebit(ctx context.Context, withdrawal *domain.Withdrawal) error
	FindWithdrawalByID(ctx context.Context, withdrawalID uuid.UUID) (*domain.Withdrawal, error)
	MarkWithdrawalApproved(ctx context.Context, withdrawalID uuid.UUID, resolvedAt time.Time) (bool, error)
	// MarkWithdrawalRejectedWithRefund transitions the withdrawal and re-credits
	// exactly its amount in one database transaction.
	MarkWithdrawalRejectedWithRefund(ctx context.Context, withdrawalID uuid.UUID, resolvedAt time.Time) (bool, error)
	ListPendingWithdrawals(ctx context.Context) ([]domain.Withdrawal, error)

	// Seen-review set (reconciler idempotency across restarts and cycles)
	// MarkReviewSeen records the review id and reports whether it was unseen.
	MarkReviewSeen(ctx context.Context, appID, reviewID string) (bool, error)

	// Settings backing record (single JSONB document with merge semantics)
	// GetSettingsJSON returns nil (no error) when the record does not exist.
	GetSettingsJSON(ctx context.Context) ([]byte, error)
	MergeSettingsJSON(ctx context.Context, partial []byte) error
}

/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to users, tasks, withdrawals, seen reviews, and the settings record.
 *
 * Concurrency notes:
 * - Balance mutations are single atomic UPDATE statements (`balance = balance + $1`),
 *   never read-modify-write on a fetched copy.
 * - Terminal transitions are conditional updates (`... WHERE status = 'pending'`)
 *   whose affected-row count tells the caller whether it won the transition. The
 *   manual action path and the reconciler share these guards, so two concurrent
 *   resolution attempts on the same record cannot both succeed.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/reviewpay/reward-service/internal/domain"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrTaskNotFound        = errors.New("task not found")
	ErrWithdrawalNotFound  = errors.New("withdrawal not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateUserIfAbsent inserts the user record on first contact. The referrer
// back-reference is part of the insert and therefore can never be rewritten
// for an existing user.
func (r *PostgresRepository) CreateUserIfAbsent(ctx context.Context, user domain.User) (bool, error) {
	query := `
		INSERT INTO users (id, name, balance, total_approved_tasks, referrer, referral_count, is_blocked, is_admin, created_at)
		VALUES ($1, $2, 0, 0, $3, 0, false, $4, NOW())
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, user.ID, user.Name, user.Referrer, user.IsAdmin)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FindUserByID retrieves a user from the database by their external id.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID string) (*domain.User, error) {
	var user domain.User
	query := `
		SELECT id, name, balance, total_approved_tasks, referrer, referral_count, is_blocked, is_admin, created_at
		FROM users
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&user.ID,
		&user.Name,
		&user.Balance,
		&user.TotalApprovedTasks,
		&user.Referrer,
		&user.ReferralCount,
		&user.IsBlocked,
		&user.IsAdmin,
		&user.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *PostgresRepository) SetUserBlocked(ctx context.Context, userID string, blocked bool) error {
	tag, err := r.db.Exec(ctx, "UPDATE users SET is_blocked = $1 WHERE id = $2", blocked, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CreditBalance performs an atomic credit on a user's balance.
func (r *PostgresRepository) CreditBalance(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	tag, err := r.db.Exec(ctx, "UPDATE users SET balance = balance + $1 WHERE id = $2", amount, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ApplyApprovalCredit credits the task payout and bumps the approved-task
// counter in a single statement so the two increments cannot diverge.
func (r *PostgresRepository) ApplyApprovalCredit(ctx context.Context, userID string, price int64) error {
	query := `
		UPDATE users
		SET balance = balance + $1, total_approved_tasks = total_approved_tasks + 1
		WHERE id = $2
	`
	tag, err := r.db.Exec(ctx, query, price, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *PostgresRepository) IncrementReferralCount(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx, "UPDATE users SET referral_count = referral_count + 1 WHERE id = $1", userID)
	return err
}

// CreateTask inserts a new pending task with its price snapshot.
func (r *PostgresRepository) CreateTask(ctx context.Context, task *domain.Task) error {
	query := `
		INSERT INTO tasks (id, user_id, app_id, submitter_name, email, device, proof_url, status, price, auto_approved, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false, $10)
	`
	_, err := r.db.Exec(ctx, query,
		task.ID,
		task.UserID,
		task.AppID,
		task.SubmitterName,
		task.Email,
		task.Device,
		task.ProofURL,
		task.Status,
		task.Price,
		task.SubmittedAt,
	)
	return err
}

func (r *PostgresRepository) FindTaskByID(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	var task domain.Task
	query := `
		SELECT id, user_id, app_id, submitter_name, email, device, proof_url, status, price, auto_approved, note, submitted_at, approved_at
		FROM tasks
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, taskID).Scan(
		&task.ID,
		&task.UserID,
		&task.AppID,
		&task.SubmitterName,
		&task.Email,
		&task.Device,
		&task.ProofURL,
		&task.Status,
		&task.Price,
		&task.AutoApproved,
		&task.Note,
		&task.SubmittedAt,
		&task.ApprovedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

// CountActiveTasksForApp counts tasks in pending or approved status for one app.
func (r *PostgresRepository) CountActiveTasksForApp(ctx context.Context, appID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM tasks WHERE app_id = $1 AND status IN ('pending', 'approved')`
	if err := r.db.QueryRow(ctx, query, appID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *PostgresRepository) ListPendingTasksByApp(ctx context.Context, appID string) ([]domain.Task, error) {
	query := `
		SELECT id, user_id, app_id, submitter_name, email, device, proof_url, status, price, auto_approved, note, submitted_at, approved_at
		FROM tasks
		WHERE app_id = $1 AND status = 'pending'
		ORDER BY submitted_at ASC
	`
	rows, err := r.db.Query(ctx, query, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (r *PostgresRepository) ListPendingTasksOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Task, error) {
	query := `
		SELECT id, user_id, app_id, submitter_name, email, device, proof_url, status, price, auto_approved, note, submitted_at, approved_at
		FROM tasks
		WHERE status = 'pending' AND submitted_at < $1
		ORDER BY submitted_at ASC
	`
	rows, err := r.db.Query(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows pgx.Rows) ([]domain.Task, error) {
	var tasks []domain.Task
	for rows.Next() {
		var task domain.Task
		if err := rows.Scan(
			&task.ID,
			&task.UserID,
			&task.AppID,
			&task.SubmitterName,
			&task.Email,
			&task.Device,
			&task.ProofURL,
			&task.Status,
			&task.Price,
			&task.AutoApproved,
			&task.Note,
			&task.SubmittedAt,
			&task.ApprovedAt,
		); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// MarkTaskApproved performs the pending-only conditional transition to approved.
func (r *PostgresRepository) MarkTaskApproved(ctx context.Context, taskID uuid.UUID, autoApproved bool, approvedAt time.Time) (bool, error) {
	query := `
		UPDATE tasks
		SET status = 'approved', auto_approved = $2, approved_at = $3
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, taskID, autoApproved, approvedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkTaskRejected performs the pending-only conditional transition to rejected.
func (r *PostgresRepository) MarkTaskRejected(ctx context.Context, taskID uuid.UUID, note string) (bool, error) {
	query := `
		UPDATE tasks
		SET status = 'rejected', note = NULLIF($2, '')
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, taskID, note)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CreateWithdrawalWithDebit applies the escrow debit and inserts the pending
// withdrawal in one database transaction, so a failed insert cannot leave the
// balance debited.
func (r *PostgresRepository) CreateWithdrawalWithDebit(ctx context.Context, withdrawal *domain.Withdrawal) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		"UPDATE users SET balance = balance - $1 WHERE id = $2 AND balance >= $1",
		withdrawal.Amount, withdrawal.UserID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}

	query := `
		INSERT INTO withdrawals (id, user_id, amount, method, destination_number, status, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = tx.Exec(ctx, query,
		withdrawal.ID,
		withdrawal.UserID,
		withdrawal.Amount,
		withdrawal.Method,
		withdrawal.DestinationNumber,
		withdrawal.Status,
		withdrawal.RequestedAt,
	)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) FindWithdrawalByID(ctx context.Context, withdrawalID uuid.UUID) (*domain.Withdrawal, error) {
	var withdrawal domain.Withdrawal
	query := `
		SELECT id, user_id, amount, method, destination_number, status, requested_at, resolved_at
		FROM withdrawals
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, withdrawalID).Scan(
		&withdrawal.ID,
		&withdrawal.UserID,
		&withdrawal.Amount,
		&withdrawal.Method,
		&withdrawal.DestinationNumber,
		&withdrawal.Status,
		&withdrawal.RequestedAt,
		&withdrawal.ResolvedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWithdrawalNotFound
		}
		return nil, err
	}
	return &withdrawal, nil
}

// MarkWithdrawalApproved transitions a pending withdrawal to approved. The
// money already left the ledger at creation time, so no balance mutation here.
func (r *PostgresRepository) MarkWithdrawalApproved(ctx context.Context, withdrawalID uuid.UUID, resolvedAt time.Time) (bool, error) {
	query := `
		UPDATE withdrawals
		SET status = 'approved', resolved_at = $2
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, withdrawalID, resolvedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkWithdrawalRejectedWithRefund transitions a pending withdrawal to rejected
// and re-credits exactly its amount. Both writes happen in one database
// transaction, and the refund is applied only when this caller won the
// transition, so a racing duplicate rejection cannot double-refund.
func (r *PostgresRepository) MarkWithdrawalRejectedWithRefund(ctx context.Context, withdrawalID uuid.UUID, resolvedAt time.Time) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var userID string
	var amount int64
	query := `
		UPDATE withdrawals
		SET status = 'rejected', resolved_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING user_id, amount
	`
	err = tx.QueryRow(ctx, query, withdrawalID, resolvedAt).Scan(&userID, &amount)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, err
	}

	if _, err := tx.Exec(ctx, "UPDATE users SET balance = balance + $1 WHERE id = $2", amount, userID); err != nil {
		return false, err
	}

	return true, tx.Commit(ctx)
}

func (r *PostgresRepository) ListPendingWithdrawals(ctx context.Context) ([]domain.Withdrawal, error) {
	query := `
		SELECT id, user_id, amount, method, destination_number, status, requested_at, resolved_at
		FROM withdrawals
		WHERE status = 'pending'
		ORDER BY requested_at ASC
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var withdrawals []domain.Withdrawal
	for rows.Next() {
		var withdrawal domain.Withdrawal
		if err := rows.Scan(
			&withdrawal.ID,
			&withdrawal.UserID,
			&withdrawal.Amount,
			&withdrawal.Method,
			&withdrawal.DestinationNumber,
			&withdrawal.Status,
			&withdrawal.RequestedAt,
			&withdrawal.ResolvedAt,
		); err != nil {
			return nil, err
		}
		withdrawals = append(withdrawals, withdrawal)
	}
	return withdrawals, rows.Err()
}

// MarkReviewSeen records a review id in the persisted seen set. A false return
// means the review was already recorded by an earlier cycle or process.
func (r *PostgresRepository) MarkReviewSeen(ctx context.Context, appID, reviewID string) (bool, error) {
	query := `
		INSERT INTO seen_reviews (app_id, review_id, first_seen_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (app_id, review_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, appID, reviewID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetSettingsJSON returns the raw settings document, or nil when none exists yet.
func (r *PostgresRepository) GetSettingsJSON(ctx context.Context) ([]byte, error) {
	var data []byte
	err := r.db.QueryRow(ctx, "SELECT data FROM settings WHERE key = 'main'").Scan(&data)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// MergeSettingsJSON merges a partial document over the stored settings record,
// creating the record when absent. Fields not present in the partial document
// are left untouched.
func (r *PostgresRepository) MergeSettingsJSON(ctx context.Context, partial []byte) error {
	query := `
		INSERT INTO settings (key, data, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (key) DO UPDATE SET data = settings.data || EXCLUDED.data, updated_at = NOW()
	`
	_, err := r.db.Exec(ctx, query, partial)
	return err
}

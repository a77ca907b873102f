/**
 * @description
 * This file defines the core domain models for the reward-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` to represent the value in the smallest currency
 *   unit (poisha), which avoids floating-point inaccuracies with financial data.
 * - User ids are the external chat identifiers handed to us by the bot front-end,
 *   so they stay plain strings rather than UUIDs.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Record statuses shared by tasks and withdrawals. Both state machines allow
// exactly one transition out of pending; approved and rejected are terminal.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// User is the ledger-authoritative account record. Users are never deleted,
// only soft-blocked.
type User struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Balance            int64     `json:"balance"` // in poisha
	TotalApprovedTasks int       `json:"total_approved_tasks"`
	Referrer           *string   `json:"referrer,omitempty"` // set once at creation, never mutated
	ReferralCount      int       `json:"referral_count"`
	IsBlocked          bool      `json:"is_blocked"`
	IsAdmin            bool      `json:"is_admin"`
	CreatedAt          time.Time `json:"created_at"`
}

// Task is a user's claim of having installed and reviewed a monitored app.
// Price is a snapshot of the task price at submission time; later settings
// changes must not retroactively alter an in-flight task's payout.
type Task struct {
	ID            uuid.UUID  `json:"id"`
	UserID        string     `json:"user_id"`
	AppID         string     `json:"app_id"`
	SubmitterName string     `json:"submitter_name"` // display name used for review matching
	Email         string     `json:"email"`
	Device        string     `json:"device"`
	ProofURL      string     `json:"proof_url"`
	Status        string     `json:"status"`
	Price         int64      `json:"price"` // in poisha, immutable after creation
	AutoApproved  bool       `json:"auto_approved"`
	Note          *string    `json:"note,omitempty"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
}

// Withdrawal is a payout request. Amount is debited from the owner's balance
// at creation time (escrow); a rejection re-credits exactly that amount.
type Withdrawal struct {
	ID                uuid.UUID  `json:"id"`
	UserID            string     `json:"user_id"`
	Amount            int64      `json:"amount"` // in poisha
	Method            string     `json:"method"`
	DestinationNumber string     `json:"destination_number"`
	Status            string     `json:"status"`
	RequestedAt       time.Time  `json:"requested_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
}

// MonitoredApp is an app whose Play Store reviews the reconciler watches.
type MonitoredApp struct {
	AppID           string `json:"app_id"`
	Name            string `json:"name"`
	SubmissionLimit int    `json:"submission_limit"`
}

// Settings is the immutable snapshot returned by the settings store. Callers
// always act on the snapshot they read; a concurrent admin edit may not be
// visible until the next cache refresh.
type Settings struct {
	TaskPrice                  int64          `json:"task_price"`
	ReferralBonus              int64          `json:"referral_bonus"`
	MinWithdraw                int64          `json:"min_withdraw"`
	WorkStart                  string         `json:"work_start"` // "HH:MM" local time
	WorkEnd                    string         `json:"work_end"`   // may be earlier than WorkStart (wraps past midnight)
	MonitoredApps              []MonitoredApp `json:"monitored_apps"`
	AutoApproveIntervalSeconds int            `json:"auto_approve_interval_seconds"`
	PendingTaskMaxAgeHours     int            `json:"pending_task_max_age_hours"`
	NotifyTargetID             string         `json:"notify_target_id"`
	RulesText                  string         `json:"rules_text"`
	ScheduleText               string         `json:"schedule_text"`
}

// App looks up a monitored app by its package id.
func (s Settings) App(appID string) (MonitoredApp, bool) {
	for _, app := range s.MonitoredApps {
		if app.AppID == appID {
			return app, true
		}
	}
	return MonitoredApp{}, false
}

// Review is one entry from the external review listing for a monitored app.
type Review struct {
	ReviewID     string    `json:"review_id"`
	ReviewerName string    `json:"reviewer_name"`
	Rating       int       `json:"rating"`
	Text         string    `json:"text"`
	PostedAt     time.Time `json:"posted_at"`
}

// SubmitTaskRequest is the DTO for incoming task submissions.
type SubmitTaskRequest struct {
	AppID         string `json:"app_id"`
	SubmitterName string `json:"submitter_name"`
	Email         string `json:"email"`
	Device        string `json:"device"`
	ProofURL      string `json:"proof_url"`
}

// WithdrawalRequest is the DTO for incoming withdrawal requests.
type WithdrawalRequest struct {
	Amount            int64  `json:"amount"` // in poisha
	Method            string `json:"method"`
	DestinationNumber string `json:"destination_number"`
}

// RegisterUserRequest is the DTO for first-contact user registration.
type RegisterUserRequest struct {
	Name     string  `json:"name"`
	Referrer *string `json:"referrer,omitempty"`
}

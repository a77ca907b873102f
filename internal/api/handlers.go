/**
 * @description
 * This file contains the HTTP handlers for the reward-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - github.com/google/uuid: Record id parsing.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/reviewpay/reward-service/internal/app"
	"github.com/reviewpay/reward-service/internal/domain"
	"github.com/reviewpay/reward-service/internal/store"
)

// RewardHandlers holds the application service that handlers will use.
type RewardHandlers struct {
	service    *app.Service
	reconciler *app.Reconciler
}

// NewRewardHandlers creates a new instance of RewardHandlers. The reconciler
// may be nil, in which case the manual reconcile endpoint reports unavailable.
func NewRewardHandlers(service *app.Service, reconciler *app.Reconciler) *RewardHandlers {
	return &RewardHandlers{service: service, reconciler: reconciler}
}

// RegisterHandler handles first-contact registration of a chat user.
func (h *RewardHandlers) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	var req domain.RegisterUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=register outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := h.service.RegisterUser(r.Context(), userID, req)
	if err != nil {
		log.Printf("level=error component=api endpoint=register outcome=failed user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, user)
}

// ProfileHandler returns the caller's current ledger view.
func (h *RewardHandlers) ProfileHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	user, err := h.service.Profile(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			h.writeError(w, http.StatusNotFound, "User not found")
			return
		}
		log.Printf("level=error component=api endpoint=profile outcome=failed user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, user)
}

// SubmitTaskHandler handles new task submissions.
func (h *RewardHandlers) SubmitTaskHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	var req domain.SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=submit_task outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	log.Printf("level=info component=api endpoint=submit_task outcome=accepted user_id=%s app_id=%s", userID, req.AppID)

	task, err := h.service.SubmitTask(r.Context(), userID, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=submit_task outcome=failed user_id=%s err=%v", userID, err)
		switch {
		case errors.Is(err, store.ErrUserNotFound):
			h.writeError(w, http.StatusNotFound, "User not found")
		case errors.Is(err, app.ErrUserBlocked):
			h.writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, app.ErrOutsideWorkingHours):
			h.writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, app.ErrUnknownApp):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrAppLimitReached):
			h.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, app.ErrSubmissionRateLimit):
			h.writeError(w, http.StatusTooManyRequests, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, task)
}

// RequestWithdrawalHandler handles new withdrawal requests.
func (h *RewardHandlers) RequestWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	var req domain.WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=request_withdrawal outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	log.Printf("level=info component=api endpoint=request_withdrawal outcome=accepted user_id=%s amount=%d", userID, req.Amount)

	withdrawal, err := h.service.RequestWithdrawal(r.Context(), userID, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=request_withdrawal outcome=failed user_id=%s err=%v", userID, err)
		switch {
		case errors.Is(err, store.ErrUserNotFound):
			h.writeError(w, http.StatusNotFound, "User not found")
		case errors.Is(err, store.ErrInsufficientBalance):
			h.writeError(w, http.StatusPaymentRequired, err.Error())
		case errors.Is(err, app.ErrUserBlocked):
			h.writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, app.ErrInvalidAmount), errors.Is(err, app.ErrBelowMinimumWithdraw):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, withdrawal)
}

// RulesHandler returns the operator-configured rules text shown to users.
func (h *RewardHandlers) RulesHandler(w http.ResponseWriter, r *http.Request) {
	snapshot := h.service.Settings(r.Context())
	h.writeJSON(w, http.StatusOK, map[string]string{
		"rules_text":    snapshot.RulesText,
		"schedule_text": snapshot.ScheduleText,
	})
}

// ApproveTaskHandler handles operator approval of a pending task.
func (h *RewardHandlers) ApproveTaskHandler(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.parseRecordID(w, r)
	if !ok {
		return
	}

	task, err := h.service.ApproveTask(r.Context(), taskID, false)
	if err != nil {
		h.writeTaskTransitionError(w, "approve_task", taskID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, task)
}

// RejectTaskHandler handles operator rejection of a pending task.
func (h *RewardHandlers) RejectTaskHandler(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.parseRecordID(w, r)
	if !ok {
		return
	}

	var req struct {
		Note string `json:"note"`
	}
	if r.Body != nil {
		// A missing or empty body simply means no rejection note.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	task, err := h.service.RejectTask(r.Context(), taskID, req.Note)
	if err != nil {
		h.writeTaskTransitionError(w, "reject_task", taskID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, task)
}

// ApproveWithdrawalHandler marks a pending withdrawal as paid.
func (h *RewardHandlers) ApproveWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	withdrawalID, ok := h.parseRecordID(w, r)
	if !ok {
		return
	}

	withdrawal, err := h.service.ApproveWithdrawal(r.Context(), withdrawalID)
	if err != nil {
		h.writeWithdrawalTransitionError(w, "approve_withdrawal", withdrawalID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, withdrawal)
}

// RejectWithdrawalHandler rejects a pending withdrawal and refunds its amount.
func (h *RewardHandlers) RejectWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	withdrawalID, ok := h.parseRecordID(w, r)
	if !ok {
		return
	}

	withdrawal, err := h.service.RejectWithdrawal(r.Context(), withdrawalID)
	if err != nil {
		h.writeWithdrawalTransitionError(w, "reject_withdrawal", withdrawalID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, withdrawal)
}

// ListPendingWithdrawalsHandler lists unresolved payout requests for operators.
func (h *RewardHandlers) ListPendingWithdrawalsHandler(w http.ResponseWriter, r *http.Request) {
	withdrawals, err := h.service.PendingWithdrawals(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=list_pending_withdrawals outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, withdrawals)
}

// GetSettingsHandler returns the current settings snapshot.
func (h *RewardHandlers) GetSettingsHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.service.Settings(r.Context()))
}

// UpdateSettingsHandler merges a partial settings document over the stored one.
// Fields absent from the request body keep their current values.
func (h *RewardHandlers) UpdateSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var partial map[string]any
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(partial) == 0 {
		h.writeError(w, http.StatusBadRequest, "Empty settings update")
		return
	}

	if err := h.service.UpdateSettings(r.Context(), partial); err != nil {
		log.Printf("level=error component=api endpoint=update_settings outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, h.service.Settings(r.Context()))
}

// SetUserBlockedHandler soft-blocks or unblocks a user.
func (h *RewardHandlers) SetUserBlockedHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "User ID is required")
		return
	}

	var req struct {
		Blocked bool `json:"blocked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.service.SetUserBlocked(r.Context(), userID, req.Blocked); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			h.writeError(w, http.StatusNotFound, "User not found")
			return
		}
		log.Printf("level=error component=api endpoint=set_user_blocked outcome=failed user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"message": "User block state updated"})
}

// TriggerReconcileHandler runs one reconciliation cycle on demand and returns
// its stats. The periodic loop keeps running independently.
func (h *RewardHandlers) TriggerReconcileHandler(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		h.writeError(w, http.StatusServiceUnavailable, "Reconciler is not running")
		return
	}

	stats, err := h.reconciler.RunCycle(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=trigger_reconcile outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Reconcile cycle failed")
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

func (h *RewardHandlers) parseRecordID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, "id")
	if idStr == "" {
		h.writeError(w, http.StatusBadRequest, "Record ID is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid record ID format")
		return uuid.Nil, false
	}
	return id, true
}

func (h *RewardHandlers) writeTaskTransitionError(w http.ResponseWriter, endpoint string, taskID uuid.UUID, err error) {
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		h.writeError(w, http.StatusNotFound, "Task not found")
	case errors.Is(err, app.ErrAlreadyProcessed):
		h.writeError(w, http.StatusConflict, "Task already processed")
	default:
		log.Printf("level=error component=api endpoint=%s outcome=failed task_id=%s err=%v", endpoint, taskID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *RewardHandlers) writeWithdrawalTransitionError(w http.ResponseWriter, endpoint string, withdrawalID uuid.UUID, err error) {
	switch {
	case errors.Is(err, store.ErrWithdrawalNotFound):
		h.writeError(w, http.StatusNotFound, "Withdrawal not found")
	case errors.Is(err, app.ErrAlreadyProcessed):
		h.writeError(w, http.StatusConflict, "Withdrawal already processed")
	default:
		log.Printf("level=error component=api endpoint=%s outcome=failed withdrawal_id=%s err=%v", endpoint, withdrawalID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *RewardHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *RewardHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/reviewpay/reward-service/internal/domain"
	"github.com/reviewpay/reward-service/internal/store"
)

type reconcileRepoStub struct {
	*repoStub

	seen         map[string]bool
	tasks        map[uuid.UUID]*domain.Task
	pendingByApp map[string][]domain.Task
	stale        []domain.Task
}

func newReconcileRepoStub() *reconcileRepoStub {
	return &reconcileRepoStub{
		repoStub:     newRepoStub(),
		seen:         map[string]bool{},
		tasks:        map[uuid.UUID]*domain.Task{},
		pendingByApp: map[string][]domain.Task{},
	}
}

func (s *reconcileRepoStub) MarkReviewSeen(ctx context.Context, appID, reviewID string) (bool, error) {
	key := appID + "/" + reviewID
	if s.seen[key] {
		return false, nil
	}
	s.seen[key] = true
	return true, nil
}

func (s *reconcileRepoStub) FindTaskByID(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	copied := *task
	return &copied, nil
}

func (s *reconcileRepoStub) ListPendingTasksByApp(ctx context.Context, appID string) ([]domain.Task, error) {
	return s.pendingByApp[appID], nil
}

func (s *reconcileRepoStub) ListPendingTasksOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Task, error) {
	return s.stale, nil
}

type reviewSourceStub struct {
	reviews map[string][]domain.Review
	errs    map[string]error
	calls   []string
}

func (r *reviewSourceStub) ListReviews(ctx context.Context, appID string, count int) ([]domain.Review, error) {
	r.calls = append(r.calls, appID)
	if err := r.errs[appID]; err != nil {
		return nil, err
	}
	return r.reviews[appID], nil
}

func newTestReconciler(t *testing.T, repo *reconcileRepoStub, reviews *reviewSourceStub, snapshot domain.Settings) (*Reconciler, *Service) {
	t.Helper()
	svc, _, _ := newTestService(t, repo.repoStub, snapshot)
	svc.repo = repo
	return NewReconciler(svc, reviews), svc
}

func TestRunCycle_AutoApprovesMatchingFiveStarReview(t *testing.T) {
	taskID := uuid.New()
	repo := newReconcileRepoStub()
	repo.users["user-1"] = &domain.User{ID: "user-1"}
	repo.markApprovedWon = true
	repo.tasks[taskID] = &domain.Task{ID: taskID, UserID: "user-1", AppID: "com.example.app", SubmitterName: "Rahim Uddin", Status: domain.StatusPending, Price: 500}
	repo.pendingByApp["com.example.app"] = []domain.Task{*repo.tasks[taskID]}

	reviews := &reviewSourceStub{reviews: map[string][]domain.Review{
		"com.example.app": {
			// Matching is case-insensitive and whitespace-trimmed.
			{ReviewID: "rev-1", ReviewerName: "  rahim uddin ", Rating: 5},
		},
	}}

	reconciler, _ := newTestReconciler(t, repo, reviews, defaultTestSettings())

	stats, err := reconciler.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	if stats.AutoApproved != 1 {
		t.Fatalf("expected one auto-approval, got %d", stats.AutoApproved)
	}
	if repo.approvalCredits["user-1"] != 500 {
		t.Fatalf("expected payout credit of 500, got %d", repo.approvalCredits["user-1"])
	}
}

func TestRunCycle_SecondPassSkipsSeenReviews(t *testing.T) {
	taskID := uuid.New()
	repo := newReconcileRepoStub()
	repo.users["user-1"] = &domain.User{ID: "user-1"}
	repo.markApprovedWon = true
	repo.tasks[taskID] = &domain.Task{ID: taskID, UserID: "user-1", AppID: "com.example.app", SubmitterName: "Rahim", Status: domain.StatusPending, Price: 500}
	repo.pendingByApp["com.example.app"] = []domain.Task{*repo.tasks[taskID]}

	reviews := &reviewSourceStub{reviews: map[string][]domain.Review{
		"com.example.app": {{ReviewID: "rev-1", ReviewerName: "Rahim", Rating: 5}},
	}}

	reconciler, _ := newTestReconciler(t, repo, reviews, defaultTestSettings())

	if _, err := reconciler.RunCycle(context.Background()); err != nil {
		t.Fatalf("first RunCycle returned error: %v", err)
	}
	stats, err := reconciler.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second RunCycle returned error: %v", err)
	}
	if stats.NewReviews != 0 || stats.AutoApproved != 0 {
		t.Fatalf("expected the seen review to be skipped, got new=%d approved=%d", stats.NewReviews, stats.AutoApproved)
	}
	if repo.approvalCredits["user-1"] != 500 {
		t.Fatalf("expected the payout to be credited exactly once, got %d", repo.approvalCredits["user-1"])
	}
}

func TestRunCycle_IgnoresBelowMaximumRating(t *testing.T) {
	taskID := uuid.New()
	repo := newReconcileRepoStub()
	repo.users["user-1"] = &domain.User{ID: "user-1"}
	repo.markApprovedWon = true
	repo.tasks[taskID] = &domain.Task{ID: taskID, UserID: "user-1", AppID: "com.example.app", SubmitterName: "Rahim", Status: domain.StatusPending, Price: 500}
	repo.pendingByApp["com.example.app"] = []domain.Task{*repo.tasks[taskID]}

	reviews := &reviewSourceStub{reviews: map[string][]domain.Review{
		"com.example.app": {{ReviewID: "rev-1", ReviewerName: "Rahim", Rating: 4}},
	}}

	reconciler, _ := newTestReconciler(t, repo, reviews, defaultTestSettings())

	stats, err := reconciler.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	if stats.NewReviews != 1 {
		t.Fatalf("expected the review to be recorded as seen, got %d", stats.NewReviews)
	}
	if stats.AutoApproved != 0 {
		t.Fatalf("expected no approval for a four-star review, got %d", stats.AutoApproved)
	}
	// The review is consumed either way; a later rating edit cannot reuse it.
	if !repo.seen["com.example.app/rev-1"] {
		t.Fatal("expected the review to be in the seen set")
	}
}

func TestRunCycle_FetchFailureSkipsOnlyThatApp(t *testing.T) {
	taskID := uuid.New()
	repo := newReconcileRepoStub()
	repo.users["user-1"] = &domain.User{ID: "user-1"}
	repo.markApprovedWon = true
	repo.tasks[taskID] = &domain.Task{ID: taskID, UserID: "user-1", AppID: "com.second.app", SubmitterName: "Rahim", Status: domain.StatusPending, Price: 500}
	repo.pendingByApp["com.second.app"] = []domain.Task{*repo.tasks[taskID]}

	reviews := &reviewSourceStub{
		errs: map[string]error{"com.example.app": errors.New("listing unavailable")},
		reviews: map[string][]domain.Review{
			"com.second.app": {{ReviewID: "rev-1", ReviewerName: "Rahim", Rating: 5}},
		},
	}

	snapshot := defaultTestSettings()
	snapshot.MonitoredApps = []domain.MonitoredApp{
		{AppID: "com.example.app", Name: "Example App", SubmissionLimit: 50},
		{AppID: "com.second.app", Name: "Second App", SubmissionLimit: 50},
	}
	reconciler, _ := newTestReconciler(t, repo, reviews, snapshot)

	stats, err := reconciler.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	if stats.FetchFailures != 1 {
		t.Fatalf("expected one fetch failure, got %d", stats.FetchFailures)
	}
	if stats.AutoApproved != 1 {
		t.Fatalf("expected the healthy app to still auto-approve, got %d", stats.AutoApproved)
	}
}

func TestRunCycle_ExpiresStaleTasks(t *testing.T) {
	staleID := uuid.New()
	repo := newReconcileRepoStub()
	repo.users["user-1"] = &domain.User{ID: "user-1"}
	repo.markRejectedWon = true
	repo.tasks[staleID] = &domain.Task{ID: staleID, UserID: "user-1", AppID: "com.example.app", SubmitterName: "Rahim", Status: domain.StatusPending, Price: 500}
	repo.stale = []domain.Task{*repo.tasks[staleID]}

	reviews := &reviewSourceStub{}
	snapshot := defaultTestSettings()
	snapshot.MonitoredApps = nil
	reconciler, _ := newTestReconciler(t, repo, reviews, snapshot)

	stats, err := reconciler.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	if stats.Expired != 1 {
		t.Fatalf("expected one expired task, got %d", stats.Expired)
	}
	if len(repo.rejectNotes) != 1 {
		t.Fatalf("expected one rejection note, got %v", repo.rejectNotes)
	}
	if len(repo.approvalCredits) != 0 || len(repo.credits) != 0 {
		t.Fatal("did not expect any balance mutation from expiry")
	}
}

func TestRunCycle_ManualActionWinsOverReconciler(t *testing.T) {
	taskID := uuid.New()
	repo := newReconcileRepoStub()
	repo.users["user-1"] = &domain.User{ID: "user-1"}
	// The conditional transition reports the task was already resolved.
	repo.markApprovedWon = false
	repo.tasks[taskID] = &domain.Task{ID: taskID, UserID: "user-1", AppID: "com.example.app", SubmitterName: "Rahim", Status: domain.StatusApproved, Price: 500}
	repo.pendingByApp["com.example.app"] = []domain.Task{*repo.tasks[taskID]}

	reviews := &reviewSourceStub{reviews: map[string][]domain.Review{
		"com.example.app": {{ReviewID: "rev-1", ReviewerName: "Rahim", Rating: 5}},
	}}

	reconciler, _ := newTestReconciler(t, repo, reviews, defaultTestSettings())

	stats, err := reconciler.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	if stats.AutoApproved != 0 {
		t.Fatalf("expected no auto-approval when the manual action won, got %d", stats.AutoApproved)
	}
	if len(repo.approvalCredits) != 0 {
		t.Fatal("did not expect a second payout credit")
	}
}

func TestRun_StopsWhenContextCancelled(t *testing.T) {
	repo := newReconcileRepoStub()
	reviews := &reviewSourceStub{}
	snapshot := defaultTestSettings()
	snapshot.MonitoredApps = nil
	reconciler, _ := newTestReconciler(t, repo, reviews, snapshot)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		reconciler.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to stop promptly after cancellation")
	}
}

func TestNamesMatch(t *testing.T) {
	tests := []struct {
		name      string
		submitter string
		reviewer  string
		want      bool
	}{
		{name: "exact match", submitter: "Rahim Uddin", reviewer: "Rahim Uddin", want: true},
		{name: "case-insensitive", submitter: "rahim uddin", reviewer: "RAHIM UDDIN", want: true},
		{name: "surrounding whitespace trimmed", submitter: " Rahim ", reviewer: "Rahim", want: true},
		{name: "different names", submitter: "Rahim", reviewer: "Karim", want: false},
		{name: "inner whitespace is significant", submitter: "Rahim  Uddin", reviewer: "Rahim Uddin", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := namesMatch(tt.submitter, tt.reviewer); got != tt.want {
				t.Fatalf("expected match=%t, got %t", tt.want, got)
			}
		})
	}
}

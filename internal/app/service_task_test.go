package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/reviewpay/reward-service/internal/domain"
	"github.com/reviewpay/reward-service/internal/settings"
	"github.com/reviewpay/reward-service/internal/store"
	"github.com/reviewpay/reward-service/pkg/rabbitmq"
)

// fixedNow falls inside the default 15:30-23:00 working window.
var fixedNow = time.Date(2026, 8, 29, 16, 0, 0, 0, time.UTC)

type settingsBackingStub struct {
	data   []byte
	err    error
	merged [][]byte
}

func (s *settingsBackingStub) GetSettingsJSON(ctx context.Context) ([]byte, error) {
	return s.data, s.err
}

func (s *settingsBackingStub) MergeSettingsJSON(ctx context.Context, partial []byte) error {
	s.merged = append(s.merged, partial)
	return nil
}

func settingsStoreWith(t *testing.T, snapshot domain.Settings) *settings.Store {
	t.Helper()
	data, err := json.Marshal(snapshot)
	if err != nil {
		t.Fatalf("failed to marshal settings snapshot: %v", err)
	}
	return settings.New(&settingsBackingStub{data: data}, time.Minute)
}

type repoStub struct {
	store.Repository

	users       map[string]*domain.User
	task        *domain.Task
	withdrawal  *domain.Withdrawal
	activeCount int

	markApprovedWon           bool
	markRejectedWon           bool
	markWithdrawalApprovedWon bool
	markWithdrawalRejectedWon bool
	createWithdrawalErr       error

	approvalCredits    map[string]int64
	credits            map[string]int64
	createdTasks       []*domain.Task
	createdWithdrawals []*domain.Withdrawal
	rejectNotes        []string

	markApprovedCalls int
	markRejectedCalls int
}

func newRepoStub() *repoStub {
	return &repoStub{
		users:           map[string]*domain.User{},
		approvalCredits: map[string]int64{},
		credits:         map[string]int64{},
	}
}

func (s *repoStub) FindUserByID(ctx context.Context, userID string) (*domain.User, error) {
	user, ok := s.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return user, nil
}

func (s *repoStub) CountActiveTasksForApp(ctx context.Context, appID string) (int, error) {
	return s.activeCount, nil
}

func (s *repoStub) CreateTask(ctx context.Context, task *domain.Task) error {
	s.createdTasks = append(s.createdTasks, task)
	return nil
}

func (s *repoStub) FindTaskByID(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	if s.task == nil || s.task.ID != taskID {
		return nil, store.ErrTaskNotFound
	}
	copied := *s.task
	return &copied, nil
}

func (s *repoStub) MarkTaskApproved(ctx context.Context, taskID uuid.UUID, autoApproved bool, approvedAt time.Time) (bool, error) {
	s.markApprovedCalls++
	return s.markApprovedWon, nil
}

func (s *repoStub) MarkTaskRejected(ctx context.Context, taskID uuid.UUID, note string) (bool, error) {
	s.markRejectedCalls++
	if s.markRejectedWon {
		s.rejectNotes = append(s.rejectNotes, note)
	}
	return s.markRejectedWon, nil
}

func (s *repoStub) ApplyApprovalCredit(ctx context.Context, userID string, price int64) error {
	s.approvalCredits[userID] += price
	return nil
}

func (s *repoStub) CreditBalance(ctx context.Context, userID string, amount int64) error {
	s.credits[userID] += amount
	return nil
}

func (s *repoStub) CreateWithdrawalWithDebit(ctx context.Context, withdrawal *domain.Withdrawal) error {
	if s.createWithdrawalErr != nil {
		return s.createWithdrawalErr
	}
	s.createdWithdrawals = append(s.createdWithdrawals, withdrawal)
	return nil
}

func (s *repoStub) FindWithdrawalByID(ctx context.Context, withdrawalID uuid.UUID) (*domain.Withdrawal, error) {
	if s.withdrawal == nil || s.withdrawal.ID != withdrawalID {
		return nil, store.ErrWithdrawalNotFound
	}
	copied := *s.withdrawal
	return &copied, nil
}

func (s *repoStub) MarkWithdrawalApproved(ctx context.Context, withdrawalID uuid.UUID, resolvedAt time.Time) (bool, error) {
	return s.markWithdrawalApprovedWon, nil
}

func (s *repoStub) MarkWithdrawalRejectedWithRefund(ctx context.Context, withdrawalID uuid.UUID, resolvedAt time.Time) (bool, error) {
	if s.markWithdrawalRejectedWon && s.withdrawal != nil {
		s.credits[s.withdrawal.UserID] += s.withdrawal.Amount
	}
	return s.markWithdrawalRejectedWon, nil
}

type notifierStub struct {
	messages map[string][]string
}

func newNotifierStub() *notifierStub {
	return &notifierStub{messages: map[string][]string{}}
}

func (n *notifierStub) Send(ctx context.Context, targetID, text string) error {
	n.messages[targetID] = append(n.messages[targetID], text)
	return nil
}

type publisherStub struct {
	events []rabbitmq.ResolutionEvent
	keys   []string
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *publisherStub) PublishResolutionEvent(ctx context.Context, routingKey string, event rabbitmq.ResolutionEvent) error {
	p.keys = append(p.keys, routingKey)
	p.events = append(p.events, event)
	return nil
}

func (p *publisherStub) Close() {}

func newTestService(t *testing.T, repo *repoStub, snapshot domain.Settings) (*Service, *notifierStub, *publisherStub) {
	t.Helper()
	notifier := newNotifierStub()
	publisher := &publisherStub{}
	svc := &Service{
		repo:                 repo,
		settings:             settingsStoreWith(t, snapshot),
		notifier:             notifier,
		events:               publisher,
		reviewsPerCycle:      50,
		workingHoursTimezone: time.UTC,
		now:                  func() time.Time { return fixedNow },
	}
	return svc, notifier, publisher
}

func defaultTestSettings() domain.Settings {
	snapshot := settings.Defaults()
	snapshot.MonitoredApps = []domain.MonitoredApp{
		{AppID: "com.example.app", Name: "Example App", SubmissionLimit: 50},
	}
	return snapshot
}

func TestSubmitTask_SnapshotsCurrentPrice(t *testing.T) {
	repo := newRepoStub()
	repo.users["user-1"] = &domain.User{ID: "user-1"}

	snapshot := defaultTestSettings()
	snapshot.TaskPrice = 700
	svc, _, _ := newTestService(t, repo, snapshot)

	task, err := svc.SubmitTask(context.Background(), "user-1", domain.SubmitTaskRequest{
		AppID:         "com.example.app",
		SubmitterName: "Rahim",
	})
	if err != nil {
		t.Fatalf("SubmitTask returned error: %v", err)
	}
	if task.Price != 700 {
		t.Fatalf("expected task price snapshot of 700, got %d", task.Price)
	}
	if task.Status != domain.StatusPending {
		t.Fatalf("expected pending status, got %q", task.Status)
	}
	if len(repo.createdTasks) != 1 {
		t.Fatalf("expected one task created, got %d", len(repo.createdTasks))
	}
}

func TestSubmitTask_RejectsBlockedUser(t *testing.T) {
	repo := newRepoStub()
	repo.users["user-1"] = &domain.User{ID: "user-1", IsBlocked: true}

	svc, _, _ := newTestService(t, repo, defaultTestSettings())

	_, err := svc.SubmitTask(context.Background(), "user-1", domain.SubmitTaskRequest{AppID: "com.example.app"})
	if !errors.Is(err, ErrUserBlocked) {
		t.Fatalf("expected ErrUserBlocked, got %v", err)
	}
	if len(repo.createdTasks) != 0 {
		t.Fatal("did not expect a task to be created for a blocked user")
	}
}

func TestSubmitTask_RejectsOutsideWorkingHours(t *testing.T) {
	repo := newRepoStub()
	repo.users["user-1"] = &domain.User{ID: "user-1"}

	snapshot := defaultTestSettings()
	snapshot.WorkStart = "18:00"
	snapshot.WorkEnd = "19:00"
	svc, _, _ := newTestService(t, repo, snapshot)

	_, err := svc.SubmitTask(context.Background(), "user-1", domain.SubmitTaskRequest{AppID: "com.example.app"})
	if !errors.Is(err, ErrOutsideWorkingHours) {
		t.Fatalf("expected ErrOutsideWorkingHours, got %v", err)
	}
}

func TestSubmitTask_RejectsUnknownApp(t *testing.T) {
	repo := newRepoStub()
	repo.users["user-1"] = &domain.User{ID: "user-1"}

	svc, _, _ := newTestService(t, repo, defaultTestSettings())

	_, err := svc.SubmitTask(context.Background(), "user-1", domain.SubmitTaskRequest{AppID: "com.other.app"})
	if !errors.Is(err, ErrUnknownApp) {
		t.Fatalf("expected ErrUnknownApp, got %v", err)
	}
}

func TestSubmitTask_RejectsWhenAppLimitReached(t *testing.T) {
	repo := newRepoStub()
	repo.users["user-1"] = &domain.User{ID: "user-1"}
	repo.activeCount = 50

	svc, _, _ := newTestService(t, repo, defaultTestSettings())

	_, err := svc.SubmitTask(context.Background(), "user-1", domain.SubmitTaskRequest{AppID: "com.example.app"})
	if !errors.Is(err, ErrAppLimitReached) {
		t.Fatalf("expected ErrAppLimitReached, got %v", err)
	}
}

type rateLimiterStub struct {
	count int
	err   error
}

func (r *rateLimiterStub) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return r.count, 0, r.err
}

func TestSubmitTask_RejectsWhenRateLimitExceeded(t *testing.T) {
	repo := newRepoStub()
	repo.users["user-1"] = &domain.User{ID: "user-1"}

	svc, _, _ := newTestService(t, repo, defaultTestSettings())
	svc.SetSubmissionRateLimiter(&rateLimiterStub{count: 11}, 10)

	_, err := svc.SubmitTask(context.Background(), "user-1", domain.SubmitTaskRequest{AppID: "com.example.app"})
	if !errors.Is(err, ErrSubmissionRateLimit) {
		t.Fatalf("expected ErrSubmissionRateLimit, got %v", err)
	}
}

func TestSubmitTask_FailsOpenWhenRateLimiterUnavailable(t *testing.T) {
	repo := newRepoStub()
	repo.users["user-1"] = &domain.User{ID: "user-1"}

	svc, _, _ := newTestService(t, repo, defaultTestSettings())
	svc.SetSubmissionRateLimiter(&rateLimiterStub{err: errors.New("redis down")}, 10)

	_, err := svc.SubmitTask(context.Background(), "user-1", domain.SubmitTaskRequest{AppID: "com.example.app"})
	if err != nil {
		t.Fatalf("expected submission to succeed when limiter is down, got %v", err)
	}
}

func TestApproveTask_CreditsPayoutOnce(t *testing.T) {
	taskID := uuid.New()
	repo := newRepoStub()
	repo.users["user-1"] = &domain.User{ID: "user-1"}
	repo.task = &domain.Task{ID: taskID, UserID: "user-1", Status: domain.StatusPending, Price: 500}
	repo.markApprovedWon = true

	svc, notifier, publisher := newTestService(t, repo, defaultTestSettings())

	task, err := svc.ApproveTask(context.Background(), taskID, false)
	if err != nil {
		t.Fatalf("ApproveTask returned error: %v", err)
	}
	if task.Status != domain.StatusApproved {
		t.Fatalf("expected approved status, got %q", task.Status)
	}
	if repo.approvalCredits["user-1"] != 500 {
		t.Fatalf("expected payout credit of 500, got %d", repo.approvalCredits["user-1"])
	}
	if len(notifier.messages["user-1"]) != 1 {
		t.Fatalf("expected one owner notification, got %d", len(notifier.messages["user-1"]))
	}
	if len(publisher.keys) != 1 || publisher.keys[0] != rabbitmq.RoutingKeyTaskApproved {
		t.Fatalf("expected one task.approved event, got %v", publisher.keys)
	}
}

func TestApproveTask_AlreadyProcessedIsNoOp(t *testing.T) {
	taskID := uuid.New()
	repo := newRepoStub()
	repo.users["user-1"] = &domain.User{ID: "user-1"}
	repo.task = &domain.Task{ID: taskID, UserID: "user-1", Status: domain.StatusApproved, Price: 500}
	repo.markApprovedWon = false

	svc, notifier, publisher := newTestService(t, repo, defaultTestSettings())

	_, err := svc.ApproveTask(context.Background(), taskID, true)
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
	if repo.approvalCredits["user-1"] != 0 {
		t.Fatalf("expected no payout credit on lost transition, got %d", repo.approvalCredits["user-1"])
	}
	if len(notifier.messages) != 0 {
		t.Fatal("did not expect any notification on lost transition")
	}
	if len(publisher.keys) != 0 {
		t.Fatal("did not expect any event on lost transition")
	}
}

func TestApproveTask_ReferralBonusUsesCurrentRate(t *testing.T) {
	taskID := uuid.New()
	referrer := "user-referrer"
	repo := newRepoStub()
	repo.users["user-1"] = &domain.User{ID: "user-1", Referrer: &referrer}
	repo.users[referrer] = &domain.User{ID: referrer}
	repo.task = &domain.Task{ID: taskID, UserID: "user-1", Status: domain.StatusPending, Price: 500}
	repo.markApprovedWon = true

	// Bonus rate raised after submission; the approval-time rate applies.
	snapshot := defaultTestSettings()
	snapshot.ReferralBonus = 300
	svc, notifier, _ := newTestService(t, repo, snapshot)

	if _, err := svc.ApproveTask(context.Background(), taskID, false); err != nil {
		t.Fatalf("ApproveTask returned error: %v", err)
	}
	if repo.credits[referrer] != 300 {
		t.Fatalf("expected referral bonus of 300 at the approval-time rate, got %d", repo.credits[referrer])
	}
	if len(notifier.messages[referrer]) != 1 {
		t.Fatalf("expected one referrer notification, got %d", len(notifier.messages[referrer]))
	}
}

func TestApproveTask_NoReferrerNoBonus(t *testing.T) {
	taskID := uuid.New()
	repo := newRepoStub()
	repo.users["user-1"] = &domain.User{ID: "user-1"}
	repo.task = &domain.Task{ID: taskID, UserID: "user-1", Status: domain.StatusPending, Price: 500}
	repo.markApprovedWon = true

	svc, _, _ := newTestService(t, repo, defaultTestSettings())

	if _, err := svc.ApproveTask(context.Background(), taskID, false); err != nil {
		t.Fatalf("ApproveTask returned error: %v", err)
	}
	if len(repo.credits) != 0 {
		t.Fatalf("expected no referral credits, got %v", repo.credits)
	}
}

func TestRejectTask_NoBalanceEffect(t *testing.T) {
	taskID := uuid.New()
	repo := newRepoStub()
	repo.users["user-1"] = &domain.User{ID: "user-1"}
	repo.task = &domain.Task{ID: taskID, UserID: "user-1", Status: domain.StatusPending, Price: 500}
	repo.markRejectedWon = true

	svc, _, publisher := newTestService(t, repo, defaultTestSettings())

	task, err := svc.RejectTask(context.Background(), taskID, "screenshot unreadable")
	if err != nil {
		t.Fatalf("RejectTask returned error: %v", err)
	}
	if task.Status != domain.StatusRejected {
		t.Fatalf("expected rejected status, got %q", task.Status)
	}
	if len(repo.approvalCredits) != 0 || len(repo.credits) != 0 {
		t.Fatal("did not expect any balance mutation on rejection")
	}
	if len(repo.rejectNotes) != 1 || repo.rejectNotes[0] != "screenshot unreadable" {
		t.Fatalf("expected rejection note to be persisted, got %v", repo.rejectNotes)
	}
	if len(publisher.keys) != 1 || publisher.keys[0] != rabbitmq.RoutingKeyTaskRejected {
		t.Fatalf("expected one task.rejected event, got %v", publisher.keys)
	}
}

func TestRegisterUser_IgnoresSelfReferral(t *testing.T) {
	repo := &selfReferralRepoStub{repoStub: newRepoStub()}
	repo.users["user-1"] = &domain.User{ID: "user-1"}

	svc, _, _ := newTestService(t, repo.repoStub, defaultTestSettings())
	svc.repo = repo

	self := "user-1"
	if _, err := svc.RegisterUser(context.Background(), "user-1", domain.RegisterUserRequest{Name: "Rahim", Referrer: &self}); err != nil {
		t.Fatalf("RegisterUser returned error: %v", err)
	}
	if repo.created == nil {
		t.Fatal("expected a user creation attempt")
	}
	if repo.created.Referrer != nil {
		t.Fatal("expected self-referral to be dropped")
	}
	if len(repo.referralIncrements) != 0 {
		t.Fatal("did not expect a referral count increment for a self-referral")
	}
}

func TestRegisterUser_CountsReferralOnFirstContactOnly(t *testing.T) {
	referrer := "user-referrer"
	repo := &selfReferralRepoStub{repoStub: newRepoStub(), createResult: true}
	repo.users["user-1"] = &domain.User{ID: "user-1", Referrer: &referrer}
	repo.users[referrer] = &domain.User{ID: referrer}

	svc, _, _ := newTestService(t, repo.repoStub, defaultTestSettings())
	svc.repo = repo

	if _, err := svc.RegisterUser(context.Background(), "user-1", domain.RegisterUserRequest{Referrer: &referrer}); err != nil {
		t.Fatalf("RegisterUser returned error: %v", err)
	}
	if len(repo.referralIncrements) != 1 || repo.referralIncrements[0] != referrer {
		t.Fatalf("expected one referral increment for %q, got %v", referrer, repo.referralIncrements)
	}

	// Second contact: the user already exists, so no increment.
	repo.createResult = false
	if _, err := svc.RegisterUser(context.Background(), "user-1", domain.RegisterUserRequest{Referrer: &referrer}); err != nil {
		t.Fatalf("RegisterUser returned error: %v", err)
	}
	if len(repo.referralIncrements) != 1 {
		t.Fatalf("expected no additional referral increment on repeat contact, got %v", repo.referralIncrements)
	}
}

type selfReferralRepoStub struct {
	*repoStub

	createResult       bool
	created            *domain.User
	referralIncrements []string
}

func (s *selfReferralRepoStub) CreateUserIfAbsent(ctx context.Context, user domain.User) (bool, error) {
	s.created = &user
	return s.createResult, nil
}

func (s *selfReferralRepoStub) IncrementReferralCount(ctx context.Context, userID string) error {
	s.referralIncrements = append(s.referralIncrements, userID)
	return nil
}

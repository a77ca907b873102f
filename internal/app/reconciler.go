package app

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/reviewpay/reward-service/internal/domain"
)

const (
	// maxReviewRating is the auto-approval bar: only reviews carrying the
	// maximum rating qualify.
	maxReviewRating = 5

	// reconcileErrorBackoff is how long the loop sleeps after a cycle-level
	// failure before trying again.
	reconcileErrorBackoff = time.Minute

	minReconcileInterval = 30 * time.Second
)

// CycleStats summarizes one reconciliation pass.
type CycleStats struct {
	AppsChecked   int `json:"apps_checked"`
	FetchFailures int `json:"fetch_failures"`
	NewReviews    int `json:"new_reviews"`
	AutoApproved  int `json:"auto_approved"`
	Expired       int `json:"expired"`
}

// Reconciler is the singleton background loop that cross-checks pending tasks
// against external review listings. It auto-approves pending tasks whose
// submitter name matches a fresh maximum-rating review and expires tasks that
// sat pending past the configured age threshold. All terminal transitions go
// through the same Service guards as manual operator actions, so the two
// actors can never both resolve the same task.
type Reconciler struct {
	service *Service
	reviews ReviewSource
}

// NewReconciler wires the loop to the shared service and the review source.
func NewReconciler(service *Service, reviews ReviewSource) *Reconciler {
	return &Reconciler{service: service, reviews: reviews}
}

// Run executes cycles on the interval configured in the settings (re-read
// every cycle, so admin changes apply without a restart) until the context is
// cancelled. The current cycle is allowed to finish before the loop stops.
func (r *Reconciler) Run(ctx context.Context) {
	log.Println("level=info component=reconciler msg=\"loop started\"")
	for {
		stats, err := r.RunCycle(ctx)
		wait := r.interval(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("level=info component=reconciler msg=\"loop stopped\"")
				return
			}
			log.Printf("level=error component=reconciler msg=\"cycle failed\" err=%v", err)
			wait = reconcileErrorBackoff
		} else {
			log.Printf("level=info component=reconciler msg=\"cycle complete\" apps=%d fetch_failures=%d new_reviews=%d auto_approved=%d expired=%d",
				stats.AppsChecked, stats.FetchFailures, stats.NewReviews, stats.AutoApproved, stats.Expired)
		}

		select {
		case <-ctx.Done():
			log.Println("level=info component=reconciler msg=\"loop stopped\"")
			return
		case <-time.After(wait):
		}
	}
}

// RunCycle performs one reconciliation pass. A failure fetching one app's
// reviews is logged and skipped; it never aborts the cycle for other apps.
func (r *Reconciler) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	snapshot := r.service.settings.Snapshot(ctx)

	for _, app := range snapshot.MonitoredApps {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.AppsChecked++

		reviews, err := r.reviews.ListReviews(ctx, app.AppID, r.service.reviewsPerCycle)
		if err != nil {
			stats.FetchFailures++
			log.Printf("level=warn component=reconciler msg=\"review fetch failed; skipping app\" app_id=%s err=%v", app.AppID, err)
			continue
		}

		for _, review := range reviews {
			matched, err := r.processReview(ctx, app.AppID, review)
			if err != nil {
				log.Printf("level=warn component=reconciler msg=\"review processing failed\" app_id=%s review_id=%s err=%v", app.AppID, review.ReviewID, err)
				continue
			}
			switch matched {
			case reviewOutcomeSkipped:
			case reviewOutcomeSeen:
				stats.NewReviews++
			case reviewOutcomeApproved:
				stats.NewReviews++
				stats.AutoApproved++
			}
		}
	}

	expired, err := r.expireStaleTasks(ctx, snapshot)
	if err != nil {
		return stats, err
	}
	stats.Expired = expired

	return stats, nil
}

type reviewOutcome int

const (
	reviewOutcomeSkipped reviewOutcome = iota
	reviewOutcomeSeen
	reviewOutcomeApproved
)

// processReview records the review in the persisted seen set and, when it
// carries the maximum rating, tries to match it to one pending task. The
// seen-set insert happens FIRST so a crash mid-cycle or an overlapping run
// can never process the same review twice.
func (r *Reconciler) processReview(ctx context.Context, appID string, review domain.Review) (reviewOutcome, error) {
	unseen, err := r.service.repo.MarkReviewSeen(ctx, appID, review.ReviewID)
	if err != nil {
		return reviewOutcomeSkipped, err
	}
	if !unseen {
		return reviewOutcomeSkipped, nil
	}

	if review.Rating != maxReviewRating {
		return reviewOutcomeSeen, nil
	}

	pending, err := r.service.repo.ListPendingTasksByApp(ctx, appID)
	if err != nil {
		return reviewOutcomeSeen, err
	}
	for _, task := range pending {
		if !namesMatch(task.SubmitterName, review.ReviewerName) {
			continue
		}
		if _, err := r.service.ApproveTask(ctx, task.ID, true); err != nil {
			if err == ErrAlreadyProcessed {
				// A manual action beat us to this task; the review stays
				// consumed and we stop here, same as a successful match.
				return reviewOutcomeSeen, nil
			}
			return reviewOutcomeSeen, err
		}
		log.Printf("level=info component=reconciler msg=\"task auto-approved\" task_id=%s app_id=%s review_id=%s", task.ID, appID, review.ReviewID)
		return reviewOutcomeApproved, nil
	}

	return reviewOutcomeSeen, nil
}

// expireStaleTasks rejects pending tasks older than the configured age
// threshold for which no matching review was ever found.
func (r *Reconciler) expireStaleTasks(ctx context.Context, snapshot domain.Settings) (int, error) {
	maxAge := time.Duration(snapshot.PendingTaskMaxAgeHours) * time.Hour
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := r.service.now().UTC().Add(-maxAge)
	stale, err := r.service.repo.ListPendingTasksOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0
	note := "review not found within " + maxAge.String()
	for _, task := range stale {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		if _, err := r.service.RejectTask(ctx, task.ID, note); err != nil {
			if err == ErrAlreadyProcessed {
				continue
			}
			log.Printf("level=warn component=reconciler msg=\"stale task rejection failed\" task_id=%s err=%v", task.ID, err)
			continue
		}
		expired++
	}
	return expired, nil
}

// interval reads the cycle interval from the current settings snapshot.
func (r *Reconciler) interval(ctx context.Context) time.Duration {
	seconds := r.service.settings.Snapshot(ctx).AutoApproveIntervalSeconds
	interval := time.Duration(seconds) * time.Second
	if interval < minReconcileInterval {
		interval = minReconcileInterval
	}
	return interval
}

// namesMatch compares submitter and reviewer display names the way the
// matching heuristic requires: case-insensitive, whitespace-trimmed equality.
// Name collisions and typos are a known limitation of name-based matching.
func namesMatch(submitterName, reviewerName string) bool {
	return strings.EqualFold(strings.TrimSpace(submitterName), strings.TrimSpace(reviewerName))
}

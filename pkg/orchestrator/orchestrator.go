// Package orchestrator drives scraping sessions end to end: it expands a
// request into page tasks, runs them through a bounded worker pool behind
// the rate limiter and proxy pool, merges extracted candidates, and walks
// the session through its lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"medscraper/pkg/config"
	errs "medscraper/pkg/errors"
	"medscraper/pkg/extract"
	"medscraper/pkg/fetch"
	"medscraper/pkg/logger"
	"medscraper/pkg/notify"
	"medscraper/pkg/proxy"
	"medscraper/pkg/ratelimit"
	"medscraper/pkg/record"
	"medscraper/pkg/retry"
	"medscraper/pkg/session"
)

// Fetcher retrieves a single page, optionally through a proxy route.
// *fetch.Executor is the production implementation.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string, route *proxy.Route) (*fetch.Page, error)
}

// Repository persists session state. Saves during a run are best effort;
// only the save at the terminal transition can fail the session.
type Repository interface {
	SaveSession(s *session.Session) error
	LoadSession(id string) (*session.Session, error)
	AppendRecords(sessionID string, records []*record.ProviderRecord) error
}

const (
	defaultWorkers     = 3
	defaultMaxAttempts = 3
)

// Orchestrator owns all sessions in this process.
type Orchestrator struct {
	cfg      *config.Config
	limiter  ratelimit.Limiter
	pool     *proxy.Pool
	fetcher  Fetcher
	registry *extract.Registry
	repo     Repository
	notifier notify.Notifier
	backoff  retry.BackoffStrategy
	log      logger.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState

	wg sync.WaitGroup
}

// sessionState is the mutable run-time wrapper around a session. All access
// to the embedded session goes through mu.
type sessionState struct {
	mu        sync.Mutex
	session   *session.Session
	merger    *record.Merger
	cancel    context.CancelFunc
	cancelled bool
}

// New wires an orchestrator from its collaborators. Pass a nil notifier to
// disable notifications.
func New(cfg *config.Config, limiter ratelimit.Limiter, pool *proxy.Pool, fetcher Fetcher,
	registry *extract.Registry, repo Repository, notifier notify.Notifier, log logger.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		limiter:  limiter,
		pool:     pool,
		fetcher:  fetcher,
		registry: registry,
		repo:     repo,
		notifier: notifier,
		backoff: &retry.ExponentialBackoff{
			BaseDelay:    cfg.Retry.BaseDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   2.0,
			JitterFactor: 0.1,
		},
		log:      log,
		sessions: make(map[string]*sessionState),
	}
}

// StartSession validates a request, creates the session and begins running
// it in the background. The session ID is returned immediately; invalid
// requests still get a session, already in the failed state, so the caller
// can inspect what went wrong.
func (o *Orchestrator) StartSession(req session.ScrapeRequest) (string, error) {
	st := &sessionState{
		session: &session.Session{
			ID:        uuid.New().String(),
			Request:   req,
			Status:    session.StatusPending,
			CreatedAt: time.Now(),
		},
		merger: record.NewMerger(),
	}

	if err := o.validateRequest(req); err != nil {
		now := time.Now()
		st.session.Status = session.StatusFailed
		st.session.FinishedAt = &now
		st.session.LastError = err.Error()
		o.register(st)
		o.saveBestEffort(st)
		o.log.WithField("session_id", st.session.ID).WithError(err).Warn("session rejected")
		return st.session.ID, nil
	}

	st.session.TotalTasks = len(req.Sites) * req.MaxPages

	ctx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel
	o.register(st)
	o.saveBestEffort(st)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(ctx, st)
	}()

	return st.session.ID, nil
}

func (o *Orchestrator) validateRequest(req session.ScrapeRequest) error {
	if req.MaxPages < 1 {
		return errs.Newf(errs.ErrorTypeInvalidRequest, "max_pages must be at least 1, got %d", req.MaxPages)
	}
	if len(req.Sites) == 0 {
		return errs.New(errs.ErrorTypeInvalidRequest, "at least one target site is required")
	}
	if req.SearchTerm == "" {
		return errs.New(errs.ErrorTypeInvalidRequest, "search term is required")
	}
	if req.Location == "" {
		return errs.New(errs.ErrorTypeInvalidRequest, "location is required")
	}
	for _, site := range req.Sites {
		if _, err := o.registry.Get(site); err != nil {
			return errs.Newf(errs.ErrorTypeInvalidRequest, "%v", err)
		}
	}
	return nil
}

func (o *Orchestrator) register(st *sessionState) {
	o.mu.Lock()
	o.sessions[st.session.ID] = st
	o.mu.Unlock()
}

// GetSession returns a point-in-time snapshot of a session. Sessions no
// longer held in memory are served from the repository.
func (o *Orchestrator) GetSession(id string) (*session.View, error) {
	st := o.lookup(id)
	if st == nil {
		s, err := o.repo.LoadSession(id)
		if err != nil {
			return nil, errs.Newf(errs.ErrorTypeInvalidRequest, "unknown session: %s", id)
		}
		return &session.View{
			ID:             s.ID,
			Status:         s.Status,
			CreatedAt:      s.CreatedAt,
			StartedAt:      s.StartedAt,
			FinishedAt:     s.FinishedAt,
			TotalTasks:     s.TotalTasks,
			CompletedTasks: s.CompletedTasks,
			FailedTasks:    s.FailedTasks,
			RecordCount:    len(s.Records),
			Records:        s.Records,
			LastError:      s.LastError,
		}, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	s := st.session
	records := st.merger.Records()
	return &session.View{
		ID:             s.ID,
		Status:         s.Status,
		CreatedAt:      s.CreatedAt,
		StartedAt:      s.StartedAt,
		FinishedAt:     s.FinishedAt,
		TotalTasks:     s.TotalTasks,
		CompletedTasks: s.CompletedTasks,
		FailedTasks:    s.FailedTasks,
		RecordCount:    len(records),
		Records:        records,
		LastError:      s.LastError,
	}, nil
}

// CancelSession requests cancellation of a running session. Returns false
// when the session does not exist or is already terminal. In-flight page
// fetches finish; queued tasks are abandoned and the session ends as
// cancelled, keeping the records collected so far.
func (o *Orchestrator) CancelSession(id string) bool {
	st := o.lookup(id)
	if st == nil {
		return false
	}

	st.mu.Lock()
	if st.session.Status.IsTerminal() {
		st.mu.Unlock()
		return false
	}
	st.cancelled = true
	cancel := st.cancel
	st.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.log.WithField("session_id", id).Info("session cancellation requested")
	return true
}

// GetProxyStats exposes per-route proxy pool statistics.
func (o *Orchestrator) GetProxyStats() []proxy.Stats {
	return o.pool.GetStats()
}

// Wait blocks until all running sessions reach a terminal state.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) lookup(id string) *sessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[id]
}

func (o *Orchestrator) maxAttempts() int {
	if o.cfg.Retry.MaxAttempts > 0 {
		return o.cfg.Retry.MaxAttempts
	}
	return defaultMaxAttempts
}

// run executes every task of a session through the worker pool and then
// performs the terminal transition.
func (o *Orchestrator) run(ctx context.Context, st *sessionState) {
	st.mu.Lock()
	now := time.Now()
	st.session.Status = session.StatusRunning
	st.session.StartedAt = &now
	sessionID := st.session.ID
	req := st.session.Request
	total := st.session.TotalTasks
	st.mu.Unlock()
	o.saveBestEffort(st)

	tasks := make(chan *session.PageTask, total)
	for _, site := range req.Sites {
		for page := 1; page <= req.MaxPages; page++ {
			tasks <- &session.PageTask{
				SessionID: sessionID,
				Site:      site,
				Page:      page,
				Status:    session.TaskQueued,
			}
		}
	}
	close(tasks)

	workers := o.cfg.Scraper.MaxConcurrentScrapes
	if workers < 1 {
		workers = defaultWorkers
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range tasks {
				select {
				case <-ctx.Done():
					return
				default:
				}
				o.runTask(ctx, st, task)
			}
		}()
	}
	wg.Wait()

	// tasks the workers never picked up still count against the session, so
	// completed + failed always reaches total once the session is terminal
	for task := range tasks {
		o.taskFailed(st, task, context.Canceled)
	}

	o.finish(st)
}

// runTask drives one page task through its attempts, backing off between
// retryable failures. Only the final outcome touches the session counters.
func (o *Orchestrator) runTask(ctx context.Context, st *sessionState, task *session.PageTask) {
	extractor, err := o.registry.Get(task.Site)
	if err != nil {
		o.taskFailed(st, task, err)
		return
	}
	pageURL := extractor.SearchURL(st.session.Request.SearchTerm, st.session.Request.Location, task.Page)

	for {
		task.Attempts++
		task.Status = session.TaskInFlight

		candidates, err := o.attemptPage(ctx, task, extractor, pageURL)
		if err == nil {
			o.taskSucceeded(st, task, candidates)
			return
		}
		task.LastError = err.Error()

		if ctx.Err() != nil {
			o.taskFailed(st, task, err)
			return
		}
		if !retryableError(err) || task.Attempts >= o.maxAttempts() {
			o.taskFailed(st, task, err)
			return
		}

		task.Status = session.TaskFailedRetry
		delay := o.backoff.NextDelay(task.Attempts)
		o.log.WithFields(map[string]interface{}{
			"session_id": task.SessionID,
			"site":       task.Site,
			"page":       task.Page,
			"attempt":    task.Attempts,
			"delay":      delay.String(),
		}).WithError(err).Warn("page task failed, retrying")
		if waitErr := retry.Wait(ctx, delay); waitErr != nil {
			o.taskFailed(st, task, err)
			return
		}
	}
}

// attemptPage performs a single fetch-and-extract attempt.
func (o *Orchestrator) attemptPage(ctx context.Context, task *session.PageTask,
	extractor extract.Extractor, pageURL string) ([]*record.RawCandidate, error) {

	// rejection leaves the window untouched, so retrying later is safe
	if !o.limiter.Allow(task.Site) {
		return nil, errs.Newf(errs.ErrorTypeRateLimit, "rate limit reached for %s", task.Site)
	}

	var route *proxy.Route
	if o.pool.Size() > 0 {
		var err error
		route, err = o.pool.Acquire()
		if err != nil {
			return nil, err
		}
	}

	page, err := o.fetcher.Fetch(ctx, pageURL, route)
	if err != nil {
		return nil, err
	}

	return extractor.Extract(page), nil
}

func (o *Orchestrator) taskSucceeded(st *sessionState, task *session.PageTask, candidates []*record.RawCandidate) {
	task.Status = session.TaskSucceeded

	var fresh []*record.ProviderRecord
	st.mu.Lock()
	for _, c := range candidates {
		if c.Name == "" {
			continue
		}
		if rec, isNew := st.merger.Merge(c); isNew {
			cp := *rec
			cp.Sources = make(map[string]bool, 1)
			if c.SourceSite != "" {
				cp.Sources[c.SourceSite] = true
			}
			fresh = append(fresh, &cp)
		}
	}
	st.session.CompletedTasks++
	completed, failed, total := st.session.CompletedTasks, st.session.FailedTasks, st.session.TotalTasks
	sessionID := st.session.ID
	st.mu.Unlock()

	// append-only record log is best effort, like the progress saves
	if len(fresh) > 0 {
		if err := o.repo.AppendRecords(sessionID, fresh); err != nil {
			o.log.WithField("session_id", sessionID).WithError(err).Warn("record append failed")
		}
	}

	o.log.WithFields(map[string]interface{}{
		"session_id": sessionID,
		"site":       task.Site,
		"page":       task.Page,
		"candidates": len(candidates),
		"new":        len(fresh),
	}).Debug("page task succeeded")
	logger.LogSessionProgress(sessionID, completed, failed, total)
	o.saveBestEffort(st)
}

func (o *Orchestrator) taskFailed(st *sessionState, task *session.PageTask, err error) {
	task.Status = session.TaskFailedTerminal
	task.LastError = err.Error()

	st.mu.Lock()
	st.session.FailedTasks++
	st.session.LastError = fmt.Sprintf("%s page %d: %v", task.Site, task.Page, err)
	completed, failed, total := st.session.CompletedTasks, st.session.FailedTasks, st.session.TotalTasks
	sessionID := st.session.ID
	st.mu.Unlock()

	o.log.WithFields(map[string]interface{}{
		"session_id": sessionID,
		"site":       task.Site,
		"page":       task.Page,
		"attempts":   task.Attempts,
	}).WithError(err).Error("page task failed terminally")
	logger.LogSessionProgress(sessionID, completed, failed, total)
	o.saveBestEffort(st)
}

// finish performs the terminal transition and fires the notification.
func (o *Orchestrator) finish(st *sessionState) {
	st.mu.Lock()
	now := time.Now()
	st.session.FinishedAt = &now
	st.session.Records = st.merger.Records()

	switch {
	case st.cancelled:
		st.session.Status = session.StatusCancelled
	case st.session.CompletedTasks > 0:
		st.session.Status = session.StatusCompleted
	default:
		st.session.Status = session.StatusFailed
		if st.session.LastError == "" {
			st.session.LastError = "no page task succeeded"
		}
	}
	snapshot := *st.session
	st.mu.Unlock()

	// the terminal save must land; a session we cannot persist is failed
	if err := o.repo.SaveSession(&snapshot); err != nil {
		st.mu.Lock()
		st.session.Status = session.StatusFailed
		st.session.LastError = err.Error()
		snapshot = *st.session
		st.mu.Unlock()
		o.log.WithField("session_id", snapshot.ID).WithError(err).Error("terminal session save failed")
	}

	o.log.WithFields(map[string]interface{}{
		"session_id": snapshot.ID,
		"status":     string(snapshot.Status),
		"records":    len(snapshot.Records),
		"completed":  snapshot.CompletedTasks,
		"failed":     snapshot.FailedTasks,
	}).Info("session finished")

	o.notifyFinished(&snapshot)
}

func (o *Orchestrator) notifyFinished(s *session.Session) {
	if o.notifier == nil || s.Request.NotifyAddress == "" {
		return
	}

	var duration time.Duration
	if s.StartedAt != nil && s.FinishedAt != nil {
		duration = s.FinishedAt.Sub(*s.StartedAt)
	}
	summary := session.Summary{
		SessionID:   s.ID,
		Status:      s.Status,
		Sites:       s.Request.Sites,
		SearchTerm:  s.Request.SearchTerm,
		Location:    s.Request.Location,
		TotalTasks:  s.TotalTasks,
		Completed:   s.CompletedTasks,
		Failed:      s.FailedTasks,
		RecordCount: len(s.Records),
		Duration:    duration,
		LastError:   s.LastError,
	}
	if err := o.notifier.Notify(s.Request.NotifyAddress, summary); err != nil {
		o.log.WithField("session_id", s.ID).WithError(err).Warn("notification delivery failed")
	}
}

// saveBestEffort persists a progress snapshot. Failures are logged and
// ignored; they do not affect the running session.
func (o *Orchestrator) saveBestEffort(st *sessionState) {
	st.mu.Lock()
	snapshot := *st.session
	snapshot.Records = st.merger.Records()
	st.mu.Unlock()

	if err := o.repo.SaveSession(&snapshot); err != nil {
		o.log.WithField("session_id", snapshot.ID).WithError(err).Warn("progress save failed")
	}
}

// retryableError applies the retry policy: typed transient errors retry,
// HTTP status failures retry only for statuses known to be transient.
func retryableError(err error) bool {
	var typed *errs.Error
	if !errors.As(err, &typed) {
		return false
	}
	if typed.Type == errs.ErrorTypeHTTPStatus {
		return errs.IsRetryableStatusCode(typed.Code)
	}
	return errs.IsRetryable(typed.Type)
}

package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medscraper/pkg/config"
	errs "medscraper/pkg/errors"
	"medscraper/pkg/extract"
	"medscraper/pkg/fetch"
	"medscraper/pkg/logger"
	"medscraper/pkg/proxy"
	"medscraper/pkg/ratelimit"
	"medscraper/pkg/record"
	"medscraper/pkg/session"
)

// fakeExtractor serves canned candidates keyed by page number, which it
// reads back out of the URL built by SearchURL.
type fakeExtractor struct {
	site    string
	perPage map[int][]*record.RawCandidate
}

func (f *fakeExtractor) Site() string { return f.site }

func (f *fakeExtractor) SearchURL(term, location string, page int) string {
	return fmt.Sprintf("https://%s/search/%s/%s/%d", f.site, term, location, page)
}

func (f *fakeExtractor) Extract(page *fetch.Page) []*record.RawCandidate {
	parts := strings.Split(page.URL, "/")
	n, _ := strconv.Atoi(parts[len(parts)-1])
	return f.perPage[n]
}

// fakeFetcher returns empty pages, failing URLs listed in fail. blockAfter,
// when positive, makes every call after the first N park until the context
// is cancelled.
type fakeFetcher struct {
	mu         sync.Mutex
	fail       map[string]error
	calls      int
	blockAfter int
	released   chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, pageURL string, route *proxy.Route) (*fetch.Page, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	err := f.fail[pageURL]
	f.mu.Unlock()

	if f.blockAfter > 0 && n > f.blockAfter {
		if f.released != nil {
			close(f.released)
			f.released = nil
		}
		<-ctx.Done()
		return nil, errs.New(errs.ErrorTypeNetwork, ctx.Err().Error())
	}
	if err != nil {
		return nil, err
	}
	return &fetch.Page{URL: pageURL, StatusCode: 200, FetchedAt: time.Now()}, nil
}

type memRepository struct {
	mu           sync.Mutex
	saves        int
	last         *session.Session
	appended     []*record.ProviderRecord
	failTerminal bool
}

func (r *memRepository) SaveSession(s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failTerminal && s.Status.IsTerminal() {
		return errs.New(errs.ErrorTypeRepository, "disk full")
	}
	r.saves++
	r.last = s
	return nil
}

func (r *memRepository) LoadSession(id string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last != nil && r.last.ID == id {
		return r.last, nil
	}
	return nil, errs.Newf(errs.ErrorTypeRepository, "session %s not found", id)
}

func (r *memRepository) AppendRecords(sessionID string, records []*record.ProviderRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appended = append(r.appended, records...)
	return nil
}

type memNotifier struct {
	mu        sync.Mutex
	calls     int
	lastTo    string
	lastState session.Status
}

func (n *memNotifier) Notify(address string, summary session.Summary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	n.lastTo = address
	n.lastState = summary.Status
	return nil
}

func candidates(site string, names ...string) []*record.RawCandidate {
	out := make([]*record.RawCandidate, 0, len(names))
	for i, name := range names {
		out = append(out, &record.RawCandidate{
			Name:       name,
			Address:    fmt.Sprintf("Teststraße %d, 10115 Berlin", i+1),
			SourceSite: site,
		})
	}
	return out
}

type harness struct {
	orch     *Orchestrator
	repo     *memRepository
	notifier *memNotifier
	pool     *proxy.Pool
}

func newHarness(t *testing.T, extractors []extract.Extractor, fetcher Fetcher, routes []string) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Scraper.MaxConcurrentScrapes = 3
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 2 * time.Millisecond
	cfg.Proxy.Routes = routes

	registry := extract.NewRegistry()
	for _, e := range extractors {
		registry.Register(e)
	}

	repo := &memRepository{}
	notifier := &memNotifier{}
	pool := proxy.NewPool(&cfg.Proxy, logger.NewNopLogger())
	limiter := ratelimit.NewSlidingWindow(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)

	orch := New(cfg, limiter, pool, fetcher, registry, repo, notifier, logger.NewNopLogger())
	return &harness{orch: orch, repo: repo, notifier: notifier, pool: pool}
}

func awaitTerminal(t *testing.T, o *Orchestrator, id string) *session.View {
	t.Helper()
	require.Eventually(t, func() bool {
		v, err := o.GetSession(id)
		return err == nil && v.Status.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)
	o.Wait()
	v, err := o.GetSession(id)
	require.NoError(t, err)
	return v
}

func TestSessionCompletesAndMergesRecords(t *testing.T) {
	e := &fakeExtractor{site: "fake.example", perPage: map[int][]*record.RawCandidate{
		1: candidates("fake.example", "Dr. Anna Weber", "Dr. Karl Huber", "Praxis Schmidt"),
		2: candidates("fake.example", "Dr. Eva Lang", "Dr. Jonas Berg"),
	}}
	h := newHarness(t, []extract.Extractor{e}, &fakeFetcher{}, nil)

	id, err := h.orch.StartSession(session.ScrapeRequest{
		Sites:         []string{"fake.example"},
		SearchTerm:    "arzt",
		Location:      "berlin",
		MaxPages:      2,
		NotifyAddress: "ops@example.com",
	})
	require.NoError(t, err)

	v := awaitTerminal(t, h.orch, id)
	assert.Equal(t, session.StatusCompleted, v.Status)
	assert.Equal(t, 2, v.TotalTasks)
	assert.Equal(t, 2, v.CompletedTasks)
	assert.Equal(t, 0, v.FailedTasks)
	assert.Equal(t, 5, v.RecordCount)
	assert.NotNil(t, v.FinishedAt)

	h.repo.mu.Lock()
	assert.Len(t, h.repo.appended, 5, "every new record lands in the append log")
	h.repo.mu.Unlock()

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	assert.Equal(t, 1, h.notifier.calls, "exactly one notification per session")
	assert.Equal(t, "ops@example.com", h.notifier.lastTo)
	assert.Equal(t, session.StatusCompleted, h.notifier.lastState)
}

func TestTaskCountersAlwaysSumToTotal(t *testing.T) {
	e := &fakeExtractor{site: "fake.example", perPage: map[int][]*record.RawCandidate{}}
	fetcher := &fakeFetcher{fail: map[string]error{
		e.SearchURL("arzt", "berlin", 2): errs.New(errs.ErrorTypeExtract, "permanent"),
	}}
	h := newHarness(t, []extract.Extractor{e}, fetcher, nil)

	id, err := h.orch.StartSession(session.ScrapeRequest{
		Sites:      []string{"fake.example"},
		SearchTerm: "arzt",
		Location:   "berlin",
		MaxPages:   3,
	})
	require.NoError(t, err)

	v := awaitTerminal(t, h.orch, id)
	assert.Equal(t, 3, v.TotalTasks)
	assert.Equal(t, v.TotalTasks, v.CompletedTasks+v.FailedTasks)
	assert.Equal(t, session.StatusCompleted, v.Status, "one success is enough to complete")
	assert.Equal(t, 1, v.FailedTasks)
}

func TestInvalidMaxPagesFailsWithoutDispatch(t *testing.T) {
	e := &fakeExtractor{site: "fake.example"}
	fetcher := &fakeFetcher{}
	h := newHarness(t, []extract.Extractor{e}, fetcher, nil)

	id, err := h.orch.StartSession(session.ScrapeRequest{
		Sites:      []string{"fake.example"},
		SearchTerm: "arzt",
		Location:   "berlin",
		MaxPages:   0,
	})
	require.NoError(t, err)

	v, err := h.orch.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, v.Status)
	assert.Contains(t, v.LastError, "max_pages")
	assert.Equal(t, 0, v.TotalTasks)
	assert.Equal(t, 0, fetcher.calls, "no tasks may be dispatched")
}

func TestUnsupportedSiteRejected(t *testing.T) {
	h := newHarness(t, nil, &fakeFetcher{}, nil)

	id, err := h.orch.StartSession(session.ScrapeRequest{
		Sites:      []string{"nonexistent.example"},
		SearchTerm: "arzt",
		Location:   "berlin",
		MaxPages:   1,
	})
	require.NoError(t, err)

	v, err := h.orch.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, v.Status)
	assert.Contains(t, v.LastError, "unsupported target site")
}

func TestAllRoutesQuarantinedFailsSession(t *testing.T) {
	e := &fakeExtractor{site: "fake.example", perPage: map[int][]*record.RawCandidate{
		1: candidates("fake.example", "Dr. Anna Weber"),
	}}
	h := newHarness(t, []extract.Extractor{e}, &fakeFetcher{}, []string{"http://127.0.0.1:9"})

	// drive the single route into quarantine before the session starts
	route, err := h.pool.Acquire()
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		h.pool.ReportFailure(route, "connect refused")
	}
	_, err = h.pool.Acquire()
	require.ErrorIs(t, err, proxy.ErrNoneAvailable)

	id, err := h.orch.StartSession(session.ScrapeRequest{
		Sites:      []string{"fake.example"},
		SearchTerm: "arzt",
		Location:   "berlin",
		MaxPages:   1,
	})
	require.NoError(t, err)

	v := awaitTerminal(t, h.orch, id)
	assert.Equal(t, session.StatusFailed, v.Status)
	assert.Equal(t, 0, v.RecordCount)
	assert.Contains(t, v.LastError, "no proxy routes available")
}

func TestCancelRetainsPartialRecords(t *testing.T) {
	e := &fakeExtractor{site: "fake.example", perPage: map[int][]*record.RawCandidate{
		1: candidates("fake.example", "Dr. Anna Weber", "Dr. Karl Huber"),
		2: candidates("fake.example", "Dr. Eva Lang"),
	}}
	released := make(chan struct{})
	fetcher := &fakeFetcher{blockAfter: 1, released: released}
	h := newHarness(t, []extract.Extractor{e}, fetcher, nil)
	h.orch.cfg.Scraper.MaxConcurrentScrapes = 1

	id, err := h.orch.StartSession(session.ScrapeRequest{
		Sites:      []string{"fake.example"},
		SearchTerm: "arzt",
		Location:   "berlin",
		MaxPages:   4,
	})
	require.NoError(t, err)

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("second fetch never started")
	}
	require.True(t, h.orch.CancelSession(id))

	v := awaitTerminal(t, h.orch, id)
	assert.Equal(t, session.StatusCancelled, v.Status)
	assert.Equal(t, 1, v.CompletedTasks)
	assert.Equal(t, 3, v.FailedTasks, "abandoned tasks count as failed")
	assert.Equal(t, v.TotalTasks, v.CompletedTasks+v.FailedTasks,
		"counters sum to total even for cancelled sessions")
	assert.Equal(t, 2, v.RecordCount, "records from the finished page survive")
}

func TestCancelUnknownOrTerminalSession(t *testing.T) {
	e := &fakeExtractor{site: "fake.example"}
	h := newHarness(t, []extract.Extractor{e}, &fakeFetcher{}, nil)

	assert.False(t, h.orch.CancelSession("no-such-session"))

	id, err := h.orch.StartSession(session.ScrapeRequest{
		Sites:      []string{"fake.example"},
		SearchTerm: "arzt",
		Location:   "berlin",
		MaxPages:   1,
	})
	require.NoError(t, err)
	awaitTerminal(t, h.orch, id)

	assert.False(t, h.orch.CancelSession(id), "terminal sessions cannot be cancelled")
}

func TestRetryableFailureEventuallySucceedsOrFails(t *testing.T) {
	e := &fakeExtractor{site: "fake.example"}
	url := e.SearchURL("arzt", "berlin", 1)
	fetcher := &fakeFetcher{fail: map[string]error{
		url: errs.New(errs.ErrorTypeTimeout, "deadline exceeded"),
	}}
	h := newHarness(t, []extract.Extractor{e}, fetcher, nil)

	id, err := h.orch.StartSession(session.ScrapeRequest{
		Sites:      []string{"fake.example"},
		SearchTerm: "arzt",
		Location:   "berlin",
		MaxPages:   1,
	})
	require.NoError(t, err)

	v := awaitTerminal(t, h.orch, id)
	assert.Equal(t, session.StatusFailed, v.Status)
	assert.Equal(t, 1, v.FailedTasks)
	assert.Equal(t, 3, fetcher.calls, "retryable failures get three attempts")
}

func TestRetryAttemptLimitFromConfig(t *testing.T) {
	e := &fakeExtractor{site: "fake.example"}
	url := e.SearchURL("arzt", "berlin", 1)
	fetcher := &fakeFetcher{fail: map[string]error{
		url: errs.New(errs.ErrorTypeTimeout, "deadline exceeded"),
	}}
	h := newHarness(t, []extract.Extractor{e}, fetcher, nil)
	h.orch.cfg.Retry.MaxAttempts = 1

	id, err := h.orch.StartSession(session.ScrapeRequest{
		Sites:      []string{"fake.example"},
		SearchTerm: "arzt",
		Location:   "berlin",
		MaxPages:   1,
	})
	require.NoError(t, err)

	v := awaitTerminal(t, h.orch, id)
	assert.Equal(t, session.StatusFailed, v.Status)
	assert.Equal(t, 1, fetcher.calls, "a single configured attempt means no retries")
}

// countingFetcher tracks how many fetches run at the same time.
type countingFetcher struct {
	mu       sync.Mutex
	inFlight int
	peak     int
}

func (f *countingFetcher) Fetch(ctx context.Context, pageURL string, route *proxy.Route) (*fetch.Page, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	f.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	return &fetch.Page{URL: pageURL, StatusCode: 200, FetchedAt: time.Now()}, nil
}

func TestConcurrencyCeilingHolds(t *testing.T) {
	e := &fakeExtractor{site: "fake.example"}
	fetcher := &countingFetcher{}
	h := newHarness(t, []extract.Extractor{e}, fetcher, nil)
	h.orch.cfg.Scraper.MaxConcurrentScrapes = 2

	id, err := h.orch.StartSession(session.ScrapeRequest{
		Sites:      []string{"fake.example"},
		SearchTerm: "arzt",
		Location:   "berlin",
		MaxPages:   8,
	})
	require.NoError(t, err)

	v := awaitTerminal(t, h.orch, id)
	assert.Equal(t, session.StatusCompleted, v.Status)
	assert.Equal(t, 8, v.CompletedTasks)

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	assert.Greater(t, fetcher.peak, 0)
	assert.LessOrEqual(t, fetcher.peak, 2, "never more in-flight fetches than configured")
}

func TestNonRetryableFailureNotRetried(t *testing.T) {
	e := &fakeExtractor{site: "fake.example"}
	url := e.SearchURL("arzt", "berlin", 1)
	fetcher := &fakeFetcher{fail: map[string]error{
		url: &errs.Error{Type: errs.ErrorTypeHTTPStatus, Message: "not found", Code: 404},
	}}
	h := newHarness(t, []extract.Extractor{e}, fetcher, nil)

	id, err := h.orch.StartSession(session.ScrapeRequest{
		Sites:      []string{"fake.example"},
		SearchTerm: "arzt",
		Location:   "berlin",
		MaxPages:   1,
	})
	require.NoError(t, err)

	v := awaitTerminal(t, h.orch, id)
	assert.Equal(t, session.StatusFailed, v.Status)
	assert.Equal(t, 1, fetcher.calls, "404 must not be retried")
}

func TestTerminalSaveFailureFailsSession(t *testing.T) {
	e := &fakeExtractor{site: "fake.example", perPage: map[int][]*record.RawCandidate{
		1: candidates("fake.example", "Dr. Anna Weber"),
	}}
	h := newHarness(t, []extract.Extractor{e}, &fakeFetcher{}, nil)
	h.repo.failTerminal = true

	id, err := h.orch.StartSession(session.ScrapeRequest{
		Sites:      []string{"fake.example"},
		SearchTerm: "arzt",
		Location:   "berlin",
		MaxPages:   1,
	})
	require.NoError(t, err)

	v := awaitTerminal(t, h.orch, id)
	assert.Equal(t, session.StatusFailed, v.Status)
	assert.Contains(t, v.LastError, "disk full")
}

func TestEmptyExtractionStillSucceeds(t *testing.T) {
	e := &fakeExtractor{site: "fake.example", perPage: map[int][]*record.RawCandidate{}}
	h := newHarness(t, []extract.Extractor{e}, &fakeFetcher{}, nil)

	id, err := h.orch.StartSession(session.ScrapeRequest{
		Sites:      []string{"fake.example"},
		SearchTerm: "arzt",
		Location:   "berlin",
		MaxPages:   1,
	})
	require.NoError(t, err)

	v := awaitTerminal(t, h.orch, id)
	assert.Equal(t, session.StatusCompleted, v.Status)
	assert.Equal(t, 0, v.RecordCount)
}

func TestDuplicateCandidatesAcrossPagesMergeOnce(t *testing.T) {
	same := func() []*record.RawCandidate {
		return []*record.RawCandidate{{
			Name:       "Dr. Anna Weber",
			Address:    "Hauptstraße 12, 10115 Berlin",
			SourceSite: "fake.example",
		}}
	}
	e := &fakeExtractor{site: "fake.example", perPage: map[int][]*record.RawCandidate{
		1: same(),
		2: same(),
	}}
	h := newHarness(t, []extract.Extractor{e}, &fakeFetcher{}, nil)

	id, err := h.orch.StartSession(session.ScrapeRequest{
		Sites:      []string{"fake.example"},
		SearchTerm: "arzt",
		Location:   "berlin",
		MaxPages:   2,
	})
	require.NoError(t, err)

	v := awaitTerminal(t, h.orch, id)
	assert.Equal(t, session.StatusCompleted, v.Status)
	assert.Equal(t, 1, v.RecordCount)
}

package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"botflow/internal/dedup"
	"botflow/internal/domain"
	"botflow/internal/queue"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// hookRepo wraps the real repository with injection points for race
// and fault scenarios that cannot be interleaved through the public
// API alone.
type hookRepo struct {
	queue.Repository
	onFindInFlight func()
	rejectCreates  int
	createIDs      []string
	failUpdateID   string
}

func (r *hookRepo) FindInFlight(ctx context.Context, hash string) (string, error) {
	if r.onFindInFlight != nil {
		f := r.onFindInFlight
		r.onFindInFlight = nil
		f()
	}
	return r.Repository.FindInFlight(ctx, hash)
}

func (r *hookRepo) CreateTask(ctx context.Context, req *domain.TaskRequest, res *domain.TaskResult) error {
	r.createIDs = append(r.createIDs, req.ID)
	if r.rejectCreates > 0 {
		r.rejectCreates--
		return queue.ErrDuplicateID
	}
	return r.Repository.CreateTask(ctx, req, res)
}

func (r *hookRepo) UpdateResult(ctx context.Context, res *domain.TaskResult, prev domain.State, prevTry int) error {
	if res.TaskID == r.failUpdateID {
		r.failUpdateID = ""
		return errors.New("injected storage fault")
	}
	return r.Repository.UpdateResult(ctx, res, prev, prevTry)
}

func newTestService(t *testing.T) (*Service, *fakeClock) {
	svc, clock, _ := newHookedService(t)
	return svc, clock
}

func newHookedService(t *testing.T) (*Service, *fakeClock, *hookRepo) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", filepath.Join(t.TempDir(), "test.db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	if err := queue.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	repo := &hookRepo{Repository: queue.NewSQLiteRepo(db)}
	clock := newFakeClock()
	svc := NewService(repo, dedup.NewIndex(repo), Options{Version: "test", Clock: clock.Now})
	return svc, clock, repo
}

var linuxBot = domain.Dimensions{"os": {"linux"}}

func baseSpec(clock *fakeClock) domain.RequestSpec {
	return domain.RequestSpec{
		Name:             "unit",
		Priority:         50,
		Dimensions:       domain.Dimensions{"os": {"linux"}},
		Commands:         [][]string{{"run_tests"}},
		Env:              map[string]string{"LANG": "C"},
		ExecutionTimeout: 10 * time.Minute,
		IOTimeout:        time.Minute,
		ExpirationTS:     clock.Now().Add(time.Hour),
		Idempotent:       true,
	}
}

// runToCompletion pushes an admitted task through poll and completion.
func runToCompletion(t *testing.T, svc *Service, taskID, botID string, rep BotReport) {
	t.Helper()
	ctx := context.Background()
	m, err := svc.BotPoll(ctx, botID, linuxBot)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if m.Request.ID != taskID {
		t.Fatalf("polled %s, want %s", m.Request.ID, taskID)
	}
	rep.TaskID = taskID
	rep.BotID = botID
	rep.Done = true
	if _, err := svc.BotUpdate(ctx, rep); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	m, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if m.Result.State != domain.StatePending || m.Result.TryNumber != 1 {
		t.Fatalf("admitted result = %+v", m.Result)
	}

	clock.Advance(time.Second)
	got, err := svc.BotPoll(ctx, "bot-1", linuxBot)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got.Result.State != domain.StateRunning || got.Result.BotID != "bot-1" {
		t.Fatalf("polled result = %+v", got.Result)
	}

	clock.Advance(time.Second)
	abort, err := svc.BotUpdate(ctx, BotReport{TaskID: m.Request.ID, BotID: "bot-1"})
	if err != nil || abort {
		t.Fatalf("progress update: abort=%v err=%v", abort, err)
	}

	clock.Advance(time.Second)
	if _, err := svc.BotUpdate(ctx, BotReport{TaskID: m.Request.ID, BotID: "bot-1", ExitCodes: []int{0}, CostUSD: 2.0, Done: true}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	res, err := svc.Result(ctx, m.Request.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.State != domain.StateCompleted || res.Failure || res.InternalFailure {
		t.Fatalf("final result = %+v", res)
	}
	if res.CostUSD != 2.0 || res.CompletedTS == nil {
		t.Fatalf("completion fields = %+v", res)
	}
	if len(res.ServerVersions) != 1 || res.ServerVersions[0] != "test" {
		t.Fatalf("server versions = %v", res.ServerVersions)
	}
}

func TestDedupReusesCompletedResult(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	first, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	runToCompletion(t, svc, first.Request.ID, "bot-1", BotReport{ExitCodes: []int{0}, CostUSD: 2.0})

	clock.Advance(time.Minute)
	second, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	res := second.Result
	if res.State != domain.StateCompleted {
		t.Fatalf("state = %s, want COMPLETED without execution", res.State)
	}
	if res.DedupedFrom != first.Request.ID {
		t.Fatalf("deduped_from = %q, want %s", res.DedupedFrom, first.Request.ID)
	}
	if res.TryNumber != 0 || res.BotID != "" || res.StartedTS != nil {
		t.Fatalf("deduped result carries execution fields: %+v", res)
	}
	if res.CostSavedUSD != 2.0 || res.CostUSD != 0 {
		t.Fatalf("cost fields = saved %.2f spent %.2f", res.CostSavedUSD, res.CostUSD)
	}
	if len(res.ExitCodes) != 1 || res.ExitCodes[0] != 0 {
		t.Fatalf("exit codes = %v", res.ExitCodes)
	}
}

func TestDedupNeverChains(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	first, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	runToCompletion(t, svc, first.Request.ID, "bot-1", BotReport{ExitCodes: []int{0}, CostUSD: 1.5})

	second, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	third, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("third submit: %v", err)
	}
	if second.Result.DedupedFrom != first.Request.ID {
		t.Fatalf("second deduped from %s", second.Result.DedupedFrom)
	}
	// Always the originally executed task, never the deduped copy.
	if third.Result.DedupedFrom != first.Request.ID {
		t.Fatalf("third deduped from %s, want original %s", third.Result.DedupedFrom, first.Request.ID)
	}
}

func TestFailedResultNotReused(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	first, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	runToCompletion(t, svc, first.Request.ID, "bot-1", BotReport{ExitCodes: []int{1}, CostUSD: 2.0})

	res, err := svc.Result(ctx, first.Request.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if !res.Failure {
		t.Fatal("nonzero exit code should flag failure")
	}

	second, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.Result.State != domain.StatePending || second.Result.DedupedFrom != "" {
		t.Fatalf("failed result was reused: %+v", second.Result)
	}
}

func TestNonIdempotentNeverDeduped(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	first, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	runToCompletion(t, svc, first.Request.ID, "bot-1", BotReport{ExitCodes: []int{0}, CostUSD: 1.0})

	spec := baseSpec(clock)
	spec.Idempotent = false
	second, err := svc.Submit(ctx, spec)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.Result.State != domain.StatePending {
		t.Fatalf("non-idempotent resubmit state = %s", second.Result.State)
	}
}

func TestDuplicateInFlightIsHeld(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	first, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	if second.Result.State != domain.StatePending || second.Result.DedupHold != first.Request.ID {
		t.Fatalf("duplicate not held on original: %+v", second.Result)
	}

	// Only the original is matchable.
	m, err := svc.BotPoll(ctx, "bot-1", linuxBot)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if m.Request.ID != first.Request.ID {
		t.Fatalf("polled %s, want original %s", m.Request.ID, first.Request.ID)
	}
	if _, err := svc.BotPoll(ctx, "bot-2", linuxBot); !errors.Is(err, queue.ErrNoMatch) {
		t.Fatalf("held duplicate was matched: %v", err)
	}

	clock.Advance(time.Second)
	if _, err := svc.BotUpdate(ctx, BotReport{TaskID: first.Request.ID, BotID: "bot-1", ExitCodes: []int{0}, CostUSD: 3.0, Done: true}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	res, err := svc.Result(ctx, second.Request.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.State != domain.StateCompleted || res.DedupedFrom != first.Request.ID {
		t.Fatalf("held task not settled as deduped: %+v", res)
	}
	if res.TryNumber != 0 || res.CostSavedUSD != 3.0 {
		t.Fatalf("settled fields = try %d saved %.2f", res.TryNumber, res.CostSavedUSD)
	}
}

func TestHeldDuplicateReleasedAfterFailure(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	first, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	runToCompletion(t, svc, first.Request.ID, "bot-1", BotReport{ExitCodes: []int{1}})

	res, err := svc.Result(ctx, second.Request.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.State != domain.StatePending || res.DedupHold != "" || res.TryNumber != 1 {
		t.Fatalf("held task not released after failed original: %+v", res)
	}

	// The released task now runs for real.
	m, err := svc.BotPoll(ctx, "bot-2", linuxBot)
	if err != nil {
		t.Fatalf("poll released: %v", err)
	}
	if m.Request.ID != second.Request.ID {
		t.Fatalf("polled %s, want released %s", m.Request.ID, second.Request.ID)
	}
}

func TestConcurrentDuplicateSubmits(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	const n = 6
	var wg sync.WaitGroup
	results := make([]*queue.Match, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := svc.Submit(ctx, baseSpec(clock))
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			results[i] = m
		}(i)
	}
	wg.Wait()

	var runnable int
	for _, m := range results {
		if m == nil {
			t.Fatal("missing submit result")
		}
		if m.Result.DedupHold == "" && m.Result.DedupedFrom == "" {
			runnable++
		}
	}
	if runnable != 1 {
		t.Fatalf("%d duplicates admitted as runnable, want exactly 1", runnable)
	}
}

func TestCrashRetriesThenBotDied(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	m, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	taskID := m.Request.ID

	if _, err := svc.BotPoll(ctx, "bot-1", linuxBot); err != nil {
		t.Fatalf("poll: %v", err)
	}
	clock.Advance(time.Second)
	if err := svc.BotCrashed(ctx, taskID, "bot-1"); err != nil {
		t.Fatalf("first crash: %v", err)
	}

	res, err := svc.Result(ctx, taskID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.State != domain.StatePending || res.TryNumber != 2 {
		t.Fatalf("after first crash: %+v", res)
	}
	if res.BotID != "" || res.StartedTS != nil {
		t.Fatalf("assignment not cleared for retry: %+v", res)
	}

	if _, err := svc.BotPoll(ctx, "bot-2", linuxBot); err != nil {
		t.Fatalf("repoll: %v", err)
	}
	clock.Advance(time.Second)
	if err := svc.BotCrashed(ctx, taskID, "bot-2"); err != nil {
		t.Fatalf("second crash: %v", err)
	}

	res, err = svc.Result(ctx, taskID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.State != domain.StateBotDied || !res.InternalFailure {
		t.Fatalf("after second crash: %+v", res)
	}
	if res.AbandonedTS == nil {
		t.Fatal("abandoned_ts not set")
	}
}

func TestExecutionTimeoutIsFailureNotBotDied(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	spec := baseSpec(clock)
	spec.ExecutionTimeout = 10 * time.Second
	spec.IOTimeout = 0
	m, err := svc.Submit(ctx, spec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.BotPoll(ctx, "bot-1", linuxBot); err != nil {
		t.Fatalf("poll: %v", err)
	}

	clock.Advance(11 * time.Second)
	if err := svc.SweepRunning(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	res, err := svc.Result(ctx, m.Request.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.State != domain.StateCompleted || !res.Failure {
		t.Fatalf("overrun result = %+v, want COMPLETED with failure", res)
	}
	if res.InternalFailure {
		t.Fatal("execution overrun is the task's fault, not the bot's")
	}
}

func TestIOSilenceTakesRetryPath(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	m, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.BotPoll(ctx, "bot-1", linuxBot); err != nil {
		t.Fatalf("poll: %v", err)
	}

	// A progress report inside the window resets the silence clock.
	clock.Advance(50 * time.Second)
	if _, err := svc.BotUpdate(ctx, BotReport{TaskID: m.Request.ID, BotID: "bot-1"}); err != nil {
		t.Fatalf("progress: %v", err)
	}
	clock.Advance(50 * time.Second)
	if err := svc.SweepRunning(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	res, err := svc.Result(ctx, m.Request.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.State != domain.StateRunning {
		t.Fatalf("state = %s after refreshed silence clock", res.State)
	}

	// Past the io timeout with no report the bot is presumed dead.
	clock.Advance(2 * time.Minute)
	if err := svc.SweepRunning(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	res, err = svc.Result(ctx, m.Request.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.State != domain.StatePending || res.TryNumber != 2 {
		t.Fatalf("silent task not re-queued: %+v", res)
	}
}

func TestCancelPending(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	m, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	state, err := svc.Cancel(ctx, m.Request.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if state != domain.StateCanceled {
		t.Fatalf("cancel returned %s", state)
	}
	res, err := svc.Result(ctx, m.Request.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.State != domain.StateCanceled || res.AbandonedTS == nil {
		t.Fatalf("canceled result = %+v", res)
	}
}

func TestCancelRunningIsAdvisory(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	m, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.BotPoll(ctx, "bot-1", linuxBot); err != nil {
		t.Fatalf("poll: %v", err)
	}

	state, err := svc.Cancel(ctx, m.Request.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if state != domain.StateRunning {
		t.Fatalf("cancel of running task returned %s, want RUNNING", state)
	}

	clock.Advance(time.Second)
	abort, err := svc.BotUpdate(ctx, BotReport{TaskID: m.Request.ID, BotID: "bot-1"})
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if !abort {
		t.Fatal("bot not told to abort after cancel request")
	}
	if err := svc.BotAborted(ctx, m.Request.ID, "bot-1"); err != nil {
		t.Fatalf("aborted: %v", err)
	}
	res, err := svc.Result(ctx, m.Request.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.State != domain.StateCanceled {
		t.Fatalf("state = %s, want CANCELED", res.State)
	}
}

func TestCompletionWinsCancelRace(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	m, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.BotPoll(ctx, "bot-1", linuxBot); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if _, err := svc.Cancel(ctx, m.Request.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// The completion report was already on the wire: it lands.
	clock.Advance(time.Second)
	if _, err := svc.BotUpdate(ctx, BotReport{TaskID: m.Request.ID, BotID: "bot-1", ExitCodes: []int{0}, Done: true}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	res, err := svc.Result(ctx, m.Request.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.State != domain.StateCompleted {
		t.Fatalf("state = %s, completion must win the race", res.State)
	}
}

func TestCancelTerminalIsNoop(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	m, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	runToCompletion(t, svc, m.Request.ID, "bot-1", BotReport{ExitCodes: []int{0}})

	state, err := svc.Cancel(ctx, m.Request.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if state != domain.StateCompleted {
		t.Fatalf("cancel of terminal task returned %s", state)
	}
}

func TestTerminalRejectsBotReports(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	m, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	runToCompletion(t, svc, m.Request.ID, "bot-1", BotReport{ExitCodes: []int{0}})

	if _, err := svc.BotUpdate(ctx, BotReport{TaskID: m.Request.ID, BotID: "bot-1", Done: true}); !errors.Is(err, queue.ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	if err := svc.BotCrashed(ctx, m.Request.ID, "bot-1"); !errors.Is(err, queue.ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestWrongBotRejected(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	m, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.BotPoll(ctx, "bot-1", linuxBot); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if _, err := svc.BotUpdate(ctx, BotReport{TaskID: m.Request.ID, BotID: "bot-2", Done: true}); !errors.Is(err, ErrWrongBot) {
		t.Fatalf("expected ErrWrongBot, got %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	spec := baseSpec(clock)
	spec.ExpirationTS = clock.Now().Add(time.Minute)
	m, err := svc.Submit(ctx, spec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	clock.Advance(2 * time.Minute)
	n, err := svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d, want 1", n)
	}
	res, err := svc.Result(ctx, m.Request.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.State != domain.StateExpired {
		t.Fatalf("state = %s, want EXPIRED", res.State)
	}
}

func TestSubmitRemintsCollidingID(t *testing.T) {
	ctx := context.Background()
	svc, clock, repo := newHookedService(t)
	repo.rejectCreates = 1

	m, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(repo.createIDs) != 2 {
		t.Fatalf("create attempts = %d, want 2", len(repo.createIDs))
	}
	if repo.createIDs[0] == repo.createIDs[1] {
		t.Fatal("colliding id was not re-minted")
	}
	if m.Request.ID != repo.createIDs[1] {
		t.Fatalf("admitted id %s, want re-minted %s", m.Request.ID, repo.createIDs[1])
	}
}

func TestSubmitCatchesJustFinishedDuplicate(t *testing.T) {
	ctx := context.Background()
	svc, clock, repo := newHookedService(t)

	first, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.BotPoll(ctx, "bot-1", linuxBot); err != nil {
		t.Fatalf("poll: %v", err)
	}

	// The original finishes after the duplicate's index lookup but
	// before its in-flight check.
	repo.onFindInFlight = func() {
		if _, err := svc.BotUpdate(ctx, BotReport{TaskID: first.Request.ID, BotID: "bot-1", ExitCodes: []int{0}, CostUSD: 2.0, Done: true}); err != nil {
			t.Errorf("complete original: %v", err)
		}
	}
	second, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	if second.Result.State != domain.StateCompleted || second.Result.DedupedFrom != first.Request.ID {
		t.Fatalf("duplicate executed for real: %+v", second.Result)
	}
	if second.Result.CostSavedUSD != 2.0 {
		t.Fatalf("cost_saved_usd = %.2f, want 2.0", second.Result.CostSavedUSD)
	}
}

func TestSettleHeldSkipsFailedRow(t *testing.T) {
	ctx := context.Background()
	svc, clock, repo := newHookedService(t)

	first, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	heldA, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("first duplicate: %v", err)
	}
	heldB, err := svc.Submit(ctx, baseSpec(clock))
	if err != nil {
		t.Fatalf("second duplicate: %v", err)
	}

	repo.failUpdateID = heldA.Request.ID
	runToCompletion(t, svc, first.Request.ID, "bot-1", BotReport{ExitCodes: []int{0}, CostUSD: 1.0})

	// One row faulting must not stall the other holder.
	resB, err := svc.Result(ctx, heldB.Request.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if resB.State != domain.StateCompleted || resB.DedupedFrom != first.Request.ID {
		t.Fatalf("second holder not settled: %+v", resB)
	}
	resA, err := svc.Result(ctx, heldA.Request.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if resA.State != domain.StatePending || resA.DedupHold == "" {
		t.Fatalf("faulted holder in unexpected state: %+v", resA)
	}

	// The next pass recovers it.
	if err := svc.SettleHeld(ctx); err != nil {
		t.Fatalf("settle: %v", err)
	}
	resA, err = svc.Result(ctx, heldA.Request.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if resA.State != domain.StateCompleted || resA.DedupedFrom != first.Request.ID {
		t.Fatalf("faulted holder not recovered: %+v", resA)
	}
}

func TestSweepRunningSkipsFailedRow(t *testing.T) {
	ctx := context.Background()
	svc, clock, repo := newHookedService(t)

	spec := baseSpec(clock)
	spec.Idempotent = false
	spec.ExecutionTimeout = 10 * time.Second
	spec.IOTimeout = 0
	a, err := svc.Submit(ctx, spec)
	if err != nil {
		t.Fatalf("submit a: %v", err)
	}
	b, err := svc.Submit(ctx, spec)
	if err != nil {
		t.Fatalf("submit b: %v", err)
	}
	for _, bot := range []string{"bot-1", "bot-2"} {
		if _, err := svc.BotPoll(ctx, bot, linuxBot); err != nil {
			t.Fatalf("poll %s: %v", bot, err)
		}
	}

	clock.Advance(11 * time.Second)
	repo.failUpdateID = a.Request.ID
	if err := svc.SweepRunning(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	resB, err := svc.Result(ctx, b.Request.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if resB.State != domain.StateCompleted || !resB.Failure {
		t.Fatalf("second overrun not finalized: %+v", resB)
	}
	resA, err := svc.Result(ctx, a.Request.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if resA.State != domain.StateRunning {
		t.Fatalf("faulted row in unexpected state: %+v", resA)
	}

	if err := svc.SweepRunning(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	resA, err = svc.Result(ctx, a.Request.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if resA.State != domain.StateCompleted || !resA.Failure {
		t.Fatalf("faulted row not recovered: %+v", resA)
	}
}

func TestDimensionRouting(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	spec := baseSpec(clock)
	spec.Idempotent = false
	spec.Dimensions = domain.Dimensions{"os": {"linux"}, "gpu": {"yes"}}
	m, err := svc.Submit(ctx, spec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := svc.BotPoll(ctx, "bot-cpu", linuxBot); !errors.Is(err, queue.ErrNoMatch) {
		t.Fatalf("cpu bot should not match gpu task: %v", err)
	}
	gpuBot := domain.Dimensions{"os": {"linux"}, "gpu": {"yes"}, "pool": {"ci"}}
	got, err := svc.BotPoll(ctx, "bot-gpu", gpuBot)
	if err != nil {
		t.Fatalf("gpu poll: %v", err)
	}
	if got.Request.ID != m.Request.ID {
		t.Fatalf("gpu bot polled %s", got.Request.ID)
	}
}

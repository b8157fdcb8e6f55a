package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"botflow/internal/dedup"
	"botflow/internal/domain"
	"botflow/internal/queue"
)

var (
	// ErrWrongBot rejects a report about a task assigned to another bot.
	ErrWrongBot = errors.New("report from wrong bot")
	// ErrBadTransition rejects a transition the state machine does not
	// allow.
	ErrBadTransition = errors.New("illegal state transition")
)

// Options configures a Service.
type Options struct {
	// Version is the scheduler build identifier recorded in each
	// result's audit trail.
	Version string
	// Clock overrides the wall clock, for tests.
	Clock func() time.Time
}

// Service orchestrates the task lifecycle: admission with dedup,
// matching, status reports, retry, expiration and cancellation. All
// state lives in the injected repository; instances are independent.
type Service struct {
	repo    queue.Repository
	index   *dedup.Index
	version string
	now     func() time.Time
	locks   *keyedMutex
}

func NewService(repo queue.Repository, index *dedup.Index, opts Options) *Service {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Service{
		repo:    repo,
		index:   index,
		version: version,
		now:     now,
		locks:   newKeyedMutex(),
	}
}

// Submit validates and admits a request. Idempotent requests are first
// checked against the dedup index under a per-fingerprint lock; on a
// hit the task completes immediately with the prior result's output and
// never enters the queue.
func (s *Service) Submit(ctx context.Context, spec domain.RequestSpec) (*queue.Match, error) {
	now := s.now()
	req, err := domain.NewRequest(spec, now)
	if err != nil {
		return nil, err
	}

	if req.Idempotent {
		req.PropertiesHash = dedup.Fingerprint(req)
		unlock := s.locks.lock(req.PropertiesHash)
		defer unlock()

		origin, err := s.index.Lookup(ctx, req.PropertiesHash)
		if err != nil {
			return nil, err
		}
		if origin != nil {
			return s.admitDeduped(ctx, req, origin, now)
		}
		// No completed result yet, but a structurally identical task
		// may already be in flight. Admit the new one held so it never
		// executes concurrently; the original's outcome settles it.
		inFlight, err := s.repo.FindInFlight(ctx, req.PropertiesHash)
		if err != nil && !errors.Is(err, queue.ErrNotFound) {
			return nil, err
		}
		if err == nil && inFlight != "" {
			return s.admitHeld(ctx, req, inFlight, now)
		}
		// The duplicate may have finished between the index lookup and
		// the in-flight check. Its index entry commits atomically with
		// the terminal result, so one more lookup closes that window.
		origin, err = s.index.Lookup(ctx, req.PropertiesHash)
		if err != nil {
			return nil, err
		}
		if origin != nil {
			return s.admitDeduped(ctx, req, origin, now)
		}
	}

	res := &domain.TaskResult{
		TaskID:     req.ID,
		State:      domain.StatePending,
		TryNumber:  1,
		ModifiedTS: &now,
	}
	res.TouchVersion(s.version)
	if err := s.createTask(ctx, req, res); err != nil {
		return nil, err
	}
	log.Info().Str("task_id", req.ID).Int("priority", req.Priority).Bool("idempotent", req.Idempotent).Msg("task admitted")
	return &queue.Match{Request: req, Result: res}, nil
}

func (s *Service) admitDeduped(ctx context.Context, req *domain.TaskRequest, origin *domain.TaskResult, now time.Time) (*queue.Match, error) {
	res := &domain.TaskResult{
		TaskID:       req.ID,
		State:        domain.StateCompleted,
		TryNumber:    0,
		CompletedTS:  &now,
		ModifiedTS:   &now,
		ExitCodes:    append([]int(nil), origin.ExitCodes...),
		DedupedFrom:  origin.TaskID,
		CostSavedUSD: origin.CostUSD,
	}
	res.TouchVersion(s.version)
	if err := s.createTask(ctx, req, res); err != nil {
		return nil, err
	}
	log.Info().Str("task_id", req.ID).Str("deduped_from", origin.TaskID).Float64("cost_saved_usd", origin.CostUSD).Msg("task deduped")
	return &queue.Match{Request: req, Result: res}, nil
}

func (s *Service) admitHeld(ctx context.Context, req *domain.TaskRequest, inFlight string, now time.Time) (*queue.Match, error) {
	res := &domain.TaskResult{
		TaskID:     req.ID,
		State:      domain.StatePending,
		TryNumber:  0,
		ModifiedTS: &now,
		DedupHold:  inFlight,
	}
	res.TouchVersion(s.version)
	if err := s.createTask(ctx, req, res); err != nil {
		return nil, err
	}
	log.Info().Str("task_id", req.ID).Str("held_on", inFlight).Msg("task held behind in-flight duplicate")
	return &queue.Match{Request: req, Result: res}, nil
}

// createTask persists the request/result pair, re-minting the id on
// the rare same-millisecond collision.
func (s *Service) createTask(ctx context.Context, req *domain.TaskRequest, res *domain.TaskResult) error {
	for tries := 0; ; tries++ {
		err := s.repo.CreateTask(ctx, req, res)
		if err == nil || !errors.Is(err, queue.ErrDuplicateID) || tries >= 3 {
			return err
		}
		req.ID = domain.NewTaskID(req.CreatedTS)
		res.TaskID = req.ID
		log.Warn().Str("task_id", req.ID).Msg("task id collision, re-minted")
	}
}

// SettleHeld resolves held tasks whose in-flight original reached a
/// terminal state: a reusable outcome completes the holder as deduped,
// anything else releases it to the queue.
func (s *Service) SettleHeld(ctx context.Context) error {
	held, err := s.repo.ListHeld(ctx)
	if err != nil {
		return err
	}
	for i := range held {
		res := held[i].Result
		origin, err := s.repo.GetResult(ctx, res.DedupHold)
		if errors.Is(err, queue.ErrNotFound) {
			origin = nil
		} else if err != nil {
			log.Error().Err(err).Str("task_id", res.TaskID).Msg("load held task's origin")
			continue
		}
		if origin != nil && !origin.State.IsTerminal() {
			continue
		}
		prevState, prevTry := res.State, res.TryNumber
		now := s.now()
		res.ModifiedTS = &now
		if origin != nil && dedup.Reusable(origin) {
			res.State = domain.StateCompleted
			res.CompletedTS = &now
			res.ExitCodes = append([]int(nil), origin.ExitCodes...)
			res.DedupedFrom = origin.TaskID
			res.CostSavedUSD = origin.CostUSD
			res.DedupHold = ""
			log.Info().Str("task_id", res.TaskID).Str("deduped_from", origin.TaskID).Msg("held task settled as deduped")
		} else {
			res.DedupHold = ""
			res.TryNumber = 1
			log.Info().Str("task_id", res.TaskID).Msg("held task released to queue")
		}
		res.TouchVersion(s.version)
		if err := s.repo.UpdateResult(ctx, res, prevState, prevTry); err != nil {
			// A concurrent cancel or settle won; the next pass
			// picks up whatever is still held.
			log.Warn().Err(err).Str("task_id", res.TaskID).Msg("settle held task")
			continue
		}
	}
	return nil
}

// BotPoll matches a polling bot against the queue. Returns
// queue.ErrNoMatch when the bot should go idle.
func (s *Service) BotPoll(ctx context.Context, botID string, caps domain.Dimensions) (*queue.Match, error) {
	m, err := s.repo.MatchNext(ctx, botID, caps, s.now())
	if err != nil {
		return nil, err
	}
	m.Result.TouchVersion(s.version)
	if err := s.repo.UpdateResult(ctx, m.Result, domain.StateRunning, m.Result.TryNumber); err != nil {
		return nil, err
	}
	log.Info().Str("task_id", m.Request.ID).Str("bot_id", botID).Int("try", m.Result.TryNumber).Msg("task matched")
	return m, nil
}

// BotReport is a status update from the executing bot.
type BotReport struct {
	TaskID    string
	BotID     string
	ExitCodes []int
	CostUSD   float64
	Done      bool
}

// BotUpdate applies a progress or completion report. Every report
// refreshes the io-silence clock. The returned abort flag tells the bot
// a cancel was requested. A completion report that races a pending
// cancel wins: the task finalizes COMPLETED.
func (s *Service) BotUpdate(ctx context.Context, rep BotReport) (abort bool, err error) {
	res, err := s.loadRunning(ctx, rep.TaskID, rep.BotID)
	if err != nil {
		return false, err
	}
	prevTry := res.TryNumber
	now := s.now()
	res.ModifiedTS = &now
	if len(rep.ExitCodes) > 0 {
		res.ExitCodes = rep.ExitCodes
	}
	if rep.CostUSD > 0 {
		res.CostUSD = rep.CostUSD
	}

	if !rep.Done {
		res.TouchVersion(s.version)
		if err := s.repo.UpdateResult(ctx, res, domain.StateRunning, prevTry); err != nil {
			return false, err
		}
		return res.CancelRequested, nil
	}

	res.State = domain.StateCompleted
	res.CompletedTS = &now
	res.Failure = anyNonzero(res.ExitCodes)
	res.TouchVersion(s.version)
	if hash := s.dedupHash(ctx, res); hash != "" {
		err = s.repo.CompleteAndRecord(ctx, res, domain.StateRunning, prevTry, hash)
	} else {
		err = s.repo.UpdateResult(ctx, res, domain.StateRunning, prevTry)
	}
	if err != nil {
		return false, err
	}
	log.Info().Str("task_id", res.TaskID).Bool("failure", res.Failure).Float64("cost_usd", res.CostUSD).Msg("task completed")
	if err := s.SettleHeld(ctx); err != nil {
		log.Error().Err(err).Msg("settle held tasks")
	}
	return false, nil
}

// BotAborted finalizes a task whose bot acknowledged a cancel.
func (s *Service) BotAborted(ctx context.Context, taskID, botID string) error {
	res, err := s.loadRunning(ctx, taskID, botID)
	if err != nil {
		return err
	}
	if !res.CancelRequested {
		return ErrBadTransition
	}
	if err := s.finalizeCanceled(ctx, res, s.now()); err != nil {
		return err
	}
	return s.SettleHeld(ctx)
}

// BotCrashed applies the internal-failure path: re-queue a fresh
// attempt while the try budget lasts, else BOT_DIED. A crash of a task
// with a pending cancel finalizes CANCELED instead of retrying.
func (s *Service) BotCrashed(ctx context.Context, taskID, botID string) error {
	res, err := s.loadRunning(ctx, taskID, botID)
	if err != nil {
		return err
	}
	if err := s.handleInternalFailure(ctx, res); err != nil {
		return err
	}
	return s.SettleHeld(ctx)
}

func (s *Service) handleInternalFailure(ctx context.Context, res *domain.TaskResult) error {
	now := s.now()
	if res.CancelRequested {
		return s.finalizeCanceled(ctx, res, now)
	}
	prevState, prevTry := res.State, res.TryNumber
	if res.TryNumber < domain.MaxTries {
		prevBot := res.BotID
		res.State = domain.StatePending
		res.TryNumber++
		res.BotID = ""
		res.StartedTS = nil
		res.ModifiedTS = &now
		res.ExitCodes = nil
		res.CostUSD = 0
		res.TouchVersion(s.version)
		if err := s.repo.UpdateResult(ctx, res, prevState, prevTry); err != nil {
			return err
		}
		log.Warn().Str("task_id", res.TaskID).Str("bot_id", prevBot).Int("try", res.TryNumber).Msg("internal failure, task re-queued")
		return nil
	}
	res.State = domain.StateBotDied
	res.InternalFailure = true
	res.AbandonedTS = &now
	res.ModifiedTS = &now
	res.TouchVersion(s.version)
	if err := s.repo.UpdateResult(ctx, res, prevState, prevTry); err != nil {
		return err
	}
	log.Error().Str("task_id", res.TaskID).Str("bot_id", res.BotID).Msg("bot died, try budget exhausted")
	return nil
}

// Cancel requests cancellation. Pending tasks cancel immediately;
// running tasks record the intent and the bot is told to abort on its
// next report. Canceling an already-terminal task is a no-op returning
// the terminal state.
func (s *Service) Cancel(ctx context.Context, taskID string) (domain.State, error) {
	res, err := s.repo.GetResult(ctx, taskID)
	if err != nil {
		return "", err
	}
	if res.State.IsTerminal() {
		return res.State, nil
	}
	now := s.now()
	switch res.State {
	case domain.StatePending:
		if err := s.finalizeCanceled(ctx, res, now); err != nil {
			return "", err
		}
		if err := s.SettleHeld(ctx); err != nil {
			return "", err
		}
		return domain.StateCanceled, nil
	case domain.StateRunning:
		res.CancelRequested = true
		res.AbandonedTS = &now
		res.ModifiedTS = &now
		res.TouchVersion(s.version)
		if err := s.repo.UpdateResult(ctx, res, domain.StateRunning, res.TryNumber); err != nil {
			return "", err
		}
		log.Info().Str("task_id", taskID).Str("bot_id", res.BotID).Msg("cancel requested for running task")
		return domain.StateRunning, nil
	}
	return "", ErrBadTransition
}

func (s *Service) finalizeCanceled(ctx context.Context, res *domain.TaskResult, now time.Time) error {
	prevState, prevTry := res.State, res.TryNumber
	res.State = domain.StateCanceled
	if res.AbandonedTS == nil {
		res.AbandonedTS = &now
	}
	res.ModifiedTS = &now
	res.TouchVersion(s.version)
	if err := s.repo.UpdateResult(ctx, res, prevState, prevTry); err != nil {
		return err
	}
	log.Info().Str("task_id", res.TaskID).Msg("task canceled")
	return nil
}

// SweepExpired transitions pending tasks past their deadline to
// EXPIRED. Also invoked lazily during matching.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	n, err := s.repo.ExpirePending(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int("expired", n).Msg("expired unmatched tasks")
	}
	if err := s.SettleHeld(ctx); err != nil {
		return n, err
	}
	return n, nil
}

// SweepRunning enforces timeouts against the wall clock, independent of
// bot liveness: execution-timeout overruns complete with failure, and
// io-silence beyond io_timeout takes the internal-failure path. A task
// with a pending cancel finalizes CANCELED once it times out.
func (s *Service) SweepRunning(ctx context.Context) error {
	running, err := s.repo.ListRunning(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	for i := range running {
		req, res := running[i].Request, running[i].Result
		if res.StartedTS != nil && now.Sub(*res.StartedTS) > req.ExecutionTimeout {
			if res.CancelRequested {
				if err := s.finalizeCanceled(ctx, res, now); err != nil {
					log.Warn().Err(err).Str("task_id", res.TaskID).Msg("cancel timed-out task")
				}
				continue
			}
			prevTry := res.TryNumber
			res.State = domain.StateCompleted
			res.Failure = true
			res.CompletedTS = &now
			res.ModifiedTS = &now
			res.TouchVersion(s.version)
			if err := s.repo.UpdateResult(ctx, res, domain.StateRunning, prevTry); err != nil {
				// A late report beat the sweep; leave the row to it.
				log.Warn().Err(err).Str("task_id", res.TaskID).Msg("finalize timed-out task")
				continue
			}
			log.Warn().Str("task_id", res.TaskID).Dur("execution_timeout", req.ExecutionTimeout).Msg("task exceeded execution timeout")
			continue
		}
		if req.IOTimeout > 0 && res.ModifiedTS != nil && now.Sub(*res.ModifiedTS) > req.IOTimeout {
			if err := s.handleInternalFailure(ctx, res); err != nil {
				log.Warn().Err(err).Str("task_id", res.TaskID).Msg("retry silent task")
			}
		}
	}
	return s.SettleHeld(ctx)
}

// Task returns the read contract for one task.
func (s *Service) Task(ctx context.Context, taskID string) (*domain.TaskRequest, *domain.TaskResult, error) {
	req, err := s.repo.GetRequest(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	res, err := s.repo.GetResult(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	return req, res, nil
}

// Result returns the mutable record for one task.
func (s *Service) Result(ctx context.Context, taskID string) (*domain.TaskResult, error) {
	return s.repo.GetResult(ctx, taskID)
}

// Children lists the ids of tasks spawned by taskID.
func (s *Service) Children(ctx context.Context, taskID string) ([]string, error) {
	return s.repo.ListChildren(ctx, taskID)
}

// Recent lists the newest tasks for the read contract.
func (s *Service) Recent(ctx context.Context, limit int) ([]queue.Match, error) {
	return s.repo.ListRecent(ctx, limit)
}

// StateCounts reports how many results sit in each state.
func (s *Service) StateCounts(ctx context.Context) (map[domain.State]int, error) {
	return s.repo.CountStates(ctx)
}

// dedupHash returns the fingerprint to record alongside a completion,
// or "" when the outcome must never be reused.
func (s *Service) dedupHash(ctx context.Context, res *domain.TaskResult) string {
	if res.Failure || res.InternalFailure || res.DedupedFrom != "" {
		return ""
	}
	req, err := s.repo.GetRequest(ctx, res.TaskID)
	if err != nil {
		log.Error().Err(err).Str("task_id", res.TaskID).Msg("load request for dedup record")
		return ""
	}
	if !req.Idempotent {
		return ""
	}
	if req.PropertiesHash != "" {
		return req.PropertiesHash
	}
	return dedup.Fingerprint(req)
}

func (s *Service) loadRunning(ctx context.Context, taskID, botID string) (*domain.TaskResult, error) {
	res, err := s.repo.GetResult(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if res.State != domain.StateRunning {
		if res.State.IsTerminal() {
			return nil, queue.ErrTerminal
		}
		return nil, ErrBadTransition
	}
	if res.BotID != botID {
		return nil, ErrWrongBot
	}
	return res, nil
}

func anyNonzero(codes []int) bool {
	for _, c := range codes {
		if c != 0 {
			return true
		}
	}
	return false
}

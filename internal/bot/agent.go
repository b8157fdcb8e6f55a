package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"
)

// Agent is a reference bot: it polls the scheduler with its capability
// dimensions, executes matched command vectors one task at a time, and
// reports progress, exit codes and cost back.
type Agent struct {
	serverURL   string
	botID       string
	dims        map[string][]string
	client      *http.Client
	pollEvery   time.Duration
	reportEvery time.Duration
	hourlyUSD   float64
}

type Options struct {
	ServerURL   string
	BotID       string
	Dimensions  map[string][]string
	PollEvery   time.Duration
	ReportEvery time.Duration
	// HourlyUSD is the rate used to convert wall-clock run time to
	// reported cost.
	HourlyUSD float64
}

func New(opts Options) *Agent {
	pollEvery := opts.PollEvery
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	reportEvery := opts.ReportEvery
	if reportEvery <= 0 {
		reportEvery = 10 * time.Second
	}
	hourly := opts.HourlyUSD
	if hourly <= 0 {
		hourly = 0.10
	}
	return &Agent{
		serverURL:   opts.ServerURL,
		botID:       opts.BotID,
		dims:        opts.Dimensions,
		client:      &http.Client{Timeout: 30 * time.Second},
		pollEvery:   pollEvery,
		reportEvery: reportEvery,
		hourlyUSD:   hourly,
	}
}

type assignment struct {
	TaskID               string            `json:"task_id"`
	TryNumber            int               `json:"try_number"`
	Commands             [][]string        `json:"commands"`
	Env                  map[string]string `json:"env"`
	ExecutionTimeoutSecs int64             `json:"execution_timeout_secs"`
	IOTimeoutSecs        int64             `json:"io_timeout_secs"`
}

// Run polls until ctx is canceled. One task at a time, like the real
// fleet.
func (a *Agent) Run(ctx context.Context) {
	t := time.NewTicker(a.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			asn, err := a.poll(ctx)
			if err != nil {
				log.Error().Err(err).Msg("poll failed")
				continue
			}
			if asn == nil {
				continue
			}
			a.runTask(ctx, asn)
		}
	}
}

func (a *Agent) poll(ctx context.Context) (*assignment, error) {
	body := map[string]any{"bot_id": a.botID, "dimensions": a.dims}
	resp, err := a.post(ctx, "/api/bot/poll", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}
	var asn assignment
	if err := json.NewDecoder(resp.Body).Decode(&asn); err != nil {
		return nil, err
	}
	return &asn, nil
}

func (a *Agent) runTask(ctx context.Context, asn *assignment) {
	log.Info().Str("task_id", asn.TaskID).Int("try", asn.TryNumber).Msg("task assigned")
	started := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if asn.ExecutionTimeoutSecs > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, time.Duration(asn.ExecutionTimeoutSecs)*time.Second)
		defer cancelTimeout()
	}

	// Background progress reports keep the scheduler's silence clock
	// fresh and surface abort requests.
	go a.reportProgress(runCtx, asn.TaskID, cancel)

	env := os.Environ()
	for k, v := range asn.Env {
		env = append(env, k+"="+v)
	}

	var exitCodes []int
	for _, argv := range asn.Commands {
		cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
		cmd.Env = env
		err := cmd.Run()
		code := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				// The process could not run at all: an infrastructure
				// fault on this bot, not a task failure.
				log.Error().Err(err).Str("task_id", asn.TaskID).Msg("command could not run, reporting crash")
				a.reportTerminal(ctx, asn.TaskID, "crashed")
				return
			}
		}
		exitCodes = append(exitCodes, code)
		if code != 0 {
			break
		}
	}

	if runCtx.Err() != nil && ctx.Err() == nil {
		// Killed by an abort request or local deadline; the scheduler
		// resolves which terminal state wins.
		a.reportTerminal(ctx, asn.TaskID, "aborted")
		return
	}

	cost := time.Since(started).Hours() * a.hourlyUSD
	done := map[string]any{
		"bot_id":     a.botID,
		"exit_codes": exitCodes,
		"cost_usd":   cost,
		"done":       true,
	}
	resp, err := a.post(ctx, "/api/bot/tasks/"+asn.TaskID+"/update", done)
	if err != nil {
		log.Error().Err(err).Str("task_id", asn.TaskID).Msg("completion report failed")
		return
	}
	resp.Body.Close()
	log.Info().Str("task_id", asn.TaskID).Ints("exit_codes", exitCodes).Float64("cost_usd", cost).Msg("task finished")
}

func (a *Agent) reportProgress(ctx context.Context, taskID string, abort context.CancelFunc) {
	t := time.NewTicker(a.reportEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			body := map[string]any{"bot_id": a.botID, "done": false}
			resp, err := a.post(ctx, "/api/bot/tasks/"+taskID+"/update", body)
			if err != nil {
				continue
			}
			var out struct {
				Abort bool `json:"abort"`
			}
			err = json.NewDecoder(resp.Body).Decode(&out)
			resp.Body.Close()
			if err == nil && out.Abort {
				log.Warn().Str("task_id", taskID).Msg("abort requested, killing task")
				abort()
				return
			}
		}
	}
}

func (a *Agent) reportTerminal(ctx context.Context, taskID, kind string) {
	body := map[string]any{"bot_id": a.botID}
	resp, err := a.post(ctx, "/api/bot/tasks/"+taskID+"/"+kind, body)
	if err != nil {
		log.Error().Err(err).Str("task_id", taskID).Str("kind", kind).Msg("terminal report failed")
		return
	}
	resp.Body.Close()
}

func (a *Agent) post(ctx context.Context, path string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.serverURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "application/json")
	return a.client.Do(req)
}

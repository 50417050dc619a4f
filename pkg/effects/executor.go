package effects

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/web3ekko/txflow/pkg/resolve"
	"github.com/web3ekko/txflow/pkg/txdef"
)

// DefaultTimeout bounds each side-effect HTTP call so one stalled target
// cannot indefinitely extend a watcher tick.
const DefaultTimeout = 10 * time.Second

// Executor issues side-effect HTTP calls against a base URL with bearer
// auth. OnRequest fires before each real call; OnResult fires after every
// evaluation, including skips, so structured logging stays decoupled from
// execution.
type Executor struct {
	client  *http.Client
	baseURL string
	token   string
	log     *zap.Logger

	OnRequest func(RequestInfo)
	OnResult  func(Result, Phase)
}

// NewExecutor creates an executor for the given side-effect target base URL.
// A nil client gets a DefaultTimeout-bounded one; a nil logger is replaced
// with a nop logger.
func NewExecutor(baseURL, token string, client *http.Client, logger *zap.Logger) *Executor {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		log:     logger,
	}
}

// ExecuteOne evaluates a single side effect against the submission context.
// A non-matching condition or the "Not implemented" sentinel is a skip,
// never a failure, and issues no network call. A *resolve.ResolutionError is
// carried on the result and must be surfaced by the caller regardless of the
// effect's critical flag.
func (e *Executor) ExecuteOne(ctx context.Context, effect txdef.SideEffect, sctx txdef.SubmissionContext, phase Phase) Result {
	res := e.executeOne(ctx, effect, sctx, phase)
	if e.OnResult != nil {
		e.OnResult(res, phase)
	}
	return res
}

func (e *Executor) executeOne(ctx context.Context, effect txdef.SideEffect, sctx txdef.SubmissionContext, phase Phase) Result {
	if effect.Condition != nil {
		v, _ := resolve.ValueFromPath(sctx.BuildInputs, effect.Condition.Path)
		if !effect.Condition.Matches(v) {
			e.log.Debug("side effect skipped",
				zap.String("label", effect.Label),
				zap.String("phase", string(phase)),
				zap.String("reason", SkipConditionNotMet))
			return Result{Effect: effect, Success: true, Skipped: true, SkipReason: SkipConditionNotMet}
		}
	}
	if effect.NotImplemented() {
		e.log.Debug("side effect skipped",
			zap.String("label", effect.Label),
			zap.String("phase", string(phase)),
			zap.String("reason", SkipNotImplemented))
		return Result{Effect: effect, Success: true, Skipped: true, SkipReason: SkipNotImplemented}
	}

	ctxMap := sctx.AsMap()
	endpoint, err := resolve.PathParams(effect.Endpoint, effect.PathParams, ctxMap)
	if err != nil {
		return Result{Effect: effect, Err: err}
	}
	body := resolve.RequestBody(effect.Body, ctxMap)
	url := e.baseURL + endpoint

	if e.OnRequest != nil {
		e.OnRequest(RequestInfo{Phase: phase, Label: effect.Label, Method: effect.Method, URL: url, Body: body})
	}

	resp, err := e.call(ctx, effect.Method, url, body)
	if err != nil {
		e.log.Warn("side effect failed",
			zap.String("label", effect.Label),
			zap.String("phase", string(phase)),
			zap.String("url", url),
			zap.Error(err))
		return Result{Effect: effect, Err: err}
	}
	return Result{Effect: effect, Success: true, Response: resp}
}

func (e *Executor) call(ctx context.Context, method, url string, body map[string]any) (map[string]any, error) {
	var reader io.Reader
	if len(body) > 0 {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("side effect call failed: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(data))}
	}

	if len(data) == 0 {
		return nil, nil
	}
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		// Non-JSON 2xx bodies are tolerated; the call still succeeded.
		return nil, nil
	}
	return parsed, nil
}

// ExecuteList runs a side-effect list strictly sequentially; later effects
// may depend on earlier ones having mutated shared downstream state.
//
// In the default best-effort mode every effect runs regardless of earlier
// failures and the aggregate Success reflects only critical failures. With
// Options.FailFast the first critical failure aborts the remainder and a
// *CriticalFailureError is returned alongside the partial results.
//
// A *resolve.ResolutionError from any effect aborts the list immediately and
// is returned as the error, independent of mode and critical flag.
func (e *Executor) ExecuteList(ctx context.Context, effects []txdef.SideEffect, sctx txdef.SubmissionContext, opts Options, phase Phase) (*ListResult, error) {
	out := &ListResult{Phase: phase, Results: make([]Result, 0, len(effects)), CriticalErrors: []error{}}
	for _, effect := range effects {
		res := e.ExecuteOne(ctx, effect, sctx, phase)
		out.Results = append(out.Results, res)

		var resErr *resolve.ResolutionError
		if errors.As(res.Err, &resErr) {
			out.Success = false
			return out, resErr
		}
		if res.Err != nil && effect.Critical {
			out.CriticalErrors = append(out.CriticalErrors, fmt.Errorf("%s: %w", effect.Label, res.Err))
			if opts.FailFast {
				out.Success = false
				return out, &CriticalFailureError{Label: effect.Label, Phase: phase, Err: res.Err}
			}
		}
	}
	out.Success = len(out.CriticalErrors) == 0
	return out, nil
}

// ExecuteOnSubmit runs a definition's onSubmit list.
func (e *Executor) ExecuteOnSubmit(ctx context.Context, effects []txdef.SideEffect, sctx txdef.SubmissionContext, opts Options) (*ListResult, error) {
	return e.ExecuteList(ctx, effects, sctx, opts, PhaseSubmit)
}

// ExecuteOnConfirmation runs a definition's onConfirmation list. Effects in
// this phase re-run whenever a confirmed entry needs attention, so their
// targets must upsert idempotently.
func (e *Executor) ExecuteOnConfirmation(ctx context.Context, effects []txdef.SideEffect, sctx txdef.SubmissionContext, opts Options) (*ListResult, error) {
	return e.ExecuteList(ctx, effects, sctx, opts, PhaseConfirmation)
}

package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/callkaidsroofing/toolrunner/pkg/queue"
	"github.com/callkaidsroofing/toolrunner/pkg/receipts"
	"github.com/callkaidsroofing/toolrunner/pkg/registry"
	"github.com/callkaidsroofing/toolrunner/pkg/runs"
)

const (
	defaultMaxToolCalls   = 10
	defaultWaitTimeoutMS  = 30000
	maxWaitTimeoutMS      = 120000
	defaultPollIntervalMS = 500
)

// Coordinator compiles requests into contract-valid calls, enqueues them,
// optionally waits for their receipts, and persists a Run row correlating
// the whole exchange.
type Coordinator struct {
	Registry *registry.Registry
	Rules    []Rule
	Calls    *queue.Store
	Receipts *receipts.Store
	Runs     *runs.Store

	PollIntervalMS int
}

// NewCoordinator builds a Coordinator with the default rule set and poll interval.
func NewCoordinator(reg *registry.Registry, calls *queue.Store, receiptStore *receipts.Store, runStore *runs.Store) *Coordinator {
	return &Coordinator{
		Registry: reg, Rules: DefaultRules(), Calls: calls, Receipts: receiptStore, Runs: runStore,
		PollIntervalMS: defaultPollIntervalMS,
	}
}

// Handle compiles, and depending on mode enqueues and/or awaits, a request,
// persisting the outcome as a Run row and returning the structured response.
func (c *Coordinator) Handle(ctx context.Context, req Request) (*Response, error) {
	maxCalls := req.Limits.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = defaultMaxToolCalls
	}
	waitMS := req.Limits.WaitTimeoutMS
	if waitMS <= 0 {
		waitMS = defaultWaitTimeoutMS
	}
	if waitMS > maxWaitTimeoutMS {
		waitMS = maxWaitTimeoutMS
	}

	resp := &Response{Enqueued: []string{}, Receipts: []ReceiptSummary{}, NextActions: []string{}, Errors: []string{}}

	// The run row is persisted pending before any call is enqueued, so call
	// rows can reference it, and updated with the outcome at finish.
	run := &runs.Run{ID: uuid.NewString(), Message: req.Message, Mode: runs.Mode(req.Mode), Status: runs.StatusPending}
	if _, err := c.Runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("planner: persisting run: %w", err)
	}

	if req.Mode == ModeAnswer || req.Mode == "" && req.Message == "" {
		run.Status = runs.StatusCompleted
		run.AssistantMessage = "no action taken"
		resp.OK = true
		resp.Decision = "answer"
		resp.AssistantMessage = run.AssistantMessage
		resp.PlannedToolCalls = []PlannedCall{}
		return c.finish(ctx, run, resp)
	}

	planned, decision, err := c.compile(req, maxCalls)
	resp.Decision = decision
	resp.PlannedToolCalls = planned
	if err != nil {
		resp.OK = false
		resp.Errors = append(resp.Errors, err.Error())
		run.Status = runs.StatusFailed
		run.Decision = decision
		run.Errors = []string{err.Error()}
		return c.finish(ctx, run, resp)
	}

	run.Decision = decision
	run.PlannedToolCalls = toRunPlanned(planned)

	if req.Mode == ModePlan {
		resp.OK = true
		run.Status = runs.StatusCompleted
		return c.finish(ctx, run, resp)
	}

	callIDs, err := c.enqueue(ctx, planned, run)
	if err != nil {
		resp.OK = false
		resp.Errors = append(resp.Errors, err.Error())
		run.Status = runs.StatusFailed
		run.Errors = append(run.Errors, err.Error())
		return c.finish(ctx, run, resp)
	}
	resp.Enqueued = callIDs
	run.EnqueuedCallIDs = callIDs
	resp.OK = true

	if req.Mode == ModeEnqueue {
		run.Status = runs.StatusCompleted
		run.AssistantMessage = fmt.Sprintf("enqueued %d call(s)", len(callIDs))
		resp.AssistantMessage = run.AssistantMessage
		return c.finish(ctx, run, resp)
	}

	// enqueue_and_wait
	summaries, timedOut := c.awaitReceipts(ctx, callIDs, time.Duration(waitMS)*time.Millisecond)
	resp.Receipts = summaries
	if timedOut {
		// The calls stay queued and will still execute; the caller just
		// stopped waiting.
		resp.Errors = append(resp.Errors, "timeout_waiting")
	}
	run.Status = runs.StatusCompleted
	run.AssistantMessage = fmt.Sprintf("%d of %d call(s) completed", len(summaries), len(callIDs))
	resp.AssistantMessage = run.AssistantMessage
	return c.finish(ctx, run, resp)
}

func (c *Coordinator) finish(ctx context.Context, run *runs.Run, resp *Response) (*Response, error) {
	if _, err := c.Runs.Update(ctx, run); err != nil {
		return nil, fmt.Errorf("planner: recording run outcome: %w", err)
	}
	resp.RunID = run.ID
	return resp, nil
}

// compile matches the request's message against the rules in Order; the
// first matching rule produces the single planned call. It rejects the
// request if nothing matches or the produced call fails registry
// validation.
func (c *Coordinator) compile(req Request, maxCalls int) ([]PlannedCall, string, error) {
	rules := make([]Rule, len(c.Rules))
	copy(rules, c.Rules)
	sort.Slice(rules, func(i, j int) bool { return rules[i].Order < rules[j].Order })

	var planned []PlannedCall
	var matchedRule string
	for _, rule := range rules {
		fields, ok := rule.Match(req)
		if !ok {
			continue
		}
		matchedRule = rule.Name
		input, err := rule.Build(fields)
		if err != nil {
			return nil, "", fmt.Errorf("planner: building input for rule %q: %w", rule.Name, err)
		}
		contract, err := c.Registry.Get(rule.ToolName)
		if err != nil {
			return nil, "", fmt.Errorf("planner: rule %q targets unregistered tool %q", rule.Name, rule.ToolName)
		}
		var decoded any
		if err := json.Unmarshal(input, &decoded); err != nil {
			return nil, "", fmt.Errorf("planner: rule %q produced invalid JSON: %w", rule.Name, err)
		}
		if err := c.Registry.ValidateInput(contract, decoded); err != nil {
			return nil, "", fmt.Errorf("planner: rule %q produced an invalid call: %w", rule.Name, err)
		}
		planned = append(planned, PlannedCall{ToolName: rule.ToolName, Input: input})
		break // one rule, one call; chained requests are the caller's responsibility
	}

	if len(planned) == 0 {
		return nil, "no_matching_rule", fmt.Errorf("no_matching_rule: no rule matched the request message")
	}
	if len(planned) > maxCalls {
		return nil, matchedRule, fmt.Errorf("planner: %d planned calls exceeds max_tool_calls=%d", len(planned), maxCalls)
	}
	return planned, matchedRule, nil
}

func (c *Coordinator) enqueue(ctx context.Context, planned []PlannedCall, run *runs.Run) ([]string, error) {
	ids := make([]string, 0, len(planned))
	for _, p := range planned {
		call, err := c.Calls.InsertCall(ctx, p.ToolName, p.Input, nil, &run.ID)
		if err != nil {
			return ids, fmt.Errorf("planner: enqueueing %q: %w", p.ToolName, err)
		}
		ids = append(ids, call.ID)
	}
	return ids, nil
}

// awaitReceipts polls the receipt store for the given call ids until every
// one is accounted for or timeout elapses.
func (c *Coordinator) awaitReceipts(ctx context.Context, callIDs []string, timeout time.Duration) ([]ReceiptSummary, bool) {
	pollInterval := time.Duration(c.PollIntervalMS) * time.Millisecond
	deadline := time.Now().Add(timeout)
	seen := make(map[string]ReceiptSummary, len(callIDs))

	for {
		found, err := c.Receipts.ListByCallIDs(ctx, callIDs)
		if err == nil {
			for _, r := range found {
				seen[r.CallID] = ReceiptSummary{CallID: r.CallID, Status: string(r.Status), Result: r.Result}
			}
		}
		if len(seen) == len(callIDs) {
			return summariesInOrder(callIDs, seen), false
		}
		if time.Now().After(deadline) {
			return summariesInOrder(callIDs, seen), true
		}
		select {
		case <-ctx.Done():
			return summariesInOrder(callIDs, seen), true
		case <-time.After(pollInterval):
		}
	}
}

func summariesInOrder(callIDs []string, seen map[string]ReceiptSummary) []ReceiptSummary {
	out := make([]ReceiptSummary, 0, len(callIDs))
	for _, id := range callIDs {
		if s, ok := seen[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func toRunPlanned(planned []PlannedCall) []runs.PlannedCall {
	out := make([]runs.PlannedCall, len(planned))
	for i, p := range planned {
		out[i] = runs.PlannedCall{ToolName: p.ToolName, Input: p.Input}
	}
	return out
}

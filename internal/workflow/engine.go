package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"sitecraft/api/internal/events"
	"sitecraft/api/internal/store"
	"sitecraft/api/internal/util"
)

const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"

	MaxSteps         = 200
	MaxDelay         = 5 * time.Minute
	maxExecutionTime = 10 * time.Minute
	maxResponseBytes = 1 << 20
)

var ErrStepLimit = errors.New("workflow step limit exceeded")

type ExecutionStore interface {
	InsertExecution(ctx context.Context, item store.WorkflowExecution) error
	FinishExecution(ctx context.Context, item store.WorkflowExecution) (bool, error)
}

type ContactStore interface {
	GetContactByEmail(ctx context.Context, email string) (store.Contact, error)
	UpdateContact(ctx context.Context, item store.Contact) error
}

type Mailer interface {
	IsConfigured() bool
	SendEmail(to []string, subject, body string) error
}

// NodeResult is one entry of an execution's node_results column.
type NodeResult struct {
	NodeID     string         `json:"nodeId"`
	NodeName   string         `json:"nodeName,omitempty"`
	Type       string         `json:"type"`
	Status     string         `json:"status"`
	Branch     string         `json:"branch,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"durationMs"`
}

type Engine struct {
	store    ExecutionStore
	contacts ContactStore
	mailer   Mailer
	bus      *events.Bus
	eval     *Evaluator
	client   *http.Client
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	inflight sync.WaitGroup
}

func NewEngine(executions ExecutionStore, contacts ContactStore, mailer Mailer, bus *events.Bus) *Engine {
	return &Engine{
		store:    executions,
		contacts: contacts,
		mailer:   mailer,
		bus:      bus,
		eval:     NewEvaluator(),
		client:   &http.Client{Timeout: 15 * time.Second},
		now:      time.Now,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type step struct {
	nodeID string
	item   map[string]any
}

// Execute runs a workflow from its trigger node and persists the execution.
// A failing node is reported through the returned execution's status; the
// error is reserved for definition and persistence failures.
func (e *Engine) Execute(ctx context.Context, wf store.Workflow, triggerType string, input map[string]any) (store.WorkflowExecution, error) {
	def, exec, input, err := e.begin(ctx, wf, triggerType, input)
	if err != nil {
		return store.WorkflowExecution{}, err
	}
	return e.complete(ctx, wf, def, exec, input)
}

// Start records a running execution and finishes it in the background, so
// callers are not held up by delays or slow requests inside the workflow.
// The run is detached from ctx cancellation.
func (e *Engine) Start(ctx context.Context, wf store.Workflow, triggerType string, input map[string]any) (store.WorkflowExecution, error) {
	def, exec, input, err := e.begin(ctx, wf, triggerType, input)
	if err != nil {
		return store.WorkflowExecution{}, err
	}
	runCtx := context.WithoutCancel(ctx)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		if _, err := e.complete(runCtx, wf, def, exec, input); err != nil {
			log.Printf("workflow: finish execution %s of %s: %v", exec.ID, wf.ID, err)
		}
	}()
	return exec, nil
}

// Wait blocks until executions begun with Start have finished.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

func (e *Engine) begin(ctx context.Context, wf store.Workflow, triggerType string, input map[string]any) (Definition, store.WorkflowExecution, map[string]any, error) {
	def, err := ParseDefinition(wf.Definition)
	if err != nil {
		return Definition{}, store.WorkflowExecution{}, nil, err
	}
	if err := Validate(def); err != nil {
		return Definition{}, store.WorkflowExecution{}, nil, err
	}
	if input == nil {
		input = map[string]any{}
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return Definition{}, store.WorkflowExecution{}, nil, fmt.Errorf("encode execution input: %w", err)
	}

	exec := store.WorkflowExecution{
		ID:          util.NewID("exe"),
		WorkflowID:  wf.ID,
		Status:      StatusRunning,
		TriggerType: triggerType,
		Input:       inputJSON,
		StartedAt:   e.now().UTC(),
	}
	if err := e.store.InsertExecution(ctx, exec); err != nil {
		return Definition{}, store.WorkflowExecution{}, nil, err
	}
	return def, exec, input, nil
}

func (e *Engine) complete(ctx context.Context, wf store.Workflow, def Definition, exec store.WorkflowExecution, input map[string]any) (store.WorkflowExecution, error) {
	triggerType := exec.TriggerType
	runCtx, cancel := context.WithTimeout(ctx, maxExecutionTime)
	vars := map[string]any{
		"workflowId":  wf.ID,
		"siteId":      wf.SiteID,
		"executionId": exec.ID,
		"trigger":     triggerType,
	}
	results, outputs, runErr := e.run(runCtx, def, vars, input)
	cancel()

	exec.Status = StatusSuccess
	if runErr != nil {
		exec.Status = StatusFailed
		exec.Error = runErr.Error()
	}
	exec.NodeResults, _ = json.Marshal(results)
	output, err := json.Marshal(map[string]any{"items": outputs})
	if err != nil {
		output = json.RawMessage(`{"items":[]}`)
	}
	exec.Output = output

	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer finishCancel()
	if _, err := e.store.FinishExecution(finishCtx, exec); err != nil {
		return exec, err
	}
	finished := e.now().UTC()
	exec.FinishedAt = &finished

	e.bus.PublishAsync(events.WorkflowExecutionFinished, map[string]any{
		"workflowId":  wf.ID,
		"siteId":      wf.SiteID,
		"executionId": exec.ID,
		"status":      exec.Status,
		"trigger":     triggerType,
	})
	if runErr != nil {
		log.Printf("workflow: execution %s of %s failed: %v", exec.ID, wf.ID, runErr)
	}
	return exec, nil
}

// run walks the graph breadth first. The returned outputs are the items that
// reached nodes without outgoing connections.
func (e *Engine) run(ctx context.Context, def Definition, vars, input map[string]any) ([]NodeResult, []map[string]any, error) {
	trigger, _ := def.triggerNode()
	queue := []step{{nodeID: trigger.ID, item: copyItem(input)}}
	results := make([]NodeResult, 0, len(def.Nodes))
	outputs := make([]map[string]any, 0)

	for steps := 0; len(queue) > 0; steps++ {
		if steps >= MaxSteps {
			return results, outputs, fmt.Errorf("%w: %d node runs", ErrStepLimit, MaxSteps)
		}
		current := queue[0]
		queue = queue[1:]
		node, _ := def.node(current.nodeID)

		started := e.now()
		out, branch, err := e.runNode(ctx, node, current.item, vars, input)
		result := NodeResult{
			NodeID:     node.ID,
			NodeName:   node.Name,
			Type:       node.Type,
			Status:     StatusSuccess,
			Branch:     branch,
			Output:     out,
			DurationMs: e.now().Sub(started).Milliseconds(),
		}
		if err != nil {
			result.Status = StatusFailed
			result.Output = nil
			result.Error = err.Error()
			results = append(results, result)
			return results, outputs, fmt.Errorf("node %q: %w", node.ID, err)
		}
		results = append(results, result)

		next := def.outgoing(node.ID, branch)
		if len(next) == 0 {
			outputs = append(outputs, out)
			continue
		}
		for _, conn := range next {
			queue = append(queue, step{nodeID: conn.To, item: copyItem(out)})
		}
	}
	return results, outputs, nil
}

func (e *Engine) runNode(ctx context.Context, node Node, item, vars, input map[string]any) (map[string]any, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	scope := env(item, vars, input)
	switch node.Type {
	case NodeTrigger, NodeNoop:
		return item, "", nil
	case NodeCondition:
		return e.runCondition(node, item, scope)
	case NodeSet:
		out, err := e.runSet(node, item, scope)
		return out, "", err
	case NodeHTTPRequest:
		out, err := e.runHTTPRequest(ctx, node, item, scope)
		return out, "", err
	case NodeSendEmail:
		out, err := e.runSendEmail(node, item, scope)
		return out, "", err
	case NodeDelay:
		out, err := e.runDelay(ctx, node, item)
		return out, "", err
	case NodeUpdateContact:
		out, err := e.runUpdateContact(ctx, node, item, scope)
		return out, "", err
	default:
		return nil, "", fmt.Errorf("unsupported node type %q", node.Type)
	}
}

func (e *Engine) runCondition(node Node, item, scope map[string]any) (map[string]any, string, error) {
	expression, _ := node.Parameters["expression"].(string)
	if strings.TrimSpace(expression) == "" {
		return nil, "", errors.New("condition requires an expression")
	}
	ok, err := e.eval.EvalBool(strings.TrimPrefix(expression, "="), scope)
	if err != nil {
		return nil, "", err
	}
	if ok {
		return item, "true", nil
	}
	return item, "false", nil
}

func (e *Engine) runSet(node Node, item, scope map[string]any) (map[string]any, error) {
	values, _ := node.Parameters["values"].(map[string]any)
	out := map[string]any{}
	if keep, _ := node.Parameters["keepOnlySet"].(bool); !keep {
		out = copyItem(item)
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value, err := e.eval.resolve(values[key], scope)
		if err != nil {
			return nil, fmt.Errorf("set %q: %w", key, err)
		}
		out[key] = value
	}
	return out, nil
}

func (e *Engine) runHTTPRequest(ctx context.Context, node Node, item, scope map[string]any) (map[string]any, error) {
	target, err := e.eval.resolveString(node.Parameters["url"], scope)
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("invalid request url %q", target)
	}
	method := "GET"
	if raw, _ := node.Parameters["method"].(string); raw != "" {
		method = strings.ToUpper(raw)
	}

	var body io.Reader
	if rawBody, ok := node.Parameters["body"]; ok && rawBody != nil {
		resolved, err := e.resolveBody(rawBody, scope)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(resolved)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, parsed.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := node.Parameters["headers"].(map[string]any); ok {
		for name, value := range headers {
			resolved, err := e.eval.resolveString(value, scope)
			if err != nil {
				return nil, err
			}
			req.Header.Set(name, resolved)
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, parsed.Redacted(), err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s returned %d", method, parsed.Redacted(), resp.StatusCode)
	}

	var decoded any = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var value any
		if err := json.Unmarshal(raw, &value); err == nil {
			decoded = value
		}
	}
	out := copyItem(item)
	out["response"] = map[string]any{"statusCode": resp.StatusCode, "body": decoded}
	return out, nil
}

func (e *Engine) resolveBody(value any, scope map[string]any) (any, error) {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, inner := range typed {
			resolved, err := e.resolveBody(inner, scope)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(typed))
		for i, inner := range typed {
			resolved, err := e.resolveBody(inner, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return e.eval.resolve(value, scope)
	}
}

func (e *Engine) runSendEmail(node Node, item, scope map[string]any) (map[string]any, error) {
	if e.mailer == nil || !e.mailer.IsConfigured() {
		return nil, errors.New("email is not configured")
	}
	recipients, err := e.recipients(node.Parameters["to"], scope)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, errors.New("send_email requires at least one recipient")
	}
	subject, err := e.eval.resolveString(node.Parameters["subject"], scope)
	if err != nil {
		return nil, err
	}
	body, err := e.eval.resolveString(node.Parameters["body"], scope)
	if err != nil {
		return nil, err
	}
	if err := e.mailer.SendEmail(recipients, subject, body); err != nil {
		return nil, fmt.Errorf("send email: %w", err)
	}
	out := copyItem(item)
	out["emailSentTo"] = recipients
	return out, nil
}

func (e *Engine) recipients(value any, scope map[string]any) ([]string, error) {
	resolved, err := e.eval.resolve(value, scope)
	if err != nil {
		return nil, err
	}
	var raw []string
	switch typed := resolved.(type) {
	case string:
		raw = strings.Split(typed, ",")
	case []any:
		for _, entry := range typed {
			raw = append(raw, fmt.Sprint(entry))
		}
	case []string:
		raw = typed
	}
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		if trimmed := strings.TrimSpace(entry); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out, nil
}

func (e *Engine) runDelay(ctx context.Context, node Node, item map[string]any) (map[string]any, error) {
	seconds, ok := number(node.Parameters["seconds"])
	if !ok || seconds < 0 {
		return nil, errors.New("delay requires a non-negative seconds parameter")
	}
	wait := time.Duration(seconds * float64(time.Second))
	if wait > MaxDelay {
		wait = MaxDelay
	}
	if err := e.sleep(ctx, wait); err != nil {
		return nil, err
	}
	return item, nil
}

func (e *Engine) runUpdateContact(ctx context.Context, node Node, item, scope map[string]any) (map[string]any, error) {
	if e.contacts == nil {
		return nil, errors.New("contact store is not configured")
	}
	emailParam, ok := node.Parameters["email"]
	if !ok {
		emailParam = "=json.email"
	}
	address, err := e.eval.resolveString(emailParam, scope)
	if err != nil {
		return nil, err
	}
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return nil, errors.New("update_contact requires an email")
	}
	contact, err := e.contacts.GetContactByEmail(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("load contact %s: %w", address, err)
	}

	for param, field := range map[string]*string{
		"firstName": &contact.FirstName,
		"lastName":  &contact.LastName,
		"company":   &contact.Company,
	} {
		if raw, ok := node.Parameters[param]; ok {
			value, err := e.eval.resolveString(raw, scope)
			if err != nil {
				return nil, err
			}
			*field = value
		}
	}
	if raw, ok := node.Parameters["status"]; ok {
		status, err := e.eval.resolveString(raw, scope)
		if err != nil {
			return nil, err
		}
		switch status {
		case "subscribed", "unsubscribed", "bounced":
			contact.Status = status
		default:
			return nil, fmt.Errorf("invalid contact status %q", status)
		}
	}
	if tags, ok := node.Parameters["addTags"].([]any); ok {
		contact.Tags = mergeTags(contact.Tags, tags)
	}

	if err := e.contacts.UpdateContact(ctx, contact); err != nil {
		return nil, fmt.Errorf("update contact %s: %w", address, err)
	}
	out := copyItem(item)
	out["contactId"] = contact.ID
	return out, nil
}

func mergeTags(existing []string, extra []any) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, tag := range existing {
		seen[tag] = true
	}
	for _, raw := range extra {
		tag := strings.ToLower(strings.TrimSpace(fmt.Sprint(raw)))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

func number(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case json.Number:
		parsed, err := typed.Float64()
		return parsed, err == nil
	default:
		return 0, false
	}
}

// copyItem is shallow; nested values are shared between branches.
func copyItem(item map[string]any) map[string]any {
	out := make(map[string]any, len(item))
	for key, value := range item {
		out[key] = value
	}
	return out
}

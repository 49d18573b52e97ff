package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/eino-contrib/jsonschema"

	"github.com/MEKXH/tether/internal/audit"
	"github.com/MEKXH/tether/internal/bus"
	"github.com/MEKXH/tether/internal/config"
	"github.com/MEKXH/tether/internal/mcp"
	"github.com/MEKXH/tether/internal/metrics"
	"github.com/MEKXH/tether/internal/session"
)

// Loop drives the conversation: model turns alternating with tool dispatch
// until the model answers without tool calls or the turn budget runs out.
type Loop struct {
	model    model.ChatModel
	gateway  ToolGateway
	sessions *session.Manager
	context  *ContextBuilder

	maxTurns    int
	toolTimeout time.Duration
	historySize int

	OnToolStart  func(name, args string)
	OnToolFinish func(name, result string, err error)

	// Audit and Metrics are optional; nil disables them.
	Audit   *audit.Writer
	Metrics *metrics.Recorder
}

// Result is the outcome of one Submit.
type Result struct {
	Content   string
	Turns     int
	Truncated bool
	Cancelled bool
	Warnings  []string
}

// NewLoop creates the loop from configuration.
func NewLoop(cfg *config.Config, gateway ToolGateway, chatModel model.ChatModel, sessions *session.Manager) *Loop {
	return &Loop{
		model:       chatModel,
		gateway:     gateway,
		sessions:    sessions,
		context:     NewContextBuilder(cfg.Agent.SystemPrompt),
		maxTurns:    cfg.Agent.MaxTurns,
		toolTimeout: cfg.ToolTimeoutDuration(),
		historySize: 50,
	}
}

// Submit runs one user message to completion. Cancelling ctx abandons the
// in-flight turn and reports Cancelled; connections stay up for the next
// Submit.
func (l *Loop) Submit(ctx context.Context, sessionKey, content string) (*Result, error) {
	requestID := bus.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = bus.NewRequestID()
		ctx = bus.WithRequestID(ctx, requestID)
	}
	slog.Info("processing message", "request_id", requestID, "session", sessionKey)

	sess := l.sessions.GetOrCreate(sessionKey)

	// The catalog is merged fresh so tools_changed servers are picked up,
	// then pinned for the whole exchange.
	catalog := l.gateway.Catalog(ctx)
	if err := l.bindTools(catalog); err != nil {
		return nil, err
	}

	result := &Result{}
	for _, w := range catalog.Warnings {
		result.Warnings = append(result.Warnings, w.String())
	}

	messages := l.context.BuildMessages(catalog, sess.GetHistory(l.historySize), content)

	for turn := 0; turn < l.maxTurns; turn++ {
		resp, err := l.model.Generate(ctx, messages)
		if err != nil {
			if ctx.Err() != nil {
				result.Cancelled = true
				return result, nil
			}
			return nil, fmt.Errorf("model generate: %w", err)
		}
		result.Turns = turn + 1

		// Capture the latest content even when tool calls are present.
		if resp.Content != "" {
			result.Content = resp.Content
		}

		if len(resp.ToolCalls) == 0 {
			l.record(sess, content, result.Content)
			return result, nil
		}

		messages = append(messages, resp)
		messages = append(messages, l.dispatchToolCalls(ctx, catalog, resp.ToolCalls, requestID)...)

		if ctx.Err() != nil {
			result.Cancelled = true
			return result, nil
		}
	}

	result.Truncated = true
	if result.Content == "" {
		result.Content = "Stopped: the tool-call budget for this message was exhausted before the answer was complete."
	}
	slog.Warn("turn budget exhausted", "request_id", requestID, "session", sessionKey, "max_turns", l.maxTurns)
	l.record(sess, content, result.Content)
	return result, nil
}

func (l *Loop) record(sess *session.Session, user, assistant string) {
	added := []*session.Message{sess.AddMessage("user", user)}
	if assistant != "" {
		added = append(added, sess.AddMessage("assistant", assistant))
	}
	for _, msg := range added {
		if err := l.sessions.Append(sess.Key, msg); err != nil {
			slog.Warn("session append failed", "session", sess.Key, "error", err)
		}
	}
}

// dispatchToolCalls runs every requested call in parallel and returns the
// tool messages in the order the model asked for them.
func (l *Loop) dispatchToolCalls(ctx context.Context, catalog *mcp.Catalog, calls []schema.ToolCall, requestID string) []*schema.Message {
	results := make([]*schema.Message, len(calls))
	var wg sync.WaitGroup

	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc schema.ToolCall) {
			defer wg.Done()
			started := time.Now()

			if l.OnToolStart != nil {
				l.OnToolStart(tc.Function.Name, tc.Function.Arguments)
			}

			content, err := l.executeToolCall(ctx, catalog, tc)
			if err != nil {
				content = "Error: " + err.Error()
			}
			duration := time.Since(started)

			slog.Info("tool execution finished",
				"request_id", requestID,
				"tool", tc.Function.Name,
				"duration_ms", duration.Milliseconds(),
				"success", err == nil,
			)
			l.recordToolCall(requestID, tc.Function.Name, duration, err)
			if l.OnToolFinish != nil {
				l.OnToolFinish(tc.Function.Name, content, err)
			}

			results[i] = &schema.Message{
				Role:       schema.Tool,
				Content:    content,
				ToolCallID: tc.ID,
			}
		}(i, tc)
	}

	wg.Wait()
	return results
}

func (l *Loop) recordToolCall(requestID, name string, duration time.Duration, callErr error) {
	if l.Metrics != nil {
		if _, err := l.Metrics.RecordToolCall(duration, callErr); err != nil {
			slog.Warn("metrics update failed", "error", err)
		}
	}

	if l.Audit == nil {
		return
	}
	event := audit.Event{
		Time:       time.Now().UTC(),
		RequestID:  requestID,
		Tool:       name,
		Outcome:    audit.OutcomeOK,
		DurationMs: duration.Milliseconds(),
	}
	if serverID, _, ok := mcp.SplitToolName(name); ok {
		event.Server = serverID
	}
	if callErr != nil {
		event.Outcome = audit.OutcomeError
		event.Detail = callErr.Error()
	}
	if err := l.Audit.Append(event); err != nil {
		slog.Warn("audit append failed", "error", err)
	}
}

func (l *Loop) executeToolCall(ctx context.Context, catalog *mcp.Catalog, tc schema.ToolCall) (string, error) {
	name := strings.TrimSpace(tc.Function.Name)

	serverID, rawName, ok := mcp.SplitToolName(name)
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	tool, found := catalog.Lookup(name)
	if !found {
		return "", fmt.Errorf("tool %q is not in the current catalog", name)
	}

	args := map[string]any{}
	if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return "", fmt.Errorf("arguments for %s are not valid JSON: %w", name, err)
		}
	}

	if err := mcp.ValidateToolArgs(tool, args); err != nil {
		return "", err
	}

	result, err := l.gateway.Call(ctx, serverID, rawName, args, l.toolTimeout)
	if err != nil {
		var unavailable *mcp.ServerUnavailableError
		if errors.As(err, &unavailable) {
			return "", fmt.Errorf("server %s is not connected; the tool %s cannot run right now", serverID, name)
		}
		return "", err
	}
	if result.Content == "" {
		return "(tool returned no output)", nil
	}
	return result.Content, nil
}

func (l *Loop) bindTools(catalog *mcp.Catalog) error {
	binder, ok := l.model.(interface {
		BindTools([]*schema.ToolInfo) error
	})
	if !ok {
		return nil
	}
	return binder.BindTools(toolInfos(catalog))
}

// toolInfos converts catalog descriptors into the model-facing tool list,
// carrying each input schema through when it parses.
func toolInfos(catalog *mcp.Catalog) []*schema.ToolInfo {
	infos := make([]*schema.ToolInfo, 0, len(catalog.Tools))
	for _, td := range catalog.Tools {
		info := &schema.ToolInfo{
			Name: td.Name,
			Desc: td.Description,
		}
		if len(td.InputSchema) > 0 {
			if raw, err := json.Marshal(td.InputSchema); err == nil {
				js := &jsonschema.Schema{}
				if err := js.UnmarshalJSON(raw); err == nil {
					info.ParamsOneOf = schema.NewParamsOneOfByJSONSchema(js)
				}
			}
		}
		infos = append(infos, info)
	}
	return infos
}

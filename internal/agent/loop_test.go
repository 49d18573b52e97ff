package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/MEKXH/tether/internal/config"
	"github.com/MEKXH/tether/internal/mcp"
	"github.com/MEKXH/tether/internal/session"
)

type fakeModel struct {
	mu        sync.Mutex
	responses []*schema.Message
	inputs    [][]*schema.Message
	bound     []*schema.ToolInfo
	err       error
}

func (m *fakeModel) Generate(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.inputs = append(m.inputs, append([]*schema.Message(nil), in...))
	if len(m.responses) == 0 {
		return &schema.Message{Role: schema.Assistant, Content: "done"}, nil
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func (m *fakeModel) Stream(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

func (m *fakeModel) BindTools(tools []*schema.ToolInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bound = tools
	return nil
}

type gatewayCall struct {
	serverID string
	rawName  string
	args     map[string]any
}

type fakeGateway struct {
	catalog *mcp.Catalog

	mu      sync.Mutex
	calls   []gatewayCall
	results map[string]mcp.ToolResult
	errs    map[string]error
	delays  map[string]time.Duration
	waitCtx bool
}

func (g *fakeGateway) Catalog(ctx context.Context) *mcp.Catalog { return g.catalog }

func (g *fakeGateway) Statuses() []mcp.ServerStatus { return nil }

func (g *fakeGateway) Call(ctx context.Context, serverID, rawName string, args map[string]any, timeout time.Duration) (mcp.ToolResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, gatewayCall{serverID: serverID, rawName: rawName, args: args})
	delay := g.delays[rawName]
	g.mu.Unlock()

	if g.waitCtx {
		<-ctx.Done()
		return mcp.ToolResult{}, ctx.Err()
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err, ok := g.errs[rawName]; ok {
		return mcp.ToolResult{}, err
	}
	if result, ok := g.results[rawName]; ok {
		return result, nil
	}
	return mcp.ToolResult{Content: rawName + " output"}, nil
}

func testCatalog(names ...string) *mcp.Catalog {
	tools := make([]mcp.ToolDescriptor, 0, len(names))
	for _, raw := range names {
		tools = append(tools, mcp.ToolDescriptor{
			ServerID:    "srv",
			RawName:     raw,
			Name:        mcp.NamespacedToolName("srv", raw),
			Description: raw,
		})
	}
	return mcp.NewCatalog(tools)
}

func newTestLoop(t *testing.T, fm *fakeModel, gw ToolGateway) *Loop {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Agent.MaxTurns = 4
	return NewLoop(cfg, gw, fm, session.NewManager(t.TempDir()))
}

func toolCall(id, name, args string) schema.ToolCall {
	return schema.ToolCall{ID: id, Function: schema.FunctionCall{Name: name, Arguments: args}}
}

func TestSubmitDirectAnswer(t *testing.T) {
	fm := &fakeModel{responses: []*schema.Message{
		{Role: schema.Assistant, Content: "plain answer"},
	}}
	gw := &fakeGateway{catalog: testCatalog("echo")}
	loop := newTestLoop(t, fm, gw)

	result, err := loop.Submit(context.Background(), "cli", "hello")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Content != "plain answer" {
		t.Fatalf("content = %q", result.Content)
	}
	if result.Turns != 1 || result.Truncated || result.Cancelled {
		t.Fatalf("result = %+v", result)
	}
	if len(gw.calls) != 0 {
		t.Fatalf("gateway called %d times for a direct answer", len(gw.calls))
	}

	sess := loop.sessions.GetOrCreate("cli")
	if sess.Len() != 2 {
		t.Fatalf("session has %d messages, want 2", sess.Len())
	}
}

func TestSubmitPersistsExchange(t *testing.T) {
	baseDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Agent.MaxTurns = 4
	fm := &fakeModel{responses: []*schema.Message{
		{Role: schema.Assistant, Content: "saved answer"},
	}}
	gw := &fakeGateway{catalog: testCatalog("echo")}
	loop := NewLoop(cfg, gw, fm, session.NewManager(baseDir))

	if _, err := loop.Submit(context.Background(), "cli", "remember this"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// A fresh manager over the same directory must see the exchange.
	reloaded := session.NewManager(baseDir).GetOrCreate("cli")
	history := reloaded.GetHistory(0)
	if len(history) != 2 {
		t.Fatalf("reloaded %d messages, want 2", len(history))
	}
	if history[0].Role != "user" || history[0].Content != "remember this" {
		t.Fatalf("message[0] = %+v", history[0])
	}
	if history[1].Role != "assistant" || history[1].Content != "saved answer" {
		t.Fatalf("message[1] = %+v", history[1])
	}
}

func TestSubmitToolRoundTrip(t *testing.T) {
	fm := &fakeModel{responses: []*schema.Message{
		{
			Role: schema.Assistant,
			ToolCalls: []schema.ToolCall{
				toolCall("call-1", "mcp.srv.echo", `{"text":"hi"}`),
			},
		},
		{Role: schema.Assistant, Content: "the tool said hi"},
	}}
	gw := &fakeGateway{
		catalog: testCatalog("echo"),
		results: map[string]mcp.ToolResult{"echo": {Content: "hi"}},
	}
	loop := newTestLoop(t, fm, gw)

	result, err := loop.Submit(context.Background(), "cli", "say hi")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Content != "the tool said hi" || result.Turns != 2 {
		t.Fatalf("result = %+v", result)
	}

	if len(gw.calls) != 1 {
		t.Fatalf("gateway called %d times, want 1", len(gw.calls))
	}
	if gw.calls[0].serverID != "srv" || gw.calls[0].rawName != "echo" {
		t.Fatalf("routed to %s/%s", gw.calls[0].serverID, gw.calls[0].rawName)
	}
	if gw.calls[0].args["text"] != "hi" {
		t.Fatalf("args = %v", gw.calls[0].args)
	}

	// The second model turn must see the tool result bound to its call id.
	second := fm.inputs[1]
	last := second[len(second)-1]
	if last.Role != schema.Tool || last.ToolCallID != "call-1" || last.Content != "hi" {
		t.Fatalf("tool message = %+v", last)
	}
}

func TestSubmitParallelCallsKeepOrder(t *testing.T) {
	fm := &fakeModel{responses: []*schema.Message{
		{
			Role: schema.Assistant,
			ToolCalls: []schema.ToolCall{
				toolCall("c1", "mcp.srv.slow", `{}`),
				toolCall("c2", "mcp.srv.mid", `{}`),
				toolCall("c3", "mcp.srv.fast", `{}`),
			},
		},
		{Role: schema.Assistant, Content: "collected"},
	}}
	gw := &fakeGateway{
		catalog: testCatalog("slow", "mid", "fast"),
		delays: map[string]time.Duration{
			"slow": 60 * time.Millisecond,
			"mid":  30 * time.Millisecond,
		},
	}
	loop := newTestLoop(t, fm, gw)

	if _, err := loop.Submit(context.Background(), "cli", "go"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Completion order was fast, mid, slow; the transcript must stay in
	// request order regardless.
	second := fm.inputs[1]
	toolMsgs := second[len(second)-3:]
	wantIDs := []string{"c1", "c2", "c3"}
	wantContent := []string{"slow output", "mid output", "fast output"}
	for i, msg := range toolMsgs {
		if msg.Role != schema.Tool || msg.ToolCallID != wantIDs[i] || msg.Content != wantContent[i] {
			t.Fatalf("tool message %d = %+v", i, msg)
		}
	}
}

func TestSubmitSiblingFailureKeepsOtherResults(t *testing.T) {
	fm := &fakeModel{responses: []*schema.Message{
		{
			Role: schema.Assistant,
			ToolCalls: []schema.ToolCall{
				toolCall("c1", "mcp.srv.fetch", `{}`),
				toolCall("c2", "mcp.srv.broken", `{}`),
				toolCall("c3", "mcp.srv.search", `{}`),
			},
		},
		{Role: schema.Assistant, Content: "partial results handled"},
	}}
	// The failing call is also the slowest, so both siblings finish first.
	gw := &fakeGateway{
		catalog: testCatalog("fetch", "broken", "search"),
		errs:    map[string]error{"broken": errors.New("backend exploded")},
		delays:  map[string]time.Duration{"broken": 60 * time.Millisecond},
	}
	loop := newTestLoop(t, fm, gw)

	result, err := loop.Submit(context.Background(), "cli", "go")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Content != "partial results handled" {
		t.Fatalf("content = %q", result.Content)
	}
	if len(gw.calls) != 3 {
		t.Fatalf("gateway called %d times, want 3", len(gw.calls))
	}

	second := fm.inputs[1]
	toolMsgs := second[len(second)-3:]
	wantIDs := []string{"c1", "c2", "c3"}
	for i, msg := range toolMsgs {
		if msg.Role != schema.Tool || msg.ToolCallID != wantIDs[i] {
			t.Fatalf("tool message %d = %+v", i, msg)
		}
	}
	if toolMsgs[0].Content != "fetch output" {
		t.Fatalf("first sibling = %q", toolMsgs[0].Content)
	}
	if !strings.HasPrefix(toolMsgs[1].Content, "Error:") || !strings.Contains(toolMsgs[1].Content, "backend exploded") {
		t.Fatalf("failed call message = %q", toolMsgs[1].Content)
	}
	if toolMsgs[2].Content != "search output" {
		t.Fatalf("third sibling = %q", toolMsgs[2].Content)
	}
}

func TestSubmitUnknownToolName(t *testing.T) {
	fm := &fakeModel{responses: []*schema.Message{
		{
			Role:      schema.Assistant,
			ToolCalls: []schema.ToolCall{toolCall("c1", "launch_missiles", `{}`)},
		},
		{Role: schema.Assistant, Content: "recovered"},
	}}
	gw := &fakeGateway{catalog: testCatalog("echo")}
	loop := newTestLoop(t, fm, gw)

	result, err := loop.Submit(context.Background(), "cli", "go")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Content != "recovered" {
		t.Fatalf("content = %q", result.Content)
	}
	if len(gw.calls) != 0 {
		t.Fatal("gateway touched for an unroutable tool name")
	}

	second := fm.inputs[1]
	last := second[len(second)-1]
	if !strings.HasPrefix(last.Content, "Error:") || !strings.Contains(last.Content, "launch_missiles") {
		t.Fatalf("error message = %q", last.Content)
	}
}

func TestSubmitServerUnavailable(t *testing.T) {
	fm := &fakeModel{responses: []*schema.Message{
		{
			Role:      schema.Assistant,
			ToolCalls: []schema.ToolCall{toolCall("c1", "mcp.srv.echo", `{}`)},
		},
		{Role: schema.Assistant, Content: "recovered"},
	}}
	gw := &fakeGateway{
		catalog: testCatalog("echo"),
		errs:    map[string]error{"echo": &mcp.ServerUnavailableError{Server: "srv"}},
	}
	loop := newTestLoop(t, fm, gw)

	if _, err := loop.Submit(context.Background(), "cli", "go"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	second := fm.inputs[1]
	last := second[len(second)-1]
	if !strings.Contains(last.Content, "not connected") {
		t.Fatalf("unavailable message = %q", last.Content)
	}
}

func TestSubmitInvalidToolArguments(t *testing.T) {
	catalog := mcp.NewCatalog([]mcp.ToolDescriptor{{
		ServerID: "srv",
		RawName:  "echo",
		Name:     "mcp.srv.echo",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"text"},
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
		},
	}})

	fm := &fakeModel{responses: []*schema.Message{
		{
			Role:      schema.Assistant,
			ToolCalls: []schema.ToolCall{toolCall("c1", "mcp.srv.echo", `{"wrong":1}`)},
		},
		{Role: schema.Assistant, Content: "recovered"},
	}}
	gw := &fakeGateway{catalog: catalog}
	loop := newTestLoop(t, fm, gw)

	if _, err := loop.Submit(context.Background(), "cli", "go"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(gw.calls) != 0 {
		t.Fatal("invalid arguments still reached the gateway")
	}

	second := fm.inputs[1]
	last := second[len(second)-1]
	if !strings.HasPrefix(last.Content, "Error:") {
		t.Fatalf("validation message = %q", last.Content)
	}
}

func TestSubmitTurnBudgetTruncates(t *testing.T) {
	// The model asks for a tool on every turn and never concludes.
	loopingResponse := func() *schema.Message {
		return &schema.Message{
			Role:      schema.Assistant,
			ToolCalls: []schema.ToolCall{toolCall("c", "mcp.srv.echo", `{}`)},
		}
	}
	fm := &fakeModel{responses: []*schema.Message{
		loopingResponse(), loopingResponse(), loopingResponse(), loopingResponse(), loopingResponse(),
	}}
	gw := &fakeGateway{catalog: testCatalog("echo")}
	loop := newTestLoop(t, fm, gw)

	result, err := loop.Submit(context.Background(), "cli", "go")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !result.Truncated {
		t.Fatal("expected truncation")
	}
	if result.Turns != 4 {
		t.Fatalf("turns = %d, want 4", result.Turns)
	}
	if result.Content == "" {
		t.Fatal("truncation left no content")
	}
}

func TestSubmitCancellation(t *testing.T) {
	fm := &fakeModel{responses: []*schema.Message{
		{
			Role:      schema.Assistant,
			ToolCalls: []schema.ToolCall{toolCall("c1", "mcp.srv.echo", `{}`)},
		},
	}}
	gw := &fakeGateway{catalog: testCatalog("echo"), waitCtx: true}
	loop := newTestLoop(t, fm, gw)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	result, err := loop.Submit(ctx, "cli", "go")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !result.Cancelled {
		t.Fatalf("result = %+v, want Cancelled", result)
	}
}

func TestBindToolsCarriesSchemas(t *testing.T) {
	catalog := mcp.NewCatalog([]mcp.ToolDescriptor{{
		ServerID:    "srv",
		RawName:     "echo",
		Name:        "mcp.srv.echo",
		Description: "echo text",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
		},
	}})

	fm := &fakeModel{}
	gw := &fakeGateway{catalog: catalog}
	loop := newTestLoop(t, fm, gw)

	if _, err := loop.Submit(context.Background(), "cli", "hello"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if len(fm.bound) != 1 {
		t.Fatalf("bound %d tools, want 1", len(fm.bound))
	}
	if fm.bound[0].Name != "mcp.srv.echo" || fm.bound[0].Desc != "echo text" {
		t.Fatalf("bound tool = %+v", fm.bound[0])
	}
	if fm.bound[0].ParamsOneOf == nil {
		t.Fatal("input schema was not carried into the binding")
	}
}

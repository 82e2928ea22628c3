package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/lookup"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/tools"
)

// scriptedClient replays a fixed sequence of completion outcomes and
// records every request it receives.
type scriptedClient struct {
	mu       sync.Mutex
	steps    []step
	requests []llm.Request
}

type step struct {
	msg llm.Message
	err error
}

func reply(text string) step {
	return step{msg: llm.Message{Role: llm.RoleAssistant, Content: text}}
}

func toolCalls(calls ...llm.ToolCall) step {
	return step{msg: llm.Message{Role: llm.RoleAssistant, ToolCalls: calls}}
}

func failure(err error) step {
	return step{err: err}
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Function: llm.FunctionCall{Name: name, Arguments: args}}
}

func (c *scriptedClient) Complete(ctx context.Context, req llm.Request) (*llm.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Copy the message slice; the loop reuses its backing array.
	req.Messages = append([]llm.Message(nil), req.Messages...)
	c.requests = append(c.requests, req)

	if len(c.steps) == 0 {
		return nil, fmt.Errorf("unexpected completion call %d", len(c.requests))
	}
	s := c.steps[0]
	c.steps = c.steps[1:]
	if s.err != nil {
		return nil, &llm.CompletionError{Provider: "scripted", Model: req.Model, Err: s.err}
	}
	res := llm.NewResult(s.msg)
	res.Model = req.Model
	return res, nil
}

func (c *scriptedClient) Ping(ctx context.Context) error { return nil }

func (c *scriptedClient) calls() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Request(nil), c.requests...)
}

const (
	testSystem = "너는 친절한 AI 챗봇이야. 사용자의 질문에 한국어로 대답해줘."
	f1Answer   = "2024년 스페인 GP 우승자는 막스 베르스타펜입니다."
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func f1Registry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	table := lookup.NewTable([]lookup.Entry{
		{Keywords: []string{"2024", "스페인"}, Answer: f1Answer},
	}, "")
	if err := r.Register(&tools.Tool{
		Name:        "f1_results",
		Description: "Look up Formula 1 race results",
		Capability:  table,
	}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	return r
}

func newTestLoop(t *testing.T, client llm.Client, registry *tools.Registry, choice llm.ToolChoice) *Loop {
	t.Helper()
	l, err := NewLoop(testLogger(), client, registry, Config{
		Model:        "gpt-4o-mini",
		SystemPrompt: testSystem,
		Temperature:  0.7,
		ToolChoice:   choice,
	})
	if err != nil {
		t.Fatalf("NewLoop() error: %v", err)
	}
	return l
}

func roles(turns []memory.Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Role
	}
	return out
}

func assistantTurns(turns []memory.Turn) int {
	n := 0
	for _, t := range turns {
		if t.Role == llm.RoleAssistant {
			n++
		}
	}
	return n
}

func TestProcess_PlainReply(t *testing.T) {
	client := &scriptedClient{steps: []step{reply("안녕하세요!")}}
	l := newTestLoop(t, client, f1Registry(t), llm.ToolChoice{})
	sess := NewSession("", memory.NewMemStore())

	r, err := l.Process(context.Background(), sess, "안녕")
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if r.Branch != BranchPlain {
		t.Errorf("Branch = %v, want plain", r.Branch)
	}
	if r.Content != "안녕하세요!" {
		t.Errorf("Content = %q", r.Content)
	}

	reqs := client.calls()
	if len(reqs) != 1 {
		t.Fatalf("completion calls = %d, want 1", len(reqs))
	}
	msgs := reqs[0].Messages
	if len(msgs) != 2 || msgs[0].Role != llm.RoleSystem || msgs[0].Content != testSystem {
		t.Fatalf("first request messages = %+v, want system then user", msgs)
	}
	if msgs[1].Role != llm.RoleUser || msgs[1].Content != "안녕" {
		t.Errorf("user message = %+v", msgs[1])
	}
	if reqs[0].Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", reqs[0].Temperature)
	}
	if len(reqs[0].Tools) != 1 || reqs[0].ToolChoice.Mode != llm.ToolChoiceAuto {
		t.Errorf("first request should offer tools with auto choice, got %d tools, %v", len(reqs[0].Tools), reqs[0].ToolChoice)
	}

	history, _ := sess.History(context.Background())
	if got := roles(history); strings.Join(got, ",") != "user,assistant" {
		t.Errorf("history roles = %v", got)
	}
	if history[1].ID != r.Turn.ID {
		t.Errorf("Reply.Turn.ID = %q, stored %q", r.Turn.ID, history[1].ID)
	}
}

func TestProcess_ForcedTool(t *testing.T) {
	client := &scriptedClient{steps: []step{
		toolCalls(call("call_1", "f1_results", `{"query":"2024년 스페인 GP 우승자"}`)),
		reply("2024년 스페인 GP는 막스 베르스타펜이 우승했어요."),
	}}
	l := newTestLoop(t, client, f1Registry(t), llm.Forced("f1_results"))
	sess := NewSession("conv-f1", memory.NewMemStore())

	r, err := l.Process(context.Background(), sess, "2024년 스페인 GP 우승자는?")
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if r.Branch != BranchTool {
		t.Fatalf("Branch = %v, want tool", r.Branch)
	}
	if len(r.ToolCalls) != 1 || r.ToolCalls[0].Result != f1Answer {
		t.Errorf("ToolCalls = %+v", r.ToolCalls)
	}

	reqs := client.calls()
	if len(reqs) != 2 {
		t.Fatalf("completion calls = %d, want 2", len(reqs))
	}
	if reqs[0].ToolChoice.Mode != llm.ToolChoiceForced || reqs[0].ToolChoice.Name != "f1_results" {
		t.Errorf("first ToolChoice = %v, want forced f1_results", reqs[0].ToolChoice)
	}

	second := reqs[1]
	if second.ToolChoice.Mode != llm.ToolChoiceNone {
		t.Errorf("second ToolChoice = %v, want none", second.ToolChoice)
	}
	if second.OffersTools() {
		t.Error("second request should not offer tools")
	}

	// system, user, assistant(tool_calls), tool
	msgs := second.Messages
	if len(msgs) != 4 {
		t.Fatalf("second request has %d messages, want 4: %+v", len(msgs), msgs)
	}
	if msgs[2].Role != llm.RoleAssistant || len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].ID != "call_1" {
		t.Errorf("replayed assistant message = %+v", msgs[2])
	}
	tool := msgs[3]
	if tool.Role != llm.RoleTool || tool.ToolCallID != "call_1" || tool.Name != "f1_results" || tool.Content != f1Answer {
		t.Errorf("tool message = %+v", tool)
	}

	history, _ := sess.History(context.Background())
	if got := roles(history); strings.Join(got, ",") != "user,assistant" {
		t.Errorf("history roles = %v, want user,assistant", got)
	}
	if history[1].Content != r.Content {
		t.Errorf("stored reply = %q, want %q", history[1].Content, r.Content)
	}
}

func TestProcess_MultipleInvocationsWithSkips(t *testing.T) {
	client := &scriptedClient{steps: []step{
		toolCalls(
			call("call_a", "f1_results", `{"query":"2024 스페인"}`),
			call("call_b", "stock_price", `{"query":"AAPL"}`),
			call("call_c", "f1_results", `{"query":`),
			call("call_d", "f1_results", `{"query":"2024 스페인 GP"}`),
		),
		reply("done"),
	}}
	l := newTestLoop(t, client, f1Registry(t), llm.ToolChoice{})
	sess := NewSession("", memory.NewMemStore())

	r, err := l.Process(context.Background(), sess, "question")
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if r.Branch != BranchTool || r.Content != "done" {
		t.Fatalf("reply = %+v", r)
	}
	if len(r.ToolCalls) != 4 {
		t.Fatalf("ToolCalls = %d, want 4", len(r.ToolCalls))
	}

	var unknown *tools.ErrUnknownTool
	if !errors.As(r.ToolCalls[1].Err, &unknown) {
		t.Errorf("call_b error = %v, want unknown tool", r.ToolCalls[1].Err)
	}
	var malformed *tools.ErrMalformedArguments
	if !errors.As(r.ToolCalls[2].Err, &malformed) {
		t.Errorf("call_c error = %v, want malformed arguments", r.ToolCalls[2].Err)
	}
	if r.ToolCalls[0].Err != nil || r.ToolCalls[3].Err != nil {
		t.Errorf("valid invocations should succeed: %+v", r.ToolCalls)
	}

	second := client.calls()[1].Messages
	toolMsgs := second[3:]
	if len(toolMsgs) != 4 {
		t.Fatalf("tool messages = %d, want one per invocation", len(toolMsgs))
	}
	for i, id := range []string{"call_a", "call_b", "call_c", "call_d"} {
		if toolMsgs[i].ToolCallID != id {
			t.Errorf("tool message %d answers %q, want %q", i, toolMsgs[i].ToolCallID, id)
		}
	}
	if !strings.HasPrefix(toolMsgs[1].Content, "error:") {
		t.Errorf("skipped invocation content = %q, want error notice", toolMsgs[1].Content)
	}
}

func TestProcess_SecondCallFailure(t *testing.T) {
	client := &scriptedClient{steps: []step{
		toolCalls(call("call_1", "f1_results", `{"query":"2024 스페인"}`)),
		failure(errors.New("429 too many requests")),
	}}
	l := newTestLoop(t, client, f1Registry(t), llm.ToolChoice{})
	sess := NewSession("", memory.NewMemStore())

	r, err := l.Process(context.Background(), sess, "question")
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if r.Branch != BranchFailed {
		t.Errorf("Branch = %v, want failed", r.Branch)
	}
	if !strings.HasPrefix(r.Content, FallbackMarker) {
		t.Errorf("Content = %q, want fallback", r.Content)
	}
	var ce *llm.CompletionError
	if !errors.As(r.Err, &ce) {
		t.Errorf("Err = %v, want *llm.CompletionError", r.Err)
	}
	if len(r.ToolCalls) != 1 {
		t.Errorf("ToolCalls = %d, want executed tools reported", len(r.ToolCalls))
	}

	history, _ := sess.History(context.Background())
	if got := assistantTurns(history); got != 1 {
		t.Errorf("assistant turns = %d, want exactly 1", got)
	}
	if history[len(history)-1].Content != r.Content {
		t.Errorf("last turn = %q, want fallback", history[len(history)-1].Content)
	}
}

func TestProcess_FirstCallFailure(t *testing.T) {
	client := &scriptedClient{steps: []step{failure(context.DeadlineExceeded)}}
	l := newTestLoop(t, client, f1Registry(t), llm.ToolChoice{})
	sess := NewSession("", memory.NewMemStore())

	r, err := l.Process(context.Background(), sess, "hello")
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if r.Branch != BranchFailed || !strings.HasPrefix(r.Content, FallbackMarker) {
		t.Errorf("reply = %+v, want fallback", r)
	}
	if !errors.Is(r.Err, context.DeadlineExceeded) {
		t.Errorf("Err = %v, want wrapped deadline", r.Err)
	}

	history, _ := sess.History(context.Background())
	if got := roles(history); strings.Join(got, ",") != "user,assistant" {
		t.Errorf("history roles = %v", got)
	}
}

func TestProcess_SecondCallRequestsToolsAgain(t *testing.T) {
	client := &scriptedClient{steps: []step{
		toolCalls(call("call_1", "f1_results", `{"query":"2024 스페인"}`)),
		toolCalls(call("call_2", "f1_results", `{"query":"again"}`)),
	}}
	l := newTestLoop(t, client, f1Registry(t), llm.ToolChoice{})
	sess := NewSession("", memory.NewMemStore())

	r, err := l.Process(context.Background(), sess, "question")
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if r.Branch != BranchFailed || !errors.Is(r.Err, ErrUnexpectedToolRequest) {
		t.Errorf("reply = %+v, want fallback for unexpected tool request", r)
	}
	if got := len(client.calls()); got != 2 {
		t.Errorf("completion calls = %d, want no third call", got)
	}
}

func TestProcess_ToolChoiceNone(t *testing.T) {
	client := &scriptedClient{steps: []step{reply("no tools here")}}
	l := newTestLoop(t, client, f1Registry(t), llm.ToolChoice{Mode: llm.ToolChoiceNone})
	sess := NewSession("", memory.NewMemStore())

	r, err := l.Process(context.Background(), sess, "2024년 스페인 GP 우승자는?")
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if r.Branch != BranchPlain || len(r.ToolCalls) != 0 {
		t.Errorf("reply = %+v, want plain without tools", r)
	}
	req := client.calls()[0]
	if len(req.Tools) != 0 || req.OffersTools() {
		t.Errorf("request offered %d tools with choice none", len(req.Tools))
	}
}

func TestProcess_ToolChoiceNoneIgnoresRequestedTools(t *testing.T) {
	client := &scriptedClient{steps: []step{
		{msg: llm.Message{
			Role:      llm.RoleAssistant,
			Content:   "Let me check.",
			ToolCalls: []llm.ToolCall{call("c1", "f1_results", `{"query":"2024 스페인"}`)},
		}},
		reply("second"),
	}}
	store := newSQLiteStore(t)
	l := newTestLoop(t, client, f1Registry(t), llm.ToolChoice{Mode: llm.ToolChoiceNone})
	sess := NewSession("", store)

	r, err := l.Process(context.Background(), sess, "2024년 스페인 GP 우승자는?")
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if r.Branch != BranchPlain || len(r.ToolCalls) != 0 || r.Content != "Let me check." {
		t.Errorf("reply = %+v, want plain reply from the first completion", r)
	}
	if got := len(client.calls()); got != 1 {
		t.Errorf("completion calls = %d, want 1", got)
	}

	calls, err := store.ToolCalls(context.Background(), sess.ID(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 0 {
		t.Errorf("tool calls recorded = %d, want 0", len(calls))
	}
	history, _ := sess.History(context.Background())
	if got := strings.Join(roles(history), ","); got != "user,assistant" {
		t.Errorf("history roles = %s, want user,assistant", got)
	}
}

func TestProcess_EmptyRegistryIgnoresRequestedTools(t *testing.T) {
	client := &scriptedClient{steps: []step{
		toolCalls(call("c1", "f1_results", `{}`)),
	}}
	l := newTestLoop(t, client, tools.NewRegistry(), llm.ToolChoice{})
	sess := NewSession("", memory.NewMemStore())

	r, err := l.Process(context.Background(), sess, "hi")
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if r.Branch != BranchPlain || len(r.ToolCalls) != 0 {
		t.Errorf("reply = %+v, want plain without tools", r)
	}
	if got := len(client.calls()); got != 1 {
		t.Errorf("completion calls = %d, want 1", got)
	}
}

func TestProcess_ForcedButDeclined(t *testing.T) {
	client := &scriptedClient{steps: []step{reply("I know this one.")}}
	l := newTestLoop(t, client, f1Registry(t), llm.Forced("f1_results"))
	sess := NewSession("", memory.NewMemStore())

	r, err := l.Process(context.Background(), sess, "question")
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if r.Branch != BranchPlain || r.Content != "I know this one." {
		t.Errorf("reply = %+v, want plain reply", r)
	}
	if got := len(client.calls()); got != 1 {
		t.Errorf("completion calls = %d, want 1", got)
	}
}

func TestProcess_HistoryReplayedInOrder(t *testing.T) {
	client := &scriptedClient{steps: []step{
		reply("first answer"),
		toolCalls(call("call_1", "f1_results", `{"query":"2024 스페인"}`)),
		reply("second answer"),
		reply("third answer"),
	}}
	l := newTestLoop(t, client, f1Registry(t), llm.ToolChoice{})
	sess := NewSession("", memory.NewMemStore())
	ctx := context.Background()

	for _, q := range []string{"one", "two", "three"} {
		if _, err := l.Process(ctx, sess, q); err != nil {
			t.Fatalf("Process(%q) error: %v", q, err)
		}
	}

	last := client.calls()[3].Messages
	want := []struct{ role, content string }{
		{llm.RoleSystem, testSystem},
		{llm.RoleUser, "one"},
		{llm.RoleAssistant, "first answer"},
		{llm.RoleUser, "two"},
		{llm.RoleAssistant, "second answer"},
		{llm.RoleUser, "three"},
	}
	if len(last) != len(want) {
		t.Fatalf("third turn sent %d messages, want %d: %+v", len(last), len(want), last)
	}
	for i, w := range want {
		if last[i].Role != w.role || last[i].Content != w.content {
			t.Errorf("message %d = %s %q, want %s %q", i, last[i].Role, last[i].Content, w.role, w.content)
		}
	}

	history, _ := sess.History(ctx)
	if len(history) != 6 || assistantTurns(history) != 3 {
		t.Errorf("history = %v, want three user/assistant pairs", roles(history))
	}
}

func TestProcessWithOptions(t *testing.T) {
	client := &scriptedClient{steps: []step{reply("ok")}}
	l := newTestLoop(t, client, f1Registry(t), llm.ToolChoice{})
	sess := NewSession("", memory.NewMemStore())

	temp := 0.0
	system := "Answer in English."
	if _, err := l.ProcessWithOptions(context.Background(), sess, "hi", TurnOptions{
		Temperature:  &temp,
		SystemPrompt: &system,
	}); err != nil {
		t.Fatalf("ProcessWithOptions() error: %v", err)
	}

	req := client.calls()[0]
	if req.Temperature != 0 {
		t.Errorf("Temperature = %v, want 0", req.Temperature)
	}
	if req.Messages[0].Content != system {
		t.Errorf("system = %q, want override", req.Messages[0].Content)
	}

	bad := 1.5
	if _, err := l.ProcessWithOptions(context.Background(), sess, "hi", TurnOptions{Temperature: &bad}); err == nil {
		t.Error("out of range temperature should fail")
	}
	history, _ := sess.History(context.Background())
	if len(history) != 2 {
		t.Errorf("rejected turn should not touch history, got %d turns", len(history))
	}
}

func TestProcess_SessionClosed(t *testing.T) {
	client := &scriptedClient{}
	l := newTestLoop(t, client, f1Registry(t), llm.ToolChoice{})
	store := memory.NewMemStore()
	m := NewManager(store, testLogger())
	sess := m.Open("")

	if err := m.End(context.Background(), sess.ID()); err != nil {
		t.Fatalf("End() error: %v", err)
	}
	if _, err := l.Process(context.Background(), sess, "hello"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Process() error = %v, want ErrSessionClosed", err)
	}
	if got := len(client.calls()); got != 0 {
		t.Errorf("completion calls = %d, want 0", got)
	}
}

// slowClient blocks every completion until released, counting overlap.
type slowClient struct {
	mu      sync.Mutex
	active  int
	maxSeen int
}

func (c *slowClient) Complete(ctx context.Context, req llm.Request) (*llm.Result, error) {
	c.mu.Lock()
	c.active++
	if c.active > c.maxSeen {
		c.maxSeen = c.active
	}
	c.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	c.mu.Lock()
	c.active--
	c.mu.Unlock()
	return llm.NewResult(llm.Message{Content: "ok"}), nil
}

func (c *slowClient) Ping(ctx context.Context) error { return nil }

func TestProcess_SubmissionsSerialized(t *testing.T) {
	client := &slowClient{}
	l := newTestLoop(t, client, f1Registry(t), llm.ToolChoice{})
	sess := NewSession("", memory.NewMemStore())

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Process(context.Background(), sess, fmt.Sprintf("q%d", i)); err != nil {
				t.Errorf("Process() error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if client.maxSeen != 1 {
		t.Errorf("max concurrent completions = %d, want 1", client.maxSeen)
	}

	history, _ := sess.History(context.Background())
	if len(history) != 2*n {
		t.Fatalf("history = %d turns, want %d", len(history), 2*n)
	}
	for i := 0; i < len(history); i += 2 {
		if history[i].Role != llm.RoleUser || history[i+1].Role != llm.RoleAssistant {
			t.Errorf("turns %d-%d = %s,%s, want user,assistant", i, i+1, history[i].Role, history[i+1].Role)
		}
	}
}

func TestProcess_RecordsToolCalls(t *testing.T) {
	store := newSQLiteStore(t)
	client := &scriptedClient{steps: []step{
		toolCalls(
			call("call_1", "f1_results", `{"query":"2024 스페인"}`),
			call("call_2", "stock_price", `{"query":"AAPL"}`),
		),
		reply("done"),
	}}
	l := newTestLoop(t, client, f1Registry(t), llm.ToolChoice{})
	sess := NewSession("conv-audit", store)

	if _, err := l.Process(context.Background(), sess, "question"); err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	calls, err := store.ToolCalls(context.Background(), "conv-audit", 0)
	if err != nil {
		t.Fatalf("ToolCalls() error: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("recorded %d tool calls, want 2", len(calls))
	}
	byID := map[string]memory.ToolCallRecord{}
	for _, c := range calls {
		byID[c.ID] = c
	}
	if byID["call_1"].Result != f1Answer || byID["call_1"].Error != "" {
		t.Errorf("call_1 = %+v", byID["call_1"])
	}
	if byID["call_2"].Error == "" {
		t.Errorf("call_2 should record the unknown tool error: %+v", byID["call_2"])
	}
}

func TestNewLoop_Validation(t *testing.T) {
	client := &scriptedClient{}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: Config{Model: "m"}},
		{name: "offered subset", cfg: Config{Tools: []string{"f1_results"}}},
		{name: "unregistered offered tool", cfg: Config{Tools: []string{"stock_price"}}, wantErr: true},
		{name: "forced registered", cfg: Config{ToolChoice: llm.Forced("f1_results")}},
		{name: "forced unregistered", cfg: Config{ToolChoice: llm.Forced("stock_price")}, wantErr: true},
		{name: "none skips tool checks", cfg: Config{ToolChoice: llm.ToolChoice{Mode: llm.ToolChoiceNone}, Tools: []string{"stock_price"}}},
		{name: "temperature too high", cfg: Config{Temperature: 1.2}, wantErr: true},
		{name: "temperature negative", cfg: Config{Temperature: -0.1}, wantErr: true},
		{name: "temperature NaN", cfg: Config{Temperature: math.NaN()}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewLoop(testLogger(), client, f1Registry(t), tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Error("NewLoop() should fail")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewLoop() error: %v", err)
			}
			cfg := l.Config()
			if cfg.CompletionTimeout <= 0 || cfg.ToolTimeout <= 0 || cfg.FallbackMessage == "" {
				t.Errorf("defaults not applied: %+v", cfg)
			}
		})
	}

	if _, err := NewLoop(testLogger(), nil, nil, Config{}); err == nil {
		t.Error("NewLoop() without a client should fail")
	}
}

func TestBranchString(t *testing.T) {
	for b, want := range map[Branch]string{BranchPlain: "plain", BranchTool: "tool", BranchFailed: "failed"} {
		if got := b.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", b, got, want)
		}
	}
}

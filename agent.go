package quay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// PermissionMode is the baseline permission gate for tool calls.
type PermissionMode string

const (
	// PermissionAuto allows tools unless a list or descriptor says otherwise.
	PermissionAuto PermissionMode = "auto"
	// PermissionApproval routes every tool call through the approval gate.
	PermissionApproval PermissionMode = "approval"
	// PermissionReadonly allows only tools declared ReadOnly.
	PermissionReadonly PermissionMode = "readonly"
)

// RetryPolicy bounds the provider retry loop for transient errors.
type RetryPolicy struct {
	MaxAttempts int   `json:"max_attempts"`
	BaseMs      int64 `json:"base_ms"`
	CapMs       int64 `json:"cap_ms"`
}

// RuntimeConfig is the per-agent configuration surface. It is persisted in
// AgentInfo so a resumed agent keeps its policy.
type RuntimeConfig struct {
	MaxIterations        int            `json:"max_iterations,omitempty"`
	PermissionMode       PermissionMode `json:"permission_mode,omitempty"`
	AllowTools           []string       `json:"allow_tools,omitempty"`
	DenyTools            []string       `json:"deny_tools,omitempty"`
	RequireApprovalTools []string       `json:"require_approval_tools,omitempty"`
	Concurrency          int            `json:"concurrency,omitempty"`
	ToolTimeoutMs        int64          `json:"tool_timeout_ms,omitempty"`
	Retry                RetryPolicy    `json:"retry,omitempty"`
	EventBuffer          int            `json:"event_buffer,omitempty"`
	// CompressThreshold is the conversation rune count that triggers context
	// compression. Negative disables it.
	CompressThreshold int    `json:"compress_threshold,omitempty"`
	MaxTokens         int    `json:"max_tokens,omitempty"`
	SystemPrompt      string `json:"system_prompt,omitempty"`
}

// Defaults applied where RuntimeConfig leaves zeros.
const (
	defaultMaxIterations     = 50
	defaultConcurrency       = 4
	defaultToolTimeout       = 2 * time.Minute
	defaultRetryAttempts     = 3
	defaultRetryBase         = 500 * time.Millisecond
	defaultRetryCap          = 8 * time.Second
	defaultCompressThreshold = 200_000
)

func (c RuntimeConfig) withDefaults() RuntimeConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaultMaxIterations
	}
	if c.PermissionMode == "" {
		c.PermissionMode = PermissionAuto
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.ToolTimeoutMs <= 0 {
		c.ToolTimeoutMs = defaultToolTimeout.Milliseconds()
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = defaultRetryAttempts
	}
	if c.Retry.BaseMs <= 0 {
		c.Retry.BaseMs = defaultRetryBase.Milliseconds()
	}
	if c.Retry.CapMs <= 0 {
		c.Retry.CapMs = defaultRetryCap.Milliseconds()
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	if c.CompressThreshold == 0 {
		c.CompressThreshold = defaultCompressThreshold
	}
	return c
}

// SkillSource resolves skill names to metadata and instruction text. The
// directory-backed implementation lives in the skills package.
type SkillSource interface {
	// Resolve returns the skill's metadata and its instruction body.
	Resolve(name string) (SkillMeta, string, error)
	// List enumerates installed skills.
	List() []SkillMeta
}

// Agent is one conversational runtime instance. It exclusively owns its
// mutable runtime state (messages, tool records, todos, skills state); the
// Pool guarantees at most one live instance per agent id.
type Agent struct {
	id       string
	store    Store
	bus      *EventBus
	provider Provider
	registry *Registry
	sandbox  Sandbox
	hooks    *Hooks
	skillSrc SkillSource
	logger   *slog.Logger
	cfg      RuntimeConfig

	// mu guards the runtime state below.
	mu       sync.Mutex
	messages []Message
	records  []ToolCallRecord
	todos    TodoSnapshot
	skills   SkillsState
	info     AgentInfo

	gate *approvalGate

	// turnMu serializes Chat calls; turnActive marks a turn in flight for
	// the snapshot guard.
	turnMu     sync.Mutex
	turnActive bool
	turnCount  int

	// serialMu serializes tools with ConcurrencySafe=false.
	serialMu sync.Mutex

	// interrupt cancels the current turn's context.
	interruptMu sync.Mutex
	interrupt   context.CancelCauseFunc
}

// errInterrupted is the cancellation cause set by Interrupt, distinguishing
// an explicit stop from a request deadline.
var errInterrupted = errors.New("interrupted")

// agentOptions collects constructor options.
type agentOptions struct {
	registry   *Registry
	sandbox    Sandbox
	hooks      *Hooks
	skills     SkillSource
	logger     *slog.Logger
	cfg        RuntimeConfig
	model      string
	templateID string
	busOpts    []BusOption
}

// AgentOption configures NewAgent.
type AgentOption func(*agentOptions)

// WithRegistry sets the tool registry. Without one the agent has no tools.
func WithRegistry(r *Registry) AgentOption {
	return func(o *agentOptions) { o.registry = r }
}

// WithSandbox sets the sandbox handed to tool invocations.
func WithSandbox(s Sandbox) AgentOption {
	return func(o *agentOptions) { o.sandbox = s }
}

// WithHooks sets the hook pipeline.
func WithHooks(h *Hooks) AgentOption {
	return func(o *agentOptions) { o.hooks = h }
}

// WithSkills sets the skill source used by ActivateSkill.
func WithSkills(s SkillSource) AgentOption {
	return func(o *agentOptions) { o.skills = s }
}

// WithLogger sets the structured logger. Nil means no output.
func WithLogger(l *slog.Logger) AgentOption {
	return func(o *agentOptions) { o.logger = l }
}

// WithRuntimeConfig sets the agent's runtime configuration. For a resumed
// agent this overrides the persisted configuration.
func WithRuntimeConfig(cfg RuntimeConfig) AgentOption {
	return func(o *agentOptions) { o.cfg = cfg }
}

// WithModel sets the model recorded in AgentInfo and sent to the provider.
func WithModel(model string) AgentOption {
	return func(o *agentOptions) { o.model = model }
}

// WithTemplateID tags the agent with the template it was created from.
func WithTemplateID(id string) AgentOption {
	return func(o *agentOptions) { o.templateID = id }
}

// WithBusOptions passes options through to the agent's event bus.
func WithBusOptions(opts ...BusOption) AgentOption {
	return func(o *agentOptions) { o.busOpts = append(o.busOpts, opts...) }
}

// NewAgent creates or resumes the agent with the given id. If the store
// already holds the agent's info document, the full runtime state is
// reloaded and the event sequence continues where it left off; otherwise a
// fresh agent is created and its info persisted (which is the moment the
// agent starts to exist).
func NewAgent(ctx context.Context, agentID string, store Store, provider Provider, opts ...AgentOption) (*Agent, error) {
	if agentID == "" {
		agentID = NewID()
	}
	var o agentOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = nopLogger
	}
	if o.registry == nil {
		o.registry = NewRegistry()
	}

	cfg := o.cfg.withDefaults()
	busOpts := append([]BusOption{BusBuffer(cfg.EventBuffer), BusLogger(o.logger)}, o.busOpts...)
	bus, err := NewEventBus(ctx, agentID, store, busOpts...)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		id:       agentID,
		store:    store,
		bus:      bus,
		provider: provider,
		registry: o.registry,
		sandbox:  o.sandbox,
		hooks:    o.hooks,
		skillSrc: o.skills,
		logger:   o.logger.With("agent", agentID),
		cfg:      cfg,
		gate:     newApprovalGate(),
	}

	exists, err := store.Exists(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if exists {
		if err := a.resume(ctx); err != nil {
			return nil, err
		}
		a.publishMonitor(ctx, Event{Type: EventLifecycle, Note: "resumed"})
		return a, nil
	}

	now := NowMillis()
	a.info = AgentInfo{
		AgentID:      agentID,
		TemplateID:   o.templateID,
		Model:        o.model,
		CreatedAt:    now,
		LastActiveAt: now,
		Runtime:      cfg,
	}
	if err := store.SaveInfo(ctx, agentID, a.info); err != nil {
		return nil, fmt.Errorf("agent %s: create: %w", agentID, err)
	}
	a.publishMonitor(ctx, Event{Type: EventLifecycle, Note: "created"})
	return a, nil
}

// resume reloads runtime state from the store. Info is authoritative for the
// runtime configuration unless the caller overrode it.
func (a *Agent) resume(ctx context.Context) error {
	info, err := a.store.LoadInfo(ctx, a.id)
	if err != nil {
		return fmt.Errorf("agent %s: resume info: %w", a.id, err)
	}
	a.info = info
	if a.cfg.MaxIterations == defaultMaxIterations && info.Runtime.MaxIterations > 0 {
		a.cfg = info.Runtime.withDefaults()
	}
	if a.messages, err = a.store.LoadMessages(ctx, a.id); err != nil {
		return fmt.Errorf("agent %s: resume messages: %w", a.id, err)
	}
	if a.records, err = a.store.LoadToolCalls(ctx, a.id); err != nil {
		return fmt.Errorf("agent %s: resume tool calls: %w", a.id, err)
	}
	if a.todos, err = a.store.LoadTodos(ctx, a.id); err != nil {
		return fmt.Errorf("agent %s: resume todos: %w", a.id, err)
	}
	if a.skills, err = a.store.LoadSkills(ctx, a.id); err != nil {
		return fmt.Errorf("agent %s: resume skills: %w", a.id, err)
	}
	return nil
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.id }

// Bus returns the agent's event bus, for subscribing to live events.
func (a *Agent) Bus() *EventBus { return a.bus }

// Info returns a copy of the agent's meta document.
func (a *Agent) Info() AgentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

// Messages returns a copy of the conversation.
func (a *Agent) Messages() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Message, len(a.messages))
	copy(out, a.messages)
	return out
}

// Records returns a copy of the tool-call records.
func (a *Agent) Records() []ToolCallRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ToolCallRecord, len(a.records))
	copy(out, a.records)
	return out
}

// --- Chat ---

// ChatResult is the outcome of one Chat call.
type ChatResult struct {
	StopReason StopReason
	// Output is the text of the last assistant message of the call, "" when
	// the call produced none.
	Output string
	Usage  Usage
}

// chatOptions configures one Chat call.
type chatOptions struct {
	approvalWait time.Duration
}

// ChatOption configures a single Chat call.
type ChatOption func(*chatOptions)

// ChatApprovalWait bounds how long the turn blocks on a pending approval.
// When the window elapses the suspended calls are denied with "approval
// window elapsed" and the call ends with StopAwaitingApproval. Zero (the
// default) blocks until a decision or cancellation.
func ChatApprovalWait(d time.Duration) ChatOption {
	return func(o *chatOptions) { o.approvalWait = d }
}

// Chat appends the input messages and drives turns — model stream, then tool
// dispatch — until a terminal stop condition. The client always gets a
// terminal Done event on Progress with the stop reason; on error the last
// assistant message, if any, is preserved.
//
// Chat calls are serialized per agent. Disconnection of a transport client
// does not interrupt the turn; only Interrupt does.
func (a *Agent) Chat(ctx context.Context, input []Message, opts ...ChatOption) (ChatResult, error) {
	var co chatOptions
	for _, opt := range opts {
		opt(&co)
	}

	a.turnMu.Lock()
	defer a.turnMu.Unlock()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	a.interruptMu.Lock()
	a.interrupt = cancel
	a.interruptMu.Unlock()
	defer func() {
		a.interruptMu.Lock()
		a.interrupt = nil
		a.interruptMu.Unlock()
	}()

	a.setTurnActive(true)
	defer a.setTurnActive(false)
	a.touch(ctx)

	if len(input) > 0 {
		a.mu.Lock()
		a.messages = append(a.messages, input...)
		a.mu.Unlock()
		if err := a.persistMessages(ctx); err != nil {
			return ChatResult{StopReason: StopError}, err
		}
	}

	result, err := a.runTurns(ctx, co)

	// The terminal Done event must reach the client even when the turn was
	// cancelled, so it is published outside the turn's cancellation scope.
	doneCtx := context.WithoutCancel(ctx)
	if _, pubErr := a.bus.Publish(doneCtx, ChannelProgress, Event{
		Type:   EventDone,
		Reason: result.StopReason,
		Usage:  &result.Usage,
	}); pubErr != nil && err == nil {
		err = pubErr
	}
	a.touch(doneCtx)
	return result, err
}

// Interrupt cancels the in-flight turn: the provider stream and all running
// tool calls are aborted and suspended approvals resolve as denied with
// reason "cancelled". A Done(Cancelled) event follows within bounded time.
// Interrupting an idle agent is a no-op.
func (a *Agent) Interrupt(ctx context.Context) {
	a.interruptMu.Lock()
	cancel := a.interrupt
	a.interruptMu.Unlock()
	if cancel == nil {
		return
	}
	if err := a.publishControl(context.WithoutCancel(ctx), Event{Type: EventCancelRequested}); err != nil {
		a.logger.Warn("control publish failed", "error", err)
	}
	a.gate.cancelAll("cancelled")
	cancel(errInterrupted)
}

// Delete removes the agent's durable state — the entire agent directory,
// event logs and snapshots included. Rejected during a turn. The in-memory
// instance is unusable afterwards; callers should drop their references.
func (a *Agent) Delete(ctx context.Context) error {
	a.mu.Lock()
	if a.turnActive {
		a.mu.Unlock()
		return fmt.Errorf("agent %s: delete: %w", a.id, ErrTurnActive)
	}
	a.mu.Unlock()
	if err := a.store.Delete(ctx, a.id); err != nil {
		return fmt.Errorf("agent %s: delete: %w", a.id, err)
	}
	a.logger.Info("agent deleted")
	return nil
}

// --- Approval API ---

// ApproveToolCall applies an approval decision to a suspended tool call.
// Decisions are idempotent once decided: the first caller wins and later
// calls report applied=false. Unknown call ids return ErrNotFound.
func (a *Agent) ApproveToolCall(ctx context.Context, callID, decidedBy, note string) (applied bool, err error) {
	return a.decide(ctx, callID, ApprovalDecision{Approved: true, DecidedBy: decidedBy, Note: note})
}

// DenyToolCall applies a denial to a suspended tool call. First-writer-wins,
// same as ApproveToolCall.
func (a *Agent) DenyToolCall(ctx context.Context, callID, decidedBy, reason string) (applied bool, err error) {
	return a.decide(ctx, callID, ApprovalDecision{Approved: false, DecidedBy: decidedBy, Note: reason})
}

func (a *Agent) decide(ctx context.Context, callID string, d ApprovalDecision) (bool, error) {
	applied, found := a.gate.decide(callID, d)
	if !found {
		return false, fmt.Errorf("approval %s: %w", callID, ErrNotFound)
	}
	return applied, nil
}

// --- Skills ---

// ActivateSkill resolves the named skill from the skill source, records it
// in the skills state, and persists. A missing skill is diagnosed with an
// error and a Monitor event, never silently dropped.
func (a *Agent) ActivateSkill(ctx context.Context, name string) error {
	if a.skillSrc == nil {
		return fmt.Errorf("skill %q: no skill source configured", name)
	}
	meta, _, err := a.skillSrc.Resolve(name)
	if err != nil {
		a.publishMonitor(ctx, Event{Type: EventToolError, Name: name, Error: "skill not installed: " + err.Error()})
		return fmt.Errorf("skill %q: %w", name, err)
	}
	a.mu.Lock()
	if a.skills.Resolved == nil {
		a.skills.Resolved = make(map[string]SkillMeta)
	}
	already := false
	for _, n := range a.skills.Activated {
		if n == name {
			already = true
			break
		}
	}
	if !already {
		a.skills.Activated = append(a.skills.Activated, name)
	}
	a.skills.Resolved[name] = meta
	snapshot := a.skills
	a.mu.Unlock()
	return a.store.SaveSkills(ctx, a.id, snapshot)
}

// SkillsState returns a copy of the agent's skills state.
func (a *Agent) SkillsState() SkillsState {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := SkillsState{Activated: append([]string(nil), a.skills.Activated...)}
	if a.skills.Resolved != nil {
		out.Resolved = make(map[string]SkillMeta, len(a.skills.Resolved))
		for k, v := range a.skills.Resolved {
			out.Resolved[k] = v
		}
	}
	return out
}

// --- Internal helpers ---

func (a *Agent) setTurnActive(v bool) {
	a.mu.Lock()
	a.turnActive = v
	if v {
		a.turnCount++
	}
	a.mu.Unlock()
}

// touch bumps LastActiveAt. Failures are degraded to a log line; liveness
// metadata is not worth failing a turn over.
func (a *Agent) touch(ctx context.Context) {
	a.mu.Lock()
	a.info.LastActiveAt = NowMillis()
	info := a.info
	a.mu.Unlock()
	if err := a.store.SaveInfo(ctx, a.id, info); err != nil {
		a.logger.Warn("save info failed", "error", err)
	}
}

// persistMessages writes the conversation, then announces the change. Write
// first, event second: recovery treats state as authoritative.
func (a *Agent) persistMessages(ctx context.Context) error {
	a.mu.Lock()
	msgs := make([]Message, len(a.messages))
	copy(msgs, a.messages)
	a.mu.Unlock()
	if err := a.store.SaveMessages(ctx, a.id, msgs); err != nil {
		return fmt.Errorf("agent %s: save messages: %w", a.id, err)
	}
	if _, err := a.bus.Publish(ctx, ChannelProgress, Event{Type: EventMessagesChanged}); err != nil {
		return err
	}
	a.hooks.RunMessagesChanged(ctx, msgs)
	return nil
}

func (a *Agent) persistRecords(ctx context.Context) error {
	a.mu.Lock()
	recs := make([]ToolCallRecord, len(a.records))
	copy(recs, a.records)
	a.mu.Unlock()
	if err := a.store.SaveToolCalls(ctx, a.id, recs); err != nil {
		return fmt.Errorf("agent %s: save tool calls: %w", a.id, err)
	}
	return nil
}

// publishMonitor publishes on Monitor, degrading failures to a log line:
// Monitor is best-effort by contract.
func (a *Agent) publishMonitor(ctx context.Context, ev Event) {
	if _, err := a.bus.Publish(ctx, ChannelMonitor, ev); err != nil {
		a.logger.Warn("monitor publish failed", "type", ev.Type, "error", err)
	}
}

// publishControl publishes on Control. Turn-path callers treat a failure as
// fatal; non-turn callers degrade it to a log line.
func (a *Agent) publishControl(ctx context.Context, ev Event) error {
	if _, err := a.bus.Publish(ctx, ChannelControl, ev); err != nil {
		return fmt.Errorf("control publish %s: %w", ev.Type, err)
	}
	return nil
}

// systemPrompt assembles the configured system prompt, tool prompt
// contributions, and activated auto-load skill instructions.
func (a *Agent) systemPrompt() string {
	var parts []string
	if a.cfg.SystemPrompt != "" {
		parts = append(parts, a.cfg.SystemPrompt)
	}
	tc := ToolContext{AgentID: a.id, Sandbox: a.sandbox, Logger: a.logger}
	for _, d := range a.registry.List() {
		if d.GetPrompt == nil {
			continue
		}
		if p := d.GetPrompt(tc); p != "" {
			parts = append(parts, p)
		}
	}
	if a.skillSrc != nil {
		a.mu.Lock()
		activated := append([]string(nil), a.skills.Activated...)
		a.mu.Unlock()
		for _, name := range activated {
			meta, instructions, err := a.skillSrc.Resolve(name)
			if err != nil {
				a.logger.Warn("activated skill missing", "skill", name, "error", err)
				continue
			}
			if meta.AutoLoad && instructions != "" {
				parts = append(parts, instructions)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

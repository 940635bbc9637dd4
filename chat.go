package parley

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/parleyai/parley/core"
	"github.com/parleyai/parley/obs"
	"github.com/parleyai/parley/schema"
	"github.com/parleyai/parley/tools"
)

// Chat is a stateful conversation bound to one provider. Send, Stream, and
// Extract each run the full send/receive/invoke loop: assistant turns that
// request tools are answered through the configured invoker, the results are
// committed as a synthetic user turn, and the exchange is resubmitted until a
// stop condition fires or the assistant answers without tools.
//
// A Chat serializes its operations: a second Send blocks until the first
// finishes, including the goroutine behind Stream. History only ever grows by
// whole turns. If a leg fails, turns committed by earlier legs stay; the
// failing leg leaves nothing behind, so calling Send again resumes cleanly.
type Chat struct {
	mu       sync.Mutex
	provider core.Provider
	turns    []core.Turn
	cfg      chatConfig
}

type chatConfig struct {
	model           string
	system          string
	temperature     float32
	maxTokens       int
	topP            float32
	topK            int
	toolChoice      core.ToolChoice
	toolHandles     []core.ToolHandle
	registry        *tools.Registry
	invoker         *tools.Invoker
	invokerOpts     []tools.InvokerOption
	stop            core.StopCondition
	tally           *core.UsageTally
	metadata        map[string]any
	providerOptions map[string]any
}

// ChatOption configures a Chat at construction.
type ChatOption func(*chatConfig)

// WithModel sets the model identifier sent to the provider. Chats built
// through Client.Chat get this from the routed model string.
func WithModel(model string) ChatOption {
	return func(cfg *chatConfig) { cfg.model = model }
}

// WithSystem sets the system prompt. It is prepended to every request and
// never stored in the history.
func WithSystem(prompt string) ChatOption {
	return func(cfg *chatConfig) { cfg.system = prompt }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) ChatOption {
	return func(cfg *chatConfig) { cfg.temperature = t }
}

// WithMaxTokens caps the response length per leg.
func WithMaxTokens(n int) ChatOption {
	return func(cfg *chatConfig) { cfg.maxTokens = n }
}

// WithTopP sets nucleus sampling.
func WithTopP(p float32) ChatOption {
	return func(cfg *chatConfig) { cfg.topP = p }
}

// WithTopK sets top-k sampling, on providers that support it.
func WithTopK(k int) ChatOption {
	return func(cfg *chatConfig) { cfg.topK = k }
}

// WithToolChoice overrides how the provider treats the supplied tools.
func WithToolChoice(choice core.ToolChoice) ChatOption {
	return func(cfg *chatConfig) { cfg.toolChoice = choice }
}

// WithTools makes the given tools available to the assistant. Panics on
// duplicate names, matching the registry constructor.
func WithTools(handles ...core.ToolHandle) ChatOption {
	return func(cfg *chatConfig) {
		cfg.toolHandles = append(cfg.toolHandles, handles...)
	}
}

// WithToolRegistry supplies a prebuilt registry instead of individual
// handles. Handles added with WithTools are registered into it.
func WithToolRegistry(registry *tools.Registry) ChatOption {
	return func(cfg *chatConfig) { cfg.registry = registry }
}

// WithInvoker supplies a prebuilt invoker, overriding the one the chat would
// build from its registry.
func WithInvoker(invoker *tools.Invoker) ChatOption {
	return func(cfg *chatConfig) { cfg.invoker = invoker }
}

// WithParallelTools dispatches tool calls concurrently, at most n in flight.
func WithParallelTools(n int) ChatOption {
	return func(cfg *chatConfig) {
		cfg.invokerOpts = append(cfg.invokerOpts, tools.Concurrent(n))
	}
}

// WithToolTimeout bounds each tool call.
func WithToolTimeout(d time.Duration) ChatOption {
	return func(cfg *chatConfig) {
		cfg.invokerOpts = append(cfg.invokerOpts, tools.WithTimeout(d))
	}
}

// WithStopCondition replaces the default loop guard. The default is
// core.NoMoreTools: the loop ends when the assistant stops requesting tools.
// Combine guards with core.Any or core.All.
func WithStopCondition(cond core.StopCondition) ChatOption {
	return func(cfg *chatConfig) { cfg.stop = cond }
}

// WithUsageTally reports every leg's token usage into the given tally,
// attributed by provider and model. The tally stays caller-owned; several
// chats may share one.
func WithUsageTally(tally *core.UsageTally) ChatOption {
	return func(cfg *chatConfig) { cfg.tally = tally }
}

// WithMetadata attaches request metadata passed through to providers that
// accept it.
func WithMetadata(metadata map[string]any) ChatOption {
	return func(cfg *chatConfig) { cfg.metadata = metadata }
}

// WithProviderOptions attaches vendor-specific options, keyed by provider
// namespace such as "anthropic.thinking".
func WithProviderOptions(opts map[string]any) ChatOption {
	return func(cfg *chatConfig) { cfg.providerOptions = opts }
}

// NewChat builds a conversation over the given provider. Use Client.Chat to
// route by "provider/model" string instead of holding a provider directly.
func NewChat(provider core.Provider, opts ...ChatOption) *Chat {
	ch := &Chat{provider: provider}
	for _, opt := range opts {
		opt(&ch.cfg)
	}
	if len(ch.cfg.toolHandles) > 0 {
		if ch.cfg.registry == nil {
			ch.cfg.registry = tools.NewRegistry(ch.cfg.toolHandles...)
		} else if err := ch.cfg.registry.Register(ch.cfg.toolHandles...); err != nil {
			panic(fmt.Sprintf("parley: %v", err))
		}
	}
	if ch.cfg.invoker == nil && ch.cfg.registry != nil {
		ch.cfg.invoker = tools.NewInvoker(ch.cfg.registry, ch.cfg.invokerOpts...)
	}
	return ch
}

// Send submits the given parts as a user turn and runs the loop to
// completion, returning the final assistant reply with usage and warnings
// aggregated across all legs.
//
// Calling Send with no parts resumes an interrupted exchange: committed tool
// results are resubmitted, and unanswered tool requests from the last
// assistant turn are invoked first. With nothing pending it returns
// ErrNothingToSend.
func (ch *Chat) Send(ctx context.Context, parts ...core.Part) (*core.Reply, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.run(ctx, "parley.Chat.Send", parts, nil)
}

// Extract runs the same loop as Send with the response constrained to the
// given schema, then validates the structured value against it. The decoded
// value replaces the raw one in the returned reply, so StructuredValue
// observes defaults and type coercions.
func (ch *Chat) Extract(ctx context.Context, node *schema.Node, parts ...core.Part) (*core.Reply, error) {
	if node == nil {
		return nil, fmt.Errorf("parley: extract requires a schema")
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()

	reply, err := ch.run(ctx, "parley.Chat.Extract", parts, node)
	if err != nil {
		return nil, err
	}
	value, ok := reply.StructuredValue()
	if !ok {
		return nil, ErrNoStructuredOutput
	}
	decoded, err := schema.Decode(node, value)
	if err != nil {
		return nil, fmt.Errorf("parley: decode structured output: %w", err)
	}
	setStructured(&reply.Turn, decoded)
	return reply, nil
}

// Stream submits the given parts and returns a stream carrying text deltas,
// tool requests, and tool results from every leg, ending with a single
// finish event whose turn is the final assistant turn and whose usage spans
// the whole loop. The same resume rules as Send apply when parts is empty.
//
// The chat stays locked until the stream terminates; a concurrent Send
// blocks rather than interleaving turns.
func (ch *Chat) Stream(ctx context.Context, parts ...core.Part) (*core.Stream, error) {
	ch.mu.Lock()
	if len(parts) == 0 {
		if _, ok := ch.pendingLocked(); !ok {
			ch.mu.Unlock()
			return nil, ErrNothingToSend
		}
	}
	out := core.NewStream(ctx, 64)
	go func() {
		defer ch.mu.Unlock()
		ch.streamLoop(ctx, out, parts)
	}()
	return out, nil
}

// legState tracks loop progress shared by the blocking and streaming paths.
type legState struct {
	state    core.LoopState
	usage    core.Usage
	warnings []core.Warning
}

func (ch *Chat) run(ctx context.Context, opName string, parts []core.Part, node *schema.Node) (reply *core.Reply, err error) {
	caps := ch.provider.Capabilities()
	ctx, rec := obs.StartRequest(ctx, opName,
		attribute.String("ai.provider", caps.Provider),
		attribute.String("ai.model", ch.cfg.model),
	)
	var ls legState
	defer func() { rec.End(err, obs.UsageFromCore(ls.usage)) }()

	mark := len(ch.turns)
	if len(parts) > 0 {
		ch.turns = append(ch.turns, core.UserTurn(parts...))
	} else {
		pending, ok := ch.pendingLocked()
		if !ok {
			return nil, ErrNothingToSend
		}
		if len(pending) > 0 {
			if err := ch.invokeAndCommit(ctx, pending, &ls.warnings, nil); err != nil {
				return nil, err
			}
			mark = len(ch.turns)
		}
	}

	start := time.Now()
	firstLeg := true
	for {
		legReply, legErr := ch.provider.Generate(ctx, ch.buildRequest(node))
		if legErr != nil {
			if firstLeg {
				ch.turns = ch.turns[:mark]
			}
			return nil, legErr
		}
		firstLeg = false
		ls.warnings = append(ls.warnings, legReply.Warnings...)
		requests := ch.noteLeg(&ls, legReply.Turn, legReply.Usage, legReply.Provider, legReply.Model)

		done, reason := ch.loopDone(&ls, requests)
		if done {
			final := *legReply
			final.Usage = ls.usage
			final.Warnings = ls.warnings
			final.Stop = &reason
			final.LatencyMS = time.Since(start).Milliseconds()
			return &final, nil
		}

		if err := ch.invokeAndCommit(ctx, requests, &ls.warnings, nil); err != nil {
			return nil, err
		}
	}
}

func (ch *Chat) streamLoop(ctx context.Context, out *core.Stream, parts []core.Part) {
	caps := ch.provider.Capabilities()
	ctx, rec := obs.StartRequest(ctx, "parley.Chat.Stream",
		attribute.String("ai.provider", caps.Provider),
		attribute.String("ai.model", ch.cfg.model),
	)
	var ls legState
	var runErr error
	defer func() { rec.End(runErr, obs.UsageFromCore(ls.usage)) }()

	fail := func(err error) {
		runErr = err
		out.Fail(err)
	}

	mark := len(ch.turns)
	if len(parts) > 0 {
		ch.turns = append(ch.turns, core.UserTurn(parts...))
	} else if pending, ok := ch.pendingLocked(); ok && len(pending) > 0 {
		if err := ch.invokeAndCommit(ctx, pending, &ls.warnings, func(res core.ToolResult) {
			out.Push(core.StreamEvent{Type: core.EventToolResult, ToolResult: res})
		}); err != nil {
			fail(err)
			return
		}
		mark = len(ch.turns)
	}

	started := false
	firstLeg := true
	for {
		leg, err := ch.provider.Stream(ctx, ch.buildRequest(nil))
		if err != nil {
			if firstLeg {
				ch.turns = ch.turns[:mark]
			}
			fail(err)
			return
		}

		var legTurn *core.Turn
		for event := range leg.Events() {
			switch event.Type {
			case core.EventStart:
				if !started {
					started = true
					out.Push(core.StreamEvent{Type: core.EventStart, Provider: event.Provider, Model: event.Model})
				}
			case core.EventTextDelta:
				out.Push(core.StreamEvent{Type: core.EventTextDelta, TextDelta: event.TextDelta, Provider: event.Provider, Model: event.Model})
			case core.EventToolRequest:
				out.Push(core.StreamEvent{Type: core.EventToolRequest, ToolRequest: event.ToolRequest, Provider: event.Provider, Model: event.Model})
			case core.EventFinish:
				legTurn = event.Turn
			}
			// Error events surface through leg.Err below.
		}
		if err := leg.Err(); err != nil {
			if firstLeg {
				ch.turns = ch.turns[:mark]
			}
			fail(err)
			return
		}
		if legTurn == nil {
			legTurn = leg.FinalTurn()
		}
		if legTurn == nil {
			if firstLeg {
				ch.turns = ch.turns[:mark]
			}
			fail(core.NewError(core.ErrStreamParse, "stream ended without a final turn"))
			return
		}
		firstLeg = false
		meta := leg.Meta()
		requests := ch.noteLeg(&ls, *legTurn, meta.Usage, meta.Provider, meta.Model)

		done, _ := ch.loopDone(&ls, requests)
		if done {
			out.Push(core.StreamEvent{
				Type:     core.EventFinish,
				Turn:     legTurn,
				Usage:    ls.usage,
				Provider: meta.Provider,
				Model:    meta.Model,
			})
			_ = out.Close()
			return
		}

		if err := ch.invokeAndCommit(ctx, requests, &ls.warnings, func(res core.ToolResult) {
			out.Push(core.StreamEvent{Type: core.EventToolResult, ToolResult: res, Provider: meta.Provider, Model: meta.Model})
		}); err != nil {
			fail(err)
			return
		}
	}
}

// noteLeg commits a completed assistant turn and advances the loop state.
func (ch *Chat) noteLeg(ls *legState, turn core.Turn, usage core.Usage, provider, model string) []core.ToolRequest {
	ch.turns = append(ch.turns, turn)
	ch.cfg.tally.Record(provider, model, usage)
	ls.usage = ls.usage.Add(usage)

	requests := turn.ToolRequests()
	ls.state.Steps++
	ls.state.ToolCalls += len(requests)
	ls.state.Usage = ls.usage
	ls.state.LastTurn = &ch.turns[len(ch.turns)-1]
	ls.state.Requests = append(ls.state.Requests, requests...)
	return requests
}

// loopDone consults the stop condition, then falls back to natural
// termination when there is nothing left to invoke.
func (ch *Chat) loopDone(ls *legState, requests []core.ToolRequest) (bool, core.StopReason) {
	cond := ch.cfg.stop
	if cond == nil {
		cond = core.NoMoreTools()
	}
	if stopped, reason := cond(&ls.state); stopped {
		return true, reason
	}
	if len(requests) == 0 || ch.cfg.invoker == nil {
		return true, core.StopReason{
			Type:        core.StopReasonComplete,
			Description: "assistant finished without tool requests",
		}
	}
	return false, core.StopReason{}
}

// invokeAndCommit answers a batch of tool requests and commits the results
// as one user turn. Failed calls become warnings, not errors; cancellation
// discards the batch so nothing half-done enters the history.
func (ch *Chat) invokeAndCommit(ctx context.Context, requests []core.ToolRequest, warnings *[]core.Warning, observe func(core.ToolResult)) error {
	results, err := ch.cfg.invoker.InvokeAll(ctx, requests)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return core.NewError(core.ErrCanceled, "chat canceled during tool invocation", core.WithWrapped(err))
	}

	names := make(map[string]string, len(requests))
	for _, req := range requests {
		names[req.ID] = req.Name
	}
	parts := make([]core.Part, 0, len(results))
	for _, res := range results {
		if res.Error != "" {
			field := names[res.ID]
			if field == "" {
				field = res.ID
			}
			*warnings = append(*warnings, core.Warning{Code: "tool_error", Message: res.Error, Field: field})
		}
		if observe != nil {
			observe(res)
		}
		parts = append(parts, res)
	}
	ch.turns = append(ch.turns, core.UserTurn(parts...))
	return nil
}

// pendingLocked classifies the resume point for a Send with no parts. A
// trailing user turn means committed tool results await resubmission; a
// trailing assistant turn with unanswered requests means invocation comes
// first. Anything else is not resumable.
func (ch *Chat) pendingLocked() ([]core.ToolRequest, bool) {
	if len(ch.turns) == 0 {
		return nil, false
	}
	last := ch.turns[len(ch.turns)-1]
	switch last.Role {
	case core.User:
		return nil, true
	case core.Assistant:
		requests := last.ToolRequests()
		if len(requests) > 0 && ch.cfg.invoker != nil {
			return requests, true
		}
	}
	return nil, false
}

func (ch *Chat) buildRequest(node *schema.Node) core.Request {
	req := core.Request{
		Model:           ch.cfg.model,
		Temperature:     ch.cfg.temperature,
		MaxTokens:       ch.cfg.maxTokens,
		TopP:            ch.cfg.topP,
		TopK:            ch.cfg.topK,
		ToolChoice:      ch.cfg.toolChoice,
		Schema:          node,
		Metadata:        ch.cfg.metadata,
		ProviderOptions: ch.cfg.providerOptions,
	}

	turns := make([]core.Turn, 0, len(ch.turns)+1)
	if ch.cfg.system != "" && !(len(ch.turns) > 0 && ch.turns[0].Role == core.System) {
		turns = append(turns, core.SystemTurn(ch.cfg.system))
	}
	turns = append(turns, ch.turns...)
	req.Turns = turns

	if ch.cfg.registry != nil {
		req.Tools = ch.cfg.registry.Handles()
	}
	return req
}

func setStructured(turn *core.Turn, value any) {
	for i, part := range turn.Parts {
		if _, ok := part.(core.Structured); ok {
			turn.Parts[i] = core.Structured{Value: value}
			return
		}
	}
}

// History returns a copy of the committed turns.
func (ch *Chat) History() []core.Turn {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return cloneTurns(ch.turns)
}

// Len returns the number of committed turns.
func (ch *Chat) Len() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.turns)
}

// Model returns the model identifier the chat sends.
func (ch *Chat) Model() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.cfg.model
}

// System returns the system prompt.
func (ch *Chat) System() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.cfg.system
}

// Append adds turns to the history, validating the combined sequence first.
// Use it to seed a chat from an external transcript.
func (ch *Chat) Append(turns ...core.Turn) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	combined := make([]core.Turn, 0, len(ch.turns)+len(turns))
	combined = append(combined, ch.turns...)
	combined = append(combined, turns...)
	if err := core.ValidateTurns(combined); err != nil {
		return err
	}
	ch.turns = combined
	return nil
}

// Rollback removes the last n turns, for rewinding past a bad exchange.
func (ch *Chat) Rollback(n int) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if n <= 0 {
		return
	}
	if n >= len(ch.turns) {
		ch.turns = nil
		return
	}
	ch.turns = ch.turns[:len(ch.turns)-n]
}

// Clear drops the history, keeping the configuration.
func (ch *Chat) Clear() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.turns = nil
}

// Fork returns an independent chat with the same provider and configuration
// and a deep copy of the history. The forked chat shares the parent's
// registry, invoker, and tally.
func (ch *Chat) Fork() *Chat {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	clone := &Chat{provider: ch.provider, cfg: ch.cfg, turns: cloneTurns(ch.turns)}
	clone.cfg.metadata = cloneMap(ch.cfg.metadata)
	clone.cfg.providerOptions = cloneMap(ch.cfg.providerOptions)
	return clone
}

func cloneTurns(turns []core.Turn) []core.Turn {
	out := make([]core.Turn, len(turns))
	copy(out, turns)
	for i := range out {
		out[i].Parts = append([]core.Part(nil), out[i].Parts...)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type chatJSON struct {
	Model    string         `json:"model,omitempty"`
	System   string         `json:"system,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Turns    []core.Turn    `json:"turns"`
}

// MarshalJSON serializes the model, system prompt, metadata, and history.
// Tools, stop conditions, and tallies are runtime wiring and are not
// persisted; reattach them with options when restoring.
func (ch *Chat) MarshalJSON() ([]byte, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return json.Marshal(chatJSON{
		Model:    ch.cfg.model,
		System:   ch.cfg.system,
		Metadata: ch.cfg.metadata,
		Turns:    ch.turns,
	})
}

// UnmarshalJSON restores a serialized chat, validating the turn sequence.
// Provider, tools, and tally wiring are not part of the payload; construct
// the chat with those options first, then unmarshal into it.
func (ch *Chat) UnmarshalJSON(data []byte) error {
	var payload chatJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	if err := core.ValidateTurns(payload.Turns); err != nil {
		return err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if payload.Model != "" {
		ch.cfg.model = payload.Model
	}
	if payload.System != "" {
		ch.cfg.system = payload.System
	}
	if payload.Metadata != nil {
		ch.cfg.metadata = payload.Metadata
	}
	ch.turns = payload.Turns
	return nil
}

// ExtractTyped derives a schema from T, runs Extract, and binds the decoded
// value onto a T. Field tags follow the rules of schema.DeriveStruct.
func ExtractTyped[T any](ctx context.Context, ch *Chat, parts ...core.Part) (T, error) {
	var zero T
	node, err := schema.DeriveStruct[T]()
	if err != nil {
		return zero, err
	}
	reply, err := ch.Extract(ctx, node, parts...)
	if err != nil {
		return zero, err
	}
	value, _ := reply.StructuredValue()
	payload, err := json.Marshal(value)
	if err != nil {
		return zero, fmt.Errorf("parley: encode structured output: %w", err)
	}
	var out T
	if err := json.Unmarshal(payload, &out); err != nil {
		return zero, fmt.Errorf("parley: bind structured output: %w", err)
	}
	return out, nil
}

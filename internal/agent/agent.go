package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/qmuntal/stateless"
	"github.com/sashabaranov/go-openai"

	"github.com/ddanshin/marvin/internal/config"
	"github.com/ddanshin/marvin/internal/history"
	"github.com/ddanshin/marvin/internal/llm"
	"github.com/ddanshin/marvin/internal/logger"
	"github.com/ddanshin/marvin/internal/window"
)

// FSM States
type FSMState stateless.State

var (
	StateLoadingHistory     FSMState = "LoadingHistory"
	StateSelectingWindow    FSMState = "SelectingWindow"
	StateCallingLLM         FSMState = "CallingLLM"
	StatePersistingExchange FSMState = "PersistingExchange"
	StateDone               FSMState = "Done"   // Terminal: reply ready
	StateFailed             FSMState = "Failed" // Terminal: error state
)

// FSM Triggers
type FSMTrigger stateless.Trigger

var (
	TriggerProcessInput      FSMTrigger = "ProcessInput"
	TriggerHistoryLoaded     FSMTrigger = "HistoryLoaded"
	TriggerWindowSelected    FSMTrigger = "WindowSelected"
	TriggerLLMResponded      FSMTrigger = "LLMResponded"
	TriggerExchangePersisted FSMTrigger = "ExchangePersisted"
	TriggerErrorOccurred     FSMTrigger = "ErrorOccurred"
)

// ErrGateway marks a failed or malformed completion API round trip.
var ErrGateway = errors.New("completion gateway failure")

// Store is the slice of the history store the agent needs.
type Store interface {
	Load(ctx context.Context, userID int64) ([]history.Message, error)
	Append(ctx context.Context, userID int64, msgs ...history.Message) error
	Reset(ctx context.Context, userID int64) error
}

// Counter counts tokens in a piece of text.
type Counter interface {
	Count(text string) (int, error)
}

// Agent runs the message pipeline: load the conversation, select the
// window that fits the token budget, call the LLM, persist the
// exchange. Requests for the same user are serialized so concurrent
// messages cannot interleave their read-modify-write cycles.
type Agent struct {
	store     Store
	selector  *window.Selector
	llmClient llm.Client
	counter   Counter
	cfg       config.LLMConfig

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New creates a new agent.
func New(store Store, selector *window.Selector, llmClient llm.Client, counter Counter, cfg config.LLMConfig) *Agent {
	return &Agent{
		store:     store,
		selector:  selector,
		llmClient: llmClient,
		counter:   counter,
		cfg:       cfg,
		locks:     make(map[int64]*sync.Mutex),
	}
}

// userLock returns the mutex serializing all work for one user.
func (a *Agent) userLock(userID int64) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[userID] = l
	}
	return l
}

// Process handles one user message and returns the assistant reply.
// The user message and the reply are stored together only after the
// completion succeeds; any failure leaves the conversation untouched.
// Process uses a Finite State Machine to manage the pipeline stages.
func (a *Agent) Process(ctx context.Context, userID int64, text string) (string, error) {
	lock := a.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	// FSM context data
	type fsmContext struct {
		conv      []history.Message
		prompt    window.Prompt
		userMsg   history.Message
		reply     string
		lastError error
	}
	fsmCtx := &fsmContext{}

	fsm := stateless.NewStateMachine(StateLoadingHistory)

	// State: LoadingHistory
	// Action: Load the user's stored conversation.
	// Transitions:
	//   - On HistoryLoaded -> StateSelectingWindow
	//   - On ErrorOccurred -> StateFailed
	fsm.Configure(StateLoadingHistory).
		PermitReentry(TriggerProcessInput).
		OnEntry(func(ctx context.Context, args ...any) error {
			logger.L.Debug("FSM: entering LoadingHistory", "user_id", userID)
			conv, err := a.store.Load(ctx, userID)
			if err != nil {
				fsmCtx.lastError = err
				return fsm.FireCtx(ctx, TriggerErrorOccurred)
			}
			fsmCtx.conv = conv
			return fsm.FireCtx(ctx, TriggerHistoryLoaded)
		}).
		Permit(TriggerHistoryLoaded, StateSelectingWindow).
		Permit(TriggerErrorOccurred, StateFailed)

	// State: SelectingWindow
	// Action: Pick the suffix of the conversation that fits the budget.
	// Transitions:
	//   - On WindowSelected -> StateCallingLLM
	//   - On ErrorOccurred -> StateFailed
	fsm.Configure(StateSelectingWindow).
		OnEntry(func(ctx context.Context, args ...any) error {
			logger.L.Debug("FSM: entering SelectingWindow", "user_id", userID)
			prompt, err := a.selector.Select(fsmCtx.conv, text)
			if err != nil {
				fsmCtx.lastError = err
				return fsm.FireCtx(ctx, TriggerErrorOccurred)
			}
			fsmCtx.prompt = prompt
			fsmCtx.userMsg = prompt.Messages[len(prompt.Messages)-1]
			kept := len(prompt.Messages) - 2
			logger.L.Debug("conversation window selected",
				"user_id", userID,
				"kept", kept,
				"dropped", len(fsmCtx.conv)-kept,
				"tokens", prompt.Used,
				"budget", a.selector.Budget())
			return fsm.FireCtx(ctx, TriggerWindowSelected)
		}).
		Permit(TriggerWindowSelected, StateCallingLLM).
		Permit(TriggerErrorOccurred, StateFailed)

	// State: CallingLLM
	// Action: Send the selected window to the completion API.
	// Transitions:
	//   - On LLMResponded -> StatePersistingExchange
	//   - On ErrorOccurred -> StateFailed
	fsm.Configure(StateCallingLLM).
		OnEntry(func(ctx context.Context, args ...any) error {
			logger.L.Debug("FSM: entering CallingLLM", "user_id", userID, "model", a.cfg.Model)
			resp, err := a.llmClient.CreateChatCompletion(ctx, a.buildRequest(fsmCtx.prompt))
			if err != nil {
				logger.L.Error("LLM call failed", "user_id", userID, "error", err)
				fsmCtx.lastError = fmt.Errorf("%w: %v", ErrGateway, err)
				return fsm.FireCtx(ctx, TriggerErrorOccurred)
			}
			if len(resp.Choices) == 0 {
				fsmCtx.lastError = fmt.Errorf("%w: empty response", ErrGateway)
				return fsm.FireCtx(ctx, TriggerErrorOccurred)
			}
			fsmCtx.reply = resp.Choices[0].Message.Content
			return fsm.FireCtx(ctx, TriggerLLMResponded)
		}).
		Permit(TriggerLLMResponded, StatePersistingExchange).
		Permit(TriggerErrorOccurred, StateFailed)

	// State: PersistingExchange
	// Action: Store the user message and the reply in one transaction.
	// Transitions:
	//   - On ExchangePersisted -> StateDone
	//   - On ErrorOccurred -> StateFailed
	fsm.Configure(StatePersistingExchange).
		OnEntry(func(ctx context.Context, args ...any) error {
			logger.L.Debug("FSM: entering PersistingExchange", "user_id", userID)
			replyTokens, err := a.counter.Count(fsmCtx.reply)
			if err != nil {
				fsmCtx.lastError = fmt.Errorf("count reply: %w", err)
				return fsm.FireCtx(ctx, TriggerErrorOccurred)
			}
			assistantMsg := history.Message{
				Role:       history.RoleAssistant,
				Content:    fsmCtx.reply,
				TokenCount: replyTokens,
			}
			if err := a.store.Append(ctx, userID, fsmCtx.userMsg, assistantMsg); err != nil {
				fsmCtx.lastError = err
				return fsm.FireCtx(ctx, TriggerErrorOccurred)
			}
			return fsm.FireCtx(ctx, TriggerExchangePersisted)
		}).
		Permit(TriggerExchangePersisted, StateDone).
		Permit(TriggerErrorOccurred, StateFailed)

	// State: Done
	// Terminal state; the reply is already in fsmCtx.
	fsm.Configure(StateDone).
		OnEntry(func(ctx context.Context, args ...any) error {
			logger.L.Debug("FSM: entering Done", "user_id", userID)
			return nil
		})

	// State: Failed
	// Terminal state. The error is already in fsmCtx.lastError.
	fsm.Configure(StateFailed).
		OnEntry(func(ctx context.Context, args ...any) error {
			logger.L.Debug("FSM: entering Failed", "user_id", userID)
			if fsmCtx.lastError == nil {
				fsmCtx.lastError = errors.New("pipeline reached failed state without a specific error")
			}
			return nil
		})

	if err := fsm.FireCtx(ctx, TriggerProcessInput); err != nil {
		logger.L.Warn("FSM fire error", "error", err)
	}

	currentState, err := fsm.State(ctx)
	if err != nil {
		return "", fmt.Errorf("pipeline state: %w", err)
	}
	switch currentState {
	case StateDone:
		return fsmCtx.reply, nil
	case StateFailed:
		return "", fsmCtx.lastError
	default:
		return "", fmt.Errorf("pipeline ended in unexpected state: %v", currentState)
	}
}

// ResetHistory wipes the user's stored conversation.
func (a *Agent) ResetHistory(ctx context.Context, userID int64) error {
	lock := a.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := a.store.Reset(ctx, userID); err != nil {
		return err
	}
	logger.L.Info("conversation reset", "user_id", userID)
	return nil
}

// buildRequest maps a selected window onto a chat completion request.
// MaxTokens is the budget remainder, left unset when the window already
// meets or exceeds the budget.
func (a *Agent) buildRequest(prompt window.Prompt) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    a.cfg.Model,
		Messages: toChatMessages(prompt.Messages),
		// go-openai drops a zero temperature from the payload; the
		// smallest nonzero float is the documented stand-in for 0.
		Temperature: math.SmallestNonzeroFloat32,
		TopP:        1,
	}
	if remainder := a.selector.Budget() - prompt.Used; remainder > 0 {
		req.MaxTokens = remainder
	}
	return req
}

func toChatMessages(msgs []history.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case history.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case history.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

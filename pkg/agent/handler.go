package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/hollycliff/reverie/pkg/memory"
	"github.com/hollycliff/reverie/pkg/providers"
)

const replyFailureFallback = "I'm sorry, I lost my train of thought for a moment. Could you say that again?"

// TurnHandler orchestrates a single user message end to end: persist it,
// nudge the summarization pipeline, resolve the calling name, assemble the
// augmented prompt and persist the character's reply. The reply is returned
// even when generation fails; conversation continuity wins over strict
// correctness.
type TurnHandler struct {
	store         memory.Store
	gateway       providers.Gateway
	personas      *memory.PersonaResolver
	bank          *memory.Bank
	pipeline      *memory.Summarizer
	sessions      *SessionManager
	historyWindow int
}

func NewTurnHandler(store memory.Store, gateway providers.Gateway, personas *memory.PersonaResolver, bank *memory.Bank, pipeline *memory.Summarizer, sessions *SessionManager, historyWindow int) *TurnHandler {
	if historyWindow <= 0 {
		historyWindow = 30
	}
	return &TurnHandler{
		store:         store,
		gateway:       gateway,
		personas:      personas,
		bank:          bank,
		pipeline:      pipeline,
		sessions:      sessions,
		historyWindow: historyWindow,
	}
}

// Send handles one user message and returns the character's reply.
func (h *TurnHandler) Send(ctx context.Context, userID, characterID, message string) (string, error) {
	conv, err := h.sessions.findOrCreate(ctx, userID, characterID)
	if err != nil {
		return "", err
	}
	if conv.CleanupFlag {
		h.sessions.attemptDelayedCleanup(ctx, conv)
		conv.CleanupFlag = false
	}

	persona, err := h.personas.Resolve(ctx, characterID)
	if err != nil {
		return "", err
	}

	userTurn, err := h.store.InsertTurn(ctx, conv.ID, memory.SenderUser, message)
	if err != nil {
		return "", err
	}

	// Fire-and-forget: a pipeline failure never blocks the reply.
	h.pipeline.RunBestEffort(ctx, conv, false, 0)

	if conv.FirstMeeting {
		if err := h.store.SetFirstMeeting(ctx, conv.ID, false); err != nil {
			return "", err
		}
		conv.FirstMeeting = false
	}

	if name := extractCallingName(message); name != "" && name != conv.CallingName {
		if err := h.store.SetCallingName(ctx, conv.ID, name); err != nil {
			return "", err
		}
		conv.CallingName = name
	}

	systemPrompt, history, err := h.assemblePrompt(ctx, conv, persona, userTurn.ID)
	if err != nil {
		return "", err
	}

	reply := replyFailureFallback
	res, err := h.gateway.Generate(ctx, systemPrompt, history, message)
	if err != nil {
		slog.Warn("reply generation failed, substituting fallback",
			"conversation", conv.ID, "error", err)
	} else if strings.TrimSpace(res.Text) != "" {
		reply = strings.TrimSpace(res.Text)
		slog.Debug("reply generated",
			"conversation", conv.ID, "provider", res.Provider, "model", res.Model)
	}

	if _, err := h.store.InsertTurn(ctx, conv.ID, memory.SenderCharacter, reply); err != nil {
		return "", err
	}
	return reply, nil
}

// History returns the most recent limit turns of the latest conversation,
// oldest first, or nothing when the pair has never talked.
func (h *TurnHandler) History(ctx context.Context, userID, characterID string, limit int) ([]memory.Turn, error) {
	if limit <= 0 {
		limit = h.historyWindow
	}
	conv, ok, err := h.store.LatestConversation(ctx, userID, characterID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return h.store.ListRecentTurns(ctx, conv.ID, limit)
}

func (h *TurnHandler) assemblePrompt(ctx context.Context, conv memory.Conversation, persona memory.Persona, excludeTurnID int64) (string, []providers.Message, error) {
	summary, err := h.store.GetSummary(ctx, conv.ID)
	if err != nil {
		return "", nil, err
	}
	slots, err := h.bank.PromptSlots(ctx, conv.UserID, conv.CharacterID)
	if err != nil {
		return "", nil, err
	}

	systemPrompt := buildSystemPrompt(persona.Prompt, conv.CallingName, summary.Text, slots)

	turns, err := h.store.ListRecentTurns(ctx, conv.ID, h.historyWindow)
	if err != nil {
		return "", nil, err
	}
	return systemPrompt, buildHistory(turns, excludeTurnID), nil
}

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hollycliff/reverie/pkg/memory"
	"github.com/hollycliff/reverie/pkg/providers"
)

const (
	firstMeetingInstruction = "This is your very first meeting with the user. Introduce yourself, ask how you should address them, and keep it to 1-2 sentences."
	morningInstruction      = "This is the first time you see the user today. Greet them warmly in 1-2 sentences."

	firstMeetingFallback = "Hello! I'm so glad to finally meet you. What should I call you?"
	morningFallback      = "Good morning! It's lovely to see you again."
)

// SessionManager owns the conversation lifecycle: entry, exit, greetings,
// delayed cleanup and the scheduled sweeps. The "today" boundary for the
// once-a-day greeting is a calendar date in the configured timezone, not a
// rolling 24h window.
type SessionManager struct {
	store         memory.Store
	gateway       providers.Gateway
	personas      *memory.PersonaResolver
	pipeline      *memory.Summarizer
	loc           *time.Location
	historyWindow int

	// now is swappable for tests.
	now func() time.Time
}

func NewSessionManager(store memory.Store, gateway providers.Gateway, personas *memory.PersonaResolver, pipeline *memory.Summarizer, loc *time.Location, historyWindow int) *SessionManager {
	if loc == nil {
		loc = time.UTC
	}
	if historyWindow <= 0 {
		historyWindow = 30
	}
	return &SessionManager{
		store:         store,
		gateway:       gateway,
		personas:      personas,
		pipeline:      pipeline,
		loc:           loc,
		historyWindow: historyWindow,
		now:           time.Now,
	}
}

// EnterResult is what the transport layer renders when a user opens a chat.
type EnterResult struct {
	ConversationID int64
	PersonaID      string
	FirstMeeting   bool
	Turns          []memory.Turn
}

// Enter finds or creates the conversation for the pair, forces it OPEN,
// settles any pending delayed cleanup, and emits at most one greeting turn:
// a self-introduction on a true first meeting, a good-morning on the first
// entry of a calendar day, nothing otherwise.
func (m *SessionManager) Enter(ctx context.Context, userID, characterID string) (EnterResult, error) {
	conv, err := m.findOrCreate(ctx, userID, characterID)
	if err != nil {
		return EnterResult{}, err
	}
	if conv.Status != memory.StatusOpen {
		if err := m.store.SetConversationStatus(ctx, conv.ID, memory.StatusOpen); err != nil {
			return EnterResult{}, err
		}
		conv.Status = memory.StatusOpen
	}
	if conv.CleanupFlag {
		m.attemptDelayedCleanup(ctx, conv)
		conv.CleanupFlag = false
	}

	persona, err := m.personas.Resolve(ctx, characterID)
	if err != nil {
		return EnterResult{}, err
	}

	// The flag survives only until the user has actually spoken.
	if conv.FirstMeeting {
		userTurns, err := m.store.CountTurnsBySender(ctx, conv.ID, memory.SenderUser)
		if err != nil {
			return EnterResult{}, err
		}
		if userTurns > 0 {
			if err := m.store.SetFirstMeeting(ctx, conv.ID, false); err != nil {
				return EnterResult{}, err
			}
			conv.FirstMeeting = false
		}
	}

	if err := m.maybeGreet(ctx, conv, persona); err != nil {
		return EnterResult{}, err
	}

	turns, err := m.store.ListRecentTurns(ctx, conv.ID, m.historyWindow)
	if err != nil {
		return EnterResult{}, err
	}
	return EnterResult{
		ConversationID: conv.ID,
		PersonaID:      persona.CharacterID,
		FirstMeeting:   conv.FirstMeeting,
		Turns:          turns,
	}, nil
}

// Exit closes the latest OPEN conversation for the pair. No-op when none is
// open.
func (m *SessionManager) Exit(ctx context.Context, userID, characterID string) error {
	conv, ok, err := m.store.LatestConversation(ctx, userID, characterID)
	if err != nil {
		return err
	}
	if !ok || conv.Status != memory.StatusOpen {
		return nil
	}
	return m.store.SetConversationStatus(ctx, conv.ID, memory.StatusClosed)
}

// SweepClosed processes up to batchSize CLOSED conversations, each as its
// own unit of work so one failure cannot block the rest. Already-ARCHIVED
// conversations are never picked up again, which makes repeated sweeps
// idempotent.
func (m *SessionManager) SweepClosed(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	convs, err := m.store.ListConversationsByStatus(ctx, memory.StatusClosed, batchSize)
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, conv := range convs {
		if m.sweepOne(ctx, conv) {
			archived++
		}
	}
	return archived, nil
}

func (m *SessionManager) sweepOne(ctx context.Context, conv memory.Conversation) bool {
	count, err := m.store.CountTurns(ctx, conv.ID)
	if err != nil {
		slog.Warn("sweep: count turns failed", "conversation", conv.ID, "error", err)
		return false
	}
	if count == 0 {
		if err := m.store.SetConversationStatus(ctx, conv.ID, memory.StatusArchived); err != nil {
			slog.Warn("sweep: archive failed", "conversation", conv.ID, "error", err)
			return false
		}
		return true
	}

	if err := m.summarizeAndPurge(ctx, conv); err != nil {
		// Stay CLOSED for a later attempt; only the audit timestamp moves.
		slog.Warn("sweep: summarize-and-purge failed, leaving closed",
			"conversation", conv.ID, "error", err)
		if touchErr := m.store.TouchConversation(ctx, conv.ID); touchErr != nil {
			slog.Warn("sweep: touch failed", "conversation", conv.ID, "error", touchErr)
		}
		return false
	}
	if err := m.store.SetConversationStatus(ctx, conv.ID, memory.StatusArchived); err != nil {
		slog.Warn("sweep: archive failed", "conversation", conv.ID, "error", err)
		return false
	}
	return true
}

// FlagIdleForCleanup marks OPEN conversations idle for at least idle as
// needing delayed cleanup at the next safe opportunity.
func (m *SessionManager) FlagIdleForCleanup(ctx context.Context, idle time.Duration) (int, error) {
	before := m.now().Add(-idle).UnixMilli()
	return m.store.FlagIdleOpenConversations(ctx, before)
}

func (m *SessionManager) findOrCreate(ctx context.Context, userID, characterID string) (memory.Conversation, error) {
	conv, ok, err := m.store.LatestConversation(ctx, userID, characterID)
	if err != nil {
		return memory.Conversation{}, err
	}
	if ok {
		return conv, nil
	}
	return m.store.CreateConversation(ctx, userID, characterID)
}

// attemptDelayedCleanup claims the cleanup flag and runs the
// summarize-then-purge sequence. Failures put the flag back and keep the
// turns; history is deleted only after a confirmed successful summary.
func (m *SessionManager) attemptDelayedCleanup(ctx context.Context, conv memory.Conversation) {
	claimed, err := m.store.ClaimCleanupFlag(ctx, conv.ID)
	if err != nil {
		slog.Warn("cleanup: claim failed", "conversation", conv.ID, "error", err)
		return
	}
	if !claimed {
		// Another worker got here first.
		return
	}

	if err := m.summarizeAndPurge(ctx, conv); err != nil {
		slog.Warn("cleanup: deferred, flag restored", "conversation", conv.ID, "error", err)
		if flagErr := m.store.SetCleanupFlag(ctx, conv.ID, true); flagErr != nil {
			slog.Warn("cleanup: restore flag failed", "conversation", conv.ID, "error", flagErr)
		}
	}
}

// summarizeAndPurge forces a pipeline run over everything up to the latest
// turn and deletes the turns once the summary is confirmed. A run that found
// nothing new to summarize still counts as success.
func (m *SessionManager) summarizeAndPurge(ctx context.Context, conv memory.Conversation) error {
	latest, ok, err := m.store.LatestTurn(ctx, conv.ID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if _, err := m.pipeline.Run(ctx, conv, true, latest.ID); err != nil {
		return fmt.Errorf("summarize before purge: %w", err)
	}
	if _, err := m.store.DeleteTurns(ctx, conv.ID); err != nil {
		return fmt.Errorf("purge turns: %w", err)
	}
	return nil
}

// maybeGreet emits at most one character greeting turn for this entry.
func (m *SessionManager) maybeGreet(ctx context.Context, conv memory.Conversation, persona memory.Persona) error {
	if conv.FirstMeeting {
		characterTurns, err := m.store.CountTurnsBySender(ctx, conv.ID, memory.SenderCharacter)
		if err != nil {
			return err
		}
		if characterTurns > 0 {
			return nil
		}
		return m.insertGreeting(ctx, conv, persona, firstMeetingInstruction, firstMeetingFallback)
	}

	latest, ok, err := m.store.LatestTurn(ctx, conv.ID)
	if err != nil {
		return err
	}
	if ok && m.sameCalendarDay(latest.CreatedAtMS) {
		return nil
	}
	// Empty log (e.g. just cleaned up) or last activity on an earlier
	// calendar day: greet the day.
	return m.insertGreeting(ctx, conv, persona, morningInstruction, morningFallback)
}

func (m *SessionManager) insertGreeting(ctx context.Context, conv memory.Conversation, persona memory.Persona, instruction, fallback string) error {
	greeting := fallback
	res, err := m.gateway.Generate(ctx, persona.Prompt, nil, instruction)
	if err != nil {
		slog.Warn("greeting generation failed, using fallback",
			"conversation", conv.ID, "error", err)
	} else if strings.TrimSpace(res.Text) != "" {
		greeting = strings.TrimSpace(res.Text)
	}

	if _, err := m.store.InsertTurn(ctx, conv.ID, memory.SenderCharacter, greeting); err != nil {
		return fmt.Errorf("insert greeting: %w", err)
	}
	return nil
}

func (m *SessionManager) sameCalendarDay(atMS int64) bool {
	at := time.UnixMilli(atMS).In(m.loc)
	now := m.now().In(m.loc)
	return at.Year() == now.Year() && at.YearDay() == now.YearDay()
}

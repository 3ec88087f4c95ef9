package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hollycliff/reverie/pkg/config"
	"github.com/hollycliff/reverie/pkg/memory"
	"github.com/hollycliff/reverie/pkg/providers"
)

// Service is the engine facade the transport layer talks to. It wires the
// persona resolver, memory bank, summarization pipeline, session manager and
// turn handler over a shared store and model gateway.
type Service struct {
	store    memory.Store
	sessions *SessionManager
	handler  *TurnHandler

	flagIdle time.Duration
}

func NewService(store memory.Store, gateway providers.Gateway, cfg *config.Config) *Service {
	personas := memory.NewPersonaResolver(store)
	bank := memory.NewBank(store, cfg.Engine.MemoryCapacity)
	pipeline := memory.NewSummarizer(store, gateway, bank, cfg.Engine.Locale)
	sessions := NewSessionManager(store, gateway, personas, pipeline, cfg.Location(), cfg.Engine.HistoryWindow)
	handler := NewTurnHandler(store, gateway, personas, bank, pipeline, sessions, cfg.Engine.HistoryWindow)

	flagIdle := time.Duration(cfg.Sweep.FlagIdleHours) * time.Hour
	if flagIdle <= 0 {
		flagIdle = 72 * time.Hour
	}

	return &Service{
		store:    store,
		sessions: sessions,
		handler:  handler,
		flagIdle: flagIdle,
	}
}

// EnterConversation opens (or resumes) the chat between a user and a
// character and returns what the caller should render.
func (s *Service) EnterConversation(ctx context.Context, userID, characterID string) (EnterResult, error) {
	return s.sessions.Enter(ctx, userID, characterID)
}

// ExitConversation closes the pair's open conversation, if any.
func (s *Service) ExitConversation(ctx context.Context, userID, characterID string) error {
	return s.sessions.Exit(ctx, userID, characterID)
}

// SendMessage handles one user message and returns the character's reply.
func (s *Service) SendMessage(ctx context.Context, userID, characterID, message string) (string, error) {
	requestID := uuid.NewString()
	reply, err := s.handler.Send(ctx, userID, characterID, message)
	if err != nil {
		slog.Error("send message failed",
			"request", requestID, "user", userID, "character", characterID, "error", err)
		return "", err
	}
	slog.Info("message handled",
		"request", requestID, "user", userID, "character", characterID)
	return reply, nil
}

// GetHistory returns the latest conversation's most recent turns.
func (s *Service) GetHistory(ctx context.Context, userID, characterID string, limit int) ([]memory.Turn, error) {
	return s.handler.History(ctx, userID, characterID, limit)
}

// SweepClosedConversations is the scheduler entry point for archiving CLOSED
// conversations.
func (s *Service) SweepClosedConversations(ctx context.Context, batchSize int) (int, error) {
	return s.sessions.SweepClosed(ctx, batchSize)
}

// FlagOpenForDelayedCleanup marks long-idle OPEN conversations for cleanup
// at their next entry, send or sweep.
func (s *Service) FlagOpenForDelayedCleanup(ctx context.Context) (int, error) {
	return s.sessions.FlagIdleForCleanup(ctx, s.flagIdle)
}

// ABOUTME: Handoff state machine operations: request, accept, start, end, transfer.
// ABOUTME: Maps rejected store transitions to business errors carrying the current operator.

package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/embedease/chat-gateway/internal/store"
)

// Business errors. These are reported to the caller with a domain code
// and never retried automatically.
var (
	// ErrNotHuman means an end/transfer was attempted outside human mode.
	ErrNotHuman = errors.New("conversation is not in human mode")

	// ErrNotRequestable means the conversation is already past AI mode.
	ErrNotRequestable = errors.New("conversation already has a handoff in progress")

	// ErrNotPending means an accept was attempted with no pending request.
	ErrNotPending = errors.New("conversation is not awaiting a human")
)

// AlreadyHumanError is returned when starting a handoff on a
// conversation another operator is already handling.
type AlreadyHumanError struct {
	CurrentOperator string
}

func (e *AlreadyHumanError) Error() string {
	return fmt.Sprintf("conversation already handled by %s", e.CurrentOperator)
}

// WrongOperatorError is returned when an operator acts on a handoff
// owned by someone else.
type WrongOperatorError struct {
	CurrentOperator string
}

func (e *WrongOperatorError) Error() string {
	return fmt.Sprintf("handoff is owned by %s", e.CurrentOperator)
}

// Service performs handoff transitions against the persisted record.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService creates a handoff service. Pass nil logger for default.
func NewService(s store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		logger: logger.With("component", "handoff"),
	}
}

// Request moves an AI conversation to pending: the user asked for human
// help and no operator has attached yet.
func (s *Service) Request(ctx context.Context, conversationID, reason string) (*store.Conversation, error) {
	conv, err := s.store.TransitionHandoff(ctx, store.Transition{
		ConversationID: conversationID,
		From:           []store.HandoffState{store.HandoffAI},
		To:             store.HandoffPending,
		Reason:         optional(reason),
	})
	if errors.Is(err, store.ErrTransitionRejected) {
		if conv != nil && conv.HandoffState == store.HandoffPending {
			// Duplicate request: already pending, treat as success.
			return conv, nil
		}
		return conv, ErrNotRequestable
	}
	return conv, err
}

// Accept attaches an operator to a pending request.
func (s *Service) Accept(ctx context.Context, conversationID, operator string) (*store.Conversation, error) {
	conv, err := s.store.TransitionHandoff(ctx, store.Transition{
		ConversationID: conversationID,
		From:           []store.HandoffState{store.HandoffPending},
		To:             store.HandoffHuman,
		Operator:       &operator,
	})
	if errors.Is(err, store.ErrTransitionRejected) {
		if conv != nil && conv.HandoffState == store.HandoffHuman {
			return conv, &AlreadyHumanError{CurrentOperator: deref(conv.HandoffOperator)}
		}
		return conv, ErrNotPending
	}
	return conv, err
}

// Start takes over a conversation directly from AI or pending.
// Starting on an already-human conversation fails with the current
// operator — it is never overwritten.
func (s *Service) Start(ctx context.Context, conversationID, operator, reason string) (*store.Conversation, error) {
	conv, err := s.store.TransitionHandoff(ctx, store.Transition{
		ConversationID: conversationID,
		From:           []store.HandoffState{store.HandoffAI, store.HandoffPending},
		To:             store.HandoffHuman,
		Operator:       &operator,
		Reason:         optional(reason),
	})
	if errors.Is(err, store.ErrTransitionRejected) {
		if conv != nil && conv.HandoffState == store.HandoffHuman {
			return conv, &AlreadyHumanError{CurrentOperator: deref(conv.HandoffOperator)}
		}
		return conv, fmt.Errorf("start handoff: %w", store.ErrTransitionRejected)
	}
	return conv, err
}

// End returns a human-handled conversation to AI. Only the owning
// operator may end it. A non-empty summary is appended as a
// system-role message.
func (s *Service) End(ctx context.Context, conversationID, operator, summary string) (*store.Conversation, error) {
	conv, err := s.store.TransitionHandoff(ctx, store.Transition{
		ConversationID:   conversationID,
		From:             []store.HandoffState{store.HandoffHuman},
		To:               store.HandoffAI,
		ExpectedOperator: &operator,
	})
	if errors.Is(err, store.ErrTransitionRejected) {
		return conv, ownershipErr(conv, operator)
	}
	if err != nil {
		return nil, err
	}

	if summary != "" {
		msg := &store.Message{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			Role:           store.RoleSystem,
			Content:        summary,
			CreatedAt:      time.Now().UTC(),
		}
		if err := s.store.CreateMessage(ctx, msg); err != nil {
			// The transition already committed; a lost summary is logged,
			// not fatal.
			s.logger.Error("failed to persist handoff summary",
				"conversation_id", conversationID,
				"error", err,
			)
		}
	}

	s.logger.Info("handoff ended",
		"conversation_id", conversationID,
		"operator", operator,
	)
	return conv, nil
}

// Transfer hands an active human session to another operator.
func (s *Service) Transfer(ctx context.Context, conversationID, fromOperator, toOperator string) (*store.Conversation, error) {
	conv, err := s.store.TransitionHandoff(ctx, store.Transition{
		ConversationID:   conversationID,
		From:             []store.HandoffState{store.HandoffHuman},
		To:               store.HandoffHuman,
		Operator:         &toOperator,
		ExpectedOperator: &fromOperator,
		PreserveReason:   true,
	})
	if errors.Is(err, store.ErrTransitionRejected) {
		return conv, ownershipErr(conv, fromOperator)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("handoff transferred",
		"conversation_id", conversationID,
		"from", fromOperator,
		"to", toOperator,
	)
	return conv, nil
}

// ownershipErr interprets a rejected end/transfer from the conversation
// record the store handed back: wrong mode or wrong owner.
func ownershipErr(conv *store.Conversation, operator string) error {
	if conv == nil || conv.HandoffState != store.HandoffHuman {
		return ErrNotHuman
	}
	if owner := deref(conv.HandoffOperator); owner != operator {
		return &WrongOperatorError{CurrentOperator: owner}
	}
	return ErrNotHuman
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

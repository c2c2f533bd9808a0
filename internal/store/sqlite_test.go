// ABOUTME: Tests for the SQLite store implementation.
// ABOUTME: Covers conversation lifecycle, guarded handoff transitions, and monotonic flags.

package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func TestGetOrCreateConversation_CreatesInAIState(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv, err := s.GetOrCreateConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", conv.ID)
	assert.Equal(t, HandoffAI, conv.HandoffState)
	assert.Nil(t, conv.HandoffOperator)
	assert.False(t, conv.UserOnline)
	assert.False(t, conv.AgentOnline)
}

func TestGetOrCreateConversation_IsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	first, err := s.GetOrCreateConversation(ctx, "conv-1")
	require.NoError(t, err)

	_, err = s.TransitionHandoff(ctx, Transition{
		ConversationID: "conv-1",
		From:           []HandoffState{HandoffAI},
		To:             HandoffHuman,
		Operator:       strPtr("op1"),
	})
	require.NoError(t, err)

	again, err := s.GetOrCreateConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, HandoffHuman, again.HandoffState, "existing state must survive get-or-create")
}

func TestInMemoryStore_SharedAcrossGoroutines(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.GetOrCreateConversation(ctx, "conv-1")
	require.NoError(t, err)

	// Each pool connection to :memory: would be its own empty database;
	// concurrent callers must all see the one schema and its rows.
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.GetOrCreateConversation(ctx, "conv-1"); err != nil {
				errs <- err
				return
			}
			errs <- s.CreateMessage(ctx, &Message{
				ID:             fmt.Sprintf("m-%d", i),
				ConversationID: "conv-1",
				Role:           RoleUser,
				Content:        "hello",
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	msgs, err := s.ListMessages(ctx, "conv-1", 20)
	require.NoError(t, err)
	assert.Len(t, msgs, 10)
}

func TestGetConversation_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetConversation(t.Context(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionHandoff_AIToHuman(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.GetOrCreateConversation(ctx, "conv-1")
	require.NoError(t, err)

	conv, err := s.TransitionHandoff(ctx, Transition{
		ConversationID: "conv-1",
		From:           []HandoffState{HandoffAI, HandoffPending},
		To:             HandoffHuman,
		Operator:       strPtr("alice"),
		Reason:         strPtr("complex request"),
	})
	require.NoError(t, err)
	assert.Equal(t, HandoffHuman, conv.HandoffState)
	require.NotNil(t, conv.HandoffOperator)
	assert.Equal(t, "alice", *conv.HandoffOperator)
	require.NotNil(t, conv.HandoffAt)
}

func TestTransitionHandoff_RejectsWhenAlreadyHuman(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.GetOrCreateConversation(ctx, "conv-1")
	require.NoError(t, err)

	_, err = s.TransitionHandoff(ctx, Transition{
		ConversationID: "conv-1",
		From:           []HandoffState{HandoffAI},
		To:             HandoffHuman,
		Operator:       strPtr("alice"),
	})
	require.NoError(t, err)

	// Second start must reject and report the current operator.
	conv, err := s.TransitionHandoff(ctx, Transition{
		ConversationID: "conv-1",
		From:           []HandoffState{HandoffAI, HandoffPending},
		To:             HandoffHuman,
		Operator:       strPtr("bob"),
	})
	assert.ErrorIs(t, err, ErrTransitionRejected)
	require.NotNil(t, conv)
	assert.Equal(t, HandoffHuman, conv.HandoffState)
	require.NotNil(t, conv.HandoffOperator)
	assert.Equal(t, "alice", *conv.HandoffOperator, "current operator must not be overwritten")
}

func TestTransitionHandoff_EndClearsOperator(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.GetOrCreateConversation(ctx, "conv-1")
	require.NoError(t, err)

	_, err = s.TransitionHandoff(ctx, Transition{
		ConversationID: "conv-1",
		From:           []HandoffState{HandoffAI},
		To:             HandoffHuman,
		Operator:       strPtr("alice"),
	})
	require.NoError(t, err)

	conv, err := s.TransitionHandoff(ctx, Transition{
		ConversationID: "conv-1",
		From:           []HandoffState{HandoffHuman},
		To:             HandoffAI,
	})
	require.NoError(t, err)
	assert.Equal(t, HandoffAI, conv.HandoffState)
	assert.Nil(t, conv.HandoffOperator)
	assert.Nil(t, conv.HandoffAt)
}

func TestTransitionHandoff_EndOnAIRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.GetOrCreateConversation(ctx, "conv-1")
	require.NoError(t, err)

	conv, err := s.TransitionHandoff(ctx, Transition{
		ConversationID: "conv-1",
		From:           []HandoffState{HandoffHuman},
		To:             HandoffAI,
	})
	assert.ErrorIs(t, err, ErrTransitionRejected)
	assert.Equal(t, HandoffAI, conv.HandoffState)
}

func TestTransitionHandoff_HumanRequiresOperator(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.GetOrCreateConversation(ctx, "conv-1")
	require.NoError(t, err)

	_, err = s.TransitionHandoff(ctx, Transition{
		ConversationID: "conv-1",
		From:           []HandoffState{HandoffAI},
		To:             HandoffHuman,
	})
	assert.Error(t, err)
}

func TestTransitionHandoff_ExpectedOperatorMismatchRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.GetOrCreateConversation(ctx, "conv-1")
	require.NoError(t, err)

	_, err = s.TransitionHandoff(ctx, Transition{
		ConversationID: "conv-1",
		From:           []HandoffState{HandoffAI},
		To:             HandoffHuman,
		Operator:       strPtr("bob"),
	})
	require.NoError(t, err)

	// alice's view is stale: bob owns the conversation now. The guard
	// runs against the stored row, so her end attempt must lose.
	conv, err := s.TransitionHandoff(ctx, Transition{
		ConversationID:   "conv-1",
		From:             []HandoffState{HandoffHuman},
		To:               HandoffAI,
		ExpectedOperator: strPtr("alice"),
	})
	assert.ErrorIs(t, err, ErrTransitionRejected)
	require.NotNil(t, conv)
	assert.Equal(t, HandoffHuman, conv.HandoffState)
	require.NotNil(t, conv.HandoffOperator)
	assert.Equal(t, "bob", *conv.HandoffOperator)

	// The owner passes the same guard.
	conv, err = s.TransitionHandoff(ctx, Transition{
		ConversationID:   "conv-1",
		From:             []HandoffState{HandoffHuman},
		To:               HandoffAI,
		ExpectedOperator: strPtr("bob"),
	})
	require.NoError(t, err)
	assert.Equal(t, HandoffAI, conv.HandoffState)
}

func TestTransitionHandoff_PreserveReasonOnTransfer(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.GetOrCreateConversation(ctx, "conv-1")
	require.NoError(t, err)

	_, err = s.TransitionHandoff(ctx, Transition{
		ConversationID: "conv-1",
		From:           []HandoffState{HandoffAI},
		To:             HandoffHuman,
		Operator:       strPtr("alice"),
		Reason:         strPtr("vip customer"),
	})
	require.NoError(t, err)

	conv, err := s.TransitionHandoff(ctx, Transition{
		ConversationID:   "conv-1",
		From:             []HandoffState{HandoffHuman},
		To:               HandoffHuman,
		Operator:         strPtr("bob"),
		ExpectedOperator: strPtr("alice"),
		PreserveReason:   true,
	})
	require.NoError(t, err)
	require.NotNil(t, conv.HandoffOperator)
	assert.Equal(t, "bob", *conv.HandoffOperator)
	require.NotNil(t, conv.HandoffReason)
	assert.Equal(t, "vip customer", *conv.HandoffReason)
}

func TestTransitionHandoff_PendingFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.GetOrCreateConversation(ctx, "conv-1")
	require.NoError(t, err)

	conv, err := s.TransitionHandoff(ctx, Transition{
		ConversationID: "conv-1",
		From:           []HandoffState{HandoffAI},
		To:             HandoffPending,
		Reason:         strPtr("user asked for a person"),
	})
	require.NoError(t, err)
	assert.Equal(t, HandoffPending, conv.HandoffState)
	assert.Nil(t, conv.HandoffOperator)

	conv, err = s.TransitionHandoff(ctx, Transition{
		ConversationID: "conv-1",
		From:           []HandoffState{HandoffPending},
		To:             HandoffHuman,
		Operator:       strPtr("op1"),
	})
	require.NoError(t, err)
	assert.Equal(t, HandoffHuman, conv.HandoffState)
}

func TestSetPresence(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.GetOrCreateConversation(ctx, "conv-1")
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, s.SetPresence(ctx, "conv-1", "user", true, now))
	require.NoError(t, s.SetPresence(ctx, "conv-1", "agent", true, now))

	conv, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.True(t, conv.UserOnline)
	assert.True(t, conv.AgentOnline)
	require.NotNil(t, conv.UserLastSeen)

	require.NoError(t, s.SetPresence(ctx, "conv-1", "agent", false, now.Add(time.Second)))
	conv, err = s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.False(t, conv.AgentOnline)
}

func TestSetPresence_UnknownRole(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.GetOrCreateConversation(ctx, "conv-1")
	require.NoError(t, err)

	assert.Error(t, s.SetPresence(ctx, "conv-1", "observer", true, time.Now()))
}

func TestCreateAndListMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.GetOrCreateConversation(ctx, "conv-1")
	require.NoError(t, err)

	base := time.Now().UTC().Add(-time.Minute)
	for i, content := range []string{"first", "second", "third"} {
		require.NoError(t, s.CreateMessage(ctx, &Message{
			ID:             uuid.New().String(),
			ConversationID: "conv-1",
			Role:           RoleUser,
			Content:        content,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := s.ListMessages(ctx, "conv-1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[0].Content)
	assert.Equal(t, "third", msgs[1].Content)
}

func TestCreateMessage_WithProductsAndToolCalls(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.GetOrCreateConversation(ctx, "conv-1")
	require.NoError(t, err)

	id := uuid.New().String()
	require.NoError(t, s.CreateMessage(ctx, &Message{
		ID:             id,
		ConversationID: "conv-1",
		Role:           RoleAssistant,
		Content:        "here are some options",
		Products:       json.RawMessage(`[{"id":"p1","title":"Runner"}]`),
		ToolCalls:      json.RawMessage(`[{"id":"tc-1","name":"search","status":"ok"}]`),
		LatencyMS:      420,
	}))

	got, err := s.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"p1","title":"Runner"}]`, string(got.Products))
	assert.JSONEq(t, `[{"id":"tc-1","name":"search","status":"ok"}]`, string(got.ToolCalls))
	assert.Equal(t, int64(420), got.LatencyMS)
}

func TestMarkDelivered_IsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.GetOrCreateConversation(ctx, "conv-1")
	require.NoError(t, err)

	id := uuid.New().String()
	require.NoError(t, s.CreateMessage(ctx, &Message{
		ID: id, ConversationID: "conv-1", Role: RoleUser, Content: "hi",
	}))

	count, err := s.MarkDelivered(ctx, []string{id})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Second call is a no-op for the already-delivered id.
	count, err = s.MarkDelivered(ctx, []string{id})
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	got, err := s.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.IsDelivered)
	require.NotNil(t, got.DeliveredAt)
}

func TestMarkRead(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.GetOrCreateConversation(ctx, "conv-1")
	require.NoError(t, err)

	id := uuid.New().String()
	require.NoError(t, s.CreateMessage(ctx, &Message{
		ID: id, ConversationID: "conv-1", Role: RoleAgent, Content: "hello",
	}))

	count, readAt, err := s.MarkRead(ctx, []string{id}, "user_42")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.False(t, readAt.IsZero())

	count, _, err = s.MarkRead(ctx, []string{id}, "user_42")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count, "read_at is monotonic")

	got, err := s.GetMessage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.ReadAt)
	assert.Equal(t, "user_42", got.ReadBy)
}

func TestListUndelivered(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.GetOrCreateConversation(ctx, "conv-1")
	require.NoError(t, err)

	delivered := uuid.New().String()
	pending1 := uuid.New().String()
	pending2 := uuid.New().String()

	base := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.CreateMessage(ctx, &Message{
		ID: delivered, ConversationID: "conv-1", Role: RoleUser, Content: "seen",
		IsDelivered: true, CreatedAt: base,
	}))
	require.NoError(t, s.CreateMessage(ctx, &Message{
		ID: pending1, ConversationID: "conv-1", Role: RoleUser, Content: "missed-1",
		CreatedAt: base.Add(time.Second),
	}))
	require.NoError(t, s.CreateMessage(ctx, &Message{
		ID: pending2, ConversationID: "conv-1", Role: RoleUser, Content: "missed-2",
		CreatedAt: base.Add(2 * time.Second),
	}))

	msgs, err := s.ListUndelivered(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "missed-1", msgs[0].Content)
	assert.Equal(t, "missed-2", msgs[1].Content)
}

func TestMarkDelivered_EmptyIDs(t *testing.T) {
	s := newTestStore(t)

	count, err := s.MarkDelivered(t.Context(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

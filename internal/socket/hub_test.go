// ABOUTME: Tests for the socket hub: message delivery policy, presence,
// ABOUTME: handoff relay, and redelivery on agent connect.

package socket

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedease/chat-gateway/internal/handoff"
	"github.com/embedease/chat-gateway/internal/registry"
	"github.com/embedease/chat-gateway/internal/store"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []*store.Message
}

func (n *recordingNotifier) UserMessage(_ context.Context, _ *store.Conversation, msg *store.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, msg)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type hubFixture struct {
	hub      *Hub
	store    store.Store
	registry *registry.Registry
	handoff  *handoff.Service
	notifier *recordingNotifier
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New(discardLogger())
	ho := handoff.NewService(st, discardLogger())
	notifier := &recordingNotifier{}
	h := NewHub(reg, st, ho, nil, nil, discardLogger(), WithNotifier(notifier))

	_, err = st.GetOrCreateConversation(t.Context(), "conv-1")
	require.NoError(t, err)

	return &hubFixture{hub: h, store: st, registry: reg, handoff: ho, notifier: notifier}
}

func (f *hubFixture) dispatch(t *testing.T, sess *Session, id, action string, payload map[string]any) {
	t.Helper()
	require.NoError(t, f.hub.router.Dispatch(t.Context(), sess, inbound(t, id, action, payload)))
}

// drain empties the session's send buffer, returning frames in order.
func drain(sess *Session) []*Frame {
	var frames []*Frame
	for {
		select {
		case data := <-sess.send:
			var fr Frame
			if err := json.Unmarshal(data, &fr); err == nil {
				frames = append(frames, &fr)
			}
		default:
			return frames
		}
	}
}

func frameByAction(frames []*Frame, action string) *Frame {
	for _, f := range frames {
		if f.Action == action {
			return f
		}
	}
	return nil
}

func TestUserSendMessage_NoAgent_TriggersNotifier(t *testing.T) {
	f := newHubFixture(t)
	user := testSession(t, f.registry, "conv-1", registry.RoleUser, "user_42")

	f.dispatch(t, user, "f1", ActionUserSendMessage, map[string]any{
		"content":    "hi",
		"message_id": "m1",
	})

	assert.Equal(t, 1, f.notifier.count(), "AI-mode message goes to the assistant pipeline")

	msg, err := f.store.GetMessage(t.Context(), "m1")
	require.NoError(t, err)
	assert.Equal(t, store.RoleUser, msg.Role)
	assert.False(t, msg.IsDelivered, "no agent connection means not delivered")

	frames := drain(user)
	assert.NotNil(t, frameByAction(frames, ActionAck))
	assert.Nil(t, frameByAction(frames, ActionServerMessage), "sender never receives its own message back")
}

func TestUserSendMessage_HumanMode_DeliversToOperator(t *testing.T) {
	f := newHubFixture(t)
	_, err := f.handoff.Start(t.Context(), "conv-1", "op1", "")
	require.NoError(t, err)

	user := testSession(t, f.registry, "conv-1", registry.RoleUser, "user_42")
	agent := testSession(t, f.registry, "conv-1", registry.RoleAgent, "op1")

	f.dispatch(t, user, "f1", ActionUserSendMessage, map[string]any{
		"content":    "where is my order",
		"message_id": "m1",
	})

	frames := drain(agent)
	delivered := frameByAction(frames, ActionServerMessage)
	require.NotNil(t, delivered)
	assert.Equal(t, "where is my order", delivered.Payload["content"])

	msg, err := f.store.GetMessage(t.Context(), "m1")
	require.NoError(t, err)
	assert.True(t, msg.IsDelivered)

	assert.Equal(t, 0, f.notifier.count(), "human mode bypasses the assistant pipeline")
}

func TestUserSendMessage_FullOperatorBuffer_EvictsAndClosesSession(t *testing.T) {
	f := newHubFixture(t)
	_, err := f.handoff.Start(t.Context(), "conv-1", "op1", "")
	require.NoError(t, err)

	user := testSession(t, f.registry, "conv-1", registry.RoleUser, "user_42")
	agent := testSession(t, f.registry, "conv-1", registry.RoleAgent, "op1")

	// Saturate the operator's outbound queue so the next send fails.
	for i := 0; i < sendBuffer; i++ {
		require.NoError(t, agent.Send([]byte("{}")))
	}
	require.ErrorIs(t, agent.Send([]byte("{}")), ErrSendBufferFull)

	f.dispatch(t, user, "f1", ActionUserSendMessage, map[string]any{
		"content":    "still there?",
		"message_id": "m1",
	})

	// The stalled session is evicted and its transport shut down, so the
	// read side stops too instead of lingering half-open.
	_, ok := f.registry.Get(agent.ConnectionID())
	assert.False(t, ok)
	select {
	case <-agent.closed:
	default:
		t.Fatal("evicted session was not closed")
	}
	assert.ErrorIs(t, agent.Send([]byte("{}")), ErrSessionClosed)

	msg, err := f.store.GetMessage(t.Context(), "m1")
	require.NoError(t, err)
	assert.False(t, msg.IsDelivered, "a failed send must not count as delivery")
}

func TestUserSendMessage_HumanModeOperatorOffline_StaysUndelivered(t *testing.T) {
	f := newHubFixture(t)
	_, err := f.handoff.Start(t.Context(), "conv-1", "op1", "")
	require.NoError(t, err)

	user := testSession(t, f.registry, "conv-1", registry.RoleUser, "user_42")

	f.dispatch(t, user, "f1", ActionUserSendMessage, map[string]any{
		"content":    "anyone there?",
		"message_id": "m1",
	})

	msg, err := f.store.GetMessage(t.Context(), "m1")
	require.NoError(t, err)
	assert.False(t, msg.IsDelivered)
	assert.Equal(t, 0, f.notifier.count())
}

func TestRedeliver_MarksOnlyQueuedMessages(t *testing.T) {
	f := newHubFixture(t)
	for _, id := range []string{"m1", "m2"} {
		require.NoError(t, f.store.CreateMessage(t.Context(), &store.Message{
			ID:             id,
			ConversationID: "conv-1",
			Role:           store.RoleUser,
			Content:        "pending " + id,
			CreatedAt:      time.Now().UTC(),
		}))
	}

	agent := testSession(t, f.registry, "conv-1", registry.RoleAgent, "op1")
	f.hub.redeliver(t.Context(), agent, "conv-1")

	frames := drain(agent)
	var messages []*Frame
	for _, fr := range frames {
		if fr.Action == ActionServerMessage {
			messages = append(messages, fr)
		}
	}
	require.Len(t, messages, 2)
	assert.Equal(t, "m1", messages[0].Payload["id"], "oldest first")

	undelivered, err := f.store.ListUndelivered(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Empty(t, undelivered)
}

func TestAgentSendMessage_RelaysToUser(t *testing.T) {
	f := newHubFixture(t)
	user := testSession(t, f.registry, "conv-1", registry.RoleUser, "user_42")
	agent := testSession(t, f.registry, "conv-1", registry.RoleAgent, "op1")

	f.dispatch(t, agent, "f1", ActionAgentSendMessage, map[string]any{
		"content":    "happy to help",
		"message_id": "m1",
	})

	frames := drain(user)
	relayed := frameByAction(frames, ActionServerMessage)
	require.NotNil(t, relayed)
	assert.Equal(t, store.RoleAgent, relayed.Payload["role"])
}

func TestTyping_RelayedToOppositeRole(t *testing.T) {
	f := newHubFixture(t)
	user := testSession(t, f.registry, "conv-1", registry.RoleUser, "user_42")
	agent := testSession(t, f.registry, "conv-1", registry.RoleAgent, "op1")

	f.dispatch(t, user, "f1", ActionUserTyping, map[string]any{"is_typing": true})

	frames := drain(agent)
	typing := frameByAction(frames, ActionServerTyping)
	require.NotNil(t, typing)
	assert.Equal(t, true, typing.Payload["is_typing"])
	assert.Equal(t, "user", typing.Payload["role"])

	userFrames := drain(user)
	assert.NotNil(t, frameByAction(userFrames, ActionAck))
	assert.Nil(t, frameByAction(userFrames, ActionServerTyping), "sender does not echo its own typing")
}

func TestRead_MarksAndRelaysReceipt(t *testing.T) {
	f := newHubFixture(t)
	require.NoError(t, f.store.CreateMessage(t.Context(), &store.Message{
		ID:             "m1",
		ConversationID: "conv-1",
		Role:           store.RoleAgent,
		Content:        "hello",
		CreatedAt:      time.Now().UTC(),
	}))

	user := testSession(t, f.registry, "conv-1", registry.RoleUser, "user_42")
	agent := testSession(t, f.registry, "conv-1", registry.RoleAgent, "op1")

	f.dispatch(t, user, "f1", ActionUserRead, map[string]any{"message_ids": []any{"m1"}})

	receipt := frameByAction(drain(agent), ActionServerReadReceipt)
	require.NotNil(t, receipt)
	assert.Equal(t, "user_42", receipt.Payload["read_by"])

	msg, err := f.store.GetMessage(t.Context(), "m1")
	require.NoError(t, err)
	assert.NotNil(t, msg.ReadAt)
	assert.Equal(t, "user_42", msg.ReadBy)

	// second read of the same id is a no-op and relays nothing
	f.dispatch(t, user, "f2", ActionUserRead, map[string]any{"message_ids": []any{"m1"}})
	assert.Nil(t, frameByAction(drain(agent), ActionServerReadReceipt))
}

func TestRequestHandoff_NotifiesAgents(t *testing.T) {
	f := newHubFixture(t)
	user := testSession(t, f.registry, "conv-1", registry.RoleUser, "user_42")
	agent := testSession(t, f.registry, "conv-1", registry.RoleAgent, "op1")

	f.dispatch(t, user, "f1", ActionUserRequestHandoff, map[string]any{"reason": "need a human"})

	conv, err := f.store.GetConversation(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, store.HandoffPending, conv.HandoffState)

	frames := drain(agent)
	requested := frameByAction(frames, ActionServerHandoffRequested)
	require.NotNil(t, requested)
	assert.Equal(t, "need a human", requested.Payload["reason"])

	state := frameByAction(frames, ActionServerConversationState)
	require.NotNil(t, state)
	assert.Equal(t, "pending", state.Payload["handoff_state"])
}

func TestStartHandoff_SecondOperatorRejected(t *testing.T) {
	f := newHubFixture(t)
	op1 := testSession(t, f.registry, "conv-1", registry.RoleAgent, "op1")
	op2 := testSession(t, f.registry, "conv-1", registry.RoleAgent, "op2")

	f.dispatch(t, op1, "f1", ActionAgentStartHandoff, nil)
	drain(op1)
	drain(op2)

	f.dispatch(t, op2, "f2", ActionAgentStartHandoff, nil)

	frames := drain(op2)
	errFrame := frameByAction(frames, ActionError)
	require.NotNil(t, errFrame)
	require.NotNil(t, errFrame.Error)
	assert.Equal(t, CodeHandoffRejected, errFrame.Error.Code)
	assert.Equal(t, "op1", errFrame.Error.Detail)

	conv, err := f.store.GetConversation(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "op1", *conv.HandoffOperator)
}

func TestEndHandoff_WrongOperatorGetsOwnershipError(t *testing.T) {
	f := newHubFixture(t)
	_, err := f.handoff.Start(t.Context(), "conv-1", "op1", "")
	require.NoError(t, err)

	op2 := testSession(t, f.registry, "conv-1", registry.RoleAgent, "op2")
	f.dispatch(t, op2, "f1", ActionAgentEndHandoff, nil)

	errFrame := frameByAction(drain(op2), ActionError)
	require.NotNil(t, errFrame)
	assert.Equal(t, CodeNotHandoffOwner, errFrame.Error.Code)
}

func TestEndHandoff_BroadcastsToEveryone(t *testing.T) {
	f := newHubFixture(t)
	_, err := f.handoff.Start(t.Context(), "conv-1", "op1", "")
	require.NoError(t, err)

	user := testSession(t, f.registry, "conv-1", registry.RoleUser, "user_42")
	agent := testSession(t, f.registry, "conv-1", registry.RoleAgent, "op1")

	f.dispatch(t, agent, "f1", ActionAgentEndHandoff, map[string]any{"summary": "resolved"})

	userFrames := drain(user)
	ended := frameByAction(userFrames, ActionServerHandoffEnded)
	require.NotNil(t, ended)
	assert.Equal(t, "resolved", ended.Payload["summary"])

	state := frameByAction(userFrames, ActionServerConversationState)
	require.NotNil(t, state)
	assert.Equal(t, "ai", state.Payload["handoff_state"])
}

func TestTransfer_AnnouncesNewOperator(t *testing.T) {
	f := newHubFixture(t)
	_, err := f.handoff.Start(t.Context(), "conv-1", "op1", "")
	require.NoError(t, err)

	user := testSession(t, f.registry, "conv-1", registry.RoleUser, "user_42")
	agent := testSession(t, f.registry, "conv-1", registry.RoleAgent, "op1")

	f.dispatch(t, agent, "f1", ActionAgentTransfer, map[string]any{"to_operator": "op2"})

	started := frameByAction(drain(user), ActionServerHandoffStarted)
	require.NotNil(t, started)
	assert.Equal(t, "op2", started.Payload["operator"])
	assert.Equal(t, "op1", started.Payload["transferred_from"])
}

func TestWrongRoleActionRejected(t *testing.T) {
	f := newHubFixture(t)
	user := testSession(t, f.registry, "conv-1", registry.RoleUser, "user_42")

	f.dispatch(t, user, "f1", ActionAgentStartHandoff, nil)

	errFrame := frameByAction(drain(user), ActionError)
	require.NotNil(t, errFrame)
	assert.Equal(t, CodeInvalidAction, errFrame.Error.Code)
}

func TestPing(t *testing.T) {
	f := newHubFixture(t)
	user := testSession(t, f.registry, "conv-1", registry.RoleUser, "user_42")

	f.dispatch(t, user, "f1", ActionPing, nil)

	frames := drain(user)
	require.Len(t, frames, 1, "pings get a pong, not an ack")
	assert.Equal(t, ActionPong, frames[0].Action)
	assert.Equal(t, "f1", frames[0].ReplyTo)
}

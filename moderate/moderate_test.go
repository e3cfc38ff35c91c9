package moderate

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qqban/pkg/guard"
)

type fakeStore struct {
	sets        map[string]map[string]struct{}
	addErr      error
	containsErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{sets: make(map[string]map[string]struct{})}
}

func (s *fakeStore) Add(_ context.Context, groupID, userID string) (bool, error) {
	if s.addErr != nil {
		return false, s.addErr
	}
	if s.sets[groupID] == nil {
		s.sets[groupID] = make(map[string]struct{})
	}
	if _, ok := s.sets[groupID][userID]; ok {
		return false, nil
	}
	s.sets[groupID][userID] = struct{}{}
	return true, nil
}

func (s *fakeStore) Contains(_ context.Context, groupID, userID string) (bool, error) {
	if s.containsErr != nil {
		return false, s.containsErr
	}
	_, ok := s.sets[groupID][userID]
	return ok, nil
}

type respondCall struct {
	flag    string
	subType string
	reason  string
	approve bool
}

type fakeResponder struct {
	calls []respondCall
	err   error
}

func (r *fakeResponder) RespondJoinRequest(_ context.Context, flag, subType string, approve bool, reason string) error {
	r.calls = append(r.calls, respondCall{flag: flag, subType: subType, approve: approve, reason: reason})
	return r.err
}

type sentMessage struct {
	groupID string
	text    string
}

type fakeMessenger struct {
	messages []sentMessage
	err      error
}

func (m *fakeMessenger) SendGroupMessage(_ context.Context, groupID, text string) error {
	m.messages = append(m.messages, sentMessage{groupID: groupID, text: text})
	return m.err
}

func testPolicy() *guard.Policy {
	return &guard.Policy{
		EnforceWhitelist:    true,
		Whitelist:           map[string]struct{}{"G1": {}},
		NoticeEnabled:       true,
		AutoApprove:         false,
		RejectReason:        guard.DefaultRejectReason,
		LeaveNoticeTemplate: guard.DefaultLeaveNoticeTemplate,
	}
}

func newTestEngine(policy *guard.Policy) (*Engine, *fakeStore, *fakeResponder, *fakeMessenger) {
	store := newFakeStore()
	responder := &fakeResponder{}
	messenger := &fakeMessenger{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(policy, store, responder, messenger, logger), store, responder, messenger
}

func TestLeaveRecordsAndNotifies(t *testing.T) {
	engine, store, _, messenger := newTestEngine(testPolicy())

	engine.Handle(context.Background(), &guard.LeaveEvent{GroupID: "G1", UserID: "U1"})

	ok, err := store.Contains(context.Background(), "G1", "U1")
	require.NoError(t, err)
	assert.True(t, ok, "U1 should be blacklisted in G1")

	require.Len(t, messenger.messages, 1)
	assert.Equal(t, "G1", messenger.messages[0].groupID)
	assert.Contains(t, messenger.messages[0].text, "U1")
}

func TestDuplicateLeaveEmitsNoNotice(t *testing.T) {
	engine, store, _, messenger := newTestEngine(testPolicy())
	ctx := context.Background()

	engine.Handle(ctx, &guard.LeaveEvent{GroupID: "G1", UserID: "U1"})
	engine.Handle(ctx, &guard.LeaveEvent{GroupID: "G1", UserID: "U1"})

	assert.Len(t, store.sets["G1"], 1)
	assert.Len(t, messenger.messages, 1, "duplicate leave must not emit a second notice")
}

func TestLeaveNoticeDisabled(t *testing.T) {
	policy := testPolicy()
	policy.NoticeEnabled = false
	engine, store, _, messenger := newTestEngine(policy)

	engine.Handle(context.Background(), &guard.LeaveEvent{GroupID: "G1", UserID: "U1"})

	assert.Len(t, store.sets["G1"], 1)
	assert.Empty(t, messenger.messages)
}

func TestBlacklistedJoinRequestRejected(t *testing.T) {
	engine, store, responder, messenger := newTestEngine(testPolicy())
	ctx := context.Background()

	_, err := store.Add(ctx, "G1", "U1")
	require.NoError(t, err)

	engine.Handle(ctx, &guard.JoinRequest{GroupID: "G1", UserID: "U1", Flag: "F1", SubType: "add"})

	require.Len(t, responder.calls, 1)
	call := responder.calls[0]
	assert.False(t, call.approve)
	assert.Equal(t, "F1", call.flag)
	assert.Equal(t, "add", call.subType)
	assert.Equal(t, guard.DefaultRejectReason, call.reason)

	require.Len(t, messenger.messages, 1)
	assert.Contains(t, messenger.messages[0].text, "rejected")
}

func TestRejectionNoticeSentEvenWhenRejectFails(t *testing.T) {
	engine, store, responder, messenger := newTestEngine(testPolicy())
	ctx := context.Background()

	_, err := store.Add(ctx, "G1", "U1")
	require.NoError(t, err)
	responder.err = errors.New("api down")

	engine.Handle(ctx, &guard.JoinRequest{GroupID: "G1", UserID: "U1", Flag: "F1", SubType: "add"})

	require.Len(t, responder.calls, 1)
	assert.Len(t, messenger.messages, 1, "rejection notice reflects intent, not remote outcome")
}

func TestAutoApproveNoticeOnlyOnSuccess(t *testing.T) {
	t.Run("adapter success emits notice", func(t *testing.T) {
		policy := testPolicy()
		policy.AutoApprove = true
		engine, _, responder, messenger := newTestEngine(policy)

		engine.Handle(context.Background(), &guard.JoinRequest{GroupID: "G1", UserID: "U2", Flag: "F2", SubType: "add"})

		require.Len(t, responder.calls, 1)
		assert.True(t, responder.calls[0].approve)
		require.Len(t, messenger.messages, 1)
		assert.Contains(t, messenger.messages[0].text, "approved")
	})

	t.Run("adapter failure suppresses notice", func(t *testing.T) {
		policy := testPolicy()
		policy.AutoApprove = true
		engine, _, responder, messenger := newTestEngine(policy)
		responder.err = errors.New("api down")

		engine.Handle(context.Background(), &guard.JoinRequest{GroupID: "G1", UserID: "U2", Flag: "F2", SubType: "add"})

		require.Len(t, responder.calls, 1)
		assert.Empty(t, messenger.messages, "no approval announcement without confirmed approval")
	})
}

func TestJoinRequestNoActionWithoutAutoApprove(t *testing.T) {
	engine, _, responder, messenger := newTestEngine(testPolicy())

	engine.Handle(context.Background(), &guard.JoinRequest{GroupID: "G1", UserID: "U2", Flag: "F2", SubType: "add"})

	assert.Empty(t, responder.calls)
	assert.Empty(t, messenger.messages)
}

func TestScopeGateBlocksEverything(t *testing.T) {
	policy := testPolicy()
	policy.Whitelist = map[string]struct{}{}
	engine, store, responder, messenger := newTestEngine(policy)
	ctx := context.Background()

	engine.Handle(ctx, &guard.LeaveEvent{GroupID: "G9", UserID: "U1"})
	engine.Handle(ctx, &guard.JoinRequest{GroupID: "G9", UserID: "U1", Flag: "F1", SubType: "add"})

	assert.Empty(t, store.sets)
	assert.Empty(t, responder.calls)
	assert.Empty(t, messenger.messages)
}

func TestStoreErrorDegradesToNoOp(t *testing.T) {
	t.Run("leave", func(t *testing.T) {
		engine, store, _, messenger := newTestEngine(testPolicy())
		store.addErr = errors.New("disk full")

		engine.Handle(context.Background(), &guard.LeaveEvent{GroupID: "G1", UserID: "U1"})

		assert.Empty(t, messenger.messages)
	})

	t.Run("join request fails open", func(t *testing.T) {
		engine, store, responder, _ := newTestEngine(testPolicy())
		store.containsErr = errors.New("disk full")

		engine.Handle(context.Background(), &guard.JoinRequest{GroupID: "G1", UserID: "U1", Flag: "F1", SubType: "add"})

		// Unreadable blacklist is treated as "not blacklisted", and with
		// auto-approve off there is nothing to do.
		assert.Empty(t, responder.calls)
	})
}

func TestHandleRawEndToEnd(t *testing.T) {
	engine, store, responder, messenger := newTestEngine(testPolicy())
	ctx := context.Background()

	// Member leaves G1 and is blacklisted.
	engine.HandleRaw(ctx, []byte(`{"post_type":"notice","notice_type":"group_decrease","group_id":"G1","user_id":111}`))
	ok, err := store.Contains(ctx, "G1", "111")
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, messenger.messages, 1)
	assert.Contains(t, messenger.messages[0].text, "[CQ:at,qq=111]")

	// The same user requests to rejoin and is rejected.
	engine.HandleRaw(ctx, []byte(`{"post_type":"request","request_type":"group","group_id":"G1","user_id":111,"flag":"F9"}`))
	require.Len(t, responder.calls, 1)
	assert.False(t, responder.calls[0].approve)

	// Malformed payloads do nothing.
	engine.HandleRaw(ctx, []byte(`{"post_type":"request","request_type":"group","group_id":"G1","flag":"F9"}`))
	engine.HandleRaw(ctx, []byte(`not json`))
	assert.Len(t, responder.calls, 1)
}

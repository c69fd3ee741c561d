package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runtime.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertReceipt_DeduplicatesPerOrg(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, inserted, err := s.UpsertReceipt(ctx, &Receipt{
		ID: "rcpt_1", OrgID: "org_a", SessionID: "sess_1", Channel: "sms", ContactID: "+100",
		IdempotencyKey: "key-1", Metadata: map[string]string{"messageId": "m-1"},
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, ReceiptAccepted, first.Status)
	assert.Equal(t, 0, first.DuplicateCount)
	assert.Equal(t, "m-1", first.Metadata["messageId"])

	again, inserted, err := s.UpsertReceipt(ctx, &Receipt{
		ID: "rcpt_2", OrgID: "org_a", SessionID: "sess_1", Channel: "sms", IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "rcpt_1", again.ID)
	assert.Equal(t, 1, again.DuplicateCount)

	other, inserted, err := s.UpsertReceipt(ctx, &Receipt{
		ID: "rcpt_3", OrgID: "org_b", SessionID: "sess_9", Channel: "sms", IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.True(t, inserted, "keys are unique per org only")
	assert.Equal(t, "rcpt_3", other.ID)
}

func TestReceiptLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.UpsertReceipt(ctx, &Receipt{ID: "r1", OrgID: "o", SessionID: "s", Channel: "web", IdempotencyKey: "k"})
	require.NoError(t, err)

	require.NoError(t, s.AttachReceiptTurn(ctx, "r1", "turn_1"))
	require.NoError(t, s.SetReceiptStatus(ctx, "r1", ReceiptProcessing))
	require.NoError(t, s.FinalizeReceipt(ctx, "r1", ReceiptCompleted, "msg:abc"))

	got, err := s.GetReceipt(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, ReceiptCompleted, got.Status)
	assert.Equal(t, "turn_1", got.TurnID)
	assert.Equal(t, "msg:abc", got.DeliverableRef)

	// terminal receipts ignore later status moves
	require.NoError(t, s.SetReceiptStatus(ctx, "r1", ReceiptProcessing))
	got, err = s.GetReceipt(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, ReceiptCompleted, got.Status)

	assert.ErrorIs(t, s.FinalizeReceipt(ctx, "missing", ReceiptFailed, ""), ErrNotFound)
	_, err = s.GetReceipt(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateTurn_IdempotentOnKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t1, created, err := s.CreateTurn(ctx, &Turn{ID: "turn_1", OrgID: "o", SessionID: "s", IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, TurnQueued, t1.State)
	assert.Equal(t, int64(1), t1.Version)

	t2, created, err := s.CreateTurn(ctx, &Turn{ID: "turn_2", OrgID: "o", SessionID: "s", IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "turn_1", t2.ID)
}

func TestCompareAndSwapTurn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.CreateTurn(ctx, &Turn{ID: "turn_1", OrgID: "o", SessionID: "s", IdempotencyKey: "k"})
	require.NoError(t, err)

	expires := time.Now().Add(3 * time.Minute).Truncate(time.Millisecond)
	v, err := s.CompareAndSwapTurn(ctx, "turn_1", 1, TurnUpdate{
		State: TurnRunning, LeaseOwner: "worker-a", LeaseToken: "tok", LeaseExpiresAt: expires,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	got, err := s.GetTurn(ctx, "turn_1")
	require.NoError(t, err)
	assert.Equal(t, TurnRunning, got.State)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "tok", got.LeaseToken)
	assert.True(t, got.LeaseExpiresAt.Equal(expires))
	assert.True(t, got.HasActiveLease(time.Now()))

	_, err = s.CompareAndSwapTurn(ctx, "turn_1", 1, TurnUpdate{State: TurnFailed})
	assert.ErrorIs(t, err, ErrVersionConflict)

	_, err = s.CompareAndSwapTurn(ctx, "nope", 1, TurnUpdate{State: TurnFailed})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompareAndSwapTurn_ConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.CreateTurn(ctx, &Turn{ID: "turn_1", OrgID: "o", SessionID: "s", IdempotencyKey: "k"})
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CompareAndSwapTurn(ctx, "turn_1", 1, TurnUpdate{State: TurnRunning, LeaseToken: "x"})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	for err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrVersionConflict)
			conflicts++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, conflicts)
}

func TestListTurnsAndExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2"} {
		_, _, err := s.CreateTurn(ctx, &Turn{ID: id, OrgID: "o", SessionID: "s", IdempotencyKey: id})
		require.NoError(t, err)
	}
	past := time.Now().Add(-time.Minute)
	_, err := s.CompareAndSwapTurn(ctx, "t1", 1, TurnUpdate{State: TurnRunning, LeaseToken: "a", LeaseExpiresAt: past})
	require.NoError(t, err)

	running, err := s.ListTurnsBySession(ctx, "s", TurnRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "t1", running[0].ID)

	all, err := s.ListTurnsBySession(ctx, "s")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	expired, err := s.ListExpiredRunningTurns(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "t1", expired[0].ID)

	latest, err := s.LatestTurn(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "t2", latest.ID)
}

func TestTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendTransition(ctx, Transition{TurnID: "t1", From: TurnQueued, To: TurnRunning, Version: 2, Checkpoint: "lease_acquired"}))
	require.NoError(t, s.AppendTransition(ctx, Transition{TurnID: "t1", From: TurnRunning, To: TurnCompleted, Version: 3,
		Metadata: map[string]string{"outcome": "success"}}))

	got, err := s.ListTransitions(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, TurnRunning, got[0].To)
	assert.Equal(t, "lease_acquired", got[0].Checkpoint)
	assert.Equal(t, "success", got[1].Metadata["outcome"])
}

func TestSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.EnsureSession(ctx, &Session{ID: "s1", OrgID: "o", AgentID: "a", Channel: "sms", ContactID: "+1"})
	require.NoError(t, err)
	assert.Equal(t, SessionOpen, sess.Status)
	assert.Equal(t, "none", sess.EscalationStatus)

	// second ensure keeps the original row
	sess, err = s.EnsureSession(ctx, &Session{ID: "s1", OrgID: "o", AgentID: "other"})
	require.NoError(t, err)
	assert.Equal(t, "a", sess.AgentID)

	n, err := s.RecordToolFailure(ctx, "s1", "create_invoice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.RecordToolFailure(ctx, "s1", "create_invoice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.DisableTool(ctx, "s1", "create_invoice"))
	require.NoError(t, s.DisableTool(ctx, "s1", "create_invoice"))
	require.NoError(t, s.SetRoutingPin(ctx, "s1", RoutingPin{ModelID: "m2", ProfileID: "p2", Reason: "last_success"}))
	require.NoError(t, s.AddSessionStats(ctx, "s1", 2, 150))
	require.NoError(t, s.AddSessionStats(ctx, "s1", 2, 50))

	ok, err := s.TransitionEscalationStatus(ctx, "s1", []string{"pending"}, "taken_over")
	require.NoError(t, err)
	assert.False(t, ok, "none cannot be taken over")
	require.NoError(t, s.SetEscalationStatus(ctx, "s1", "pending"))
	ok, err = s.TransitionEscalationStatus(ctx, "s1", []string{"pending"}, "taken_over")
	require.NoError(t, err)
	assert.True(t, ok)

	sess, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"create_invoice"}, sess.DisabledTools)
	assert.Equal(t, 2, sess.ToolFailures["create_invoice"])
	assert.Equal(t, "m2", sess.Pin.ModelID)
	assert.Equal(t, "p2", sess.Pin.ProfileID)
	assert.False(t, sess.Pin.PinnedAt.IsZero())
	assert.Equal(t, 4, sess.MessageCount)
	assert.Equal(t, 200, sess.TokensUsed)
	assert.Equal(t, "taken_over", sess.EscalationStatus)

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.SetSessionStatus(ctx, "missing", SessionClosed), ErrNotFound)
}

func TestMessagesEscalationsDeadLetters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, content := range []string{"one", "two", "three"} {
		role := RoleUser
		if i == 1 {
			role = RoleAssistant
		}
		require.NoError(t, s.AppendMessage(ctx, &Message{ID: content, SessionID: "s1", Role: role, Content: content}))
	}
	users, err := s.RecentMessages(ctx, "s1", RoleUser, 5)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "one", users[0].Content)
	assert.Equal(t, "three", users[1].Content)

	last, err := s.RecentMessages(ctx, "s1", "", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "two", last[0].Content)

	require.NoError(t, s.AppendMessage(ctx, &Message{ID: "hold", SessionID: "s1", Role: RoleAssistant, Content: "connecting you", Notice: true}))
	replies, err := s.RecentReplies(ctx, "s1", 5)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "two", replies[0].Content)
	all, err := s.RecentMessages(ctx, "s1", RoleAssistant, 5)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[1].Notice)

	require.NoError(t, s.CreateEscalation(ctx, &Escalation{ID: "e1", OrgID: "o", SessionID: "s1", Reason: "asked for human",
		Urgency: "normal", TriggerType: "pattern", Status: "pending"}))
	require.NoError(t, s.UpdateEscalations(ctx, "s1", "resolved", time.Now()))
	escs, err := s.ListEscalations(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, escs, 1)
	assert.Equal(t, "resolved", escs[0].Status)
	assert.False(t, escs[0].ResolvedAt.IsZero())

	dl := &DeadLetter{ID: "dl1", OrgID: "o", SessionID: "s1", Channel: "sms", RecipientID: "+1", Content: "hi", Error: "boom"}
	require.NoError(t, s.InsertDeadLetter(ctx, dl))
	require.NoError(t, s.InsertDeadLetter(ctx, dl), "re-inserting the same dead letter is a no-op")
	dls, err := s.ListDeadLetters(ctx, "o", 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, "boom", dls[0].Error)
}

package client

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqueduct-io/aqueduct/internal/document/network"
	"github.com/aqueduct-io/aqueduct/internal/protocol"
)

const selfActor = "actor-self"

func addNodeAction(id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"op":"add_node","node":{"id":%q,"kind":"junction","elevation":10}}`, id))
}

func confirmed(id, parent int64, actor string, action json.RawMessage) protocol.Edit {
	return protocol.Edit{
		EditID:     id,
		ParentID:   parent,
		SnapshotID: 0,
		ActorID:    actor,
		CreatedAt:  time.Unix(1700000000+id, 0).UTC(),
		Action:     action,
	}
}

func emptyState(t *testing.T) json.RawMessage {
	t.Helper()
	state, err := network.New().Serialize()
	require.NoError(t, err)
	return state
}

func attached(t *testing.T) *SyncState {
	t.Helper()
	s := New(selfActor, network.Codec{}, nil)
	require.NoError(t, s.OnDocumentState(protocol.DocumentState{
		DocumentID: "doc-1",
		EditID:     0,
		Snapshot:   protocol.StatePayload{SnapshotID: 0, State: emptyState(t)},
	}))
	return s
}

func TestOnDocumentState_InitializesBothCopies(t *testing.T) {
	s := attached(t)

	local, err := s.LocalState()
	require.NoError(t, err)
	synced, err := s.SyncedState()
	require.NoError(t, err)
	assert.Equal(t, synced, local)

	lh, sh := s.Heads()
	assert.Equal(t, int64(0), lh)
	assert.Equal(t, int64(0), sh)
}

func TestApplyOptimistic_SuccessKeepsPrediction(t *testing.T) {
	s := attached(t)

	require.NoError(t, s.ApplyOptimistic(addNodeAction("J1")))
	assert.Equal(t, 1, s.Pending())

	local, err := s.LocalState()
	require.NoError(t, err)
	assert.Contains(t, string(local), `"J1"`)

	synced, err := s.SyncedState()
	require.NoError(t, err)
	assert.NotContains(t, string(synced), `"J1"`, "synced must not move before confirmation")
}

func TestApplyOptimistic_FailureRollsBack(t *testing.T) {
	s := attached(t)
	require.NoError(t, s.ApplyOptimistic(addNodeAction("J1")))

	before, err := s.LocalState()
	require.NoError(t, err)

	err = s.ApplyOptimistic(addNodeAction("J1")) // duplicate: domain reject
	require.Error(t, err)
	assert.Equal(t, 1, s.Pending(), "failed mutation is never sent, so nothing new is pending")

	after, err := s.LocalState()
	require.NoError(t, err)
	assert.Equal(t, before, after, "rollback must restore the pre-apply clone")
}

func TestOwnConfirmation_AdoptedWithoutRebuild(t *testing.T) {
	s := attached(t)
	action := addNodeAction("J1")
	require.NoError(t, s.ApplyOptimistic(action))

	require.NoError(t, s.OnServerConfirmation(confirmed(1, 0, selfActor, action)))

	assert.Equal(t, 0, s.Pending())
	lh, sh := s.Heads()
	assert.Equal(t, int64(1), lh)
	assert.Equal(t, int64(1), sh)

	local, err := s.LocalState()
	require.NoError(t, err)
	synced, err := s.SyncedState()
	require.NoError(t, err)
	assert.Equal(t, synced, local, "adopting our own confirmation must not double-apply")
}

func TestForeignConfirmation_NoPending_AppliedToBoth(t *testing.T) {
	s := attached(t)

	require.NoError(t, s.OnServerConfirmation(confirmed(1, 0, "actor-other", addNodeAction("J9"))))

	local, err := s.LocalState()
	require.NoError(t, err)
	assert.Contains(t, string(local), `"J9"`)

	lh, sh := s.Heads()
	assert.Equal(t, int64(1), lh)
	assert.Equal(t, int64(1), sh)
}

func TestConcurrentEditReplacesPrediction(t *testing.T) {
	// Last-writer-wins, decided at the server: a foreign edit arriving
	// while our prediction is pending discards the prediction. This is the
	// deliberate consistency tradeoff, not a defect.
	s := attached(t)
	require.NoError(t, s.ApplyOptimistic(addNodeAction("J1")))

	require.NoError(t, s.OnServerConfirmation(confirmed(1, 0, "actor-other", addNodeAction("J9"))))

	assert.Equal(t, 0, s.Pending())
	local, err := s.LocalState()
	require.NoError(t, err)
	assert.NotContains(t, string(local), `"J1"`, "losing prediction must be discarded")
	assert.Contains(t, string(local), `"J9"`)

	synced, err := s.SyncedState()
	require.NoError(t, err)
	assert.Equal(t, synced, local)
}

func TestCheckout_PointerOnlyRebuildsFromMirror(t *testing.T) {
	s := attached(t)
	require.NoError(t, s.OnServerConfirmation(confirmed(1, 0, "actor-other", addNodeAction("J1"))))
	require.NoError(t, s.OnServerConfirmation(confirmed(2, 1, "actor-other", addNodeAction("J2"))))

	require.NoError(t, s.OnCheckoutResult(protocol.CheckoutResult{EditID: 1, SnapshotID: 0}))

	synced, err := s.SyncedState()
	require.NoError(t, err)
	assert.Contains(t, string(synced), `"J1"`)
	assert.NotContains(t, string(synced), `"J2"`, "state must rewind to the checked-out edit")

	local, err := s.LocalState()
	require.NoError(t, err)
	assert.Equal(t, synced, local, "checkout wins over any optimistic state")
}

func TestCheckout_WinsOverPendingPrediction(t *testing.T) {
	s := attached(t)
	require.NoError(t, s.OnServerConfirmation(confirmed(1, 0, "actor-other", addNodeAction("J1"))))
	require.NoError(t, s.ApplyOptimistic(addNodeAction("J5")))

	require.NoError(t, s.OnCheckoutResult(protocol.CheckoutResult{EditID: 0, SnapshotID: 0}))

	assert.Equal(t, 0, s.Pending())
	local, err := s.LocalState()
	require.NoError(t, err)
	assert.NotContains(t, string(local), `"J5"`)
}

func TestCheckout_WithSnapshotRebases(t *testing.T) {
	s := attached(t)
	require.NoError(t, s.OnServerConfirmation(confirmed(1, 0, "actor-other", addNodeAction("J1"))))

	// A checkout that crossed a snapshot boundary ships the other lineage
	// whole.
	m := network.New()
	require.NoError(t, m.Apply(addNodeAction("J7")))
	state, err := m.Serialize()
	require.NoError(t, err)

	require.NoError(t, s.OnCheckoutResult(protocol.CheckoutResult{
		EditID:     4,
		SnapshotID: 4,
		Snapshot:   &protocol.StatePayload{SnapshotID: 4, State: state},
	}))

	synced, err := s.SyncedState()
	require.NoError(t, err)
	assert.Contains(t, string(synced), `"J7"`)
	assert.NotContains(t, string(synced), `"J1"`)

	lh, sh := s.Heads()
	assert.Equal(t, int64(4), lh)
	assert.Equal(t, int64(4), sh)
}

func TestBranchMirroring(t *testing.T) {
	// The §8-style scenario: edit 1 under the root, checkout back to 0,
	// then a sibling edit 2. The mirror must show children_of[0] == [1, 2].
	s := attached(t)
	require.NoError(t, s.OnServerConfirmation(confirmed(1, 0, "actor-a", addNodeAction("J1"))))
	require.NoError(t, s.OnCheckoutResult(protocol.CheckoutResult{EditID: 0, SnapshotID: 0}))
	require.NoError(t, s.OnServerConfirmation(confirmed(2, 0, "actor-a", addNodeAction("J2"))))

	assert.Equal(t, []int64{1, 2}, s.Children(0))
}

func TestBacklog_DeliveredToFirstListenerInOrder(t *testing.T) {
	s := attached(t)
	require.NoError(t, s.OnServerConfirmation(confirmed(1, 0, "actor-a", addNodeAction("J1"))))
	require.NoError(t, s.OnServerConfirmation(confirmed(2, 1, "actor-a", addNodeAction("J2"))))

	var got []Event
	s.SetListener(func(ev Event) { got = append(got, ev) })

	// Reset from attach, then the two confirmations, in arrival order.
	require.Len(t, got, 3)
	assert.Equal(t, EventStateReset, got[0].Kind)
	assert.Equal(t, EventEditConfirmed, got[1].Kind)
	assert.Equal(t, int64(1), got[1].Edit.ID)
	assert.Equal(t, EventEditConfirmed, got[2].Kind)
	assert.Equal(t, int64(2), got[2].Edit.ID)

	// Live delivery after subscription; the backlog is not replayed again.
	got = nil
	require.NoError(t, s.OnServerConfirmation(confirmed(3, 2, "actor-a", addNodeAction("J3"))))
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].Edit.ID)
}

func TestConfirmationBeforeState(t *testing.T) {
	s := New(selfActor, network.Codec{}, nil)
	err := s.OnServerConfirmation(confirmed(1, 0, "actor-a", addNodeAction("J1")))
	assert.Error(t, err)
}

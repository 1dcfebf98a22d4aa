package queue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fileshare-project/fsp/wire"
)

func TestSendRequestAllocatesSequentialIDs(t *testing.T) {
	q := New()

	id1, err := q.SendRequest(wire.CommandPing, nil)
	require.NoError(t, err)
	id2, err := q.SendRequest(wire.CommandPing, nil)
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
	require.Equal(t, id1+1, id2)
	require.Equal(t, 253, q.AvailableSendSlots())
}

func TestReceiveReplyReleasesSlotOnTerminal(t *testing.T) {
	q := New()
	id, err := q.SendRequest(wire.CommandPing, nil)
	require.NoError(t, err)
	require.Equal(t, 254, q.AvailableSendSlots())

	require.NoError(t, q.ReceiveReply(id, wire.StatusOK))
	require.Equal(t, 255, q.AvailableSendSlots())
}

func TestApprovalPendingDoesNotReleaseSlot(t *testing.T) {
	q := New()
	id, err := q.SendRequest(wire.CommandReceiveFile, nil)
	require.NoError(t, err)

	require.NoError(t, q.ReceiveReply(id, wire.StatusApprovalPending))
	require.Equal(t, 254, q.AvailableSendSlots())

	require.NoError(t, q.ReceiveReply(id, wire.StatusOK))
	require.Equal(t, 255, q.AvailableSendSlots())
}

func TestDuplicateIdenticalReplyIsNoOp(t *testing.T) {
	q := New()
	id, err := q.SendRequest(wire.CommandPing, nil)
	require.NoError(t, err)

	require.NoError(t, q.ReceiveReply(id, wire.StatusOK))
	require.Equal(t, 255, q.AvailableSendSlots())

	require.NoError(t, q.ReceiveReply(id, wire.StatusOK))
	require.Equal(t, 255, q.AvailableSendSlots())
}

func TestConflictingTerminalStatusIsProtocolViolation(t *testing.T) {
	q := New()
	id, err := q.SendRequest(wire.CommandPing, nil)
	require.NoError(t, err)

	require.NoError(t, q.ReceiveReply(id, wire.StatusOK))
	err = q.ReceiveReply(id, wire.StatusBadRequest)
	require.ErrorIs(t, err, ErrConflictingTerminalStatus)
}

func TestReceiveReplyUnknownID(t *testing.T) {
	q := New()
	err := q.ReceiveReply(42, wire.StatusOK)
	require.ErrorIs(t, err, ErrUnknownMessageID)
}

func TestSendRequestNeverAllocatesReservedPreAuthID(t *testing.T) {
	q := New()
	ids := make([]byte, 0, 255)
	for i := 0; i < 255; i++ {
		id, err := q.SendRequest(wire.CommandReceiveFile, nil)
		require.NoError(t, err)
		require.NotZero(t, id, "message-id 0 is reserved for pre-auth traffic")
		ids = append(ids, id)
	}

	_, err := q.SendRequest(wire.CommandPing, nil)
	require.ErrorIs(t, err, ErrNoFreeSlot, "255 non-terminal ids should exhaust the {1..255} ring")

	require.NoError(t, q.ReceiveReply(ids[100], wire.StatusOK))
	reused, err := q.SendRequest(wire.CommandPing, nil)
	require.NoError(t, err)
	require.Equal(t, ids[100], reused, "the next allocation should reuse the released id")
}

func TestSendRequestFailsWhenNoFreeSlot(t *testing.T) {
	q := New()
	ids := make([]byte, 0, 255)
	for i := 0; i < 255; i++ {
		id, err := q.SendRequest(wire.CommandReceiveFile, nil)
		require.NoError(t, err)
		require.NoError(t, q.ReceiveReply(id, wire.StatusApprovalPending))
		ids = append(ids, id)
	}
	require.Equal(t, 0, q.AvailableSendSlots())

	_, err := q.SendRequest(wire.CommandPing, nil)
	require.ErrorIs(t, err, ErrNoFreeSlot)
}

func TestSlotConservationInvariant(t *testing.T) {
	q := New()
	outstanding := 0
	ids := make([]byte, 0)

	for i := 0; i < 50; i++ {
		id, err := q.SendRequest(wire.CommandPing, nil)
		require.NoError(t, err)
		outstanding++
		ids = append(ids, id)
	}
	require.Equal(t, 255-outstanding, q.AvailableSendSlots())

	for _, id := range ids[:20] {
		require.NoError(t, q.ReceiveReply(id, wire.StatusOK))
		outstanding--
	}
	require.Equal(t, 255-outstanding, q.AvailableSendSlots())
}

func TestReuseKeepsOneSlotPerTransfer(t *testing.T) {
	q := New()
	id, err := q.SendRequest(wire.CommandSendFile, nil)
	require.NoError(t, err)
	require.Equal(t, 254, q.AvailableSendSlots())

	// SEND_FILE accepted: slot released, then the first DATA_PACKET under
	// the same id re-occupies it.
	require.NoError(t, q.ReceiveReply(id, wire.StatusOK))
	require.Equal(t, 255, q.AvailableSendSlots())
	require.NoError(t, q.Reuse(id, wire.CommandDataPacket, []byte("p0")))
	require.Equal(t, 254, q.AvailableSendSlots())

	// Follow-up packets while the entry is still unanswered keep the slot
	// they already hold.
	require.NoError(t, q.Reuse(id, wire.CommandDataPacket, []byte("p1")))
	require.Equal(t, 254, q.AvailableSendSlots())

	entry, ok := q.Outgoing(id)
	require.True(t, ok)
	require.Equal(t, wire.CommandDataPacket, entry.Code)
	require.False(t, entry.HasStatus)
}

func TestReuseUnknownID(t *testing.T) {
	q := New()
	require.ErrorIs(t, q.Reuse(9, wire.CommandDataPacket, nil), ErrUnknownMessageID)
}

func TestAdoptRequestClaimsForeignID(t *testing.T) {
	q := New()
	require.NoError(t, q.AdoptRequest(7, wire.CommandFileList, []byte("page0")))
	require.Equal(t, 254, q.AvailableSendSlots())

	// A later page of the same listing falls through to reuse semantics.
	require.NoError(t, q.AdoptRequest(7, wire.CommandFileList, []byte("page1")))
	require.Equal(t, 254, q.AvailableSendSlots())

	// Allocation never hands out an adopted id while it is in flight.
	for i := 0; i < 20; i++ {
		id, err := q.SendRequest(wire.CommandPing, nil)
		require.NoError(t, err)
		require.NotEqual(t, byte(7), id)
	}
}

func TestAdoptRequestCollisionWithUnrelatedRequest(t *testing.T) {
	q := New()
	id, err := q.SendRequest(wire.CommandPing, nil)
	require.NoError(t, err)

	err = q.AdoptRequest(id, wire.CommandFileList, nil)
	require.ErrorIs(t, err, ErrIDCollision)

	// Once the unrelated request settles, the id can be adopted.
	require.NoError(t, q.ReceiveReply(id, wire.StatusOK))
	require.NoError(t, q.AdoptRequest(id, wire.CommandFileList, nil))
}

func TestSendReplyUnknownIncomingID(t *testing.T) {
	q := New()
	err := q.SendReply(9, wire.StatusOK)
	require.ErrorIs(t, err, ErrUnknownMessageID)
}

func TestReceiveRequestThenSendReply(t *testing.T) {
	q := New()
	q.ReceiveRequest(5, wire.CommandListFiles, []byte("payload"))

	entry, ok := q.Incoming(5)
	require.True(t, ok)
	require.Equal(t, wire.CommandListFiles, entry.Code)
	require.False(t, entry.HasStatus)

	require.NoError(t, q.SendReply(5, wire.StatusOK))
	entry, _ = q.Incoming(5)
	require.True(t, entry.HasStatus)
	require.Equal(t, wire.StatusOK, entry.Status)
}

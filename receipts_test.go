package pulse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ownMessage(participants ...string) Message {
	m := textMessage("m1", "self", "hi", t0)
	m.ParticipantIDs = participants
	return m
}

func TestStatusDerivation(t *testing.T) {
	m := ownMessage("self", "A", "B")
	assert.Equal(t, StatusSent, Status(m, "self"))

	m = MarkDelivered(m, []string{"A"})
	assert.Equal(t, StatusSent, Status(m, "self"))

	m = MarkDelivered(m, []string{"A", "B"})
	assert.Equal(t, StatusDelivered, Status(m, "self"))

	m = MarkRead(m, "A")
	m = MarkRead(m, "B")
	assert.Equal(t, StatusRead, Status(m, "self"))

	m = MarkDelivered(m, []string{"A", "B", "C"})
	assert.Equal(t, StatusRead, Status(m, "self"), "read survives later deliveries")
}

func TestStatusWithoutRecipients(t *testing.T) {
	m := ownMessage()
	assert.Equal(t, StatusSent, Status(m, "self"))

	m = ownMessage("self")
	assert.Equal(t, StatusSent, Status(m, "self"))
}

func TestStatusNoneForOthersAndSystem(t *testing.T) {
	m := ownMessage("self", "A")
	assert.Equal(t, StatusNone, Status(m, "A"))

	m.SystemType = "member_joined"
	assert.Equal(t, StatusNone, Status(m, "self"))
}

func TestStatusSendingWhilePending(t *testing.T) {
	m := ownMessage("self", "A")
	m.ID = "temp-1"
	m.SendState = SendPending
	assert.Equal(t, StatusSending, Status(m, "self"))
}

func TestMarkDeliveredExcludesSender(t *testing.T) {
	m := MarkDelivered(ownMessage("self", "A"), []string{"self", "A", "A", ""})
	assert.Equal(t, []string{"A"}, m.DeliveredTo)
}

func TestMarkReadImpliesDelivered(t *testing.T) {
	m := MarkRead(ownMessage("self", "A"), "A")
	assert.Equal(t, []string{"A"}, m.ReadBy)
	assert.Equal(t, []string{"A"}, m.DeliveredTo)
	assert.Equal(t, StatusRead, Status(m, "self"))
}

func TestReceiptsAreMonotonic(t *testing.T) {
	m := ownMessage("self", "A", "B", "C")
	ops := []func(Message) Message{
		func(m Message) Message { return MarkDelivered(m, []string{"A"}) },
		func(m Message) Message { return MarkRead(m, "B") },
		func(m Message) Message { return MarkDelivered(m, nil) },
		func(m Message) Message { return MarkDelivered(m, []string{"A", "C"}) },
		func(m Message) Message { return MarkRead(m, "B") },
		func(m Message) Message { return MarkRead(m, "self") },
	}
	for _, op := range ops {
		next := op(m)
		assert.Subset(t, next.DeliveredTo, m.DeliveredTo)
		assert.Subset(t, next.ReadBy, m.ReadBy)
		assert.GreaterOrEqual(t, len(next.DeliveredTo), len(m.DeliveredTo))
		assert.GreaterOrEqual(t, len(next.ReadBy), len(m.ReadBy))
		m = next
	}
	assert.ElementsMatch(t, []string{"A", "B", "C"}, m.DeliveredTo)
	assert.Equal(t, []string{"B"}, m.ReadBy)
}

func TestIsRead(t *testing.T) {
	m := textMessage("m1", "peer", "hi", t0)
	assert.False(t, IsRead(m, "me"))
	assert.True(t, IsRead(MarkRead(m, "me"), "me"))
	assert.True(t, IsRead(m, "peer"))
}

func TestReadTrackerClaimsOnce(t *testing.T) {
	r := NewReadTracker()

	require.Equal(t, []string{"m1", "m2"}, r.Claim([]string{"m1", "m2"}))
	assert.Equal(t, []string{"m3"}, r.Claim([]string{"m1", "m2", "m3"}))
	assert.Empty(t, r.Claim([]string{"m1"}))

	r.Release([]string{"m2"})
	assert.Equal(t, []string{"m2"}, r.Claim([]string{"m1", "m2"}))

	r.Reset()
	assert.Equal(t, []string{"m1"}, r.Claim([]string{"m1"}))
}

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMergeDeliveryStateIsMonotonic(t *testing.T) {
	// A terminal state never regresses to pending.
	assert.Equal(t, DeliveryDeliveredToInbox,
		MergeDeliveryState(DeliveryDeliveredToInbox, DeliveryPending))
	assert.Equal(t, DeliveryFailed,
		MergeDeliveryState(DeliveryFailed, DeliveryPending))

	// Forward transitions apply.
	assert.Equal(t, DeliveryDeliveredToInbox,
		MergeDeliveryState(DeliveryPending, DeliveryDeliveredToInbox))
	assert.Equal(t, DeliveryFailed,
		MergeDeliveryState(DeliveryPending, DeliveryFailed))

	// A failed recipient can still be reported delivered on retry.
	assert.Equal(t, DeliveryDeliveredToInbox,
		MergeDeliveryState(DeliveryFailed, DeliveryDeliveredToInbox))

	// An absent report keeps what we knew.
	assert.Equal(t, DeliveryPending, MergeDeliveryState(DeliveryPending, ""))
}

func TestDeliveryStateTerminal(t *testing.T) {
	assert.False(t, DeliveryPending.Terminal())
	assert.True(t, DeliveryDeliveredToInbox.Terminal())
	assert.True(t, DeliveryFailed.Terminal())
}

func TestCloneIsIndependent(t *testing.T) {
	userDate := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	m := &MessageEntity{
		ID:         "local-1",
		Recipients: []string{"bob.example"},
		UserDate:   &userDate,
		DeliveryStatus: map[string]DeliveryState{
			"bob.example": DeliveryPending,
		},
		Attachments: []Attachment{{Key: "k1", Size: 1}},
	}

	c := m.Clone()
	c.Recipients[0] = "mallory.example"
	c.DeliveryStatus["bob.example"] = DeliveryFailed
	c.Attachments[0].Size = 99
	*c.UserDate = c.UserDate.Add(time.Hour)

	assert.Equal(t, "bob.example", m.Recipients[0])
	assert.Equal(t, DeliveryPending, m.DeliveryStatus["bob.example"])
	assert.Equal(t, int64(1), m.Attachments[0].Size)
	assert.True(t, userDate.Equal(*m.UserDate))
}

package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusDeleting.IsTerminal())
}

func TestExpired(t *testing.T) {
	t.Parallel()

	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.False(t, (&Repository{}).Expired(now), "no deadline means indefinite retention")
	assert.True(t, (&Repository{ExpiredAt: &past}).Expired(now))
	assert.False(t, (&Repository{ExpiredAt: &future}).Expired(now))
}

func TestValidSchedule(t *testing.T) {
	t.Parallel()

	valid := []string{"00:00", "9:30", "09:30", "23:59", "12:05"}
	for _, s := range valid {
		assert.True(t, ValidSchedule(s), s)
	}

	invalid := []string{"24:00", "12:60", "1200", "12:5", "noon", "", "12:00:00"}
	for _, s := range invalid {
		assert.False(t, ValidSchedule(s), s)
	}
}

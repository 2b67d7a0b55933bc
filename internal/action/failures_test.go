package action

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFailureTracker_AlertsOnceThenRearms(t *testing.T) {
	tr := NewFailureTracker(3, time.Minute)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	assert.False(t, tr.Record("default", NameUpdateLead, "backend_status"))
	assert.False(t, tr.Record("default", NameUpdateLead, "backend_status"))
	assert.True(t, tr.Record("default", NameUpdateLead, "backend_status"))
	assert.False(t, tr.Record("default", NameUpdateLead, "backend_status"), "alert fires once")
	assert.Equal(t, 4, tr.Count("default", NameUpdateLead))
	assert.Zero(t, tr.Count("other", NameUpdateLead))

	now = now.Add(2 * time.Minute)
	assert.Zero(t, tr.Count("default", NameUpdateLead))
	assert.False(t, tr.Record("default", NameUpdateLead, "backend_status"))
	assert.False(t, tr.Record("default", NameUpdateLead, "backend_status"))
	assert.True(t, tr.Record("default", NameUpdateLead, "backend_status"), "re-armed after window")
}

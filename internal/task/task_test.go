package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew_Defaults(t *testing.T) {
	tk := New(CreateRequest{QueueName: "emails", Name: "send-welcome"})

	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, StatusPending, tk.Status)
	assert.Equal(t, int32(300), tk.TimeoutSeconds)
	assert.Nil(t, tk.ScheduledAt)
}

func TestNew_FutureScheduledAtRetained(t *testing.T) {
	future := time.Now().UTC().Add(time.Hour)
	tk := New(CreateRequest{QueueName: "emails", Name: "send", ScheduledAt: &future})

	require := assert.New(t)
	require.NotNil(tk.ScheduledAt)
	require.Equal(future, *tk.ScheduledAt)
}

func TestNew_PastScheduledAtDropped(t *testing.T) {
	past := time.Now().UTC().Add(-time.Hour)
	tk := New(CreateRequest{QueueName: "emails", Name: "send", ScheduledAt: &past})

	assert.Nil(t, tk.ScheduledAt)
}

func TestIsDue_NoScheduledAt(t *testing.T) {
	tk := New(CreateRequest{QueueName: "emails", Name: "send"})
	assert.True(t, tk.IsDue(time.Now()))
}

func TestIsDue_FutureScheduledAt(t *testing.T) {
	future := time.Now().UTC().Add(time.Hour)
	tk := &Task{ScheduledAt: &future}
	assert.False(t, tk.IsDue(time.Now().UTC()))
}

func TestSummary_ProjectsFields(t *testing.T) {
	tk := New(CreateRequest{QueueName: "emails", Name: "send", Priority: 5})
	tk.PartitionID = 2

	s := tk.Summary()

	assert.Equal(t, tk.ID, s.TaskID)
	assert.Equal(t, int32(5), s.Priority)
	assert.Equal(t, int32(2), s.PartitionID)
}

func TestIDs_AreUniqueAndTimeSortable(t *testing.T) {
	a := NewID()
	time.Sleep(time.Millisecond)
	b := NewID()

	assert.NotEqual(t, a, b)
	assert.Less(t, a, b)
}

package task

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTask_MarshalsStatusAsString(t *testing.T) {
	tk := New(CreateRequest{QueueName: "emails", Name: "send"})

	data, err := json.Marshal(tk)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"pending"`)
}

func TestStatus_UnmarshalRoundTrip(t *testing.T) {
	var s Status
	require.NoError(t, json.Unmarshal([]byte(`"dead_letter"`), &s))
	assert.Equal(t, StatusDeadLetter, s)
}

func TestRunStatus_JSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(RunStatusLeaseExpired)
	require.NoError(t, err)
	assert.Equal(t, `"lease_expired"`, string(data))

	var s RunStatus
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, RunStatusLeaseExpired, s)
}

func TestSeverity_JSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(SeverityWarn)
	require.NoError(t, err)
	assert.Equal(t, `"warn"`, string(data))

	var s Severity
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, SeverityWarn, s)
}

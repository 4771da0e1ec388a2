package schedule

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateJSON(t *testing.T) {
	b, err := json.Marshal(NewDate(2024, time.March, 3))
	require.NoError(t, err)
	assert.JSONEq(t, `"2024-03-03"`, string(b))

	var d Date
	require.NoError(t, json.Unmarshal([]byte(`"2024-02-29"`), &d))
	assert.Equal(t, NewDate(2024, time.February, 29), d)

	assert.Error(t, json.Unmarshal([]byte(`"2024-02-30"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`20240229`), &d))
}

func TestZeroDateJSON(t *testing.T) {
	type row struct {
		Scheduled Date `json:"scheduled"`
	}
	b, err := json.Marshal(row{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"scheduled":null}`, string(b))

	got := row{Scheduled: NewDate(2024, time.March, 3)}
	require.NoError(t, json.Unmarshal(b, &got))
	assert.True(t, got.Scheduled.IsZero())

	got = row{Scheduled: NewDate(2024, time.March, 3)}
	require.NoError(t, json.Unmarshal([]byte(`{"scheduled":""}`), &got))
	assert.True(t, got.Scheduled.IsZero())
}

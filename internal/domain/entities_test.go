package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollDecodesBackendShape(t *testing.T) {
	var p Poll
	require.NoError(t, json.Unmarshal([]byte(`{"id":"p1","room_id":"r1","user_id":"u1","question":"SPY up?","options":["yes","no"],"is_closed":false}`), &p))
	assert.Equal(t, "u1", p.CreatorID)
	assert.Equal(t, PollActive, p.Status)

	p = Poll{}
	require.NoError(t, json.Unmarshal([]byte(`{"id":"p1","user_id":"u1","is_closed":true}`), &p))
	assert.Equal(t, PollClosed, p.Status)
}

func TestPollDecodesOwnShape(t *testing.T) {
	in := Poll{ID: "p1", RoomID: "r1", CreatorID: "u1", Question: "q", Status: PollClosed, TotalVotes: 3}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out Poll
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)

	var p Poll
	require.NoError(t, json.Unmarshal([]byte(`{"id":"p2","creator_id":"u2","user_id":"u3","status":"active"}`), &p))
	assert.Equal(t, "u2", p.CreatorID, "creator_id wins over user_id")
	assert.Equal(t, PollActive, p.Status)
}

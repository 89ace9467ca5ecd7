package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelNameRoundTrip(t *testing.T) {
	ch := ChannelName("r1", DomainTracks)
	assert.Equal(t, "room:r1:tracks", ch)

	room, d, ok := ParseChannel(ch)
	assert.True(t, ok)
	assert.Equal(t, RoomID("r1"), room)
	assert.Equal(t, DomainTracks, d)
}

func TestParseChannelRejects(t *testing.T) {
	for _, ch := range []string{"", "room::chat", "room:r1", "user:u1:notifications", "room:r1:presence"} {
		_, _, ok := ParseChannel(ch)
		assert.False(t, ok, ch)
	}
}

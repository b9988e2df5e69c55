package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "p1:s1", SessionKey("p1", "s1"))
	assert.Equal(t, "matchmaking:queue:casual", QueueKey("casual"))
	assert.Equal(t, "matchmaking:player:p1:s1:casual", QueueEntryKey(SessionKey("p1", "s1"), "casual"))
	assert.Equal(t, "matchmaking:player:p1:s1:queue_mapping", QueueMappingKey("p1:s1"))
	assert.Equal(t, "player:session:connection:p1:s1", ConnectionKey("p1", "s1"))
	assert.Equal(t, "session:rooms:p1:s1", SessionRoomsKey("p1", "s1"))
	assert.Equal(t, "auth:blacklist:jti-1", BlacklistKey("jti-1"))
}

package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := Message()
	assert.True(t, strings.HasPrefix(id, PrefixMessage))
	assert.Len(t, id, len(PrefixMessage)+24)
	assert.NotEqual(t, id, Message())

	assert.True(t, strings.HasPrefix(Dispute(), PrefixDispute))
	assert.True(t, strings.HasPrefix(Event(), PrefixEvent))
}

func TestHex(t *testing.T) {
	assert.Len(t, Hex(4), 8)
	assert.Empty(t, Hex(0))
}

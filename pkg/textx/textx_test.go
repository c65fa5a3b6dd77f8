package textx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeText(t *testing.T) {
	assert.Equal(t, "hello world", SanitizeText("  hello world  "))
	assert.Equal(t, "line1\nline2", SanitizeText("line1\nline2\x00\x07"))
}

func TestStripMJFlags(t *testing.T) {
	assert.Equal(t, "a red fox in snow", StripMJFlags("a red fox in snow --ar 16:9 --v 6"))
	assert.Equal(t, "a castle at dusk", StripMJFlags("a castle at dusk --stylize 250 --seed 42"))
	assert.Equal(t, "plain prompt", StripMJFlags("plain prompt"))
}

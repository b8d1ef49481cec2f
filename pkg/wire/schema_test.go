package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPadOrTruncateGrowsShortPayload(t *testing.T) {
	out := PadOrTruncate([]byte{1, 2}, 5)
	assert.Equal(t, []byte{1, 2, 0, 0, 0}, out)
}

func TestPadOrTruncateShrinksLongPayload(t *testing.T) {
	out := PadOrTruncate([]byte{1, 2, 3, 4}, 2)
	assert.Equal(t, []byte{1, 2}, out)
}

func TestPadOrTruncateExactLengthIsUnchanged(t *testing.T) {
	in := []byte{1, 2, 3}
	out := PadOrTruncate(in, 3)
	assert.Equal(t, in, out)
}

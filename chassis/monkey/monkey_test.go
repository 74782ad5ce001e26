package monkey

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNilMonkeyIsQuiet(t *testing.T) {
	var m *Monkey
	assert.NoError(t, m.RandomizeError(nil))
	assert.Nil(t, New(0))
}

func TestKeepsOriginalError(t *testing.T) {
	original := errors.New("original")
	assert.Equal(t, original, New(1).RandomizeError(original))
}

func TestAlwaysFails(t *testing.T) {
	assert.ErrorIs(t, New(1).RandomizeError(nil), ErrMonkey)
}

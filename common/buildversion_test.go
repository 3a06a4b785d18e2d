package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShorten(t *testing.T) {
	assert.Equal(t, "0123abcd", shorten("0123abcdef987654"))
	assert.Equal(t, "abc", shorten("abc"))
}

func TestHeadHashOutsideRepository(t *testing.T) {
	assert.Empty(t, headHash(t.TempDir()))
	assert.NotEmpty(t, GetCommitHash())
}

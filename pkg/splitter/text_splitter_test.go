package splitter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitNumbersChunks(t *testing.T) {
	ts := NewRecursiveCharacterTextSplitter(40, 0)
	text := strings.Repeat("alpha beta gamma delta. ", 10)

	chunks, err := ts.Split(text)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.NotEmpty(t, c.Text)
	}
}

func TestSplitEmptyText(t *testing.T) {
	chunks, err := NewRecursiveCharacterTextSplitter(100, 10).Split("   ")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

package splitter

import (
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// Chunk is one piece of a split document.
type Chunk struct {
	Index int
	Text  string
}

// TextSplitter wraps the langchaingo text splitter
type TextSplitter struct {
	splitter textsplitter.TextSplitter
}

// NewRecursiveCharacterTextSplitter creates a new recursive character text splitter
func NewRecursiveCharacterTextSplitter(chunkSize, chunkOverlap int) *TextSplitter {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 5
	}
	ts := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(chunkOverlap),
	)

	return &TextSplitter{splitter: ts}
}

// Split returns the non-blank chunks of text numbered from zero.
func (ts *TextSplitter) Split(text string) ([]Chunk, error) {
	parts, err := ts.splitter.SplitText(text)
	if err != nil {
		return nil, err
	}
	chunks := make([]Chunk, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Text: p})
	}
	return chunks, nil
}

package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	Name    = "window-overlap"
	Version = "1.0.0"
)

// Chunk is one bounded window of parsed document text, the unit of embedding
// and retrieval.
type Chunk struct {
	Ord  int
	Text string
	SHA  string
}

// Split cuts text into windows of maxChunkSize characters with
// overlapFraction*maxChunkSize characters shared between consecutive windows.
// Whitespace-only windows are dropped; surviving chunks keep contiguous
// ordinals from 0. Identical input always yields identical output, including
// the SHA values, so unchanged chunks can skip re-embedding.
func Split(text string, maxChunkSize int, overlapFraction float64) []Chunk {
	if maxChunkSize <= 0 {
		return nil
	}
	if overlapFraction < 0 {
		overlapFraction = 0
	}
	if overlapFraction >= 1 {
		overlapFraction = 0.9
	}

	runes := []rune(text)
	overlap := int(float64(maxChunkSize) * overlapFraction)
	step := maxChunkSize - overlap
	if step < 1 {
		step = 1
	}

	var chunks []Chunk
	for start := 0; start < len(runes); start += step {
		end := start + maxChunkSize
		if end > len(runes) {
			end = len(runes)
		}

		window := string(runes[start:end])
		if strings.TrimSpace(window) != "" {
			chunks = append(chunks, Chunk{
				Ord:  len(chunks),
				Text: window,
				SHA:  hashText(window),
			})
		}

		if end == len(runes) {
			break
		}
	}

	return chunks
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

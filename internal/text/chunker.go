package text

import (
	"strings"
	"unicode"

	"pdfchat/backend/internal/document"
)

const DefaultChunkSize = 500

// Chunk is one overlapping window of a page. Offset is the rune offset of
// the window inside its page; Ordinal is global for the document.
type Chunk struct {
	SourceID   string
	Ordinal    int
	PageNumber int
	Offset     int
	Text       string
}

// ChunkDocument splits a whole document in one call.
func ChunkDocument(sourceID string, pages []document.Page, size, overlap int) []Chunk {
	return ChunkPages(sourceID, pages, size, overlap, 0)
}

// ChunkPages splits each page independently into windows of size runes
// that advance by size-overlap. Ordinals start at startOrdinal so callers
// can chunk a document in page batches and keep ordinals stable.
// Whitespace-only pages produce no chunks.
func ChunkPages(sourceID string, pages []document.Page, size, overlap, startOrdinal int) []Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}

	ordinal := startOrdinal
	var chunks []Chunk
	for _, p := range pages {
		if strings.TrimSpace(p.Text) == "" {
			continue
		}
		for _, w := range windows([]rune(p.Text), size, overlap) {
			chunks = append(chunks, Chunk{
				SourceID:   sourceID,
				Ordinal:    ordinal,
				PageNumber: p.Number,
				Offset:     w.start,
				Text:       w.text,
			})
			ordinal++
		}
	}
	return chunks
}

type window struct {
	start int
	text  string
}

func windows(runes []rune, size, overlap int) []window {
	n := len(runes)
	if n <= size {
		return []window{{start: 0, text: string(runes)}}
	}

	var out []window
	start := 0
	for {
		end := start + size
		if end >= n {
			out = append(out, window{start: start, text: string(runes[start:n])})
			return out
		}
		end = softBoundary(runes, start, end, size)
		out = append(out, window{start: start, text: string(runes[start:end])})

		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
}

// softBoundary pulls end back to just after the last whitespace in the
// final fifth of the window, if there is one.
func softBoundary(runes []rune, start, end, size int) int {
	floor := end - size/5
	if floor <= start {
		return end
	}
	for i := end - 1; i >= floor; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return end
}

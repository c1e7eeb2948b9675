package txt

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Limit is the longest message Discord accepts.
const Limit = 2000

const fence = "```"

type ChunkingError struct {
	Line   int
	Length int
	Limit  int
}

func (e *ChunkingError) Error() string {
	return fmt.Sprintf(
		"line %d is %d characters long, the limit is %d",
		e.Line, e.Length, e.Limit,
	)
}

// Chunk splits msg into code-block messages of at most limit characters,
// fences included, breaking only between lines. A line that cannot fit in a
// chunk of its own makes the whole message undeliverable.
func Chunk(msg string, limit int) ([]string, error) {
	overhead := 2 * len(fence)

	lines := strings.Split(msg, "\n")
	for i, line := range lines {
		if n := utf8.RuneCountInString(line); n+1+overhead > limit {
			return nil, &ChunkingError{Line: i + 1, Length: n, Limit: limit - 1 - overhead}
		}
	}

	var (
		chunks []string
		cur    strings.Builder
		size   int
	)

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		chunks = append(chunks, fence+cur.String()+fence)
		cur.Reset()
		size = 0
	}

	for _, line := range lines {
		n := utf8.RuneCountInString(line) + 1
		if size > 0 && size+n+overhead > limit {
			flush()
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
		size += n
	}
	flush()

	return chunks, nil
}

// Dechunk recovers the lines of a message produced by Chunk.
func Dechunk(chunks []string) []string {
	var b strings.Builder
	for _, c := range chunks {
		c = strings.TrimPrefix(c, fence)
		c = strings.TrimSuffix(c, fence)
		b.WriteString(c)
	}
	return strings.Split(strings.TrimSuffix(b.String(), "\n"), "\n")
}

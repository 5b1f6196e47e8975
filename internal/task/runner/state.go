package runner

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fkiller/GnuNae-sub001/internal/task/models"
)

// stateMarker prefixes an output line carrying state updates:
//
//	@@state {"lastSeen":"2024-06-12T09:00:00Z","items":[{"timestamp":"..."}]}
const stateMarker = "@@state"

// parseStateLine decodes a state marker line. ok is false for ordinary output.
func parseStateLine(line string) (updates models.State, ok bool, err error) {
	rest, found := strings.CutPrefix(strings.TrimSpace(line), stateMarker)
	if !found || (rest != "" && rest[0] != ' ') {
		return nil, false, nil
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest)), &updates); err != nil {
		return nil, true, fmt.Errorf("invalid state update: %w", err)
	}
	return updates, true, nil
}

// lineBuffer reassembles lines split across output chunks.
type lineBuffer struct {
	partial strings.Builder
}

// Feed appends a chunk and returns the lines it completes.
func (b *lineBuffer) Feed(chunk string) []string {
	var lines []string
	for {
		i := strings.IndexByte(chunk, '\n')
		if i < 0 {
			b.partial.WriteString(chunk)
			return lines
		}
		b.partial.WriteString(chunk[:i])
		lines = append(lines, strings.TrimSuffix(b.partial.String(), "\r"))
		b.partial.Reset()
		chunk = chunk[i+1:]
	}
}

// Flush returns the trailing unterminated line, if any.
func (b *lineBuffer) Flush() (string, bool) {
	if b.partial.Len() == 0 {
		return "", false
	}
	line := b.partial.String()
	b.partial.Reset()
	return line, true
}

// tailBuffer keeps the last max bytes written to it, cut on a rune boundary.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(s string) {
	t.buf = append(t.buf, s...)
	if over := len(t.buf) - t.max; over > 0 {
		for over < len(t.buf) && !utf8.RuneStart(t.buf[over]) {
			over++
		}
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}

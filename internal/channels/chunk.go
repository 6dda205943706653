package channels

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// SplitMessage splits text into chunks that fit within a platform message
// limit, preferring to break at a newline in the second half of a chunk so
// paragraphs survive. Widths are measured with runewidth, which counts
// wide (CJK) runes as two cells — a conservative bound that stays under
// platform character limits for mixed-width text.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || runewidth.StringWidth(text) <= limit {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	for text != "" {
		if runewidth.StringWidth(text) <= limit {
			chunks = append(chunks, text)
			break
		}

		head := runewidth.Truncate(text, limit, "")
		// Break at a newline if one falls in the second half of the chunk.
		if idx := strings.LastIndexByte(head, '\n'); idx > len(head)/2 {
			head = head[:idx+1]
		}
		if head == "" {
			// Degenerate limit smaller than one rune; emit as-is.
			chunks = append(chunks, text)
			break
		}
		chunks = append(chunks, strings.TrimRight(head, "\n"))
		text = text[len(head):]
	}
	return chunks
}

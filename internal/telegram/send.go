package telegram

import (
	"strings"
	"unicode/utf8"
)

// maxMessageLen is Telegram's limit for a single text message.
const maxMessageLen = 4096

// chunkMessage splits text into pieces of at most maxLen bytes, preferring
// to cut after a newline in the second half of a chunk and never inside a
// UTF-8 sequence.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > maxLen {
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
			cutAt--
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// Package chunk splits documents into overlapping, size-bounded passages.
package chunk

import "strings"

// Split divides text at '.' into sentences and packs them into chunks of at
// most size characters where possible. A sentence that would push the buffer
// over size closes the current chunk; the next chunk starts with the last
// overlap words of the closed one followed by that sentence. A single
// sentence longer than size still becomes its own chunk. No chunk is empty.
func Split(text string, size, overlap int) []string {
	var (
		chunks []string
		buf    string
	)

	for _, s := range sentences(text) {
		if buf == "" {
			buf = s
			continue
		}
		if len(buf)+1+len(s) > size {
			chunks = append(chunks, buf)
			buf = seed(buf, overlap, s)
			continue
		}
		buf += " " + s
	}

	if buf = strings.TrimSpace(buf); buf != "" {
		chunks = append(chunks, buf)
	}
	return chunks
}

// sentences returns the trimmed, non-empty sentences of text. Each keeps its
// terminating '.' when one was present.
func sentences(text string) []string {
	parts := strings.SplitAfter(text, ".")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if strings.TrimSpace(strings.TrimSuffix(p, ".")) == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// seed starts a new buffer from the tail of the previous chunk.
func seed(prev string, overlap int, sentence string) string {
	if overlap <= 0 {
		return sentence
	}
	words := strings.Fields(prev)
	if len(words) > overlap {
		words = words[len(words)-overlap:]
	}
	return strings.Join(append(words, sentence), " ")
}

// Package rag answers questions from the legal knowledge base by retrieving
// chunks from the embedding index and prompting an LLM with them.
package rag

import (
	"fmt"
	"strings"

	"github.com/hpungsan/counsel/internal/index"
)

// MaxPromptDocuments is how many retrieved chunks go into a prompt.
const MaxPromptDocuments = 3

const promptTemplate = `You are a legal AI assistant. Use the following context to answer the user's question accurately and helpfully.

Retrieved Legal Documents:
%s

Conversation Context:
%s

User Question: %s

Please provide a comprehensive answer based on the retrieved documents. If the documents don't contain enough information to answer the question, please state that clearly and provide general guidance where appropriate.

Response:`

// RetrievedContext renders the top MaxPromptDocuments hits as
// "Document: <title>\nContent: <content>" blocks separated by blank lines.
// Hits are expected best first.
func RetrievedContext(hits []index.Result) string {
	if len(hits) > MaxPromptDocuments {
		hits = hits[:MaxPromptDocuments]
	}
	blocks := make([]string, 0, len(hits))
	for _, h := range hits {
		blocks = append(blocks, fmt.Sprintf("Document: %s\nContent: %s", h.Chunk.Title, h.Chunk.Content))
	}
	return strings.Join(blocks, "\n\n")
}

// Assemble builds the full RAG prompt. Empty sections are rendered empty,
// never dropped.
func Assemble(query, contextText string, hits []index.Result) string {
	return render(query, contextText, RetrievedContext(hits))
}

func render(query, contextText, retrieved string) string {
	return fmt.Sprintf(promptTemplate, retrieved, contextText, query)
}

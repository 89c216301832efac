package embedding

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// stopwords are dropped from keyword sets before comparison.
var stopwords = func() map[string]bool {
	words := []string{
		"the", "a", "an", "is", "are", "was", "were", "be", "been", "being",
		"have", "has", "had", "do", "does", "did", "will", "would", "could",
		"should", "may", "might", "must", "shall", "can", "need",
		"to", "of", "in", "for", "on", "with", "at", "by", "from", "as",
		"into", "through", "during", "before", "after", "above", "below",
		"between", "under", "over", "out", "up", "down", "off", "about",
		"and", "but", "or", "nor", "so", "yet", "both", "either", "neither",
		"not", "only", "also", "just", "than", "too", "very", "much",
		"this", "that", "these", "those", "it", "its", "itself",
		"i", "me", "my", "we", "us", "our", "you", "your",
		"they", "them", "their", "who", "which", "what", "then", "please",
	}
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}()

// Tokens lowercases text, replaces punctuation with spaces and splits on whitespace.
func Tokens(text string) []string {
	var cleaned strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cleaned.WriteRune(r)
		} else {
			cleaned.WriteRune(' ')
		}
	}
	return strings.Fields(cleaned.String())
}

// Keywords returns the sorted, de-duplicated non-stopword tokens of text.
// When every token is a stopword the plain tokens are used instead.
func Keywords(text string) []string {
	tokens := Tokens(text)
	seen := make(map[string]bool, len(tokens))
	var out []string
	for _, t := range tokens {
		if stopwords[t] || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		for _, t := range tokens {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Normalize returns the canonical form used for exact-match comparison:
// lowercase tokens without punctuation, joined by single spaces.
func Normalize(text string) string {
	return strings.Join(Tokens(text), " ")
}

// Similarity is the keyword fallback similarity in [0,1]. Texts with equal
// normalized form score 1.0; otherwise it is the Jaccard index of their
// keyword sets.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	return jaccard(Keywords(a), Keywords(b))
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, w := range a {
		set[w] = true
	}
	intersection := 0
	union := len(set)
	for _, w := range b {
		if set[w] {
			intersection++
		} else {
			union++
		}
	}
	return float64(intersection) / float64(union)
}

type keywordDoc struct {
	text     string
	metadata map[string]string
	order    int
}

// KeywordIndex is an in-memory Index scored with Similarity. It is the
// fallback used when no embedding model is configured.
type KeywordIndex struct {
	mu   sync.RWMutex
	docs map[string]keywordDoc
	seq  int
}

// NewKeywordIndex returns an empty keyword index.
func NewKeywordIndex() *KeywordIndex {
	return &KeywordIndex{docs: make(map[string]keywordDoc)}
}

// Add stores or replaces a document.
func (k *KeywordIndex) Add(_ context.Context, id, text string, metadata map[string]string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	order := k.seq
	if existing, ok := k.docs[id]; ok {
		order = existing.order
	} else {
		k.seq++
	}
	k.docs[id] = keywordDoc{text: text, metadata: copyMetadata(metadata), order: order}
	return nil
}

// Search returns up to topK documents with non-zero similarity, best first.
// Ties keep insertion order.
func (k *KeywordIndex) Search(_ context.Context, text string, topK int) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}

	k.mu.RLock()
	type scored struct {
		match Match
		order int
	}
	hits := make([]scored, 0, len(k.docs))
	for id, doc := range k.docs {
		sim := Similarity(text, doc.text)
		if sim <= 0 {
			continue
		}
		hits = append(hits, scored{
			match: Match{ID: id, Text: doc.text, Metadata: copyMetadata(doc.metadata), Similarity: sim},
			order: doc.order,
		})
	}
	k.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].match.Similarity != hits[j].match.Similarity {
			return hits[i].match.Similarity > hits[j].match.Similarity
		}
		return hits[i].order < hits[j].order
	})

	if len(hits) > topK {
		hits = hits[:topK]
	}
	out := make([]Match, len(hits))
	for i, h := range hits {
		out[i] = h.match
	}
	return out, nil
}

// Remove deletes a document. Removing an unknown id is not an error.
func (k *KeywordIndex) Remove(_ context.Context, id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.docs, id)
	return nil
}

// Count returns the number of indexed documents.
func (k *KeywordIndex) Count() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.docs)
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

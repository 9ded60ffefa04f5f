package rag

import (
	"sort"
	"strings"
)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "can": true, "shall": true, "to": true,
	"of": true, "in": true, "for": true, "on": true, "with": true,
	"at": true, "by": true, "from": true, "as": true, "into": true,
	"what": true, "where": true, "when": true, "how": true, "which": true,
	"who": true, "whom": true, "this": true, "that": true, "these": true,
	"those": true, "i": true, "me": true, "my": true, "it": true,
	"its": true, "and": true, "but": true, "or": true, "not": true,
	"you": true, "your": true, "about": true, "there": true, "any": true,
	"tell": true, "please": true,
}

// contactWords is the contact-intent keyword family.
var contactWords = []string{
	"contact", "email", "e-mail", "phone", "call", "reach",
	"support", "helpline", "whatsapp", "organizer", "organiser", "address",
}

// Keywords extracts lowercase content words from text.
func Keywords(text string) []string {
	words := strings.Fields(strings.ToLower(text))
	var keywords []string
	seen := make(map[string]bool)
	for _, w := range words {
		w = strings.Trim(w, "?.,!;:'\"()[]")
		if len(w) > 2 && !stopWords[w] && !seen[w] {
			seen[w] = true
			keywords = append(keywords, w)
		}
	}
	return keywords
}

// IsContactQuery reports whether text asks how to reach someone.
func IsContactQuery(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range contactWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// KeywordSearch scores every document by keyword occurrences and returns
// the top n with a positive score. The contact document gets bonus extra
// points when the query is a contact question.
func KeywordSearch(docs []Document, query, contactID string, bonus, n int) []Source {
	keywords := Keywords(query)
	contact := IsContactQuery(query)

	type scored struct {
		doc   Document
		score int
	}
	var ranked []scored
	for _, d := range docs {
		text := strings.ToLower(d.Title + "\n" + d.Content)
		score := 0
		for _, k := range keywords {
			score += strings.Count(text, k)
		}
		if contact && contactID != "" && d.ID == contactID {
			score += bonus
		}
		if score > 0 {
			ranked = append(ranked, scored{d, score})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > n {
		ranked = ranked[:n]
	}

	out := make([]Source, len(ranked))
	for i, r := range ranked {
		out[i] = Source{
			ID:       r.doc.ID,
			SourceID: r.doc.ID,
			Title:    r.doc.Title,
			Content:  r.doc.Content,
			Score:    float64(r.score),
		}
	}
	return out
}

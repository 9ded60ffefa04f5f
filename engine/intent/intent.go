// Package intent classifies a user query into an intent with entities.
// Classification is a pure function over an ordered rule table.
package intent

import (
	"sort"
	"strings"

	"github.com/eventsphere/kbassist/engine/domain"
)

const (
	// DefaultConfidence is assigned to GENERAL_QUESTION.
	DefaultConfidence = 0.3
	// MinConfidence is the lowest confidence a rule match is accepted with.
	MinConfidence = 0.5
	// coverageBoost is added when a match spans at least coverageRatio of the query.
	coverageBoost = 0.1
	coverageRatio = 0.6
)

// Classify returns the best intent for query. It never fails; queries
// that match nothing are GENERAL_QUESTION with DefaultConfidence.
func Classify(query string) domain.Classification {
	q := normalize(query)
	best := domain.Classification{Intent: domain.IntentGeneralQuestion, Confidence: DefaultConfidence}
	if q == "" {
		best.Entities = map[string]string{}
		return best
	}

	name := ExtractEventName(q)
	category := ExtractCategory(q)

	for _, g := range table {
		for _, rl := range g.rules {
			loc := rl.re.FindStringIndex(q)
			if loc == nil {
				continue
			}
			conf := rl.weight
			if float64(loc[1]-loc[0]) >= coverageRatio*float64(len(q)) {
				conf += coverageBoost
			}
			switch g.intent {
			case domain.IntentSpecificEvent:
				if name == "" {
					conf /= 2
				}
			case domain.IntentEventCategory:
				if category == "" {
					conf /= 2
				}
			}
			conf = clamp(conf)
			if conf >= MinConfidence && conf > best.Confidence {
				best.Intent, best.Confidence = g.intent, conf
			}
		}
	}

	best.Entities = entities(best.Intent, q, name, category)
	return best
}

func entities(in domain.Intent, q, name, category string) map[string]string {
	e := map[string]string{}
	switch in {
	case domain.IntentSpecificEvent:
		e[domain.EntityEventName] = name
		if a := ExtractAttribute(q); a != "" {
			e[domain.EntityAttribute] = a
		}
	case domain.IntentEventCategory:
		e[domain.EntityCategory] = category
	}
	return e
}

// ExtractEventName runs the pattern chain and returns the first plausible
// event name, or "".
func ExtractEventName(query string) string {
	q := normalize(query)
	for _, re := range eventNamePatterns {
		m := re.FindStringSubmatch(q)
		if m == nil {
			continue
		}
		if name := cleanName(m[1]); plausibleName(name) {
			return name
		}
	}
	return ""
}

// ExtractCategory returns a canonical category: a known category mentioned
// in the query, else a slot-pattern capture with filler words removed.
func ExtractCategory(query string) string {
	q := normalize(query)
	for _, w := range strings.Fields(q) {
		if c, ok := knownCategories[strings.Trim(w, "?.,!")]; ok {
			return c
		}
	}
	for _, re := range categorySlots {
		m := re.FindStringSubmatch(q)
		if m == nil {
			continue
		}
		var kept []string
		for _, w := range strings.Fields(m[1]) {
			if !fillerWords[w] {
				kept = append(kept, w)
			}
		}
		if c := strings.Join(kept, " "); len(c) > 2 && !stopNames[c] {
			return c
		}
	}
	return ""
}

// ExtractAttribute returns the attribute of interest, or "".
func ExtractAttribute(query string) string {
	q := normalize(query)
	for _, a := range attributes {
		if a.re.MatchString(q) {
			return a.attr
		}
	}
	return ""
}

func cleanName(s string) string {
	s = strings.Trim(s, " ?!.,'\"")
	s = strings.TrimPrefix(s, "the ")
	s = strings.TrimSuffix(s, " events")
	s = strings.TrimSuffix(s, " event")
	return strings.TrimSpace(s)
}

func plausibleName(name string) bool {
	if len(name) <= 2 || stopNames[name] {
		return false
	}
	for _, w := range strings.Fields(name) {
		if nonEventWords[w] {
			return false
		}
	}
	return true
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

func sortByLenDesc(s []string) {
	sort.Slice(s, func(i, j int) bool {
		if len(s[i]) != len(s[j]) {
			return len(s[i]) > len(s[j])
		}
		return s[i] < s[j]
	})
}

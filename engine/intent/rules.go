package intent

import (
	"regexp"
	"strings"

	"github.com/eventsphere/kbassist/engine/domain"
)

// rule is one weighted pattern of an intent group.
type rule struct {
	re     *regexp.Regexp
	weight float64
}

type group struct {
	intent domain.Intent
	rules  []rule
}

func r(pattern string, weight float64) rule {
	return rule{re: regexp.MustCompile(pattern), weight: weight}
}

// knownCategories maps category spellings to their canonical name.
var knownCategories = map[string]string{
	"tech":         "technical",
	"technical":    "technical",
	"cultural":     "cultural",
	"sports":       "sports",
	"sport":        "sports",
	"workshop":     "workshop",
	"workshops":    "workshop",
	"hackathon":    "hackathon",
	"hackathons":   "hackathon",
	"music":        "music",
	"dance":        "dance",
	"art":          "art",
	"arts":         "art",
	"gaming":       "gaming",
	"esports":      "gaming",
	"seminar":      "seminar",
	"seminars":     "seminar",
	"webinar":      "webinar",
	"webinars":     "webinar",
	"business":     "business",
	"coding":       "coding",
	"robotics":     "robotics",
	"photography":  "photography",
	"literary":     "literary",
	"fashion":      "fashion",
	"competition":  "competition",
	"competitions": "competition",
}

var categoryAlt = func() string {
	names := make([]string, 0, len(knownCategories))
	for k := range knownCategories {
		names = append(names, regexp.QuoteMeta(k))
	}
	// Longest first so "hackathons" wins over "hackathon".
	sortByLenDesc(names)
	return strings.Join(names, "|")
}()

// table is evaluated in priority order; on equal confidence the earlier
// group wins.
var table = []group{
	{domain.IntentGreeting, []rule{
		r(`^(hi+|hello+|hey+|yo|hola|namaste|howdy|greetings|good (morning|afternoon|evening))( there| team| bot| everyone)?[!. ]*$`, 0.95),
		r(`^(hi+|hello+|hey+|good (morning|afternoon|evening))\b`, 0.6),
	}},
	{domain.IntentEventStats, []rule{
		r(`\bhow many (total |upcoming |active |past )?(events|competitions)\b`, 0.9),
		r(`\b(total|number of|count of) (events|competitions|registrations)\b`, 0.85),
		r(`\b(event |platform )?(stats|statistics)\b`, 0.9),
	}},
	{domain.IntentSpecificEvent, []rule{
		r(`\b(tell me about|details (about|of|for|on)|info(rmation)? (about|on|for)|more about)\b`, 0.8),
		r(`\b(when|where) (is|does|will)\b`, 0.8),
		r(`\b(entry fee|registration fee|fees?|prizes?|prize pool|deadline|last date|venue)\b`, 0.8),
		r(`\bhow many (people|participants) (have )?(registered|joined|are)\b`, 0.85),
	}},
	{domain.IntentEventCategory, []rule{
		r(`\b(events?|competitions?) (in|under|for|of) (the )?[a-z ]+ (category|section|type)\b`, 0.85),
		r(`\b[a-z]+ (category|type) (events?|competitions?)\b`, 0.85),
		r(`\b(`+categoryAlt+`) (events?|competitions?|activities)\b`, 0.8),
	}},
	{domain.IntentGeneralEventList, []rule{
		r(`\b(list|show|display|what are)( me)?( all)?( the)? (upcoming |available |current |latest )?events\b`, 0.8),
		r(`\b(upcoming|available|current) events\b`, 0.75),
		r(`\b(what|which|any) events\b`, 0.7),
		r(`^events\??$`, 0.7),
	}},
}

// attributes maps request phrasing to attribute keys. Order matters:
// "last date" must resolve to deadline before "date" resolves to date.
var attributes = []struct {
	re   *regexp.Regexp
	attr string
}{
	{regexp.MustCompile(`\b(deadline|last date|registration closes?|closing date)\b`), domain.AttrDeadline},
	{regexp.MustCompile(`\b(entry fee|registration fee|fees?|cost|price|charges?)\b`), domain.AttrFee},
	{regexp.MustCompile(`\b(prizes?|prize pool|rewards?|winnings|cash prize)\b`), domain.AttrPrize},
	{regexp.MustCompile(`\b(how many (people|participants)|participants?|attendees|registrations?)\b`), domain.AttrParticipants},
	{regexp.MustCompile(`\b(where|venue|location|place)\b`), domain.AttrLocation},
	{regexp.MustCompile(`\b(when|date|timing|schedule|what time)\b`), domain.AttrDate},
	{regexp.MustCompile(`\b(details|info|information|tell me about|more about)\b`), domain.AttrDetails},
}

const attrWords = `entry fee|registration fee|fees?|prizes?|prize pool|deadline|last date|date|closes?|closing|venue|location|timing|schedule|details|info`

// eventNamePatterns is the ordered fallback chain for event names.
var eventNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:` + attrWords + `) (?:for|of) (?:the )?(.+)$`),
	regexp.MustCompile(`^(?:(?:what|when|where) (?:is|are|was) |what's |when's |where's )?(?:the )?(.+?) (?:event )?(?:` + attrWords + `)$`),
	regexp.MustCompile(`\b(?:tell me about|details (?:about|of|for|on)|info(?:rmation)? (?:about|on|for)|more about) (?:the )?(.+)$`),
	regexp.MustCompile(`\bhow many (?:people|participants) (?:have )?(?:registered|joined|are) (?:for|in) (?:the )?(.+)$`),
	regexp.MustCompile(`^(?:when|where) (?:is|does|will) (?:the )?(.+?)(?: (?:start|begin|happen|take place|held|be held))?$`),
}

// nonEventWords are platform, contact and team terms; a candidate name
// containing any of them is a meta-question, not an event lookup.
var nonEventWords = map[string]bool{
	"platform": true, "website": true, "site": true, "app": true, "application": true,
	"team": true, "contact": true, "support": true, "organizer": true, "organizers": true,
	"organiser": true, "organisers": true, "admin": true, "account": true, "login": true,
	"password": true, "payment": true, "payments": true, "refund": true, "refunds": true,
	"certificate": true, "certificates": true, "you": true, "your": true, "us": true,
	"help": true, "email": true, "phone": true, "profile": true,
	"registration": true, "registrations": true, "register": true, "signup": true,
}

var stopNames = map[string]bool{
	"event": true, "events": true, "it": true, "this": true, "that": true, "there": true,
	"what": true, "the": true, "a": true, "an": true, "all": true, "any": true, "one": true,
}

var categorySlots = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:events?|competitions?) (?:in|under|for|of) (?:the )?(.+?) (?:category|section|type)\b`),
	regexp.MustCompile(`\b([a-z]+) (?:category|type) (?:events?|competitions?)\b`),
	regexp.MustCompile(`\b(?:show|list|find|display)(?: me)? (.+?) (?:events?|competitions?)\b`),
}

var fillerWords = map[string]bool{
	"all": true, "the": true, "some": true, "any": true, "me": true, "upcoming": true,
	"available": true, "current": true, "latest": true, "of": true, "in": true,
}

package events

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/eventsphere/kbassist/engine/domain"
)

// NotAvailable replaces a missing or non-finite value.
const NotAvailable = "Not announced yet"

const (
	// MaxListed bounds cards rendered in an upcoming list.
	MaxListed = 5
	// MaxPast bounds past events summarized in a category listing.
	MaxPast = 3

	dateLayout = "Mon, 02 Jan 2006 15:04"
	dayLayout  = "02 Jan 2006"
)

// Formatter renders event data as chat text. It is pure: the same rows,
// base link and location always render the same string.
type Formatter struct {
	BaseLink string
	Location *time.Location
}

func (f Formatter) loc() *time.Location {
	if f.Location == nil {
		return time.UTC
	}
	return f.Location
}

// Link returns the public URL of an event.
func (f Formatter) Link(e Event) string {
	return strings.TrimRight(f.BaseLink, "/") + "/events/" + e.ID
}

func (f Formatter) date(t time.Time) string {
	if t.IsZero() {
		return NotAvailable
	}
	return t.In(f.loc()).Format(dateLayout)
}

func (f Formatter) day(t time.Time) string {
	if t.IsZero() {
		return NotAvailable
	}
	return t.In(f.loc()).Format(dayLayout)
}

// Money renders an amount, "Free" for zero and NotAvailable for NaN or Inf.
func Money(v float64) string {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		return NotAvailable
	case v == 0:
		return "Free"
	case v == math.Trunc(v):
		return strconv.FormatFloat(v, 'f', 0, 64)
	default:
		return strconv.FormatFloat(v, 'f', 2, 64)
	}
}

func prize(v float64) string {
	if v == 0 {
		return NotAvailable
	}
	return Money(v)
}

func (f Formatter) Stats(s Stats) string {
	var b strings.Builder
	b.WriteString("Here is a snapshot of the platform:\n\n")
	fmt.Fprintf(&b, "- Total events: %d\n", s.TotalEvents)
	fmt.Fprintf(&b, "- Upcoming events: %d\n", s.UpcomingEvents)
	fmt.Fprintf(&b, "- Past events: %d\n", s.PastEvents)
	fmt.Fprintf(&b, "- Total registrations: %d\n", s.TotalRegistrations)
	fmt.Fprintf(&b, "- Categories: %d", s.Categories)
	return b.String()
}

// Card renders every field of one event.
func (f Formatter) Card(e Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**\n", e.Name)
	if e.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", e.Category)
	}
	fmt.Fprintf(&b, "Date: %s\n", f.date(e.Date))
	fmt.Fprintf(&b, "Venue: %s\n", orNA(e.Venue))
	fmt.Fprintf(&b, "Registration deadline: %s\n", f.date(e.Deadline))
	fmt.Fprintf(&b, "Entry fee: %s\n", Money(e.Fee))
	fmt.Fprintf(&b, "Prize pool: %s\n", prize(e.Prize))
	fmt.Fprintf(&b, "Participants: %s\n", f.participants(e))
	if d := strings.TrimSpace(e.Description); d != "" {
		fmt.Fprintf(&b, "%s\n", d)
	}
	fmt.Fprintf(&b, "Details: %s", f.Link(e))
	return b.String()
}

func (f Formatter) participants(e Event) string {
	if e.Capacity > 0 {
		return fmt.Sprintf("%d / %d", e.Participants, e.Capacity)
	}
	return strconv.Itoa(e.Participants)
}

// Upcoming renders at most MaxListed cards from events.
func (f Formatter) Upcoming(events []Event) string {
	if len(events) == 0 {
		return "There are no upcoming events right now. Check back soon!"
	}
	shown := events
	if len(shown) > MaxListed {
		shown = shown[:MaxListed]
	}
	var b strings.Builder
	if len(shown) < len(events) {
		fmt.Fprintf(&b, "Here are the next %d of %d upcoming events:\n\n", len(shown), len(events))
	} else {
		fmt.Fprintf(&b, "Here are the upcoming events (%d):\n\n", len(shown))
	}
	for i, e := range shown {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(f.Card(e))
	}
	fmt.Fprintf(&b, "\n\nBrowse all events: %s/events", strings.TrimRight(f.BaseLink, "/"))
	return b.String()
}

// Category renders upcoming events in full and summarizes at most MaxPast
// past events.
func (f Formatter) Category(category string, upcoming, past []Event) string {
	if len(upcoming) == 0 && len(past) == 0 {
		return fmt.Sprintf("No events found in the %q category.", category)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Events in the %q category:\n", category)
	if len(upcoming) == 0 {
		b.WriteString("\nNo upcoming events in this category.\n")
	} else {
		fmt.Fprintf(&b, "\nUpcoming (%d):\n\n", len(upcoming))
		for i, e := range upcoming {
			if i > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(f.Card(e))
		}
		b.WriteString("\n")
	}
	if len(past) > 0 {
		shown := past
		if len(shown) > MaxPast {
			shown = shown[:MaxPast]
		}
		fmt.Fprintf(&b, "\nRecent past events (%d of %d):\n", len(shown), len(past))
		for _, e := range shown {
			fmt.Fprintf(&b, "- %s (%s)\n", e.Name, f.day(e.Date))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// NotFound names the search term.
func (f Formatter) NotFound(term string) string {
	return fmt.Sprintf("No Events Found\n\nI couldn't find any event matching %q. "+
		"Try a different name, or ask me to list upcoming events.", term)
}

// Disambiguate lists every match so the user can pick one.
func (f Formatter) Disambiguate(term string, events []Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "I found %d events matching %q:\n\n", len(events), term)
	for i, e := range events {
		fmt.Fprintf(&b, "%d. %s (%s) %s\n", i+1, e.Name, f.day(e.Date), f.Link(e))
	}
	b.WriteString("\nWhich one would you like to know more about?")
	return b.String()
}

// Attribute answers a single-field question about one event.
func (f Formatter) Attribute(e Event, attr string) string {
	switch attr {
	case domain.AttrFee:
		return fmt.Sprintf("The entry fee for %s is: %s.", e.Name, Money(e.Fee))
	case domain.AttrPrize:
		return fmt.Sprintf("The prize pool for %s is: %s.", e.Name, prize(e.Prize))
	case domain.AttrDeadline:
		return fmt.Sprintf("Registration for %s closes on: %s.", e.Name, f.date(e.Deadline))
	case domain.AttrDate:
		return fmt.Sprintf("%s takes place on: %s.", e.Name, f.date(e.Date))
	case domain.AttrLocation:
		return fmt.Sprintf("%s will be held at: %s.", e.Name, orNA(e.Venue))
	case domain.AttrParticipants:
		return fmt.Sprintf("%s has %s participants registered.", e.Name, f.participants(e))
	}
	return f.Card(e)
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return NotAvailable
	}
	return s
}

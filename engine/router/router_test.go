package router

import (
	"reflect"
	"testing"

	"github.com/eventsphere/kbassist/engine/domain"
	"github.com/eventsphere/kbassist/engine/intent"
)

func TestRoute(t *testing.T) {
	tests := []struct {
		intent   domain.Intent
		entities map[string]string
		want     domain.Strategy
	}{
		{domain.IntentGreeting, nil, domain.SimpleStrategy{}},
		{domain.IntentEventStats, nil, domain.DatabaseStrategy{Query: domain.QueryStats}},
		{domain.IntentGeneralEventList, nil, domain.DatabaseStrategy{Query: domain.QueryListUpcoming, Limit: 10}},
		{domain.IntentEventCategory, map[string]string{domain.EntityCategory: "music"},
			domain.DatabaseStrategy{Query: domain.QueryCategory, Category: "music"}},
		{domain.IntentSpecificEvent, map[string]string{domain.EntityEventName: "robo wars", domain.EntityAttribute: domain.AttrPrize},
			domain.DatabaseStrategy{Query: domain.QuerySpecificEvent, EventName: "robo wars", Attribute: domain.AttrPrize}},
		{domain.IntentGeneralQuestion, nil, domain.RAGStrategy{}},
		{domain.Intent("SOMETHING_NEW"), nil, domain.RAGStrategy{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.intent), func(t *testing.T) {
			got := Route(tt.intent, tt.entities)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Route = %#v, want %#v", got, tt.want)
			}
			if again := Route(tt.intent, tt.entities); !reflect.DeepEqual(got, again) {
				t.Fatalf("non-deterministic: %#v vs %#v", got, again)
			}
		})
	}
}

func TestRouteClassifiedStatsQuery(t *testing.T) {
	c := intent.Classify("how many total events")
	if c.Intent != domain.IntentEventStats || c.Confidence < 0.9 {
		t.Fatalf("classification = %+v", c)
	}
	s := RouteClassification(c)
	db, ok := s.(domain.DatabaseStrategy)
	if !ok || db.Query != domain.QueryStats || s.Kind() != domain.KindDatabase {
		t.Fatalf("strategy = %#v", s)
	}
}

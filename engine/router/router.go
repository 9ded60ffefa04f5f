// Package router maps a classified intent to an answering strategy.
package router

import "github.com/eventsphere/kbassist/engine/domain"

// ListLimit is the number of upcoming events fetched for a list query.
const ListLimit = 10

// Route returns the strategy for intent. It is pure: equal inputs always
// yield equal strategies.
func Route(intent domain.Intent, entities map[string]string) domain.Strategy {
	switch intent {
	case domain.IntentGreeting:
		return domain.SimpleStrategy{}
	case domain.IntentEventStats:
		return domain.DatabaseStrategy{Query: domain.QueryStats}
	case domain.IntentGeneralEventList:
		return domain.DatabaseStrategy{Query: domain.QueryListUpcoming, Limit: ListLimit}
	case domain.IntentEventCategory:
		return domain.DatabaseStrategy{Query: domain.QueryCategory, Category: entities[domain.EntityCategory]}
	case domain.IntentSpecificEvent:
		return domain.DatabaseStrategy{
			Query:     domain.QuerySpecificEvent,
			EventName: entities[domain.EntityEventName],
			Attribute: entities[domain.EntityAttribute],
		}
	default:
		return domain.RAGStrategy{}
	}
}

// RouteClassification is Route over a classifier result.
func RouteClassification(c domain.Classification) domain.Strategy {
	return Route(c.Intent, c.Entities)
}

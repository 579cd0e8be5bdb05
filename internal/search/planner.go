package search

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultPlannerCacheSize bounds the route cache.
const DefaultPlannerCacheSize = 4096

// Planner classifies a query into a retrieval route from syntactic cues.
// Classification is deterministic and cached; callers may bypass it by
// requesting a route explicitly.
type Planner struct {
	cache *lru.Cache[string, Route]
}

// NewPlanner creates a planner with the default cache size.
func NewPlanner() *Planner {
	cache, _ := lru.New[string, Route](DefaultPlannerCacheSize)
	return &Planner{cache: cache}
}

// routeCue maps a lowercase substring cue to its route. First match in
// order wins; order encodes specificity.
type routeCue struct {
	cue   string
	route Route
}

var routeCues = []routeCue{
	// Working-layer queries the engine defers.
	{"what's blocked", RouteOperational},
	{"what is blocked", RouteOperational},
	{"show tasks", RouteOperational},
	{"show task", RouteOperational},
	{"list tasks", RouteOperational},
	{"current task", RouteOperational},
	{"open questions", RouteOperational},

	// Decision/history lookups.
	{"what did we decide", RouteLookup},
	{"what did we choose", RouteLookup},
	{"what was decided", RouteLookup},
	{"which did we pick", RouteLookup},
	{"decision about", RouteLookup},
	{"decision on", RouteLookup},

	// Graph-centric queries.
	{"what contradicts", RouteConnection},
	{"contradicts", RouteConnection},
	{"conflicts with", RouteConnection},
	{"what depends on", RouteConnection},
	{"what relates to", RouteConnection},
	{"related to", RouteConnection},
	{"connected to", RouteConnection},
	{"what led to", RouteConnection},
	{"what caused", RouteConnection},

	// Broad exploration.
	{"what do we know about", RouteExploration},
	{"what do i know about", RouteExploration},
	{"tell me about", RouteExploration},
	{"everything about", RouteExploration},
	{"overview of", RouteExploration},
}

// Plan returns the route for a query.
func (p *Planner) Plan(query string) Route {
	key := strings.ToLower(strings.TrimSpace(query))
	if key == "" {
		return RouteHybrid
	}
	if route, ok := p.cache.Get(key); ok {
		return route
	}

	route := RouteHybrid
	for _, rc := range routeCues {
		if strings.Contains(key, rc.cue) {
			route = rc.route
			break
		}
	}
	p.cache.Add(key, route)
	return route
}

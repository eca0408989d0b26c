// Package washsale implements the wash-sale tracker: an append-only event
// log per security group plus compliance queries over the 61-day window.
package washsale

import (
	"sort"
	"strings"
)

// Groups is the substantially-identical indirection table. A ticker maps to
// exactly one group id; a group has a canonical ticker and an ordered list
// of acceptable substitutes. Tickers outside any configured group form an
// implicit single-member group keyed by their own symbol.
type Groups struct {
	byTicker    map[string]string   // ticker -> group id
	substitutes map[string][]string // group id -> ordered substitutes
	canonical   map[string]string   // group id -> canonical ticker
}

// NewGroups builds the indirection table from the configured swap-group map
// (canonical ticker -> substitutes). The group id is the canonical ticker.
func NewGroups(cfg map[string][]string) *Groups {
	g := &Groups{
		byTicker:    make(map[string]string),
		substitutes: make(map[string][]string),
		canonical:   make(map[string]string),
	}
	for canonical, subs := range cfg {
		canonical = strings.ToUpper(canonical)
		g.canonical[canonical] = canonical
		g.byTicker[canonical] = canonical
		ordered := make([]string, 0, len(subs))
		for _, s := range subs {
			s = strings.ToUpper(s)
			ordered = append(ordered, s)
			g.byTicker[s] = canonical
		}
		g.substitutes[canonical] = ordered
	}
	return g
}

// GroupID resolves the security group for a ticker. Unknown tickers map to
// an implicit group of their own.
func (g *Groups) GroupID(ticker string) string {
	ticker = strings.ToUpper(ticker)
	if id, ok := g.byTicker[ticker]; ok {
		return id
	}
	return ticker
}

// Substitutes returns the ordered acceptable replacements for a group.
// Empty for implicit single-member groups.
func (g *Groups) Substitutes(groupID string) []string {
	return append([]string(nil), g.substitutes[groupID]...)
}

// Canonical returns the canonical ticker for a group.
func (g *Groups) Canonical(groupID string) string {
	if c, ok := g.canonical[groupID]; ok {
		return c
	}
	return groupID
}

// GroupIDs returns all configured group ids, sorted.
func (g *Groups) GroupIDs() []string {
	ids := make([]string, 0, len(g.substitutes))
	for id := range g.substitutes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

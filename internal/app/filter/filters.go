// Package filter decides per event whether it reaches user-facing sinks.
package filter

import (
	"strings"

	"github.com/featherwire/aviary/internal/domain/schema"
)

// Names of the predicates installed by the pipeline mutators.
const (
	FilterEventTypes = "event_types"
	FilterUsers      = "users"
	FilterKeywords   = "keywords"
	FilterQuery      = "query"
)

// Filter is a named pure predicate over events. Allows must have no side
// effects: identical inputs yield identical outputs.
type Filter interface {
	Name() string
	Allows(evt *schema.Event) bool
}

type funcFilter struct {
	name string
	fn   func(evt *schema.Event) bool
}

func (f funcFilter) Name() string                  { return f.name }
func (f funcFilter) Allows(evt *schema.Event) bool { return f.fn(evt) }

// NewFilter wraps a predicate function as a named Filter.
func NewFilter(name string, fn func(evt *schema.Event) bool) Filter {
	return funcFilter{name: name, fn: fn}
}

// NewEventTypeFilter allows events whose type is in the given set.
func NewEventTypeFilter(types []schema.EventType) Filter {
	allowed := make(map[schema.EventType]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return NewFilter(FilterEventTypes, func(evt *schema.Event) bool {
		_, ok := allowed[evt.Type]
		return ok
	})
}

// NewUserFilter allows events whose username is in the given set,
// case-insensitively. Leading "@" marks are ignored; event usernames never
// carry one. An empty set allows everything.
func NewUserFilter(users []string) Filter {
	allowed := make(map[string]struct{}, len(users))
	for _, u := range users {
		u = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(u)), "@")
		if u != "" {
			allowed[u] = struct{}{}
		}
	}
	return NewFilter(FilterUsers, func(evt *schema.Event) bool {
		if len(allowed) == 0 {
			return true
		}
		_, ok := allowed[strings.ToLower(evt.User.Username)]
		return ok
	})
}

// NewKeywordFilter allows events whose searchable text contains at least one
// keyword, case-insensitively. An empty set allows everything.
func NewKeywordFilter(keywords []string) Filter {
	lowered := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			lowered = append(lowered, kw)
		}
	}
	return NewFilter(FilterKeywords, func(evt *schema.Event) bool {
		if len(lowered) == 0 {
			return true
		}
		text := strings.ToLower(searchableText(evt))
		for _, kw := range lowered {
			if strings.Contains(text, kw) {
				return true
			}
		}
		return false
	})
}

// NewQueryFilter allows events whose searchable text contains the query,
// case-insensitively.
func NewQueryFilter(query string) Filter {
	lowered := strings.ToLower(strings.TrimSpace(query))
	return NewFilter(FilterQuery, func(evt *schema.Event) bool {
		if lowered == "" {
			return true
		}
		return strings.Contains(strings.ToLower(searchableText(evt)), lowered)
	})
}

// searchableText flattens the human-readable fields of an event into one
// string for keyword and query matching. The fields included depend on the
// payload family.
func searchableText(evt *schema.Event) string {
	if evt == nil {
		return ""
	}
	parts := make([]string, 0, 8)
	appendPart := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}

	appendPart(evt.User.Username)
	appendPart(evt.User.DisplayName)

	switch {
	case evt.Type.IsPost():
		if data, ok := evt.Post(); ok && data.Tweet != nil {
			if data.Tweet.Body != nil {
				appendPart(data.Tweet.Body.Text)
			}
			if data.Tweet.Author != nil && data.Tweet.Author.Profile != nil {
				appendPart(data.Tweet.Author.Profile.Name)
			}
		}
	case evt.Type.IsProfile():
		if data, ok := evt.Profile(); ok && data.User != nil && data.User.Profile != nil {
			appendPart(data.User.Profile.Name)
			if data.User.Profile.Description != nil {
				appendPart(data.User.Profile.Description.Text)
			}
		}
	case evt.Type.IsFollow():
		if data, ok := evt.Follow(); ok {
			if data.User != nil && data.User.Profile != nil {
				appendPart(data.User.Profile.Name)
			}
			if data.Following != nil {
				if data.Following.Profile != nil {
					appendPart(data.Following.Profile.Name)
				}
				appendPart(data.Following.Handle)
			}
		}
	}

	return strings.Join(parts, " ")
}

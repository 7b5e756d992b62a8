package filter

import (
	"strings"
	"sync"

	"github.com/featherwire/aviary/internal/domain/schema"
)

// Config is a snapshot of the pipeline's active constraints.
type Config struct {
	EventTypes []schema.EventType `json:"eventTypes"`
	Users      []string           `json:"users"`
	Keywords   []string           `json:"keywords"`
	Query      string             `json:"query,omitempty"`
}

// Pipeline evaluates events against an AND-composed chain of named filters.
// Evaluation short-circuits on the first filter that rejects.
type Pipeline struct {
	mu      sync.RWMutex
	names   []string
	filters map[string]Filter

	eventTypes []schema.EventType
	users      []string
	keywords   []string
	query      string
}

// NewPipeline constructs a pipeline in its default state: all event types
// allowed, no user, keyword or query constraints.
func NewPipeline() *Pipeline {
	p := new(Pipeline)
	p.reset()
	return p
}

func (p *Pipeline) reset() {
	p.names = nil
	p.filters = make(map[string]Filter)
	p.eventTypes = schema.AllEventTypes()
	p.users = nil
	p.keywords = nil
	p.query = ""
}

// ShouldDisplay reports whether the event passes every installed filter.
// Nil events never display.
func (p *Pipeline) ShouldDisplay(evt *schema.Event) bool {
	if evt == nil {
		return false
	}

	p.mu.RLock()
	chain := make([]Filter, 0, len(p.names))
	for _, name := range p.names {
		if f, ok := p.filters[name]; ok {
			chain = append(chain, f)
		}
	}
	p.mu.RUnlock()

	for _, f := range chain {
		if !f.Allows(evt) {
			return false
		}
	}
	return true
}

// AddFilter installs a filter. A filter with the same name is replaced in
// place, keeping its evaluation position.
func (p *Pipeline) AddFilter(f Filter) {
	if f == nil || f.Name() == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addLocked(f)
}

func (p *Pipeline) addLocked(f Filter) {
	name := f.Name()
	if _, exists := p.filters[name]; !exists {
		p.names = append(p.names, name)
	}
	p.filters[name] = f
}

// RemoveFilter uninstalls the named filter. Unknown names are a no-op.
func (p *Pipeline) RemoveFilter(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(name)
}

func (p *Pipeline) removeLocked(name string) {
	if _, exists := p.filters[name]; !exists {
		return
	}
	delete(p.filters, name)
	for i, n := range p.names {
		if n == name {
			p.names = append(p.names[:i], p.names[i+1:]...)
			break
		}
	}
}

// SetEventTypes constrains delivery to the given event types. An empty or
// all-inclusive set restores the default of every type allowed.
func (p *Pipeline) SetEventTypes(types []schema.EventType) {
	valid := make([]schema.EventType, 0, len(types))
	seen := make(map[schema.EventType]struct{}, len(types))
	for _, t := range types {
		if !t.Valid() {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		valid = append(valid, t)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(valid) == 0 || len(valid) == len(schema.AllEventTypes()) {
		p.eventTypes = schema.AllEventTypes()
		p.removeLocked(FilterEventTypes)
		return
	}
	p.eventTypes = valid
	p.addLocked(NewEventTypeFilter(valid))
}

// SetUsers constrains delivery to the given usernames, case-insensitively
// and ignoring any leading "@". An empty set removes the constraint.
func (p *Pipeline) SetUsers(users []string) {
	cleaned := make([]string, 0, len(users))
	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		u = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(u)), "@")
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		cleaned = append(cleaned, u)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(cleaned) == 0 {
		p.users = nil
		p.removeLocked(FilterUsers)
		return
	}
	p.users = cleaned
	p.addLocked(NewUserFilter(cleaned))
}

// SetKeywords constrains delivery to events matching at least one keyword.
// Callers validate with ValidateKeywords first; an empty set removes the
// constraint.
func (p *Pipeline) SetKeywords(keywords []string) {
	cleaned := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			cleaned = append(cleaned, kw)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(cleaned) == 0 {
		p.keywords = nil
		p.removeLocked(FilterKeywords)
		return
	}
	p.keywords = cleaned
	p.addLocked(NewKeywordFilter(cleaned))
}

// SetQuery installs a free-text constraint over the searchable text. An
// empty query removes it.
func (p *Pipeline) SetQuery(query string) {
	query = strings.TrimSpace(query)

	p.mu.Lock()
	defer p.mu.Unlock()
	if query == "" {
		p.query = ""
		p.removeLocked(FilterQuery)
		return
	}
	p.query = query
	p.addLocked(NewQueryFilter(query))
}

// Config returns a defensive copy of the active constraints.
func (p *Pipeline) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cfg := Config{
		EventTypes: make([]schema.EventType, len(p.eventTypes)),
		Users:      make([]string, len(p.users)),
		Keywords:   make([]string, len(p.keywords)),
		Query:      p.query,
	}
	copy(cfg.EventTypes, p.eventTypes)
	copy(cfg.Users, p.users)
	copy(cfg.Keywords, p.keywords)
	return cfg
}

// HasActiveFilters reports whether any filter is installed.
func (p *Pipeline) HasActiveFilters() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.names) > 0
}

// ClearAll restores the default state: all event types allowed, no users,
// keywords or query.
func (p *Pipeline) ClearAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
}

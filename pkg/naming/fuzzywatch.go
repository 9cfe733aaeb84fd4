package naming

import (
	"strings"
	"sync"
)

// FuzzyWatchPattern is a glob subscription over (namespace, group, service),
// parsed from a groupKeyPattern of the form "namespace+group+serviceName".
type FuzzyWatchPattern struct {
	Namespace          string
	GroupPattern       string
	ServiceNamePattern string
	WatchType          string
}

// ParseFuzzyWatchPattern parses a groupKeyPattern. Three-or-more '+'-separated
// parts give namespace, group, and a service-name pattern rejoined from the
// remainder (so a service name containing '+' survives); exactly two parts
// defaults the service-name pattern to "*". Anything else is invalid.
func ParseFuzzyWatchPattern(groupKeyPattern string) (FuzzyWatchPattern, bool) {
	parts := strings.Split(groupKeyPattern, "+")
	switch {
	case len(parts) >= 3:
		return FuzzyWatchPattern{
			Namespace:          parts[0],
			GroupPattern:       parts[1],
			ServiceNamePattern: strings.Join(parts[2:], "+"),
		}, true
	case len(parts) == 2:
		return FuzzyWatchPattern{
			Namespace:          parts[0],
			GroupPattern:       parts[1],
			ServiceNamePattern: "*",
		}, true
	default:
		return FuzzyWatchPattern{}, false
	}
}

// Matches reports whether the given service identity satisfies the pattern.
func (p FuzzyWatchPattern) Matches(namespace, group, serviceName string) bool {
	if p.Namespace != namespace && p.Namespace != "*" {
		return false
	}
	return globMatch(p.GroupPattern, group) && globMatch(p.ServiceNamePattern, serviceName)
}

// BuildGroupKey renders the canonical "namespace+group+serviceName" key.
func BuildGroupKey(namespace, group, serviceName string) string {
	return namespace + "+" + group + "+" + serviceName
}

// globMatch implements the restricted glob dialect used by fuzzy-watch
// patterns: '*' matches any run of characters (including none); every other
// rune must match literally. An empty or "*" pattern always matches.
func globMatch(pattern, text string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	return matchGlobSegments(pattern, text)
}

func matchGlobSegments(pattern, text string) bool {
	// Standard greedy backtracking glob match, iterative to avoid recursion
	// blowing the stack on adversarial inputs.
	var pIdx, tIdx int
	var starIdx, matchIdx = -1, 0

	for tIdx < len(text) {
		if pIdx < len(pattern) && (pattern[pIdx] == text[tIdx]) {
			pIdx++
			tIdx++
		} else if pIdx < len(pattern) && pattern[pIdx] == '*' {
			starIdx = pIdx
			matchIdx = tIdx
			pIdx++
		} else if starIdx != -1 {
			pIdx = starIdx + 1
			matchIdx++
			tIdx = matchIdx
		} else {
			return false
		}
	}

	for pIdx < len(pattern) && pattern[pIdx] == '*' {
		pIdx++
	}

	return pIdx == len(pattern)
}

// FuzzyWatchManager tracks, per connection, the set of fuzzy-watch patterns
// it registered and which group keys it has already been pushed — so a
// reconnecting watcher can be sent only what it's missing instead of a full
// resync, per the ReceivedKeys dedup set grounded in the original
// implementation.
type FuzzyWatchManager struct {
	mu       sync.RWMutex
	watchers map[string][]FuzzyWatchPattern
	received map[string]map[string]struct{}
}

// NewFuzzyWatchManager creates an empty manager.
func NewFuzzyWatchManager() *FuzzyWatchManager {
	return &FuzzyWatchManager{
		watchers: make(map[string][]FuzzyWatchPattern),
		received: make(map[string]map[string]struct{}),
	}
}

// RegisterWatch parses groupKeyPattern and, if valid, appends it to
// connectionID's pattern list. Returns false on an unparsable pattern.
func (m *FuzzyWatchManager) RegisterWatch(connectionID, groupKeyPattern, watchType string) bool {
	pattern, ok := ParseFuzzyWatchPattern(groupKeyPattern)
	if !ok {
		return false
	}
	pattern.WatchType = watchType

	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers[connectionID] = append(m.watchers[connectionID], pattern)
	return true
}

// UnregisterConnection drops every pattern and received-key entry for a
// connection, typically on disconnect.
func (m *FuzzyWatchManager) UnregisterConnection(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watchers, connectionID)
	delete(m.received, connectionID)
}

// MarkReceived records that connectionID has already seen groupKey.
func (m *FuzzyWatchManager) MarkReceived(connectionID, groupKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.received[connectionID]
	if !ok {
		set = make(map[string]struct{})
		m.received[connectionID] = set
	}
	set[groupKey] = struct{}{}
}

// MarkReceivedBatch records multiple group keys as received in one call.
func (m *FuzzyWatchManager) MarkReceivedBatch(connectionID string, groupKeys []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.received[connectionID]
	if !ok {
		set = make(map[string]struct{}, len(groupKeys))
		m.received[connectionID] = set
	}
	for _, k := range groupKeys {
		set[k] = struct{}{}
	}
}

// IsReceived reports whether connectionID has already been pushed groupKey.
func (m *FuzzyWatchManager) IsReceived(connectionID, groupKey string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.received[connectionID]
	if !ok {
		return false
	}
	_, seen := set[groupKey]
	return seen
}

// GetWatchersForService returns every connection with at least one pattern
// matching the given service identity.
func (m *FuzzyWatchManager) GetWatchersForService(namespace, group, serviceName string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for connID, patterns := range m.watchers {
		for _, p := range patterns {
			if p.Matches(namespace, group, serviceName) {
				out = append(out, connID)
				break
			}
		}
	}
	return out
}

// GetPatterns returns a copy of connectionID's registered patterns.
func (m *FuzzyWatchManager) GetPatterns(connectionID string) []FuzzyWatchPattern {
	m.mu.RLock()
	defer m.mu.RUnlock()
	patterns := m.watchers[connectionID]
	out := make([]FuzzyWatchPattern, len(patterns))
	copy(out, patterns)
	return out
}

// WatcherCount returns the number of connections with at least one pattern.
func (m *FuzzyWatchManager) WatcherCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.watchers)
}

// PatternCount returns the total number of patterns across all connections.
func (m *FuzzyWatchManager) PatternCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, patterns := range m.watchers {
		total += len(patterns)
	}
	return total
}

package router

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Selection is a routing decision: the chosen agent and its confidence.
type Selection struct {
	Tag        AgentTag
	Confidence float64
}

// Score weights. Patterns outrank bare keywords, attachment type hints
// outrank both.
const (
	keywordWeight    = 1.0
	patternWeight    = 1.5
	attachmentWeight = 2.0
)

// Router scores queries against the fixed agent table. Extra keywords can
// be layered in from an overrides file; a snapshot of the merged table is
// taken per call so classification stays deterministic.
type Router struct {
	threshold float64

	mu        sync.RWMutex
	overrides map[AgentTag][]string
}

// New creates a router with the given fallback threshold in (0, 1).
func New(threshold float64) (*Router, error) {
	if threshold <= 0 || threshold >= 1 {
		return nil, fmt.Errorf("threshold must be in (0, 1), got %v", threshold)
	}
	return &Router{
		threshold: threshold,
		overrides: make(map[AgentTag][]string),
	}, nil
}

// Threshold returns the fallback threshold.
func (r *Router) Threshold() float64 {
	return r.threshold
}

// SetOverrides replaces the extra-keyword layer. Unknown tags are ignored
// by scoring since they never appear in the agent table.
func (r *Router) SetOverrides(overrides map[AgentTag][]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.overrides = make(map[AgentTag][]string, len(overrides))
	for tag, kws := range overrides {
		r.overrides[tag] = append([]string(nil), kws...)
	}
}

// Classify selects exactly one agent for the query. The highest score wins;
// ties break by declared priority. A top score whose confidence falls below
// the threshold selects the general fallback at threshold confidence.
func (r *Router) Classify(queryText string, attachments []Attachment) Selection {
	r.mu.RLock()
	overrides := r.overrides
	r.mu.RUnlock()

	lower := strings.ToLower(queryText)

	var (
		best      *agentSpec
		bestScore float64
	)
	for i := range agentTable {
		spec := &agentTable[i]
		score := scoreAgent(spec, overrides[spec.tag], lower, attachments)
		if score == 0 {
			continue
		}
		// Ties break by declared priority, lowest wins, independent of
		// table order.
		if best == nil || score > bestScore || (score == bestScore && spec.priority < best.priority) {
			best = spec
			bestScore = score
		}
	}

	if best == nil {
		return Selection{Tag: TagGeneral, Confidence: r.threshold}
	}

	confidence := bestScore / (bestScore + 2.0)
	if confidence < r.threshold {
		return Selection{Tag: TagGeneral, Confidence: r.threshold}
	}
	return Selection{Tag: best.tag, Confidence: confidence}
}

// IsComplexDesign reports whether the query warrants the long timeout tier:
// process-diagram or datasheet language, or an attached engineering
// document format. Independent of which agent Classify picks.
func IsComplexDesign(queryText string, attachments []Attachment) bool {
	for _, re := range complexDesignPatterns {
		if re.MatchString(queryText) {
			return true
		}
	}
	for _, att := range attachments {
		ext := strings.ToLower(filepath.Ext(att.Name))
		for _, want := range engineeringDocExts {
			if ext == want {
				return true
			}
		}
	}
	return false
}

func scoreAgent(spec *agentSpec, extraKeywords []string, lowerQuery string, attachments []Attachment) float64 {
	var score float64

	for _, kw := range spec.keywords {
		if strings.Contains(lowerQuery, kw) {
			score += keywordWeight
		}
	}
	for _, kw := range extraKeywords {
		if kw != "" && strings.Contains(lowerQuery, strings.ToLower(kw)) {
			score += keywordWeight
		}
	}
	for _, re := range spec.patterns {
		if re.MatchString(lowerQuery) {
			score += patternWeight
		}
	}

	if len(spec.attachmentEx) > 0 {
		for _, att := range attachments {
			ext := strings.ToLower(filepath.Ext(att.Name))
			for _, want := range spec.attachmentEx {
				if ext == want {
					score += attachmentWeight
				}
			}
		}
	}
	return score
}

package router

import "regexp"

// AgentTag identifies one of the fixed specialist agents. The set is
// closed: every routing decision lands on exactly one of these.
type AgentTag string

const (
	TagDesign      AgentTag = "design"
	TagCRM         AgentTag = "crm"
	TagAnalytics   AgentTag = "analytics"
	TagDocuments   AgentTag = "documents"
	TagSafety      AgentTag = "safety"
	TagEstimation  AgentTag = "estimation"
	TagScheduling  AgentTag = "scheduling"
	TagProcurement AgentTag = "procurement"
	TagQuality     AgentTag = "quality"
	// TagGeneral is the implicit fallback when no specialist clears the
	// confidence threshold. It is not part of the scored population.
	TagGeneral AgentTag = "general"
)

// Attachment describes an uploaded file as far as routing cares: name,
// declared content type, size, and a coarse kind (audio, document, image).
type Attachment struct {
	Name        string
	ContentType string
	SizeBytes   int64
	Kind        string
}

// agentSpec is one row of the routing table: keyword and pattern matchers
// plus attachment extensions that pull toward the agent. Priority breaks
// score ties; lower wins.
type agentSpec struct {
	tag          AgentTag
	priority     int
	keywords     []string
	patterns     []*regexp.Regexp
	attachmentEx []string
}

// engineeringDocExts are CAD and engineering drawing formats. Their
// presence is a strong design signal and a complex-design indicator.
var engineeringDocExts = []string{".dwg", ".dxf", ".step", ".stp", ".iges", ".igs"}

// complexDesignPatterns flag process-diagram and datasheet language that
// warrants the long timeout tier regardless of agent choice.
var complexDesignPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bp&id\b`),
	regexp.MustCompile(`(?i)\bpfd\b`),
	regexp.MustCompile(`(?i)process\s+(flow\s+)?diagram`),
	regexp.MustCompile(`(?i)data\s?sheet`),
	regexp.MustCompile(`(?i)\bhazop\b`),
	regexp.MustCompile(`(?i)separator\s+sizing`),
	regexp.MustCompile(`(?i)line\s+sizing`),
}

// agentTable is the fixed routing population in declared priority order.
var agentTable = []agentSpec{
	{
		tag:      TagDesign,
		priority: 1,
		keywords: []string{
			"design", "sizing", "size a", "separator", "vessel", "pump",
			"compressor", "heat exchanger", "pfd", "datasheet", "bpd",
			"flow rate", "pressure drop",
		},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bp&id\b`),
			regexp.MustCompile(`(?i)\d+\s*(bpd|mmscfd|gpm|psig)\b`),
		},
		attachmentEx: engineeringDocExts,
	},
	{
		tag:      TagCRM,
		priority: 2,
		keywords: []string{
			"pipeline", "deal", "customer", "contact", "lead", "opportunity",
			"account", "crm", "show me", "navigate",
		},
	},
	{
		tag:      TagAnalytics,
		priority: 3,
		keywords: []string{
			"analyze", "analysis", "trend", "forecast", "report on",
			"kpi", "dashboard", "chart", "metric",
		},
	},
	{
		tag:      TagDocuments,
		priority: 4,
		keywords: []string{
			"summarize", "summary", "extract", "document", "transcript",
			"read this", "what does this say",
		},
		attachmentEx: []string{".pdf", ".docx", ".doc", ".txt", ".md"},
	},
	{
		tag:      TagSafety,
		priority: 5,
		keywords: []string{
			"safety", "hazard", "incident", "risk assessment", "ppe",
			"msds", "lopa", "permit to work",
		},
	},
	{
		tag:      TagEstimation,
		priority: 6,
		keywords: []string{
			"cost", "estimate", "budget", "quote", "capex", "opex", "pricing",
		},
	},
	{
		tag:      TagScheduling,
		priority: 7,
		keywords: []string{
			"schedule", "deadline", "milestone", "timeline", "gantt",
			"critical path", "when can",
		},
	},
	{
		tag:      TagProcurement,
		priority: 8,
		keywords: []string{
			"purchase", "vendor", "supplier", "procurement", "rfq",
			"purchase order", "long lead",
		},
	},
	{
		tag:      TagQuality,
		priority: 9,
		keywords: []string{
			"quality", "inspection", "defect", "audit", "tolerance",
			"ncr", "weld", "ndt",
		},
	},
}

// Tags returns the scored agent tags in declared priority order.
func Tags() []AgentTag {
	tags := make([]AgentTag, 0, len(agentTable))
	for _, spec := range agentTable {
		tags = append(tags, spec.tag)
	}
	return tags
}

// ValidTag reports whether the tag names a scored agent or the fallback.
func ValidTag(tag AgentTag) bool {
	if tag == TagGeneral {
		return true
	}
	for _, spec := range agentTable {
		if spec.tag == tag {
			return true
		}
	}
	return false
}

// Package router classifies queries onto a closed set of specialist agents.
// Classification is a pure function over the query text and attachment
// hints: the same input always selects the same agent with the same
// confidence. A configurable threshold guards against weak matches by
// falling back to the general agent. The router also decides, independently
// of agent selection, whether a query looks like complex design work, which
// drives the subprocess timeout tier.
package router

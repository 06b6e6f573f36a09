// Package csrlogic implements C10: the content-screening decision
// pipeline — scan data/file/app, delta-scan against history, severity
// arbitration across an application package, ask-user resolution, and
// judge (remove/ignore/unignore).
package csrlogic

import (
	"sync"

	"csrd/internal/model"
)

// Scope is the target kind a detection was produced for, the first
// axis of the ask-user policy table (§4.7.4).
type Scope int

const (
	ScopeData Scope = iota
	ScopeFile
	ScopeApp
)

// PromptKindFor implements §4.7.4's table: LOW is treated as MEDIUM;
// MEDIUM asks, HIGH notifies, for every scope.
func PromptKindFor(scope Scope, sev model.Severity) model.PromptKind {
	effective := sev
	if effective == model.SeverityLow {
		effective = model.SeverityMedium
	}
	switch scope {
	case ScopeApp:
		if effective == model.SeverityHigh {
			return model.PromptCSNotify
		}
		return model.PromptCSAsk
	default:
		if effective == model.SeverityHigh {
			return model.PromptCSNotify
		}
		return model.PromptCSAsk
	}
}

// PromptStats tracks how many prompts were issued and how they were
// resolved, grounded on the teacher's policy.Engine flaggedSessions
// map (internal/policy/policy.go) — a mutex-guarded counter map
// rather than the teacher's open-ended rule-evaluation engine, scoped
// down to the closed scope/severity table this package actually
// needs.
type PromptStats struct {
	mu        sync.Mutex
	byKind    map[model.PromptKind]int
	byResp    map[model.UserResponse]int
}

// NewPromptStats returns an empty PromptStats.
func NewPromptStats() *PromptStats {
	return &PromptStats{
		byKind: make(map[model.PromptKind]int),
		byResp: make(map[model.UserResponse]int),
	}
}

// Record registers one completed prompt.
func (s *PromptStats) Record(kind model.PromptKind, resp model.UserResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKind[kind]++
	s.byResp[resp]++
}

// Snapshot returns copies of the current counters.
func (s *PromptStats) Snapshot() (byKind map[model.PromptKind]int, byResp map[model.UserResponse]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKind = make(map[model.PromptKind]int, len(s.byKind))
	for k, v := range s.byKind {
		byKind[k] = v
	}
	byResp = make(map[model.UserResponse]int, len(s.byResp))
	for k, v := range s.byResp {
		byResp[k] = v
	}
	return byKind, byResp
}

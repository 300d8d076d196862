// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

// Package security provides advisory prompt screening. The screener
// flags suspected injection and abuse patterns for audit, but it never
// blocks a request: detection quality is not good enough to reject
// paying traffic on, so results feed logging and metrics only.
package security

import (
	"regexp"
	"strings"
)

// ThreatType categorizes a detected pattern.
type ThreatType string

const (
	ThreatPromptInjection  ThreatType = "prompt_injection"
	ThreatJailbreak        ThreatType = "jailbreak"
	ThreatSQLInjection     ThreatType = "sql_injection"
	ThreatCommandInjection ThreatType = "command_injection"
	ThreatDataExfiltration ThreatType = "data_exfiltration"
	ThreatScriptInjection  ThreatType = "script_injection"
)

// ThreatSeverity is the base risk weight of a pattern category.
type ThreatSeverity string

const (
	SeverityLow      ThreatSeverity = "low"
	SeverityMedium   ThreatSeverity = "medium"
	SeverityHigh     ThreatSeverity = "high"
	SeverityCritical ThreatSeverity = "critical"
)

// severityScore maps a severity to its risk contribution.
func severityScore(s ThreatSeverity) float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeverityHigh:
		return 0.7
	case SeverityMedium:
		return 0.4
	case SeverityLow:
		return 0.2
	default:
		return 0.0
	}
}

// Detection is a single matched pattern.
type Detection struct {
	Type       ThreatType     `json:"type"`
	Severity   ThreatSeverity `json:"severity"`
	Pattern    string         `json:"pattern"`
	Match      string         `json:"match"`
	Confidence float64        `json:"confidence"`
	Dampened   bool           `json:"dampened,omitempty"`
}

// Result is the outcome of screening one prompt.
//
// IsSafe is always true: the screener is advisory and the orchestrator
// must never block on it. RiskScore and Detections exist for audit
// trails and alerting.
type Result struct {
	IsSafe     bool        `json:"is_safe"`
	RiskScore  float64     `json:"risk_score"`
	Detections []Detection `json:"detections,omitempty"`
}

// threatPattern is one compiled detection rule.
type threatPattern struct {
	threat   ThreatType
	severity ThreatSeverity
	name     string
	pattern  *regexp.Regexp
}

// quotedContextMarkers mark text the caller pasted as data rather than
// wrote as an instruction. Matches inside such text get their
// confidence dampened: a security article quoting "ignore previous
// instructions" is not an attack.
var quotedContextMarkers = []string{
	"document:",
	"context:",
	"source:",
	"quote:",
	"excerpt:",
}

// dampingFactor is applied to the confidence of matches found in
// system-role messages or quoted context.
const dampingFactor = 0.5

var threatPatterns = []*threatPattern{
	// Prompt injection: attempts to override the system prompt.
	{ThreatPromptInjection, SeverityHigh, "instruction_override",
		regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`)},
	{ThreatPromptInjection, SeverityHigh, "prompt_reveal",
		regexp.MustCompile(`(?i)(reveal|show|print|repeat)\s+(your|the)\s+(system\s+)?(prompt|instructions?)`)},
	{ThreatPromptInjection, SeverityMedium, "role_reassignment",
		regexp.MustCompile(`(?i)you\s+are\s+(now|no\s+longer)\s+`)},
	{ThreatPromptInjection, SeverityMedium, "delimiter_escape",
		regexp.MustCompile(`(?i)(</?(system|assistant|user)>|\[/?INST\]|<\|im_(start|end)\|>)`)},

	// Jailbreak: attempts to disable safety behavior.
	{ThreatJailbreak, SeverityHigh, "dan_persona",
		regexp.MustCompile(`(?i)\b(DAN|do\s+anything\s+now)\b.*\b(mode|persona|jailbreak)\b`)},
	{ThreatJailbreak, SeverityHigh, "safety_bypass",
		regexp.MustCompile(`(?i)(disable|bypass|ignore|without)\s+(your\s+)?(safety|content|ethical)\s+(filters?|guidelines?|restrictions?)`)},
	{ThreatJailbreak, SeverityMedium, "hypothetical_framing",
		regexp.MustCompile(`(?i)pretend\s+(you|that)\s+.{0,40}(no\s+restrictions?|unrestricted|uncensored)`)},

	// SQL injection carried in prompts destined for tool execution.
	{ThreatSQLInjection, SeverityCritical, "stacked_drop",
		regexp.MustCompile(`(?i)['"]?\s*;\s*(drop|truncate|delete)\s+(table|database|from)\s`)},
	{ThreatSQLInjection, SeverityHigh, "union_select",
		regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`)},
	{ThreatSQLInjection, SeverityMedium, "tautology",
		regexp.MustCompile(`(?i)['"]\s*or\s+['"]?1['"]?\s*=\s*['"]?1`)},

	// Command injection.
	{ThreatCommandInjection, SeverityCritical, "shell_chain",
		regexp.MustCompile(`(?i)(;|\|\||&&)\s*(rm\s+-rf|curl\s+.+\|\s*(ba)?sh|wget\s+.+\|\s*(ba)?sh)`)},
	{ThreatCommandInjection, SeverityHigh, "path_traversal",
		regexp.MustCompile(`\.\./\.\./|/etc/(passwd|shadow)`)},

	// Data exfiltration: asking the model to leak its context.
	{ThreatDataExfiltration, SeverityHigh, "context_dump",
		regexp.MustCompile(`(?i)(send|post|exfiltrate|forward)\s+.{0,40}(conversation|context|history|secrets?|credentials?)\s+to\s+(http|www|[a-z0-9.-]+\.[a-z]{2,})`)},
	{ThreatDataExfiltration, SeverityMedium, "secret_fishing",
		regexp.MustCompile(`(?i)(list|show|print)\s+(all\s+)?(api\s+keys?|passwords?|tokens?|credentials?)`)},

	// Script injection into downstream renderers.
	{ThreatScriptInjection, SeverityMedium, "script_tag",
		regexp.MustCompile(`(?i)<script[\s>]|javascript:\s*\w|onerror\s*=`)},
}

// Screener runs the advisory pattern checks. Safe for concurrent use;
// the pattern table is immutable after construction.
type Screener struct {
	patterns []*threatPattern
}

// NewScreener creates a screener with the built-in pattern table.
func NewScreener() *Screener {
	return &Screener{patterns: threatPatterns}
}

// ValidatePromptSecurity screens a prompt and returns an advisory
// result. role is the message role the text came from ("system"
// messages get dampened confidence). IsSafe is always true.
func (s *Screener) ValidatePromptSecurity(text, role string) Result {
	result := Result{IsSafe: true}
	if text == "" {
		return result
	}

	dampened := role == "system" || inQuotedContext(text)

	var score float64
	for _, tp := range s.patterns {
		match := tp.pattern.FindString(text)
		if match == "" {
			continue
		}

		confidence := severityScore(tp.severity)
		if dampened {
			confidence *= dampingFactor
		}

		result.Detections = append(result.Detections, Detection{
			Type:       tp.threat,
			Severity:   tp.severity,
			Pattern:    tp.name,
			Match:      truncate(match, 120),
			Confidence: confidence,
			Dampened:   dampened,
		})
		score += confidence
	}

	if score > 1.0 {
		score = 1.0
	}
	result.RiskScore = score
	return result
}

// inQuotedContext reports whether the text presents pasted material
// (documents, quotes, retrieved context) rather than direct
// instructions.
func inQuotedContext(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range quotedContextMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

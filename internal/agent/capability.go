package agent

import (
	"fmt"
	"strings"
)

// =============================================================================
// CAPABILITIES
// =============================================================================

// Capability names a function an agent advertises. The set is closed; spawn
// requests and lookups validate against it.
type Capability string

const (
	CapWebSearch           Capability = "web_search"
	CapAcademicSearch      Capability = "academic_search"
	CapDataCollection      Capability = "data_collection"
	CapAnalysis            Capability = "analysis"
	CapStatisticalAnalysis Capability = "statistical_analysis"
	CapSentimentAnalysis   Capability = "sentiment_analysis"
	CapSynthesis           Capability = "synthesis"
	CapSummarization       Capability = "summarization"
	CapReportGeneration    Capability = "report_generation"
	CapTranslation         Capability = "translation"
	CapMultilingual        Capability = "multilingual"
	CapFactChecking        Capability = "fact_checking"
	CapCriticalThinking    Capability = "critical_thinking"
	CapCreativeThinking    Capability = "creative_thinking"
	CapFinancialAnalysis   Capability = "financial_analysis"
	CapStrategicPlanning   Capability = "strategic_planning"
	CapCodeAnalysis        Capability = "code_analysis"
	CapTechnicalWriting    Capability = "technical_writing"
	CapQualityAssurance    Capability = "quality_assurance"
	CapJudging             Capability = "judging"
)

var allCapabilities = map[Capability]bool{
	CapWebSearch: true, CapAcademicSearch: true, CapDataCollection: true,
	CapAnalysis: true, CapStatisticalAnalysis: true, CapSentimentAnalysis: true,
	CapSynthesis: true, CapSummarization: true, CapReportGeneration: true,
	CapTranslation: true, CapMultilingual: true, CapFactChecking: true,
	CapCriticalThinking: true, CapCreativeThinking: true,
	CapFinancialAnalysis: true, CapStrategicPlanning: true,
	CapCodeAnalysis: true, CapTechnicalWriting: true,
	CapQualityAssurance: true, CapJudging: true,
}

// ParseCapability validates a capability name. Names are case-insensitive;
// enum-style upper-case forms are accepted.
func ParseCapability(name string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(name)))
	if !allCapabilities[c] {
		return "", fmt.Errorf("unknown capability %q", name)
	}
	return c, nil
}

// ParseCapabilities validates a list of names, rejecting the whole list on
// the first unknown entry.
func ParseCapabilities(names []string) ([]Capability, error) {
	caps := make([]Capability, 0, len(names))
	for _, name := range names {
		c, err := ParseCapability(name)
		if err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, nil
}

// HasAll reports whether set covers every required capability.
func HasAll(set []Capability, required []Capability) bool {
	have := make(map[Capability]bool, len(set))
	for _, c := range set {
		have[c] = true
	}
	for _, c := range required {
		if !have[c] {
			return false
		}
	}
	return true
}

package agent

import "fmt"

// Capability identifies one kind of work an agent can perform. The wire tags
// are the upper-snake names used in events, mission checkpoints, and config
// files.
type Capability string

const (
	CapWebSearch          Capability = "WEB_SEARCH"
	CapDeepResearch       Capability = "DEEP_RESEARCH"
	CapSummarization      Capability = "SUMMARIZATION"
	CapFactCheck          Capability = "FACT_CHECK"
	CapDocumentProcessing Capability = "DOCUMENT_PROCESSING"
	CapImageAnalysis      Capability = "IMAGE_ANALYSIS"
	CapAudioTranscription Capability = "AUDIO_TRANSCRIPTION"
	CapLegalAnalysis      Capability = "LEGAL_ANALYSIS"
	CapLegalResearch      Capability = "LEGAL_RESEARCH"
	CapContractReview     Capability = "CONTRACT_REVIEW"
	CapCodeGeneration     Capability = "CODE_GENERATION"
	CapCodeReview         Capability = "CODE_REVIEW"
	CapConversation       Capability = "CONVERSATION"
	CapTranslation        Capability = "TRANSLATION"

	// CapUnknown tags capability strings from the wire that this build does
	// not recognize. Unknown capabilities never match during routing.
	CapUnknown Capability = "UNKNOWN"
)

var knownCapabilities = map[Capability]bool{
	CapWebSearch:          true,
	CapDeepResearch:       true,
	CapSummarization:      true,
	CapFactCheck:          true,
	CapDocumentProcessing: true,
	CapImageAnalysis:      true,
	CapAudioTranscription: true,
	CapLegalAnalysis:      true,
	CapLegalResearch:      true,
	CapContractReview:     true,
	CapCodeGeneration:     true,
	CapCodeReview:         true,
	CapConversation:       true,
	CapTranslation:        true,
}

// ParseCapability maps a wire string to a Capability. Unrecognized strings
// return CapUnknown and ok=false rather than an error so callers can decide
// whether to reject or route around them.
func ParseCapability(s string) (Capability, bool) {
	c := Capability(s)
	if knownCapabilities[c] {
		return c, true
	}
	return CapUnknown, false
}

// Validate checks if the Capability is a valid enum value.
func (c Capability) Validate() error {
	if !knownCapabilities[c] {
		return fmt.Errorf("unknown capability: %q", c)
	}
	return nil
}

// String returns the wire tag.
func (c Capability) String() string {
	return string(c)
}

// Package classify decides the provider family for an inference request
// and whether it qualifies for premium escalation.
package classify

import "strings"

// Route values assigned to a request.
const (
	RouteText  = "text"
	RouteMedia = "media"
)

// Reason values explaining a classification.
const (
	ReasonMediaDetected      = "media_detected"
	ReasonRiskOrPolicyPrompt = "risk_or_policy_prompt"
	ReasonDefaultTextRoute   = "default_text_route"
)

var mediaKeywords = []string{
	"image",
	"video",
	"audio",
	"transcribe",
	"voice note",
	"speech",
}

var escalationKeywords = []string{
	"legal",
	"medical",
	"compliance",
	"contract",
	"regulated",
	"breach",
	"incident response",
	"security policy",
}

// Classification is the routing decision for a single request.
type Classification struct {
	Route    string
	Escalate bool
	Reason   string
}

// Classify inspects prompt text, media URL and caller metadata. It is a
// pure function with no failure mode. Media detection takes precedence
// over the risk reason; the escalate flag is computed independently so a
// media request can still carry it (the dispatcher ignores it there).
func Classify(prompt, mediaURL string, metadata map[string]any) Classification {
	lowered := strings.ToLower(prompt)

	media := mediaURL != "" || truthy(metadata["is_media"]) || containsAny(lowered, mediaKeywords)
	escalate := truthy(metadata["escalate_to_claude"]) || containsAny(lowered, escalationKeywords)

	c := Classification{Route: RouteText, Escalate: escalate, Reason: ReasonDefaultTextRoute}
	switch {
	case media:
		c.Route = RouteMedia
		c.Reason = ReasonMediaDetected
	case escalate:
		c.Reason = ReasonRiskOrPolicyPrompt
	}
	return c
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// truthy applies loose JSON truthiness to metadata values: false, zero,
// the empty string and empty collections are false, any other present
// value is true.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

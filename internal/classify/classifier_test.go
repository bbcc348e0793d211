package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyRoutes(t *testing.T) {
	tests := []struct {
		name     string
		prompt   string
		mediaURL string
		metadata map[string]any
		route    string
		escalate bool
		reason   string
	}{
		{
			name:   "plain text goes to text route",
			prompt: "Summarize the quarterly update",
			route:  RouteText,
			reason: ReasonDefaultTextRoute,
		},
		{
			name:     "media url forces media route",
			prompt:   "Summarize this",
			mediaURL: "https://cdn.example.com/clip.mp4",
			route:    RouteMedia,
			reason:   ReasonMediaDetected,
		},
		{
			name:     "is_media metadata forces media route",
			prompt:   "Summarize this",
			metadata: map[string]any{"is_media": true},
			route:    RouteMedia,
			reason:   ReasonMediaDetected,
		},
		{
			name:   "media keyword in prompt",
			prompt: "Transcribe the attached voice note",
			route:  RouteMedia,
			reason: ReasonMediaDetected,
		},
		{
			name:   "media keyword is case insensitive",
			prompt: "describe this IMAGE in detail",
			route:  RouteMedia,
			reason: ReasonMediaDetected,
		},
		{
			name:     "escalation keyword on text route",
			prompt:   "Review this contract for renewal risk",
			route:    RouteText,
			escalate: true,
			reason:   ReasonRiskOrPolicyPrompt,
		},
		{
			name:     "multiword escalation keyword",
			prompt:   "Draft the incident response summary",
			route:    RouteText,
			escalate: true,
			reason:   ReasonRiskOrPolicyPrompt,
		},
		{
			name:     "metadata escalation flag",
			prompt:   "Summarize the roadmap",
			metadata: map[string]any{"escalate_to_claude": true},
			route:    RouteText,
			escalate: true,
			reason:   ReasonRiskOrPolicyPrompt,
		},
		{
			name:     "media wins the reason even when escalation matches",
			prompt:   "Transcribe the legal deposition audio",
			route:    RouteMedia,
			escalate: true,
			reason:   ReasonMediaDetected,
		},
		{
			name:     "falsy metadata values do not trigger",
			prompt:   "Summarize the roadmap",
			metadata: map[string]any{"is_media": false, "escalate_to_claude": float64(0)},
			route:    RouteText,
			reason:   ReasonDefaultTextRoute,
		},
		{
			name:     "non-empty string metadata is truthy",
			prompt:   "Summarize the roadmap",
			metadata: map[string]any{"is_media": "yes"},
			route:    RouteMedia,
			reason:   ReasonMediaDetected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.prompt, tt.mediaURL, tt.metadata)
			assert.Equal(t, tt.route, got.Route)
			assert.Equal(t, tt.escalate, got.Escalate)
			assert.Equal(t, tt.reason, got.Reason)
		})
	}
}

func TestTruthy(t *testing.T) {
	assert.False(t, truthy(nil))
	assert.False(t, truthy(false))
	assert.False(t, truthy(""))
	assert.False(t, truthy(float64(0)))
	assert.False(t, truthy(map[string]any{}))
	assert.False(t, truthy([]any{}))
	assert.True(t, truthy(true))
	assert.True(t, truthy("false"))
	assert.True(t, truthy(float64(1)))
	assert.True(t, truthy([]any{"x"}))
}

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Analysis is the typed result of the turn affect analysis.
// All fields except Protected are required in the provider response.
type Analysis struct {
	EmotionalIntensity int      `json:"emotional_intensity"`
	EmotionalValence   string   `json:"emotional_valence"`
	EmotionalArousal   int      `json:"emotional_arousal"`
	EmotionalTags      []string `json:"emotional_tags"`
	Category           string   `json:"category"`
	Keywords           []string `json:"keywords"`
	Trigger            string   `json:"trigger"`
	Content            string   `json:"content"`
	Protected          bool     `json:"protected"`
}

// Classification is the typed result of retrieval-time query classification.
type Classification struct {
	Category string   `json:"category"`
	Valence  string   `json:"valence"`
	Arousal  int      `json:"arousal"`
	Tags     []string `json:"tags"`
}

// Compressed is the typed result of a summary or keyword compression call.
type Compressed struct {
	Trigger string `json:"trigger"`
	Content string `json:"content"`
}

var validValences = map[string]bool{"positive": true, "negative": true, "neutral": true}
var validCategories = map[string]bool{"casual": true, "work": true, "decision": true, "emotional": true}

// ExtractJSON pulls the JSON object out of an LLM response, stripping
// markdown code fences when present.
func ExtractJSON(text string) (string, error) {
	if i := strings.Index(text, "```json"); i >= 0 {
		text = text[i+7:]
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	} else if i := strings.Index(text, "```"); i >= 0 {
		text = text[i+3:]
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object in response")
	}
	return text[start : end+1], nil
}

// AnalyzeTurn runs the affect analysis for one turn and validates the
// response against the required schema. A missing or malformed field is a
// schema violation and fails the whole turn.
func AnalyzeTurn(ctx context.Context, client Client, userText, assistantText string) (*Analysis, error) {
	resp, err := client.Complete(ctx, AnalysisPrompt(userText, assistantText))
	if err != nil {
		return nil, fmt.Errorf("analysis call: %w", err)
	}

	raw, err := ExtractJSON(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("analysis response: %w", err)
	}

	// Decode into a map first so absent keys can be told apart from
	// zero values.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("analysis response: %w", err)
	}
	required := []string{
		"emotional_intensity", "emotional_valence", "emotional_arousal",
		"emotional_tags", "category", "keywords", "trigger", "content",
	}
	for _, key := range required {
		if _, ok := fields[key]; !ok {
			return nil, fmt.Errorf("analysis response: missing field %q", key)
		}
	}

	var a Analysis
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("analysis response: %w", err)
	}
	if a.EmotionalIntensity < 0 || a.EmotionalIntensity > 100 {
		return nil, fmt.Errorf("analysis response: emotional_intensity %d out of [0, 100]", a.EmotionalIntensity)
	}
	if a.EmotionalArousal < 0 || a.EmotionalArousal > 100 {
		return nil, fmt.Errorf("analysis response: emotional_arousal %d out of [0, 100]", a.EmotionalArousal)
	}
	if !validValences[a.EmotionalValence] {
		return nil, fmt.Errorf("analysis response: invalid valence %q", a.EmotionalValence)
	}
	if !validCategories[a.Category] {
		return nil, fmt.Errorf("analysis response: invalid category %q", a.Category)
	}
	return &a, nil
}

// Summarize runs the Level 1 → 2 summary prompt.
func Summarize(ctx context.Context, client Client, trigger, content string) (*Compressed, error) {
	return compress(ctx, client, SummaryPrompt(trigger, content))
}

// ExtractKeywords runs the Level 2 → 3 keyword prompt.
func ExtractKeywords(ctx context.Context, client Client, trigger, content string) (*Compressed, error) {
	return compress(ctx, client, KeywordPrompt(trigger, content))
}

func compress(ctx context.Context, client Client, prompt string) (*Compressed, error) {
	resp, err := client.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("compression call: %w", err)
	}
	raw, err := ExtractJSON(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("compression response: %w", err)
	}
	var c Compressed
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("compression response: %w", err)
	}
	if c.Trigger == "" || c.Content == "" {
		return nil, fmt.Errorf("compression response: empty trigger or content")
	}
	return &c, nil
}

// ClassifyQuery derives category and emotion context from a retrieval query.
// An invalid category falls back to casual; emotion fields are validated.
func ClassifyQuery(ctx context.Context, client Client, query string) (*Classification, error) {
	resp, err := client.Complete(ctx, ClassifyPrompt(query))
	if err != nil {
		return nil, fmt.Errorf("classify call: %w", err)
	}
	raw, err := ExtractJSON(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("classify response: %w", err)
	}
	var c Classification
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("classify response: %w", err)
	}
	if !validCategories[c.Category] {
		c.Category = "casual"
	}
	if !validValences[c.Valence] {
		c.Valence = "neutral"
	}
	if c.Arousal < 0 {
		c.Arousal = 0
	}
	if c.Arousal > 100 {
		c.Arousal = 100
	}
	return &c, nil
}

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractJSONObject_StripsMarkdownFence(t *testing.T) {
	raw := "```json\n{\"a\": 1}\n```"
	obj, err := extractJSONObject(raw)
	assert.NoError(t, err)
	assert.Equal(t, `{"a": 1}`, obj)
}

func TestExtractJSONObject_BraceMatchesAroundSurroundingText(t *testing.T) {
	raw := "here you go: {\"a\": {\"b\": 1}} thanks"
	obj, err := extractJSONObject(raw)
	assert.NoError(t, err)
	assert.Equal(t, `{"a": {"b": 1}}`, obj)
}

func TestExtractJSONObject_IgnoresBracesInsideStrings(t *testing.T) {
	raw := `{"text": "a } fake brace", "n": 1}`
	obj, err := extractJSONObject(raw)
	assert.NoError(t, err)
	assert.Equal(t, raw, obj)
}

func TestExtractJSONObject_NoObjectFound(t *testing.T) {
	_, err := extractJSONObject("no json here")
	assert.Error(t, err)
}

func TestExtractJSONObject_Unterminated(t *testing.T) {
	_, err := extractJSONObject("{\"a\": 1")
	assert.Error(t, err)
}

func TestParseNodeResponse_ValidThreeChoices(t *testing.T) {
	raw := `{
		"text": "The road forks.",
		"image_prompts": ["a fork in the road"],
		"image_continuity_token": "tok-1",
		"choices": [
			{"option": "left", "summary": "quiet", "effects": {"delta_progress": 1, "delta_risk": 0, "delta_exposure": 0}},
			{"option": "right", "summary": "fast", "effects": {"delta_progress": 2, "delta_risk": 1, "delta_exposure": 0}},
			{"option": "wait", "summary": "slow", "effects": {"delta_progress": 0, "delta_risk": -1, "delta_exposure": 0}}
		]
	}`

	parsed, err := parseNodeResponse(raw)
	assert.NoError(t, err)
	assert.Equal(t, "The road forks.", parsed.Text)
	assert.Len(t, parsed.Choices, 3)
	assert.Contains(t, parsed.HiddenEffectsMap, "left")
	assert.Contains(t, parsed.HiddenEffectsMap, "right")
	assert.Contains(t, parsed.HiddenEffectsMap, "wait")
}

func TestParseNodeResponse_MissingText(t *testing.T) {
	raw := `{"text": "", "choices": [
		{"option": "a", "summary": "s"},
		{"option": "b", "summary": "s"},
		{"option": "c", "summary": "s"}
	]}`
	_, err := parseNodeResponse(raw)
	assert.Error(t, err)
}

func TestParseNodeResponse_WrongChoiceCount(t *testing.T) {
	raw := `{"text": "t", "choices": [{"option": "a", "summary": "s"}]}`
	_, err := parseNodeResponse(raw)
	assert.ErrorContains(t, err, "exactly 3 choices")
}

func TestParseNodeResponse_ChoiceMissingOption(t *testing.T) {
	raw := `{"text": "t", "choices": [
		{"option": "", "summary": "s"},
		{"option": "b", "summary": "s"},
		{"option": "c", "summary": "s"}
	]}`
	_, err := parseNodeResponse(raw)
	assert.ErrorContains(t, err, "missing \"option\"")
}

func TestParseNodeResponse_ChoiceMissingSummary(t *testing.T) {
	raw := `{"text": "t", "choices": [
		{"option": "a", "summary": ""},
		{"option": "b", "summary": "s"},
		{"option": "c", "summary": "s"}
	]}`
	_, err := parseNodeResponse(raw)
	assert.ErrorContains(t, err, "missing \"summary\"")
}

func TestParseNodeResponse_InvalidJSON(t *testing.T) {
	_, err := parseNodeResponse("not json")
	assert.Error(t, err)
}

func TestParseSettlementResponse_Valid(t *testing.T) {
	raw := `{"chapter_summary": "It ends here.", "key_impacts": ["a"], "next_chapter_hook": "h", "cover_image_prompt": "p", "result": "success", "grade": "A"}`
	parsed, err := parseSettlementResponse(raw)
	assert.NoError(t, err)
	assert.Equal(t, "It ends here.", parsed.ChapterSummary)
}

func TestParseSettlementResponse_MissingSummary(t *testing.T) {
	raw := `{"chapter_summary": ""}`
	_, err := parseSettlementResponse(raw)
	assert.Error(t, err)
}

func TestFallbackSettlement_EchoesTimelineAndResult(t *testing.T) {
	raw := fallbackSettlement([]string{"flee", "fight"}, "fail", "C")
	assert.Equal(t, []string{"flee", "fight"}, raw.KeyImpacts)
	assert.Equal(t, "fail", raw.Result)
	assert.Equal(t, "C", raw.Grade)
	assert.NotEmpty(t, raw.ChapterSummary)
}

func TestParsePrepareLevelResponse_Valid(t *testing.T) {
	raw := `{"level_title": "t", "background": "b", "main_quest": "m"}`
	parsed, err := parsePrepareLevelResponse(raw)
	assert.NoError(t, err)
	assert.Equal(t, "t", parsed.LevelTitle)
	assert.Equal(t, "b", parsed.Background)
	assert.Equal(t, "m", parsed.MainQuest)
}

func TestParsePrepareLevelResponse_MissingField(t *testing.T) {
	_, err := parsePrepareLevelResponse(`{"level_title": "t", "background": "", "main_quest": "m"}`)
	assert.Error(t, err)
}

func TestFallbackPrepareLevel_EmbedsWish(t *testing.T) {
	raw := fallbackPrepareLevel("become an immortal cultivator")
	assert.Contains(t, raw.Background, "become an immortal cultivator")
	assert.NotEmpty(t, raw.LevelTitle)
	assert.NotEmpty(t, raw.MainQuest)
}

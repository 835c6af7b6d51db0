package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hezawei/rebirth-game/pkg/models"
)

func TestShouldSettle_FailTakesPriorityOverAuto(t *testing.T) {
	cfg := models.SettlementConfig{MinNodes: 3, MaxNodes: 5, PassThreshold: 80, FailThreshold: 90}
	state := models.ChapterState{Progress: 10, Risk: 95, Exposure: 0}

	assert.Equal(t, "fail", shouldSettle(state, 5, cfg))
}

func TestShouldSettle_ExposureAlsoTriggersFail(t *testing.T) {
	cfg := models.SettlementConfig{MinNodes: 3, MaxNodes: 5, PassThreshold: 80, FailThreshold: 90}
	state := models.ChapterState{Progress: 10, Risk: 0, Exposure: 90}

	assert.Equal(t, "fail", shouldSettle(state, 2, cfg))
}

func TestShouldSettle_AutoAtMaxNodes(t *testing.T) {
	cfg := models.SettlementConfig{MinNodes: 3, MaxNodes: 5, PassThreshold: 80, FailThreshold: 90}
	state := models.ChapterState{Progress: 10, Risk: 0, Exposure: 0}

	assert.Equal(t, "auto", shouldSettle(state, 5, cfg))
}

func TestShouldSettle_SuccessByThreshold(t *testing.T) {
	cfg := models.SettlementConfig{MinNodes: 3, MaxNodes: 5, PassThreshold: 80, FailThreshold: 90}
	state := models.ChapterState{Progress: 85, Risk: 0, Exposure: 0}

	assert.Equal(t, "success", shouldSettle(state, 3, cfg))
}

func TestShouldSettle_SuccessIgnoredBeforeMinNodes(t *testing.T) {
	cfg := models.SettlementConfig{MinNodes: 3, MaxNodes: 5, PassThreshold: 80, FailThreshold: 90}
	state := models.ChapterState{Progress: 85, Risk: 0, Exposure: 0}

	assert.Equal(t, "", shouldSettle(state, 2, cfg))
}

func TestShouldSettle_NoDecisionContinues(t *testing.T) {
	cfg := models.SettlementConfig{MinNodes: 3, MaxNodes: 5, PassThreshold: 80, FailThreshold: 90}
	state := models.ChapterState{Progress: 30, Risk: 20, Exposure: 10}

	assert.Equal(t, "", shouldSettle(state, 2, cfg))
}

func TestComputeGrade_NoPenaltyBands(t *testing.T) {
	assert.Equal(t, "S", computeGrade(95, 0, 0))
	assert.Equal(t, "A", computeGrade(80, 0, 0))
	assert.Equal(t, "B", computeGrade(65, 0, 0))
	assert.Equal(t, "C", computeGrade(40, 0, 0))
}

func TestComputeGrade_RiskAndExposurePenalizeAboveSeventy(t *testing.T) {
	// progress 95 with risk 100 (penalty 18) and exposure 100 (penalty 12) -> 95-30=65 -> B
	assert.Equal(t, "B", computeGrade(95, 100, 100))
	// risk/exposure at or below 70 never penalizes
	assert.Equal(t, "S", computeGrade(95, 70, 70))
}

func TestComputeGrade_RoundsFractionalPenaltyOnce(t *testing.T) {
	// risk 71 -> 0.6, exposure 71 -> 0.4, summed to 1.0 before rounding.
	// progress 90 - round(1.0) = 89 -> A. Truncating each term separately
	// (0.6 and 0.4 both floor to 0 under integer division) would wrongly
	// leave this at 90 -> S.
	assert.Equal(t, "A", computeGrade(90, 71, 71))
	// risk 75 -> penalty 3.0, exposure 0 -> penalty 0; progress 78 - 3 = 75 -> A.
	assert.Equal(t, "A", computeGrade(78, 75, 0))
}

func TestHintFor_Bands(t *testing.T) {
	assert.Equal(t, "up_big", hintFor(10))
	assert.Equal(t, "up_mid", hintFor(5))
	assert.Equal(t, "up_small", hintFor(2))
	assert.Equal(t, "flat", hintFor(1))
	assert.Equal(t, "flat", hintFor(0))
	assert.Equal(t, "flat", hintFor(-1))
	assert.Equal(t, "down_small", hintFor(-2))
	assert.Equal(t, "down_mid", hintFor(-5))
	assert.Equal(t, "down_big", hintFor(-10))
}

func TestMicroFeedback_MessageJoinsTriggeredParts(t *testing.T) {
	prev := models.ChapterState{Progress: 10, Risk: 10, Exposure: 10}
	cur := models.ChapterState{Progress: 16, Risk: 16, Exposure: 16}

	fb := microFeedback(prev, cur)

	assert.Equal(t, "up_mid", fb.ProgressHint)
	assert.Equal(t, "up_mid", fb.RiskHint)
	assert.Equal(t, "up_mid", fb.ExposureHint)
	assert.Contains(t, fb.MicroMessage, "推进显著")
	assert.Contains(t, fb.MicroMessage, "风声渐紧")
	assert.Contains(t, fb.MicroMessage, "曝光上扬")
}

func TestMicroFeedback_NoTriggersFallsBackToUnclear(t *testing.T) {
	prev := models.ChapterState{Progress: 10, Risk: 10, Exposure: 10}
	cur := models.ChapterState{Progress: 10, Risk: 10, Exposure: 10}

	fb := microFeedback(prev, cur)

	assert.Equal(t, "风向未明", fb.MicroMessage)
}

func TestClamp0to100(t *testing.T) {
	assert.Equal(t, 0, clamp0to100(-5))
	assert.Equal(t, 100, clamp0to100(150))
	assert.Equal(t, 42, clamp0to100(42))
}

func TestMaxInt(t *testing.T) {
	assert.Equal(t, 5, maxInt(5, 3))
	assert.Equal(t, 5, maxInt(3, 5))
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "a", firstNonEmpty("a", "b"))
	assert.Equal(t, "b", firstNonEmpty("", "b"))
}

func TestGenerateImageToken_StripsWhitespaceAndTruncates(t *testing.T) {
	token := generateImageToken("  a very long wish   that keeps   going on and on forever  ")
	assert.LessOrEqual(t, len([]rune(token)), 24+1+6)
	assert.NotContains(t, token, " ")
}

func TestWishHash_DeterministicAndDistinct(t *testing.T) {
	h1 := WishHash("become an immortal cultivator")
	h2 := WishHash("become an immortal cultivator")
	h3 := WishHash("rule the business empire")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64) // hex-encoded sha256
}

func TestRenderTimelineBlock_FormatsEachEntry(t *testing.T) {
	timeline := []models.TimelineEntry{
		{Node: 1, Choice: "flee", Impact: "progress+5 risk+2 exposure+0"},
		{Node: 2, Choice: "fight", Impact: "progress+8 risk+6 exposure+3"},
	}

	block := renderTimelineBlock(timeline)

	assert.Contains(t, block, "第1步")
	assert.Contains(t, block, "flee")
	assert.Contains(t, block, "第2步")
	assert.Contains(t, block, "fight")
}

func TestTimelineEcho_ReturnsChoicesInOrder(t *testing.T) {
	timeline := []models.TimelineEntry{
		{Node: 1, Choice: "flee"},
		{Node: 2, Choice: "fight"},
	}

	assert.Equal(t, []string{"flee", "fight"}, timelineEcho(timeline))
}

func TestChosenSummary_ReturnsMatchingOptionSummary(t *testing.T) {
	choices := []models.ChoiceDisplay{
		{Option: "flee", Summary: "slip away before the guards notice"},
		{Option: "fight", Summary: "stand and draw steel"},
	}

	assert.Equal(t, "stand and draw steel", chosenSummary(choices, "fight"))
}

func TestChosenSummary_UnknownOptionReturnsEmpty(t *testing.T) {
	choices := []models.ChoiceDisplay{{Option: "flee", Summary: "slip away"}}

	assert.Equal(t, "", chosenSummary(choices, "negotiate"))
}

func TestToDisplayChoices_DropsEffects(t *testing.T) {
	raw := []rawChoice{
		{Option: "left", Summary: "a quiet path", Effects: rawEffects{DeltaProgress: 1}},
	}

	display := toDisplayChoices(raw)

	assert.Len(t, display, 1)
	assert.Equal(t, "left", display[0].Option)
	assert.Equal(t, "a quiet path", display[0].Summary)
}

func TestConvertEffectsMap_CopiesAllFields(t *testing.T) {
	raw := map[string]rawEffects{
		"left": {DeltaProgress: 1, DeltaRisk: 2, DeltaExposure: 3, Tags: []string{"cautious"}},
	}

	out := convertEffectsMap(raw)

	assert.Equal(t, models.EffectDelta{DeltaProgress: 1, DeltaRisk: 2, DeltaExposure: 3, Tags: []string{"cautious"}}, out["left"])
}

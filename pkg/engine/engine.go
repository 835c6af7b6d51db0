// Package engine turns LLM/image oracle calls into persisted story nodes:
// it builds prompts, parses and validates model output (with a one-shot
// repair attempt), applies hidden-state deltas, decides when a chapter
// settles, and computes the settlement's grade. Ported from the original
// story-generation routine's start_story/continue_story/_generate_settlement
// control flow.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/hezawei/rebirth-game/pkg/image"
	"github.com/hezawei/rebirth-game/pkg/llm"
	"github.com/hezawei/rebirth-game/pkg/models"
	"github.com/hezawei/rebirth-game/pkg/services"
)

// Engine is the story-generation collaborator: it has no persistence of
// its own (the caller is responsible for writing the returned node), just
// the oracle calls and the pure state-transition math around them.
type Engine struct {
	llmClient llm.Client
	images    *image.Adapter
	settle    models.SettlementConfig
}

// New builds an Engine.
func New(llmClient llm.Client, images *image.Adapter, settle models.SettlementConfig) *Engine {
	return &Engine{llmClient: llmClient, images: images, settle: settle}
}

// GeneratedNode is everything the caller needs to persist a newly
// generated story node.
type GeneratedNode struct {
	StoryText string
	Choices   []models.ChoiceDisplay
	ImageURL  string
	Metadata  models.NodeMetadata
}

// StartStory generates the first node of a new run for wish.
func (e *Engine) StartStory(ctx context.Context, wish string) (*GeneratedNode, error) {
	profile := BuildHistoryProfile(wish)
	imageToken := generateImageToken(wish)

	parsed, err := e.generateNode(ctx, profile.ContextBlock(), "")
	if err != nil {
		return nil, err
	}

	imageURL := e.images.GetImageForStory(ctx, parsed.Text)

	chapter := models.ChapterBlock{
		Config:           e.settle,
		State:            models.ChapterState{Progress: 0, Risk: 0, Exposure: 0},
		Timeline:         nil,
		NodeIndex:        1,
		ImageToken:       firstNonEmpty(parsed.ImageContinuityToken, imageToken),
		HiddenEffectsMap: convertEffectsMap(parsed.HiddenEffectsMap),
	}

	meta := models.NodeMetadata{
		GeneratedAt:             time.Now().UTC(),
		Type:                    "start",
		ChapterNumber:           1,
		HistoryProfile:          profile.AsMap(),
		RecommendedChapterCount: profile.RecommendedChapterCount,
		AnchorEvents:            profile.Anchors,
		Chapter:                 chapter,
	}

	return &GeneratedNode{
		StoryText: parsed.Text,
		Choices:   toDisplayChoices(parsed.Choices),
		ImageURL:  imageURL,
		Metadata:  meta,
	}, nil
}

// ContinueStory generates the next node given the parent's metadata, the
// parent's own display choices (to recover the chosen option's summary
// text for the timeline), and the player's chosen option text. If the
// chosen-effects application triggers settlement, the returned node
// carries no display choices and its chapter block's Settlement field
// is populated.
func (e *Engine) ContinueStory(ctx context.Context, wish string, parentMeta models.NodeMetadata, parentChoices []models.ChoiceDisplay, choiceOption string) (*GeneratedNode, error) {
	parentChapter := parentMeta.Chapter
	effects, ok := parentChapter.HiddenEffectsMap[choiceOption]
	if !ok {
		return nil, fmt.Errorf("%w: unknown choice option %q", services.ErrInvalidInput, choiceOption)
	}

	newState := models.ChapterState{
		Progress: clamp0to100(parentChapter.State.Progress + effects.DeltaProgress),
		Risk:     clamp0to100(parentChapter.State.Risk + effects.DeltaRisk),
		Exposure: clamp0to100(parentChapter.State.Exposure + effects.DeltaExposure),
	}

	nodeIndexPrev := parentChapter.NodeIndex
	nodeIndex := nodeIndexPrev + 1
	chapterNumber := parentMeta.ChapterNumber + 1

	timeline := append(append([]models.TimelineEntry(nil), parentChapter.Timeline...), models.TimelineEntry{
		Node:   nodeIndexPrev,
		Choice: choiceOption,
		Impact: chosenSummary(parentChoices, choiceOption),
	})

	feedback := microFeedback(parentChapter.State, newState)

	decision := shouldSettle(newState, nodeIndexPrev, e.settle)

	profile := BuildHistoryProfile(wish)

	if decision != "" {
		settlement, err := e.generateSettlement(ctx, profile.ContextBlock(), timeline, decision, newState)
		if err != nil {
			return nil, err
		}

		chapter := models.ChapterBlock{
			Config:           e.settle,
			State:            newState,
			Timeline:         timeline,
			NodeIndex:        nodeIndex,
			ImageToken:       parentChapter.ImageToken,
			MicroFeedback:    feedback,
			HiddenEffectsMap: nil,
			Settlement:       settlement,
		}

		meta := models.NodeMetadata{
			GeneratedAt:   time.Now().UTC(),
			Type:          "continue",
			ChapterNumber: chapterNumber,
			UserChoice:    choiceOption,
			Chapter:       chapter,
		}

		imageURL := e.images.GetImageForStory(ctx, settlement.ChapterSummary)

		return &GeneratedNode{
			StoryText: settlement.ChapterSummary,
			Choices:   nil,
			ImageURL:  imageURL,
			Metadata:  meta,
		}, nil
	}

	parsed, err := e.generateNode(ctx, profile.ContextBlock(), parentChapter.ImageToken)
	if err != nil {
		return nil, err
	}

	imageURL := e.images.GetImageForStory(ctx, parsed.Text)

	chapter := models.ChapterBlock{
		Config:           e.settle,
		State:            newState,
		Timeline:         timeline,
		NodeIndex:        nodeIndex,
		ImageToken:       firstNonEmpty(parsed.ImageContinuityToken, parentChapter.ImageToken),
		MicroFeedback:    feedback,
		HiddenEffectsMap: convertEffectsMap(parsed.HiddenEffectsMap),
	}

	meta := models.NodeMetadata{
		GeneratedAt:   time.Now().UTC(),
		Type:          "continue",
		ChapterNumber: chapterNumber,
		UserChoice:    choiceOption,
		Chapter:       chapter,
	}

	return &GeneratedNode{
		StoryText: parsed.Text,
		Choices:   toDisplayChoices(parsed.Choices),
		ImageURL:  imageURL,
		Metadata:  meta,
	}, nil
}

// PreparedLevel is the flavor-text bundle returned by PrepareLevel, primed
// ahead of the first node so prepare_start can answer before generation of
// the actual root node has finished.
type PreparedLevel struct {
	LevelTitle string
	Background string
	MainQuest  string
}

// PrepareLevel generates the level-priming metadata for wish. Unlike node
// and settlement generation, a failure here never bubbles up as an error:
// prepare_start is a best-effort warm-up, so a fixed fallback bundle is
// returned instead of failing the request over flavor text.
func (e *Engine) PrepareLevel(ctx context.Context, wish string) *PreparedLevel {
	profile := BuildHistoryProfile(wish)
	systemPrompt := PrepareLevelSystemPrompt(profile.ContextBlock(), wish)

	text, err := e.llmClient.Generate(ctx, systemPrompt, nil)
	if err != nil {
		raw := fallbackPrepareLevel(wish)
		return &PreparedLevel{LevelTitle: raw.LevelTitle, Background: raw.Background, MainQuest: raw.MainQuest}
	}

	raw, parseErr := tryPrepareLevel(text)
	if parseErr != nil {
		repaired, repairErr := e.llmClient.Generate(ctx, RepairSystemPrompt(systemPrompt), []llm.Message{
			{Role: "assistant", Content: text},
			{Role: "user", Content: "That was not valid JSON matching the schema. Try again."},
		})
		if repairErr == nil {
			raw, parseErr = tryPrepareLevel(repaired)
		}
	}

	if parseErr != nil {
		raw = fallbackPrepareLevel(wish)
	}

	return &PreparedLevel{LevelTitle: raw.LevelTitle, Background: raw.Background, MainQuest: raw.MainQuest}
}

func tryPrepareLevel(raw string) (*rawPrepareLevelResponse, error) {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return nil, err
	}
	return parsePrepareLevelResponse(obj)
}

// generateNode runs the node-generation oracle call, repairing once on a
// parse failure before giving up with ErrInvalidModelOutput.
func (e *Engine) generateNode(ctx context.Context, historyContext, priorImageToken string) (*parsedNode, error) {
	systemPrompt := NodeSystemPrompt(historyContext, priorImageToken)

	text, err := e.llmClient.Generate(ctx, systemPrompt, nil)
	if err != nil {
		return nil, err
	}

	parsed, parseErr := tryParseNode(text)
	if parseErr == nil {
		return parsed, nil
	}

	repaired, err := e.llmClient.Generate(ctx, RepairSystemPrompt(systemPrompt), []llm.Message{
		{Role: "assistant", Content: text},
		{Role: "user", Content: "That was not valid JSON matching the schema. Try again."},
	})
	if err != nil {
		return nil, err
	}

	parsed, parseErr = tryParseNode(repaired)
	if parseErr != nil {
		return nil, fmt.Errorf("%w: %v", services.ErrInvalidModelOutput, parseErr)
	}
	return parsed, nil
}

func tryParseNode(raw string) (*parsedNode, error) {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return nil, err
	}
	return parseNodeResponse(obj)
}

// generateSettlement runs the settlement oracle call, repairing once and
// falling back to a fixed skeleton if both attempts fail to parse. The
// result/grade fields are always overwritten with the precomputed values.
func (e *Engine) generateSettlement(ctx context.Context, historyContext string, timeline []models.TimelineEntry, result string, state models.ChapterState) (*models.Settlement, error) {
	grade := computeGrade(state.Progress, state.Risk, state.Exposure)
	timelineBlock := renderTimelineBlock(timeline)
	systemPrompt := SettlementSystemPrompt(historyContext, timelineBlock, result, grade)

	text, err := e.llmClient.Generate(ctx, systemPrompt, nil)
	if err != nil {
		return nil, err
	}

	raw, parseErr := trySettlement(text)
	if parseErr != nil {
		repaired, repairErr := e.llmClient.Generate(ctx, RepairSystemPrompt(systemPrompt), []llm.Message{
			{Role: "assistant", Content: text},
			{Role: "user", Content: "That was not valid JSON matching the schema. Try again."},
		})
		if repairErr == nil {
			raw, parseErr = trySettlement(repaired)
		}
	}

	if parseErr != nil {
		raw = fallbackSettlement(timelineEcho(timeline), result, grade)
	} else {
		raw.Result = result
		raw.Grade = grade
	}

	return &models.Settlement{
		ChapterSummary:   raw.ChapterSummary,
		Timeline:         timeline,
		KeyImpacts:       raw.KeyImpacts,
		NextChapterHook:  raw.NextChapterHook,
		CoverImagePrompt: raw.CoverImagePrompt,
		Result:           raw.Result,
		Grade:            raw.Grade,
	}, nil
}

func trySettlement(raw string) (*rawSettlementResponse, error) {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return nil, err
	}
	return parseSettlementResponse(obj)
}

// shouldSettle evaluates the three-rule settlement decision in the same
// priority order as the original engine: fail-by-threshold first, then
// auto-at-max-nodes, then pass-by-threshold. The deadlock rule present in
// the original source is intentionally omitted — see DESIGN.md.
func shouldSettle(state models.ChapterState, nodeIndex int, cfg models.SettlementConfig) string {
	if state.Risk >= cfg.FailThreshold || state.Exposure >= cfg.FailThreshold {
		return "fail"
	}
	if nodeIndex >= cfg.MaxNodes {
		return "auto"
	}
	if nodeIndex >= cfg.MinNodes && state.Progress >= cfg.PassThreshold {
		return "success"
	}
	return ""
}

// computeGrade derives the S/A/B/C letter grade from final progress with
// a penalty for accumulated risk/exposure above 70.
func computeGrade(progress, risk, exposure int) string {
	penalty := float64(maxInt(0, risk-70))*0.6 + float64(maxInt(0, exposure-70))*0.4
	final := clamp0to100(progress - int(math.Round(penalty)))
	switch {
	case final >= 90:
		return "S"
	case final >= 75:
		return "A"
	case final >= 60:
		return "B"
	default:
		return "C"
	}
}

// hintFor buckets a state delta into a coarse directional band.
func hintFor(delta int) string {
	switch {
	case delta >= 10:
		return "up_big"
	case delta >= 5:
		return "up_mid"
	case delta >= 2:
		return "up_small"
	case delta <= -10:
		return "down_big"
	case delta <= -5:
		return "down_mid"
	case delta <= -2:
		return "down_small"
	default:
		return "flat"
	}
}

// microFeedback builds the per-turn hint bundle from the state diff
// between prev and cur.
func microFeedback(prev, cur models.ChapterState) *models.MicroFeedback {
	progressDelta := cur.Progress - prev.Progress
	riskDelta := cur.Risk - prev.Risk
	exposureDelta := cur.Exposure - prev.Exposure

	var parts []string
	switch {
	case progressDelta >= 5:
		parts = append(parts, "推进显著")
	case progressDelta >= 2:
		parts = append(parts, "推进可见")
	case progressDelta <= -2:
		parts = append(parts, "推进受挫")
	}
	switch {
	case riskDelta >= 5:
		parts = append(parts, "风声渐紧")
	case riskDelta <= -2:
		parts = append(parts, "风险回落")
	}
	switch {
	case exposureDelta >= 4:
		parts = append(parts, "曝光上扬")
	case exposureDelta <= -2:
		parts = append(parts, "更为隐蔽")
	}

	message := strings.Join(parts, "，")
	if message == "" {
		message = "风向未明"
	}

	return &models.MicroFeedback{
		ProgressHint: hintFor(progressDelta),
		RiskHint:     hintFor(riskDelta),
		ExposureHint: hintFor(exposureDelta),
		MicroMessage: message,
	}
}

// generateImageToken mints a fresh continuity token: the wish text
// (whitespace-stripped, truncated to 24 runes) plus the current
// HHMMSS timestamp.
func generateImageToken(wish string) string {
	trimmed := strings.Join(strings.Fields(wish), "")
	runes := []rune(trimmed)
	if len(runes) > 24 {
		runes = runes[:24]
	}
	return string(runes) + "-" + time.Now().UTC().Format("150405")
}

func renderTimelineBlock(timeline []models.TimelineEntry) string {
	var b strings.Builder
	for _, t := range timeline {
		b.WriteString("- 第" + strconv.Itoa(t.Node) + "步：选择《" + t.Choice + "》，影响：" + t.Impact + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func timelineEcho(timeline []models.TimelineEntry) []string {
	out := make([]string, 0, len(timeline))
	for _, t := range timeline {
		out = append(out, t.Choice)
	}
	return out
}

// chosenSummary looks up the display summary text for the chosen option
// among the parent node's own choices, matching the original engine's
// chosen_summary lookup against choices_display.
func chosenSummary(choices []models.ChoiceDisplay, choiceOption string) string {
	for _, c := range choices {
		if c.Option == choiceOption {
			return c.Summary
		}
	}
	return ""
}

func toDisplayChoices(raw []rawChoice) []models.ChoiceDisplay {
	out := make([]models.ChoiceDisplay, 0, len(raw))
	for _, c := range raw {
		out = append(out, models.ChoiceDisplay{Option: c.Option, Summary: c.Summary})
	}
	return out
}

func convertEffectsMap(raw map[string]rawEffects) map[string]models.EffectDelta {
	out := make(map[string]models.EffectDelta, len(raw))
	for k, v := range raw {
		out[k] = models.EffectDelta{
			DeltaProgress: v.DeltaProgress,
			DeltaRisk:     v.DeltaRisk,
			DeltaExposure: v.DeltaExposure,
			Tags:          v.Tags,
		}
	}
	return out
}

func clamp0to100(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// WishHash is used by the first-story priming cache to key on (user, wish)
// without storing the raw wish text as a map key.
func WishHash(wish string) string {
	sum := sha256.Sum256([]byte(wish))
	return hex.EncodeToString(sum[:])
}

package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var codeFenceRe = regexp.MustCompile(`(?s)^\s*` + "```" + `(?:json)?\s*(.*?)\s*` + "```" + `\s*$`)

// extractJSONObject pulls a single JSON object out of raw model output.
// It first tries to strip a markdown code fence; failing that, it scans
// for the first top-level '{' and brace-matches to its close, honoring
// string escapes so braces inside string literals don't confuse the scan.
// Ported from the original response's fence-strip-then-brace-match
// extraction routine.
func extractJSONObject(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	if m := codeFenceRe.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1]), nil
	}

	start := strings.IndexByte(raw, '{')
	if start == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}

	depth := 0
	inStr := false
	escape := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escape:
			escape = false
		case c == '\\' && inStr:
			escape = true
		case c == '"':
			inStr = !inStr
		case inStr:
			// inside a string, braces don't count
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], nil
			}
		}
	}

	return "", fmt.Errorf("unterminated JSON object in response")
}

// rawEffects mirrors the "effects" object nested under each choice.
type rawEffects struct {
	DeltaProgress int      `json:"delta_progress"`
	DeltaRisk     int      `json:"delta_risk"`
	DeltaExposure int      `json:"delta_exposure"`
	Tags          []string `json:"tags"`
}

// rawChoice mirrors one entry of the "choices" array in a node response.
type rawChoice struct {
	Option  string     `json:"option"`
	Summary string     `json:"summary"`
	Effects rawEffects `json:"effects"`
}

// rawNodeResponse mirrors the full node-generation JSON contract.
type rawNodeResponse struct {
	Text                 string      `json:"text"`
	ImagePrompts         []string    `json:"image_prompts"`
	ImageContinuityToken string      `json:"image_continuity_token"`
	Choices              []rawChoice `json:"choices"`
}

// parsedNode is the validated, normalized form of a node response ready to
// be persisted.
type parsedNode struct {
	Text                 string
	ImagePrompts         []string
	ImageContinuityToken string
	Choices              []rawChoice
	HiddenEffectsMap     map[string]rawEffects
}

// parseNodeResponse validates and normalizes a raw node JSON payload:
// requires "text" and exactly three "choices", each with "option" and
// "summary", and builds a hidden_effects_map keyed by choice option text.
// Ported from the original node-parsing routine's validation rules.
func parseNodeResponse(jsonText string) (*parsedNode, error) {
	var raw rawNodeResponse
	if err := json.Unmarshal([]byte(jsonText), &raw); err != nil {
		return nil, fmt.Errorf("decode node response: %w", err)
	}

	if strings.TrimSpace(raw.Text) == "" {
		return nil, fmt.Errorf("node response missing \"text\"")
	}
	if len(raw.Choices) != 3 {
		return nil, fmt.Errorf("node response must have exactly 3 choices, got %d", len(raw.Choices))
	}

	effectsMap := make(map[string]rawEffects, 3)
	for i, c := range raw.Choices {
		if strings.TrimSpace(c.Option) == "" {
			return nil, fmt.Errorf("choice %d missing \"option\"", i)
		}
		if strings.TrimSpace(c.Summary) == "" {
			return nil, fmt.Errorf("choice %d missing \"summary\"", i)
		}
		effectsMap[c.Option] = c.Effects
	}

	return &parsedNode{
		Text:                 raw.Text,
		ImagePrompts:         raw.ImagePrompts,
		ImageContinuityToken: raw.ImageContinuityToken,
		Choices:              raw.Choices,
		HiddenEffectsMap:     effectsMap,
	}, nil
}

// rawSettlementResponse mirrors the settlement JSON contract. Result and
// Grade are always overwritten with the precomputed Go-side values after
// parsing — the model's echo of them is never trusted.
type rawSettlementResponse struct {
	ChapterSummary   string   `json:"chapter_summary"`
	KeyImpacts       []string `json:"key_impacts"`
	NextChapterHook  string   `json:"next_chapter_hook"`
	CoverImagePrompt string   `json:"cover_image_prompt"`
	Result           string   `json:"result"`
	Grade            string   `json:"grade"`
}

func parseSettlementResponse(jsonText string) (*rawSettlementResponse, error) {
	var raw rawSettlementResponse
	if err := json.Unmarshal([]byte(jsonText), &raw); err != nil {
		return nil, fmt.Errorf("decode settlement response: %w", err)
	}
	if strings.TrimSpace(raw.ChapterSummary) == "" {
		return nil, fmt.Errorf("settlement response missing \"chapter_summary\"")
	}
	return &raw, nil
}

// fallbackSettlement is the fixed skeleton used when settlement JSON
// parsing fails even after the one-shot repair attempt.
func fallbackSettlement(timelineEcho []string, result, grade string) *rawSettlementResponse {
	return &rawSettlementResponse{
		ChapterSummary:   "本章收束，故事暂告一段。",
		KeyImpacts:       append([]string(nil), timelineEcho...),
		NextChapterHook:  "新的变局正在酝酿……",
		CoverImagePrompt: "写实风 章末总结 构图严谨 光影凝重",
		Result:           result,
		Grade:            grade,
	}
}

// rawPrepareLevelResponse mirrors the level-priming JSON contract.
type rawPrepareLevelResponse struct {
	LevelTitle string `json:"level_title"`
	Background string `json:"background"`
	MainQuest  string `json:"main_quest"`
}

func parsePrepareLevelResponse(jsonText string) (*rawPrepareLevelResponse, error) {
	var raw rawPrepareLevelResponse
	if err := json.Unmarshal([]byte(jsonText), &raw); err != nil {
		return nil, fmt.Errorf("decode prepare-level response: %w", err)
	}
	if strings.TrimSpace(raw.LevelTitle) == "" {
		return nil, fmt.Errorf("prepare-level response missing \"level_title\"")
	}
	if strings.TrimSpace(raw.Background) == "" {
		return nil, fmt.Errorf("prepare-level response missing \"background\"")
	}
	if strings.TrimSpace(raw.MainQuest) == "" {
		return nil, fmt.Errorf("prepare-level response missing \"main_quest\"")
	}
	return &raw, nil
}

// fallbackPrepareLevel is the fixed skeleton used when the priming call
// itself fails or its JSON can't be parsed even after repair — prepare_start
// never fails a request just because the flavor text couldn't be minted.
func fallbackPrepareLevel(wish string) *rawPrepareLevelResponse {
	return &rawPrepareLevelResponse{
		LevelTitle: "重生伊始",
		Background: fmt.Sprintf("命运的齿轮悄然转动，%s 的愿望将这段历史重新推上了未知的轨道。", wish),
		MainQuest:  "在变局中站稳脚跟",
	}
}

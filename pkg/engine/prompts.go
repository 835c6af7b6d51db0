package engine

import "fmt"

// nodeSystemPromptTemplate is the system preamble for every node-generation
// call (the initial node and every continuation). %s slots, in order:
// history context block, image continuity token.
const nodeSystemPromptTemplate = `You are the narrative engine for a "rebirth" speculative-history game.
The player has been reborn into the body and circumstances described below,
and lives the story as this person, with full knowledge of how history
originally unfolded.

%s

Write the next story beat as a single JSON object and nothing else — no
markdown fences, no commentary before or after. The object must have
exactly these keys:

  "text": a vivid third-paragraph-length narrative beat in Chinese,
    written in close third person, continuing directly from the prior
    beat if one was given.
  "image_prompts": an array of 1-2 short English image-generation prompts
    capturing the scene.
  "image_continuity_token": a short token threading visual continuity
    across turns. If a prior token is given below, keep its thematic
    core; otherwise mint one fresh. Prior token: %q
  "choices": an array of EXACTLY three objects, each with:
    "option": a short action phrase (no numbers, no percentages, no
      meta-commentary about odds or success chance),
    "summary": one sentence describing what choosing this does,
    "effects": an object with "delta_progress", "delta_risk",
      "delta_exposure" (small signed integers, roughly -10..10) and an
      optional "tags" array of short English keywords describing the
      flavor of the choice.

Never mention delta numbers, percentages, or game-mechanical language in
"text", "option", or "summary" — those fields are pure narrative.`

// NodeSystemPrompt renders nodeSystemPromptTemplate for the given history
// context and the continuity token carried forward from the parent node
// (empty string if this is the first node in the session).
func NodeSystemPrompt(historyContext, priorImageToken string) string {
	return fmt.Sprintf(nodeSystemPromptTemplate, historyContext, priorImageToken)
}

// settlementSystemPromptTemplate is the system preamble for the end-of-run
// settlement call. %s slots, in order: history context block, timeline
// block, precomputed result, precomputed grade.
const settlementSystemPromptTemplate = `You are closing out a "rebirth" speculative-history run.

%s

Here is the path the player took, in order:
%s

The run has already concluded with result %q and grade %q (do not change
these — echo them back verbatim in your response).

Respond with a single JSON object and nothing else, with exactly these
keys:

  "chapter_summary": a closing narrative paragraph in Chinese tying the
    path together.
  "key_impacts": an array of 2-4 short Chinese phrases naming the most
    consequential choices and their lasting effect on history.
  "next_chapter_hook": one Chinese sentence teasing what might follow,
    evocative rather than literal.
  "cover_image_prompt": a short English image-generation prompt for a
    cover image summarizing the run's tone.
  "result": %q
  "grade": %q`

// SettlementSystemPrompt renders settlementSystemPromptTemplate.
func SettlementSystemPrompt(historyContext, timelineBlock, result, grade string) string {
	return fmt.Sprintf(settlementSystemPromptTemplate, historyContext, timelineBlock, result, grade, result, grade)
}

// repairPreamble is prepended ahead of the original system prompt on the
// one-shot JSON-repair call: it narrows the allowed output keys so the
// retried call cannot wander into yet another malformed shape.
const repairPreamble = `Your previous response could not be parsed as JSON matching the required
schema. Respond again, this time with ONLY a single valid JSON object and
nothing else — no markdown fences, no explanation. Restrict the top-level
keys in your response to exactly the ones requested below.

`

// RepairSystemPrompt wraps an original system prompt with the repair
// preamble for the one-shot fix-up call.
func RepairSystemPrompt(original string) string {
	return repairPreamble + original
}

// prepareLevelSystemPromptTemplate is the system preamble for the
// level-priming call made ahead of the first node, asking only for a
// title, a background blurb and a one-line main quest — not the full
// node shape. %s slots, in order: history context block, wish text.
const prepareLevelSystemPromptTemplate = `You are an immersive level designer for a "rebirth" speculative-history
game. Based on the player's rebirth wish and the historical setting below,
produce the structured priming metadata for their first chapter.

%s

Player's rebirth wish: %q

Follow these requirements strictly:
1. A punchy chapter title fitting the wish's theme, no more than 20
   Chinese characters.
2. A chapter background (120-180 Chinese characters) blending the era's
   atmosphere, the key relationships in play, and the shape of the
   coming conflict.
3. A clear, executable main quest (one sentence, no more than 30 Chinese
   characters) naming the player's core goal for this first chapter.

Respond with exactly this JSON object and nothing else — no markdown
fences, no explanation, pure JSON:
{
  "level_title": "...",
  "background": "...",
  "main_quest": "..."
}`

// PrepareLevelSystemPrompt renders prepareLevelSystemPromptTemplate for
// the given history context and wish text.
func PrepareLevelSystemPrompt(historyContext, wish string) string {
	return fmt.Sprintf(prepareLevelSystemPromptTemplate, historyContext, wish)
}

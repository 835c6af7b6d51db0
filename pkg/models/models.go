// Package models defines the persistent entities of the branching story
// store: users, sessions, nodes, saves, and the wish moderation log.
package models

import "time"

// User owns sessions. Only the ownership check (session.UserID == user.ID)
// is part of the core contract; auth/credentials are an external collaborator.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	TokenVersion int
	CreatedAt    time.Time
}

// GameSession is a player's run through a single wish.
type GameSession struct {
	ID        int64
	UserID    string
	Wish      string
	CreatedAt time.Time
}

// ChoiceDisplay is one of a node's three client-facing choices. Hidden
// effects never travel on this type — see ChapterBlock.HiddenEffectsMap.
type ChoiceDisplay struct {
	Option  string `json:"option"`
	Summary string `json:"summary"`
}

// EffectDelta is the hidden per-choice state impact the engine applies
// when the player picks that option. Never serialized to a client.
type EffectDelta struct {
	DeltaProgress int      `json:"delta_progress"`
	DeltaRisk     int      `json:"delta_risk"`
	DeltaExposure int      `json:"delta_exposure"`
	Tags          []string `json:"tags,omitempty"`
}

// ChapterState is the hidden progress/risk/exposure counters for a chapter.
type ChapterState struct {
	Progress int `json:"progress"`
	Risk     int `json:"risk"`
	Exposure int `json:"exposure"`
}

// TimelineEntry records one step of the chapter's confirmed path.
type TimelineEntry struct {
	Node   int    `json:"node"`
	Choice string `json:"choice"`
	Impact string `json:"impact"`
}

// MicroFeedback is the short localized hint derived from a state diff.
type MicroFeedback struct {
	ProgressHint string `json:"progress_hint"`
	RiskHint     string `json:"risk_hint"`
	ExposureHint string `json:"exposure_hint"`
	MicroMessage string `json:"micro_message"`
}

// Settlement is the chapter-ending evaluation payload.
type Settlement struct {
	ChapterSummary   string          `json:"chapter_summary"`
	Timeline         []TimelineEntry `json:"timeline"`
	KeyImpacts       []string        `json:"key_impacts"`
	NextChapterHook  string          `json:"next_chapter_hook"`
	CoverImagePrompt string          `json:"cover_image_prompt"`
	Result           string          `json:"result"` // success | fail | auto
	Grade            string          `json:"grade"`   // S | A | B | C
}

// SettlementConfig is the thresholds that drive the settlement decision.
type SettlementConfig struct {
	MinNodes      int `json:"min_nodes"`
	MaxNodes      int `json:"max_nodes"`
	PassThreshold int `json:"pass_threshold"`
	FailThreshold int `json:"fail_threshold"`
}

// ChapterBlock is the structured state carried in StoryNode.Metadata["chapter"].
// HiddenEffectsMap MUST be stripped before any client-facing serialization —
// see (ChapterBlock).Sanitized.
type ChapterBlock struct {
	Config           SettlementConfig        `json:"config"`
	State            ChapterState            `json:"state"`
	Timeline         []TimelineEntry         `json:"timeline"`
	NodeIndex        int                     `json:"node_index"`
	ImageToken       string                  `json:"image_token"`
	MicroFeedback    *MicroFeedback          `json:"micro_feedback,omitempty"`
	HiddenEffectsMap map[string]EffectDelta  `json:"hidden_effects_map,omitempty"`
	Settlement       *Settlement             `json:"settlement,omitempty"`
	HideSuccessRate  bool                    `json:"hide_success_rate"`
}

// Sanitized returns a copy of the chapter block with the hidden effects map
// removed. This is the single chokepoint every response path must call
// before a ChapterBlock reaches a client (spec invariant: no hidden_effects_map
// in any response).
func (c ChapterBlock) Sanitized() ChapterBlock {
	c.HiddenEffectsMap = nil
	c.HideSuccessRate = true
	return c
}

// NodeMetadata is the structured map stored on StoryNode.Metadata.
type NodeMetadata struct {
	GeneratedAt            time.Time      `json:"generated_at"`
	Type                    string         `json:"type"` // start | continue
	ChapterNumber           int            `json:"chapter_number"`
	HistoryProfile          map[string]any `json:"history_profile,omitempty"`
	RecommendedChapterCount int            `json:"recommended_chapter_count,omitempty"`
	AnchorEvents            []string       `json:"anchor_events,omitempty"`
	UserChoice              string         `json:"user_choice,omitempty"`
	Chapter                 ChapterBlock   `json:"chapter"`
}

// Sanitized returns a copy safe for client-facing serialization.
func (m NodeMetadata) Sanitized() NodeMetadata {
	m.Chapter = m.Chapter.Sanitized()
	return m
}

// StoryNode is the central entity: one node of the branching tree.
type StoryNode struct {
	ID                   int64
	SessionID            int64
	ParentID             *int64
	UserChoice           *string
	StoryText            string
	Choices              []ChoiceDisplay
	Metadata             NodeMetadata
	ImageURL             string
	IsSpeculative        bool
	SpeculativeDepth     *int
	SpeculativeExpiresAt *time.Time // reserved; always nil — see spec Open Question
	SuccessRate          *int       // reserved; always nil — hidden scoring
	CreatedAt            time.Time
}

// SaveStatus is the lifecycle status of a StorySave bookmark.
type SaveStatus string

// Valid save statuses.
const (
	SaveStatusActive    SaveStatus = "active"
	SaveStatusCompleted SaveStatus = "completed"
	SaveStatusFailed    SaveStatus = "failed"
)

// IsValid reports whether s is one of the three allowed save statuses.
func (s SaveStatus) IsValid() bool {
	switch s {
	case SaveStatusActive, SaveStatusCompleted, SaveStatusFailed:
		return true
	default:
		return false
	}
}

// StorySave is a user-named bookmark pointing at a node within a session.
type StorySave struct {
	ID        int64
	SessionID int64
	NodeID    int64
	Title     string
	Status    SaveStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ModerationStatus is the outcome of a wish moderation check.
type ModerationStatus string

// Valid moderation statuses.
const (
	ModerationStatusOK      ModerationStatus = "ok"
	ModerationStatusBlocked ModerationStatus = "blocked"
)

// WishModerationRecord logs a wish-submission moderation decision.
type WishModerationRecord struct {
	ID        int64
	UserID    *string
	WishText  string
	Status    ModerationStatus
	Reason    *string
	CreatedAt time.Time
}

package api

import "github.com/hezawei/rebirth-game/pkg/models"

// CheckWishResponse is returned by POST /story/check_wish.
type CheckWishResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// PrepareStartResponse is returned by POST /story/prepare_start.
type PrepareStartResponse struct {
	LevelTitle string         `json:"level_title"`
	Background string         `json:"background"`
	MainQuest  string         `json:"main_quest"`
	Metadata   map[string]any `json:"metadata"`
}

// ChoiceResponse is one of a StorySegment's client-facing choices. The
// three scoring fields are always null on the wire — success rate and
// risk are hidden state the engine never discloses.
type ChoiceResponse struct {
	Option           string   `json:"option"`
	Summary          string   `json:"summary"`
	SuccessRateDelta *int     `json:"success_rate_delta"`
	RiskLevel        *string  `json:"risk_level"`
	Tags             []string `json:"tags"`
}

// StorySegment is the shared response shape for start/continue/retry.
type StorySegment struct {
	SessionID   int64              `json:"session_id"`
	NodeID      int64              `json:"node_id"`
	Text        string             `json:"text"`
	Choices     []ChoiceResponse   `json:"choices"`
	ImageURL    string             `json:"image_url"`
	SuccessRate *int               `json:"success_rate"`
	Metadata    models.NodeMetadata `json:"metadata"`
}

// buildStorySegment converts a persisted node into its wire shape, running
// it through Sanitized() so hidden_effects_map never reaches the client.
func buildStorySegment(sessionID int64, node *models.StoryNode) StorySegment {
	choices := make([]ChoiceResponse, 0, len(node.Choices))
	for _, c := range node.Choices {
		choices = append(choices, ChoiceResponse{Option: c.Option, Summary: c.Summary})
	}
	return StorySegment{
		SessionID:   sessionID,
		NodeID:      node.ID,
		Text:        node.StoryText,
		Choices:     choices,
		ImageURL:    node.ImageURL,
		SuccessRate: nil,
		Metadata:    node.Metadata.Sanitized(),
	}
}

// SessionResponse is one entry of GET /story/sessions.
type SessionResponse struct {
	ID        int64  `json:"id"`
	Wish      string `json:"wish"`
	CreatedAt string `json:"created_at"`
}

func buildSessionResponse(sess *models.GameSession) SessionResponse {
	return SessionResponse{ID: sess.ID, Wish: sess.Wish, CreatedAt: sess.CreatedAt.Format(timeLayout)}
}

// SessionDetailResponse is returned by GET /story/sessions/:id.
type SessionDetailResponse struct {
	Session SessionResponse `json:"session"`
	Nodes   []StorySegment  `json:"nodes"`
}

// SaveResponse is a client-facing save bookmark.
type SaveResponse struct {
	ID        int64  `json:"id"`
	SessionID int64  `json:"session_id"`
	NodeID    int64  `json:"node_id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func buildSaveResponse(save *models.StorySave) SaveResponse {
	return SaveResponse{
		ID:        save.ID,
		SessionID: save.SessionID,
		NodeID:    save.NodeID,
		Title:     save.Title,
		Status:    string(save.Status),
		CreatedAt: save.CreatedAt.Format(timeLayout),
		UpdatedAt: save.UpdatedAt.Format(timeLayout),
	}
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

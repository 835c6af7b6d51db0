package store

import (
	"context"
	"fmt"

	"github.com/hezawei/rebirth-game/pkg/models"
)

// RecordModeration logs a wish-submission moderation decision. Core scope
// only requires the local length/emptiness check; this keeps a record of
// every decision for later auditing even though the classification itself
// is stubbed to always-OK.
func (s *Store) RecordModeration(ctx context.Context, userID *string, wish string, status models.ModerationStatus, reason *string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wish_moderation_records (user_id, wish_text, status, reason)
		VALUES ($1, $2, $3, $4)
	`, userID, wish, string(status), reason)
	if err != nil {
		return fmt.Errorf("record moderation: %w", err)
	}
	return nil
}

// Package story orchestrates the story store, generation engine, priming
// cache, and speculation scheduler behind the handlers in pkg/api. It lives
// apart from pkg/services because pkg/engine, pkg/image and pkg/llm all
// import pkg/services for the shared error taxonomy — a service here that
// imports both would cycle, so the taxonomy stays in pkg/services and the
// orchestration that consumes engine/image/llm lives here instead.
package story

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hezawei/rebirth-game/pkg/cache"
	"github.com/hezawei/rebirth-game/pkg/config"
	"github.com/hezawei/rebirth-game/pkg/engine"
	"github.com/hezawei/rebirth-game/pkg/image"
	"github.com/hezawei/rebirth-game/pkg/llm"
	"github.com/hezawei/rebirth-game/pkg/models"
	"github.com/hezawei/rebirth-game/pkg/services"
	"github.com/hezawei/rebirth-game/pkg/speculation"
	"github.com/hezawei/rebirth-game/pkg/store"

	"golang.org/x/sync/singleflight"
)

const maxWishLength = 100

// Service orchestrates the story store, generation engine, priming cache,
// and speculation scheduler behind the handlers in pkg/api.
type Service struct {
	store        *store.Store
	engine       *engine.Engine
	sched        *speculation.Scheduler
	priming      *cache.Cache
	imageAdapter *image.Adapter
	cacheCfg     config.PrimingCacheConfig
	raceWait     time.Duration

	// genGroup collapses concurrent in-process generate-inline calls for
	// the same (session, parent, choice) into a single LLM call and a
	// single transactional insert attempt. The unique constraint on
	// story_nodes remains the cross-process backstop; this only avoids
	// paying for duplicate LLM calls when two requests race within this
	// server instance.
	genGroup singleflight.Group
}

// New builds a Service wiring every collaborator together.
func New(st *store.Store, eng *engine.Engine, sched *speculation.Scheduler, priming *cache.Cache, images *image.Adapter, cacheCfg config.PrimingCacheConfig, raceWait time.Duration) *Service {
	return &Service{
		store:        st,
		engine:       eng,
		sched:        sched,
		priming:      priming,
		imageAdapter: images,
		cacheCfg:     cacheCfg,
		raceWait:     raceWait,
	}
}

// Metrics is the combined snapshot served at GET /story/metrics.
type Metrics struct {
	LLM         llm.Metrics          `json:"llm"`
	Speculation speculation.Snapshot `json:"speculation"`
}

// CheckWish validates wish locally and logs the (stubbed) moderation
// decision. Full content moderation is out of core scope; the
// classification itself always passes.
func (s *Service) CheckWish(ctx context.Context, userID, wish string) (bool, string, error) {
	if wish == "" || len([]rune(wish)) > maxWishLength {
		reason := "wish must be non-empty and at most 100 characters"
		if err := s.store.RecordModeration(ctx, &userID, wish, models.ModerationStatusBlocked, &reason); err != nil {
			return false, "", err
		}
		return false, reason, nil
	}

	if err := s.store.RecordModeration(ctx, &userID, wish, models.ModerationStatusOK, nil); err != nil {
		return false, "", err
	}
	return true, "", nil
}

func validateWish(wish string) error {
	if wish == "" || len([]rune(wish)) > maxWishLength {
		return services.NewValidationError("wish", "must be non-empty and at most 100 characters")
	}
	return nil
}

// PreparedLevel is the synchronous response to prepare_start.
type PreparedLevel struct {
	LevelTitle string
	Background string
	MainQuest  string
	Metadata   map[string]any
}

// PrepareStart generates the level-priming flavor text synchronously and
// spawns a background task that reuses-or-creates the session, reuses-or-
// generates the root node, primes the cache, and kicks off speculation.
// Background failures clear the cache key; they never surface to the
// caller of prepare_start itself.
func (s *Service) PrepareStart(ctx context.Context, userID, wish string) (*PreparedLevel, error) {
	if err := validateWish(wish); err != nil {
		return nil, err
	}

	prepared := s.engine.PrepareLevel(ctx, wish)

	go s.primeFirstStory(userID, wish)

	return &PreparedLevel{
		LevelTitle: prepared.LevelTitle,
		Background: prepared.Background,
		MainQuest:  prepared.MainQuest,
		Metadata: map[string]any{
			"wish": wish,
		},
	}, nil
}

func (s *Service) primeFirstStory(userID, wish string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	key := cache.Key{UserID: userID, WishHash: engine.WishHash(wish)}

	sess, err := s.store.CreateSession(ctx, userID, wish)
	if err != nil {
		s.priming.Remove(key)
		return
	}

	root, err := s.rootNodeFor(ctx, sess.ID)
	if err != nil || root == nil {
		if root, err = s.generateRoot(ctx, sess.ID, wish); err != nil {
			s.priming.Remove(key)
			return
		}
	}

	s.priming.Store(key, sess.ID, root.ID)

	if s.sched != nil {
		budget := s.speculationMaxDepth() - 1
		if budget > 0 {
			s.sched.Enqueue(ctx, userID, sess.ID, root.ID, budget)
		}
	}
}

func (s *Service) speculationMaxDepth() int {
	if s.sched == nil {
		return 0
	}
	return s.sched.MaxDepth()
}

func (s *Service) rootNodeFor(ctx context.Context, sessionID int64) (*models.StoryNode, error) {
	history, err := s.store.GetSessionHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, n := range history {
		if n.ParentID == nil {
			return n, nil
		}
	}
	return nil, nil
}

func (s *Service) generateRoot(ctx context.Context, sessionID int64, wish string) (*models.StoryNode, error) {
	generated, err := s.engine.StartStory(ctx, wish)
	if err != nil {
		return nil, err
	}
	return s.store.CreateNode(ctx, nil, store.CreateNodeParams{
		SessionID: sessionID,
		StoryText: generated.StoryText,
		Choices:   generated.Choices,
		Metadata:  generated.Metadata,
		ImageURL:  generated.ImageURL,
	})
}

// Start resolves the primed root node for (user, wish) if available,
// otherwise performs the synchronous generation path.
func (s *Service) Start(ctx context.Context, userID, wish string) (*models.GameSession, *models.StoryNode, error) {
	if err := validateWish(wish); err != nil {
		return nil, nil, err
	}

	key := cache.Key{UserID: userID, WishHash: engine.WishHash(wish)}

	if entry, ok := s.priming.Pop(key); ok {
		sess, err := s.store.GetSession(ctx, entry.SessionID)
		if err != nil {
			return nil, nil, err
		}
		node, err := s.store.GetNode(ctx, entry.RootNodeID)
		if err != nil {
			return nil, nil, err
		}
		s.enqueueSpeculation(userID, sess.ID, node.ID, s.speculationMaxDepth())
		return sess, node, nil
	}

	deadline := time.Now().Add(time.Duration(s.cacheCfg.StartCacheWaitSec) * time.Second)
	interval := s.cacheCfg.PollInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(interval):
		}
		if entry, ok := s.priming.Pop(key); ok {
			sess, err := s.store.GetSession(ctx, entry.SessionID)
			if err != nil {
				return nil, nil, err
			}
			node, err := s.store.GetNode(ctx, entry.RootNodeID)
			if err != nil {
				return nil, nil, err
			}
			s.enqueueSpeculation(userID, sess.ID, node.ID, s.speculationMaxDepth())
			return sess, node, nil
		}
	}

	sess, err := s.store.CreateSession(ctx, userID, wish)
	if err != nil {
		return nil, nil, err
	}
	root, err := s.rootNodeFor(ctx, sess.ID)
	if err != nil {
		return nil, nil, err
	}
	if root == nil {
		root, err = s.generateRoot(ctx, sess.ID, wish)
		if err != nil {
			return nil, nil, err
		}
	}
	s.enqueueSpeculation(userID, sess.ID, root.ID, s.speculationMaxDepth())
	return sess, root, nil
}

func (s *Service) enqueueSpeculation(userID string, sessionID, nodeID int64, depth int) {
	if s.sched != nil && depth > 0 {
		s.sched.Enqueue(context.Background(), userID, sessionID, nodeID, depth)
	}
}

// Continue implements the full continue state machine: Validating,
// ParentChecked, RaceAwait, HitExisting|GenerateInline, Responding.
func (s *Service) Continue(ctx context.Context, userID string, sessionID, parentID int64, choice string) (*models.GameSession, *models.StoryNode, error) {
	// Validating
	if choice == "" {
		return nil, nil, services.NewValidationError("choice", "must not be empty")
	}

	// ParentChecked
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, nil, fmt.Errorf("%w: session %d", services.ErrNotFound, sessionID)
		}
		return nil, nil, err
	}
	if sess.UserID != userID {
		return nil, nil, services.ErrForbidden
	}
	parent, err := s.store.GetNode(ctx, parentID)
	if err != nil {
		if errors.Is(err, store.ErrNodeNotFound) {
			return nil, nil, fmt.Errorf("%w: node %d", services.ErrNotFound, parentID)
		}
		return nil, nil, err
	}
	if parent.SessionID != sessionID {
		return nil, nil, fmt.Errorf("%w: node %d does not belong to session %d", services.ErrNotFound, parentID, sessionID)
	}

	// RaceAwait
	if s.sched != nil {
		for s.sched.IsChoiceGenerating(sessionID, parentID, choice) {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(s.raceWait):
			}
		}
	}

	// HitExisting
	child, err := s.store.GetChildByParentAndChoice(ctx, nil, sessionID, parentID, choice)
	if err != nil {
		return nil, nil, err
	}
	if child != nil {
		if child.IsSpeculative {
			if err := s.store.FinalizeSpeculative(ctx, nil, child.ID); err != nil {
				return nil, nil, err
			}
			child.IsSpeculative = false
		}
		s.waitForNodeComplete(ctx, child)
		s.enqueueSpeculation(userID, sessionID, child.ID, s.speculationMaxDepth())
		return sess, child, nil
	}

	// GenerateInline, deduped against concurrent identical in-process calls.
	key := fmt.Sprintf("%d:%d:%s", sessionID, parentID, choice)
	v, err, _ := s.genGroup.Do(key, func() (any, error) {
		generated, err := s.engine.ContinueStory(ctx, sess.Wish, parent.Metadata, parent.Choices, choice)
		if err != nil {
			return nil, err
		}
		return s.createChildTransactional(ctx, sessionID, parentID, choice, generated)
	})
	if err != nil {
		return nil, nil, err
	}
	created := v.(*models.StoryNode)

	s.waitForNodeComplete(ctx, created)
	s.enqueueSpeculation(userID, sessionID, created.ID, s.speculationMaxDepth())
	return sess, created, nil
}

// createChildTransactional runs the short lock-check-insert pattern: lock
// the parent row, re-check for a concurrent winner, and only then insert.
// A unique-violation at commit falls back to reading the concurrent winner.
func (s *Service) createChildTransactional(ctx context.Context, sessionID, parentID int64, choice string, generated *engine.GeneratedNode) (*models.StoryNode, error) {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin continue transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.store.LockNodeForUpdate(ctx, tx, parentID); err != nil {
		return nil, err
	}

	if existing, err := s.store.GetChildByParentAndChoice(ctx, tx, sessionID, parentID, choice); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, tx.Commit()
	}

	choiceCopy := choice
	parentCopy := parentID
	created, err := s.store.CreateNode(ctx, tx, store.CreateNodeParams{
		SessionID:  sessionID,
		ParentID:   &parentCopy,
		UserChoice: &choiceCopy,
		StoryText:  generated.StoryText,
		Choices:    generated.Choices,
		Metadata:   generated.Metadata,
		ImageURL:   generated.ImageURL,
	})
	if err != nil {
		if errors.Is(err, store.ErrUniqueViolation) {
			existing, getErr := s.store.GetChildByParentAndChoice(ctx, nil, sessionID, parentID, choice)
			if getErr != nil {
				return nil, getErr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit continue transaction: %w", err)
	}
	return created, nil
}

// waitForNodeComplete polls node until story_text and image_url are
// populated and, for a locally-persisted image, the file exists on disk.
// Gives up silently after maxWait; the caller returns the node regardless.
func (s *Service) waitForNodeComplete(ctx context.Context, node *models.StoryNode) {
	const maxWait = 60 * time.Second
	const pollInterval = 500 * time.Millisecond

	deadline := time.Now().Add(maxWait)
	for {
		if node.StoryText != "" && node.ImageURL != "" && s.imageReady(node.ImageURL) {
			return
		}
		if time.Now().After(deadline) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
		fresh, err := s.store.GetNode(ctx, node.ID)
		if err != nil {
			return
		}
		*node = *fresh
	}
}

func (s *Service) imageReady(imageURL string) bool {
	if s.imageAdapter == nil {
		return true
	}
	return s.imageAdapter.LocalAssetReady(imageURL)
}

// Retry prunes every descendant of node back to speculative and returns
// the (unmodified) node itself with its chapter number recomputed.
func (s *Service) Retry(ctx context.Context, userID string, nodeID int64) (*models.StoryNode, int, error) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, store.ErrNodeNotFound) {
			return nil, 0, fmt.Errorf("%w: node %d", services.ErrNotFound, nodeID)
		}
		return nil, 0, err
	}
	sess, err := s.store.GetSession(ctx, node.SessionID)
	if err != nil {
		return nil, 0, err
	}
	if sess.UserID != userID {
		return nil, 0, services.ErrForbidden
	}

	pruned, err := s.store.PruneAfterNode(ctx, nodeID, s.speculationMaxDepth())
	if err != nil {
		return nil, 0, err
	}
	chapterNumber, err := s.store.CalculateChapterNumber(ctx, pruned.ID)
	if err != nil {
		return nil, 0, err
	}
	return pruned, chapterNumber, nil
}

// ListSessions returns every session owned by userID, newest first.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]*models.GameSession, error) {
	return s.store.ListSessions(ctx, userID)
}

// SessionDetail returns the session plus its confirmed nodes in ascending
// order, after verifying ownership.
func (s *Service) SessionDetail(ctx context.Context, userID string, sessionID int64) (*models.GameSession, []*models.StoryNode, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, nil, fmt.Errorf("%w: session %d", services.ErrNotFound, sessionID)
		}
		return nil, nil, err
	}
	if sess.UserID != userID {
		return nil, nil, services.ErrForbidden
	}
	history, err := s.store.GetSessionHistory(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return sess, history, nil
}

// LatestNodeInSession returns the highest-id confirmed (non-speculative)
// node of a session, verifying ownership.
func (s *Service) LatestNodeInSession(ctx context.Context, userID string, sessionID int64) (*models.StoryNode, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: session %d", services.ErrNotFound, sessionID)
		}
		return nil, err
	}
	if sess.UserID != userID {
		return nil, services.ErrForbidden
	}
	history, err := s.store.GetSessionHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: session %d has no confirmed nodes", services.ErrNotFound, sessionID)
	}
	return history[len(history)-1], nil
}

// DeepestNodeForUser returns the highest-id node of the user's most-
// developed session.
func (s *Service) DeepestNodeForUser(ctx context.Context, userID string) (*models.StoryNode, error) {
	node, err := s.store.GetDeepestNodeForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNodeNotFound) {
			return nil, fmt.Errorf("%w: no sessions for user", services.ErrNotFound)
		}
		return nil, err
	}
	return node, nil
}

// CreateSave inserts a bookmark after verifying the caller owns sessionID.
func (s *Service) CreateSave(ctx context.Context, userID string, sessionID, nodeID int64, title string) (*models.StorySave, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: session %d", services.ErrNotFound, sessionID)
		}
		return nil, err
	}
	if sess.UserID != userID {
		return nil, services.ErrForbidden
	}
	if title == "" {
		return nil, services.NewValidationError("title", "must not be empty")
	}
	return s.store.CreateSave(ctx, sessionID, nodeID, title, models.SaveStatusActive)
}

// ListSaves returns userID's saves, optionally filtered by status.
// A non-empty, invalid status string is rejected.
func (s *Service) ListSaves(ctx context.Context, userID string, status string) ([]*models.StorySave, error) {
	var filter *models.SaveStatus
	if status != "" {
		st := models.SaveStatus(status)
		if !st.IsValid() {
			return nil, services.NewValidationError("status", "must be one of active, completed, failed")
		}
		filter = &st
	}
	return s.store.ListSavesForUser(ctx, userID, filter)
}

// GetSave loads a save by id, verifying ownership.
func (s *Service) GetSave(ctx context.Context, userID string, saveID int64) (*models.StorySave, error) {
	save, err := s.store.GetSaveForUser(ctx, userID, saveID)
	if err != nil {
		if errors.Is(err, store.ErrSaveNotFound) {
			return nil, fmt.Errorf("%w: save %d", services.ErrNotFound, saveID)
		}
		return nil, err
	}
	return save, nil
}

// UpdateSave changes a save's title/status after verifying ownership.
func (s *Service) UpdateSave(ctx context.Context, userID string, saveID int64, title string, status models.SaveStatus) (*models.StorySave, error) {
	if _, err := s.GetSave(ctx, userID, saveID); err != nil {
		return nil, err
	}
	if title == "" {
		return nil, services.NewValidationError("title", "must not be empty")
	}
	if !status.IsValid() {
		return nil, services.NewValidationError("status", "must be one of active, completed, failed")
	}
	return s.store.UpdateSave(ctx, saveID, title, status)
}

// DeleteSave removes a save after verifying ownership.
func (s *Service) DeleteSave(ctx context.Context, userID string, saveID int64) error {
	if _, err := s.GetSave(ctx, userID, saveID); err != nil {
		return err
	}
	return s.store.DeleteSave(ctx, saveID)
}

// BuildMetrics assembles the combined snapshot served at GET /story/metrics.
func (s *Service) BuildMetrics(m llm.Metrics) Metrics {
	snap := speculation.Snapshot{}
	if s.sched != nil {
		snap = s.sched.Snapshot()
	}
	return Metrics{LLM: m, Speculation: snap}
}

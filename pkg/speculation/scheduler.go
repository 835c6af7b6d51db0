// Package speculation implements the background branch-expansion
// scheduler: whenever a node confirms, its three choices are expanded
// ahead of demand, down to a configured depth, so a player's next
// continue call usually finds its node already generated. Ported from
// the worker-pool discipline of the teacher's pkg/queue (mutex-guarded
// health snapshot, graceful stop) generalized from a DB-backed job queue
// to an in-memory fan-out over story nodes.
package speculation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/hezawei/rebirth-game/pkg/config"
	"github.com/hezawei/rebirth-game/pkg/engine"
	"github.com/hezawei/rebirth-game/pkg/models"
	"github.com/hezawei/rebirth-game/pkg/store"
)

type nodeKey struct {
	sessionID int64
	nodeID    int64
}

type childKey struct {
	sessionID int64
	parentID  int64
	choice    string
}

// Scheduler expands confirmed nodes' children speculatively, bounded by
// per-user concurrency and a maximum lookahead depth.
type Scheduler struct {
	cfg    config.SpeculationConfig
	store  *store.Store
	engine *engine.Engine
	wishOf func(sessionID int64) (string, error)

	mu         sync.Mutex
	pending    map[nodeKey]int        // requested remaining depth, top-up on re-enqueue
	inFlight   map[nodeKey]bool       // node currently being expanded by a worker
	generating map[childKey]struct{}  // (parent, choice) currently mid-generation
	userActive map[string]int         // count of in-flight expansions per user

	enqueuedTotal   int64
	startedTotal    int64
	finishedTotal   int64
	droppedTotal    int64
	nodesGenerated  int64
	nodesFailed     int64
}

// New builds a Scheduler. wishOf resolves a session to its wish text,
// needed to rebuild history-profile context for each generated child.
func New(cfg config.SpeculationConfig, st *store.Store, eng *engine.Engine, wishOf func(sessionID int64) (string, error)) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		store:      st,
		engine:     eng,
		wishOf:     wishOf,
		pending:    make(map[nodeKey]int),
		inFlight:   make(map[nodeKey]bool),
		generating: make(map[childKey]struct{}),
		userActive: make(map[string]int),
	}
}

// Enqueue requests speculative expansion of node's children down to depth
// levels. If the node already has a pending request at an equal or greater
// depth, this is a no-op; a deeper request tops up the recorded depth so
// the next pass goes further. Only one worker runs per node. A worker
// removes the pending depth when it starts a pass, so a request at the same
// depth that arrives while that pass runs is not deduplicated: it is
// recorded again and causes one further pass at that depth.
func (s *Scheduler) Enqueue(ctx context.Context, userID string, sessionID, nodeID int64, depth int) {
	if !s.cfg.Enabled || depth <= 0 {
		return
	}

	key := nodeKey{sessionID: sessionID, nodeID: nodeID}

	s.mu.Lock()
	if cur, ok := s.pending[key]; ok && cur >= depth {
		s.mu.Unlock()
		return
	}
	s.pending[key] = depth
	alreadyRunning := s.inFlight[key]
	s.enqueuedTotal++
	s.mu.Unlock()

	if alreadyRunning {
		return
	}

	s.mu.Lock()
	if s.cfg.MaxConcurrencyPerUser > 0 && s.userActive[userID] >= s.cfg.MaxConcurrencyPerUser {
		s.droppedTotal++
		s.mu.Unlock()
		slog.Warn("speculation dropped: per-user concurrency cap reached",
			"user_id", userID, "session_id", sessionID, "node_id", nodeID)
		return
	}
	if s.cfg.MaxConcurrencyPerUser > 0 {
		s.userActive[userID]++
	}
	s.inFlight[key] = true
	s.startedTotal++
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, key)
			if s.cfg.MaxConcurrencyPerUser > 0 {
				s.userActive[userID]--
			}
			s.finishedTotal++
			s.mu.Unlock()
		}()

		for {
			s.mu.Lock()
			remaining, ok := s.pending[key]
			if ok {
				delete(s.pending, key)
			}
			s.mu.Unlock()
			if !ok || remaining <= 0 {
				return
			}

			if err := s.ExpandChildren(ctx, userID, sessionID, nodeID, remaining); err != nil {
				slog.Error("speculative expansion failed",
					"session_id", sessionID, "node_id", nodeID, "error", err)
				return
			}
		}
	}()
}

// MaxDepth returns the configured maximum speculation lookahead depth.
func (s *Scheduler) MaxDepth() int {
	return s.cfg.MaxDepth
}

// IsChoiceGenerating reports whether a generation call for this exact
// (parent, choice) pair is currently in flight, so the synchronous
// continue path can decide to await it rather than starting a duplicate.
func (s *Scheduler) IsChoiceGenerating(sessionID, parentID int64, choice string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.generating[childKey{sessionID: sessionID, parentID: parentID, choice: choice}]
	return ok
}

// ExpandChildren generates any of node's three choice-children that don't
// yet exist, then recurses into each of them at remainingDepth-1. Already
// in-flight children (being generated by another caller, e.g. a
// synchronous continue racing this same branch) are skipped, not
// duplicated. A choice whose generation fails is logged and skipped; the
// other children are still recursed into.
func (s *Scheduler) ExpandChildren(ctx context.Context, userID string, sessionID, nodeID int64, remainingDepth int) error {
	if remainingDepth <= 0 {
		return nil
	}

	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("expand children: load node: %w", err)
	}
	if len(node.Choices) == 0 {
		return nil // settled node, nothing to expand
	}

	wish, err := s.wishOf(sessionID)
	if err != nil {
		return fmt.Errorf("expand children: resolve wish: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInt(1, s.cfg.ChoiceWorkers))

	var createdThisLevel int64

	childIDs := make([]int64, len(node.Choices))
	for i, choice := range node.Choices {
		i, choice := i, choice
		g.Go(func() error {
			childID, err := s.materializeChild(gctx, userID, wish, node, choice.Option, &createdThisLevel)
			if err != nil {
				slog.Warn("speculative child generation failed",
					"session_id", sessionID, "node_id", nodeID, "choice", choice.Option, "error", err)
				return nil
			}
			childIDs[i] = childID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, childID := range childIDs {
		if childID != 0 {
			s.Enqueue(ctx, userID, sessionID, childID, remainingDepth-1)
		}
	}
	return nil
}

// materializeChild returns the id of the existing child for (node, choice)
// if one is already there, otherwise generates and persists it. An
// already-existing child is always returned regardless of createdThisLevel;
// the level_cap only limits how many brand-new children this single
// ExpandChildren call may create.
func (s *Scheduler) materializeChild(ctx context.Context, userID, wish string, node *models.StoryNode, choiceOption string, createdThisLevel *int64) (int64, error) {
	ck := childKey{sessionID: node.SessionID, parentID: node.ID, choice: choiceOption}

	existing, err := s.store.GetChildByParentAndChoice(ctx, nil, node.SessionID, node.ID, choiceOption)
	if err != nil {
		return 0, fmt.Errorf("look up existing child: %w", err)
	}
	if existing != nil {
		return existing.ID, nil
	}

	if !s.reserveLevelCapSlot(createdThisLevel) {
		return 0, nil
	}

	s.mu.Lock()
	if _, inFlight := s.generating[ck]; inFlight {
		s.mu.Unlock()
		return 0, nil
	}
	s.generating[ck] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.generating, ck)
		s.mu.Unlock()
	}()

	generated, err := s.engine.ContinueStory(ctx, wish, node.Metadata, node.Choices, choiceOption)
	if err != nil {
		s.recordFailure()
		return 0, fmt.Errorf("generate child for choice %q: %w", choiceOption, err)
	}

	budget := s.cfg.MaxDepth
	if node.SpeculativeDepth != nil {
		budget = *node.SpeculativeDepth
	}
	depth := budget - 1
	if depth < 0 {
		depth = 0
	}
	parentID := node.ID
	choiceOptionCopy := choiceOption
	created, err := s.store.CreateNode(ctx, nil, store.CreateNodeParams{
		SessionID:        node.SessionID,
		ParentID:         &parentID,
		UserChoice:       &choiceOptionCopy,
		StoryText:        generated.StoryText,
		Choices:          generated.Choices,
		Metadata:         generated.Metadata,
		ImageURL:         generated.ImageURL,
		Speculative:      true,
		SpeculativeDepth: &depth,
	})
	if err != nil {
		if err == store.ErrUniqueViolation {
			existing, getErr := s.store.GetChildByParentAndChoice(ctx, nil, node.SessionID, node.ID, choiceOption)
			if getErr != nil {
				return 0, getErr
			}
			if existing != nil {
				return existing.ID, nil
			}
		}
		s.recordFailure()
		return 0, fmt.Errorf("persist child for choice %q: %w", choiceOption, err)
	}

	s.recordGenerated()
	return created.ID, nil
}

// reserveLevelCapSlot claims one of level_cap's new-child slots for this
// ExpandChildren call, counting only children actually created here, not
// children that already existed. A cap of 0 or below means unlimited.
func (s *Scheduler) reserveLevelCapSlot(createdThisLevel *int64) bool {
	limit := int64(s.cfg.LevelCap)
	if limit <= 0 {
		return true
	}
	for {
		cur := atomic.LoadInt64(createdThisLevel)
		if cur >= limit {
			return false
		}
		if atomic.CompareAndSwapInt64(createdThisLevel, cur, cur+1) {
			return true
		}
	}
}

func (s *Scheduler) recordFailure() {
	s.mu.Lock()
	s.nodesFailed++
	s.mu.Unlock()
}

func (s *Scheduler) recordGenerated() {
	s.mu.Lock()
	s.nodesGenerated++
	s.mu.Unlock()
}

// Snapshot is a point-in-time view of the scheduler's counters, mirroring
// the teacher's PoolHealth shape: a plain struct returned under the owning
// mutex, never a live reference.
type Snapshot struct {
	Enabled        bool  `json:"enabled"`
	EnqueuedTotal  int64 `json:"enqueued_total"`
	StartedTotal   int64 `json:"started_total"`
	FinishedTotal  int64 `json:"finished_total"`
	DroppedTotal   int64 `json:"dropped_total"`
	NodesGenerated int64 `json:"nodes_generated_total"`
	NodesFailed    int64 `json:"nodes_failed_total"`
	PendingJobs    int   `json:"pending_jobs"`
	ActiveWorkers  int   `json:"active_workers"`
}

// Snapshot returns the current scheduler counters.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Enabled:        s.cfg.Enabled,
		EnqueuedTotal:  s.enqueuedTotal,
		StartedTotal:   s.startedTotal,
		FinishedTotal:  s.finishedTotal,
		DroppedTotal:   s.droppedTotal,
		NodesGenerated: s.nodesGenerated,
		NodesFailed:    s.nodesFailed,
		PendingJobs:    len(s.pending),
		ActiveWorkers:  len(s.inFlight),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

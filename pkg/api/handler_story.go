package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// checkWishHandler handles POST /story/check_wish.
func (s *Server) checkWishHandler(c *gin.Context) {
	var req CheckWishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ok, reason, err := s.story.CheckWish(c.Request.Context(), currentUserID(c), req.Wish)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, CheckWishResponse{OK: ok, Reason: reason})
}

// prepareStartHandler handles POST /story/prepare_start.
func (s *Server) prepareStartHandler(c *gin.Context) {
	var req PrepareStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	prepared, err := s.story.PrepareStart(c.Request.Context(), currentUserID(c), req.Wish)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, PrepareStartResponse{
		LevelTitle: prepared.LevelTitle,
		Background: prepared.Background,
		MainQuest:  prepared.MainQuest,
		Metadata:   prepared.Metadata,
	})
}

// startHandler handles POST /story/start.
func (s *Server) startHandler(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	sess, node, err := s.story.Start(c.Request.Context(), currentUserID(c), req.Wish)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildStorySegment(sess.ID, node))
}

// continueHandler handles POST /story/continue.
func (s *Server) continueHandler(c *gin.Context) {
	var req ContinueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	sess, node, err := s.story.Continue(c.Request.Context(), currentUserID(c), req.SessionID, req.NodeID, req.Choice)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildStorySegment(sess.ID, node))
}

// retryHandler handles POST /story/retry.
func (s *Server) retryHandler(c *gin.Context) {
	var req RetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	node, chapterNumber, err := s.story.Retry(c.Request.Context(), currentUserID(c), req.NodeID)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	segment := buildStorySegment(node.SessionID, node)
	segment.Metadata.ChapterNumber = chapterNumber
	c.JSON(http.StatusOK, segment)
}

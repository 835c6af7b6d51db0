package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// listSessionsHandler handles GET /story/sessions.
func (s *Server) listSessionsHandler(c *gin.Context) {
	sessions, err := s.story.ListSessions(c.Request.Context(), currentUserID(c))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	resp := make([]SessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, buildSessionResponse(sess))
	}
	c.JSON(http.StatusOK, resp)
}

// getSessionHandler handles GET /story/sessions/:id.
func (s *Server) getSessionHandler(c *gin.Context) {
	sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	sess, nodes, err := s.story.SessionDetail(c.Request.Context(), currentUserID(c), sessionID)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	segments := make([]StorySegment, 0, len(nodes))
	for _, n := range nodes {
		segments = append(segments, buildStorySegment(sess.ID, n))
	}
	c.JSON(http.StatusOK, SessionDetailResponse{Session: buildSessionResponse(sess), Nodes: segments})
}

// sessionLatestHandler handles GET /story/sessions/:id/latest.
func (s *Server) sessionLatestHandler(c *gin.Context) {
	sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	node, err := s.story.LatestNodeInSession(c.Request.Context(), currentUserID(c), sessionID)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildStorySegment(sessionID, node))
}

// latestHandler handles GET /story/latest.
func (s *Server) latestHandler(c *gin.Context) {
	node, err := s.story.DeepestNodeForUser(c.Request.Context(), currentUserID(c))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildStorySegment(node.SessionID, node))
}

package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/hezawei/rebirth-game/pkg/models"
)

// createSaveHandler handles POST /story/saves.
func (s *Server) createSaveHandler(c *gin.Context) {
	var req CreateSaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	save, err := s.story.CreateSave(c.Request.Context(), currentUserID(c), req.SessionID, req.NodeID, req.Title)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, buildSaveResponse(save))
}

// listSavesHandler handles GET /story/saves.
func (s *Server) listSavesHandler(c *gin.Context) {
	saves, err := s.story.ListSaves(c.Request.Context(), currentUserID(c), c.Query("status"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	resp := make([]SaveResponse, 0, len(saves))
	for _, sv := range saves {
		resp = append(resp, buildSaveResponse(sv))
	}
	c.JSON(http.StatusOK, resp)
}

// getSaveHandler handles GET /story/saves/:id.
func (s *Server) getSaveHandler(c *gin.Context) {
	saveID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid save id"})
		return
	}

	save, err := s.story.GetSave(c.Request.Context(), currentUserID(c), saveID)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildSaveResponse(save))
}

// updateSaveHandler handles PATCH /story/saves/:id.
func (s *Server) updateSaveHandler(c *gin.Context) {
	saveID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid save id"})
		return
	}
	var req UpdateSaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	save, err := s.story.UpdateSave(c.Request.Context(), currentUserID(c), saveID, req.Title, models.SaveStatus(req.Status))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildSaveResponse(save))
}

// deleteSaveHandler handles DELETE /story/saves/:id.
func (s *Server) deleteSaveHandler(c *gin.Context) {
	saveID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid save id"})
		return
	}

	if err := s.story.DeleteSave(c.Request.Context(), currentUserID(c), saveID); err != nil {
		mapServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

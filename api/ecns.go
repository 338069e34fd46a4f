package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/backstage/plm/handlers"
)

// CreateECNRequest registers an Engineering Change Notice
type CreateECNRequest struct {
	Title        string `json:"title" binding:"required"`
	ChangeReason string `json:"change_reason" binding:"required"`
	Description  string `json:"description"`
	Author       string `json:"author"`
}

func (s *Server) createECN(c *gin.Context) {
	var req CreateECNRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ecn, err := s.handlers.ECNs.HandleCreate(c.Request.Context(), handlers.CreateECNCommand{
		Title:        req.Title,
		ChangeReason: req.ChangeReason,
		Description:  req.Description,
		Author:       req.Author,
		Actor:        actorFrom(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ecn)
}

func (s *Server) listECNs(c *gin.Context) {
	limit, ok := optionalInt(c, "limit")
	if !ok {
		return
	}
	offset, ok := optionalInt(c, "offset")
	if !ok {
		return
	}
	var l, o int
	if limit != nil {
		l = *limit
	}
	if offset != nil {
		o = *offset
	}

	ecns, err := s.handlers.ECNs.List(c.Request.Context(), l, o)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ecns)
}

func (s *Server) getECN(c *gin.Context) {
	ecn, err := s.handlers.ECNs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ecn)
}

func (s *Server) getLinkedVersions(c *gin.Context) {
	linked, err := s.handlers.ECNs.LinkedVersions(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, linked)
}

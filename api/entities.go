package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/backstage/plm/domain"
	"example.com/backstage/plm/eventstore"
	"example.com/backstage/plm/export"
	"example.com/backstage/plm/handlers"
)

type transitionOp int

const (
	opPublish transitionOp = iota
	opDraft
	opBlock
	opUnblock
	opRestore
)

// RegisterRequest puts an Item or BOM under lifecycle control
type RegisterRequest struct {
	Identity string         `json:"identity" binding:"required"`
	Data     domain.Payload `json:"data"`
}

// UpdateRequest replaces the working data
type UpdateRequest struct {
	Data            domain.Payload `json:"data"`
	ExpectedVersion *int           `json:"expected_version"`
}

// TransitionRequest carries the ECN and notes of a lifecycle call
type TransitionRequest struct {
	ECN             string `json:"ecn"`
	Notes           string `json:"notes"`
	TargetVersion   int    `json:"target_version"`
	ExpectedVersion *int   `json:"expected_version"`
}

// BulkDeleteRequest lists the identities to delete
type BulkDeleteRequest struct {
	Identities []string `json:"identities" binding:"required"`
}

func (s *Server) registerEntity(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := s.handlers.Lifecycle.HandleRegister(c.Request.Context(), handlers.RegisterCommand{
		Kind:     kind,
		Identity: req.Identity,
		Data:     req.Data,
		Actor:    actorFrom(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) updateEntity(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := s.handlers.Lifecycle.HandleUpdate(c.Request.Context(), handlers.UpdateCommand{
		Kind:            kind,
		Identity:        c.Param("id"),
		Data:            req.Data,
		ExpectedVersion: req.ExpectedVersion,
		Actor:           actorFrom(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) transition(op transitionOp) gin.HandlerFunc {
	return func(c *gin.Context) {
		kind, ok := parseKind(c)
		if !ok {
			return
		}
		var req TransitionRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, err)
				return
			}
		}

		cmd := handlers.TransitionCommand{
			Kind:            kind,
			Identity:        c.Param("id"),
			ECN:             req.ECN,
			Notes:           req.Notes,
			TargetVersion:   req.TargetVersion,
			ExpectedVersion: req.ExpectedVersion,
			Actor:           actorFrom(c),
		}

		var call func(context.Context, handlers.TransitionCommand) (*domain.Result, error)
		lifecycle := s.handlers.Lifecycle
		switch op {
		case opPublish:
			call = lifecycle.Publish
		case opDraft:
			call = lifecycle.SaveAsDraft
		case opBlock:
			call = lifecycle.Block
		case opUnblock:
			call = lifecycle.Unblock
		case opRestore:
			call = lifecycle.Restore
		}

		result, err := call(c.Request.Context(), cmd)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func (s *Server) deleteEntity(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	expected, ok := optionalInt(c, "expected_version")
	if !ok {
		return
	}

	result, err := s.handlers.Lifecycle.HandleDelete(c.Request.Context(), handlers.DeleteCommand{
		Kind:            kind,
		Identity:        c.Param("id"),
		ExpectedVersion: expected,
		Actor:           actorFrom(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) bulkDelete(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	var req BulkDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	outcomes, err := s.handlers.Lifecycle.HandleBulkDelete(c.Request.Context(), handlers.BulkDeleteCommand{
		Kind:       kind,
		Identities: req.Identities,
		Actor:      actorFrom(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": outcomes})
}

func (s *Server) listEntities(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
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

	recs, err := s.handlers.Queries.List(c.Request.Context(), kind, domain.Status(c.Query("status")), l, o, actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (s *Server) getEntity(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	rec, err := s.handlers.Queries.Entity(c.Request.Context(), kind, c.Param("id"), actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) getHistory(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	history, err := s.handlers.Queries.History(c.Request.Context(), kind, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (s *Server) getVersion(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	version, ok := intParam(c, c.Param("version"), "version")
	if !ok {
		return
	}
	v, err := s.handlers.Queries.VersionData(c.Request.Context(), kind, c.Param("id"), version)
	if err != nil {
		respondError(c, err)
		return
	}
	respondVersion(c, v)
}

func (s *Server) getVersionByName(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	v, err := s.handlers.Queries.VersionDataByName(c.Request.Context(), kind, c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondVersion(c, v)
}

// respondVersion renders a missing version as an empty object
func respondVersion(c *gin.Context, v *eventstore.VersionRecord) {
	if v == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) exportVersion(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	version, ok := intParam(c, c.Param("version"), "version")
	if !ok {
		return
	}
	v, err := s.handlers.Queries.VersionData(c.Request.Context(), kind, c.Param("id"), version)
	if err != nil {
		respondError(c, err)
		return
	}
	if v == nil {
		respondError(c, domain.NewNotFoundError(fmt.Sprintf("%s %s has no version %d", kind.Label(), c.Param("id"), version)))
		return
	}

	f, err := export.VersionWorkbook(v)
	if err != nil {
		respondError(c, err)
		return
	}
	defer f.Close()

	buf, err := f.WriteToBuffer()
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+export.Filename(v))
	c.Data(http.StatusOK, export.ContentType, buf.Bytes())
}

func (s *Server) compareVersions(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	v1, ok := intParam(c, c.Query("v1"), "v1")
	if !ok {
		return
	}
	v2, ok := intParam(c, c.Query("v2"), "v2")
	if !ok {
		return
	}

	cmp, err := s.handlers.Queries.Compare(c.Request.Context(), kind, c.Param("id"), v1, v2)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmp)
}

func (s *Server) getCurrentECN(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	ecn, err := s.handlers.Queries.CurrentVersionECN(c.Request.Context(), kind, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ecn": ecn})
}

func (s *Server) canDownload(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	decision, err := s.handlers.Queries.CanDownload(c.Request.Context(), kind, c.Param("id"), actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (s *Server) downloadableVersions(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	if kind != domain.KindItem {
		c.JSON(http.StatusOK, gin.H{"versions": []handlers.DownloadableVersion{}})
		return
	}
	versions, err := s.handlers.Queries.DownloadableVersions(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

func (s *Server) versionDocuments(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	if kind != domain.KindItem {
		respondError(c, domain.NewValidationError("only Items carry documents"))
		return
	}

	actor := actorFrom(c)
	decision, err := s.handlers.Queries.CanDownload(c.Request.Context(), kind, c.Param("id"), actor)
	if err != nil {
		respondError(c, err)
		return
	}
	if !decision.Allowed {
		respondError(c, domain.NewPermissionError(decision.Reason))
		return
	}

	version := 0
	if raw := c.Query("version"); raw != "" && raw != "current" {
		var ok bool
		if version, ok = intParam(c, raw, "version"); !ok {
			return
		}
	}
	docs, err := s.handlers.Queries.VersionDocuments(c.Request.Context(), c.Param("id"), version)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

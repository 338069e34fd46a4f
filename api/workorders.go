package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"example.com/backstage/plm/handlers"
)

// CreateWorkOrderRequest pins a new Work Order to a BOM
type CreateWorkOrderRequest struct {
	ID  string          `json:"id"`
	BOM string          `json:"bom" binding:"required"`
	Qty decimal.Decimal `json:"qty"`
}

// ValidateOperationRequest asks whether a manufacturing operation may proceed
type ValidateOperationRequest struct {
	Operation string `json:"operation" binding:"required"`
	Purpose   string `json:"purpose"`
}

func (s *Server) createWorkOrder(c *gin.Context) {
	var req CreateWorkOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	wo, err := s.handlers.WorkOrders.HandleCreate(c.Request.Context(), handlers.CreateWorkOrderCommand{
		ID:    req.ID,
		BOM:   req.BOM,
		Qty:   req.Qty,
		Actor: actorFrom(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wo)
}

func (s *Server) getWorkOrder(c *gin.Context) {
	wo, err := s.handlers.WorkOrders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wo)
}

func (s *Server) checkBOMStatus(c *gin.Context) {
	ps, err := s.handlers.WorkOrders.CheckBOMStatusForOperation(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ps)
}

func (s *Server) getWorkOrderItems(c *gin.Context) {
	items, err := s.handlers.WorkOrders.Items(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) validateOperation(c *gin.Context) {
	var req ValidateOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ps, err := s.handlers.WorkOrders.ValidateOperation(c.Request.Context(), handlers.ValidateOperationCommand{
		WorkOrder: c.Param("id"),
		Operation: req.Operation,
		Purpose:   req.Purpose,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ps)
}

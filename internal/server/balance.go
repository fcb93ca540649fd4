package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/genstudio/internal/credit/domain"
)

func (s *Server) GetBalance(c *gin.Context) {
	view, err := s.creditSvc.GetBalanceView(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": view})
}

func (s *Server) ListTransactions(c *gin.Context) {
	pageSize := 0
	if raw := strings.TrimSpace(c.Query("page_size")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			AbortWithError(c, newValidationError("page_size", "invalid_page_size", "page_size must be a positive integer"))
			return
		}
		pageSize = parsed
	}

	resp, err := s.creditSvc.ListTransactions(c.Request.Context(), creditdomain.ListTransactionsRequest{
		UserID:    userIDFromContext(c),
		PageToken: strings.TrimSpace(c.Query("page_token")),
		PageSize:  pageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":            resp.Transactions,
		"next_page_token": resp.NextPageToken,
		"has_more":        resp.HasMore,
	})
}

func (s *Server) ReconcileBalance(c *gin.Context) {
	report, err := s.creditSvc.Reconcile(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report})
}

type initializeAccountRequest struct {
	Email string `json:"email"`
}

// InitializeAccount opens a free-tier account with the configured starting
// grant for the calling user.
func (s *Server) InitializeAccount(c *gin.Context) {
	var req initializeAccountRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	account, err := s.creditSvc.InitializeAccount(c.Request.Context(), creditdomain.InitializeAccountRequest{
		UserID:         userIDFromContext(c),
		Email:          req.Email,
		InitialCredits: s.cfg.Credit.FreeInitialCredits,
		Tier:           creditdomain.TierFree,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": account})
}

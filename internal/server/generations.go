package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	generationdomain "github.com/smallbiznis/genstudio/internal/generation/domain"
)

type createGenerationRequest struct {
	Feature string         `json:"feature"`
	Params  map[string]any `json:"params"`
}

// CreateGeneration runs one credit-gated generation. Outcomes other than
// completed are reported in the body: insufficient credit answers 402,
// provider failures answer 200 with status failed.
func (s *Server) CreateGeneration(c *gin.Context) {
	var req createGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.Feature) == "" {
		AbortWithError(c, newValidationError("feature", "required", "feature is required"))
		return
	}
	c.Set("feature", strings.ToLower(strings.TrimSpace(req.Feature)))

	result, err := s.generationSvc.Generate(c.Request.Context(), generationdomain.GenerateRequest{
		UserID:  userIDFromContext(c),
		Feature: req.Feature,
		Params:  req.Params,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if result.Status == generationdomain.ResultInsufficientCredit {
		status = http.StatusPaymentRequired
	}
	c.JSON(status, gin.H{"data": result})
}

func (s *Server) GetGenerationJob(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		AbortWithError(c, newValidationError("id", "required", "job id is required"))
		return
	}

	job, err := s.generationSvc.GetJob(c.Request.Context(), userIDFromContext(c), jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": job})
}

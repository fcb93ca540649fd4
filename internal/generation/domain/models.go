package domain

import (
	"context"
	"strings"
)

type ResultStatus string

const (
	ResultCompleted          ResultStatus = "completed"
	ResultFailed             ResultStatus = "failed"
	ResultInsufficientCredit ResultStatus = "insufficient_credit"
)

var features = map[string]struct{}{
	"interior": {},
	"exterior": {},
	"sketch":   {},
	"furnish":  {},
	"remove":   {},
	"video":    {},
	"text":     {},
}

// NormalizeFeature lowercases feature and checks it is a known capability.
func NormalizeFeature(feature string) (string, error) {
	feature = strings.ToLower(strings.TrimSpace(feature))
	if _, ok := features[feature]; !ok {
		return "", ErrInvalidFeature
	}
	return feature, nil
}

type GenerateRequest struct {
	UserID  string         `json:"-"`
	Feature string         `json:"feature"`
	Params  map[string]any `json:"params"`
}

type GenerationResult struct {
	Status           ResultStatus `json:"status"`
	GenerationID     string       `json:"generation_id,omitempty"`
	JobID            string       `json:"job_id,omitempty"`
	Provider         string       `json:"provider,omitempty"`
	Outputs          []string     `json:"outputs,omitempty"`
	RemainingCredits int64        `json:"remaining_credits"`
	Unlimited        bool         `json:"unlimited"`
	FailureReason    string       `json:"failure_reason,omitempty"`
	Warnings         []string     `json:"warnings,omitempty"`
}

type Service interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerationResult, error)
	GetJob(ctx context.Context, userID, jobID string) (Job, error)
}

package replicate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/smallbiznis/genstudio/internal/generation/adapters"
	"github.com/smallbiznis/genstudio/internal/generation/domain"
)

const providerName = "replicate"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return providerName
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	if cfg.Provider == "" {
		cfg.Provider = providerName
	}
	client, err := adapters.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Adapter{name: cfg.Provider, client: client, cfg: cfg}, nil
}

// Adapter submits predictions and polls them until they settle.
type Adapter struct {
	name   string
	client *adapters.Client
	cfg    domain.AdapterConfig
}

func (a *Adapter) Name() string {
	return a.name
}

type predictionRequest struct {
	Version string         `json:"version"`
	Input   map[string]any `json:"input"`
}

type prediction struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output any    `json:"output"`
	Error  any    `json:"error"`
}

func (a *Adapter) Submit(ctx context.Context, req domain.Request) (domain.Submission, error) {
	model := a.cfg.Model(req.Feature)
	if model == "" {
		return domain.Submission{}, &domain.ProviderError{
			Provider: a.name,
			Kind:     domain.KindUnavailable,
			Err:      fmt.Errorf("no model configured for feature %q", req.Feature),
		}
	}

	input := make(map[string]any, len(req.Params))
	for key, value := range req.Params {
		input[key] = value
	}

	var resp prediction
	if err := a.client.DoJSON(ctx, http.MethodPost, "/v1/predictions", predictionRequest{
		Version: model,
		Input:   input,
	}, &resp); err != nil {
		return domain.Submission{}, err
	}
	if strings.TrimSpace(resp.ID) == "" {
		return domain.Submission{}, &domain.ProviderError{
			Provider: a.name,
			Kind:     domain.KindTransient,
			Err:      errors.New("prediction id missing from response"),
		}
	}

	outcome := toOutcome(resp)
	if outcome.Terminal {
		return domain.Submission{ExternalJobID: resp.ID, Immediate: &outcome}, nil
	}
	return domain.Submission{ExternalJobID: resp.ID}, nil
}

func (a *Adapter) Poll(ctx context.Context, externalJobID string) (domain.Outcome, error) {
	externalJobID = strings.TrimSpace(externalJobID)
	if externalJobID == "" {
		return domain.Outcome{}, domain.ErrInvalidRequest
	}

	var resp prediction
	if err := a.client.DoJSON(ctx, http.MethodGet, "/v1/predictions/"+url.PathEscape(externalJobID), nil, &resp); err != nil {
		return domain.Outcome{}, err
	}
	return toOutcome(resp), nil
}

func toOutcome(p prediction) domain.Outcome {
	switch strings.ToLower(strings.TrimSpace(p.Status)) {
	case "succeeded":
		outputs := readOutputs(p.Output)
		if len(outputs) == 0 {
			return domain.Outcome{Terminal: true, FailureReason: "prediction succeeded without output"}
		}
		return domain.Outcome{Terminal: true, Outputs: outputs}
	case "failed":
		reason := readError(p.Error)
		if reason == "" {
			reason = "prediction failed"
		}
		return domain.Outcome{Terminal: true, FailureReason: reason}
	case "canceled":
		return domain.Outcome{Terminal: true, FailureReason: "prediction canceled"}
	default:
		return domain.Outcome{}
	}
}

func readOutputs(output any) []string {
	switch cast := output.(type) {
	case string:
		if trimmed := strings.TrimSpace(cast); trimmed != "" {
			return []string{trimmed}
		}
	case []any:
		outputs := make([]string, 0, len(cast))
		for _, item := range cast {
			if value, ok := item.(string); ok && strings.TrimSpace(value) != "" {
				outputs = append(outputs, strings.TrimSpace(value))
			}
		}
		return outputs
	}
	return nil
}

func readError(value any) string {
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case map[string]any:
		if detail, ok := cast["detail"].(string); ok {
			return strings.TrimSpace(detail)
		}
	}
	return ""
}

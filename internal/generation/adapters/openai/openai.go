package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/smallbiznis/genstudio/internal/generation/adapters"
	"github.com/smallbiznis/genstudio/internal/generation/domain"
)

const (
	providerName = "openai"
	defaultModel = "gpt-image-1"
	defaultSize  = "1024x1024"
)

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

// Adapter calls the synchronous image generation endpoint. Results come back
// on Submit so Poll is never needed.
type Adapter struct {
	name   string
	client *adapters.Client
	cfg    domain.AdapterConfig
}

func (a *Adapter) Name() string {
	return a.name
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

type imageResponse struct {
	Created int64       `json:"created"`
	Data    []imageData `json:"data"`
}

type imageData struct {
	URL     string `json:"url"`
	B64JSON string `json:"b64_json"`
}

func (a *Adapter) Submit(ctx context.Context, req domain.Request) (domain.Submission, error) {
	prompt := readParam(req.Params, "prompt")
	if prompt == "" {
		return domain.Submission{}, &domain.ProviderError{
			Provider: a.name,
			Kind:     domain.KindRejected,
			Err:      errors.New("prompt is required"),
		}
	}
	model := a.cfg.Model(req.Feature)
	if model == "" {
		model = defaultModel
	}
	size := readParam(req.Params, "size")
	if size == "" {
		size = defaultSize
	}

	var resp imageResponse
	if err := a.client.DoJSON(ctx, http.MethodPost, "/v1/images/generations", imageRequest{
		Model:  model,
		Prompt: prompt,
		N:      1,
		Size:   size,
	}, &resp); err != nil {
		return domain.Submission{}, err
	}

	outputs := make([]string, 0, len(resp.Data))
	for _, item := range resp.Data {
		switch {
		case strings.TrimSpace(item.URL) != "":
			outputs = append(outputs, strings.TrimSpace(item.URL))
		case item.B64JSON != "":
			outputs = append(outputs, "data:image/png;base64,"+item.B64JSON)
		}
	}

	outcome := domain.Outcome{Terminal: true, Outputs: outputs}
	if len(outputs) == 0 {
		outcome = domain.Outcome{Terminal: true, FailureReason: "no images returned"}
	}
	return domain.Submission{Immediate: &outcome}, nil
}

func (a *Adapter) Poll(ctx context.Context, externalJobID string) (domain.Outcome, error) {
	return domain.Outcome{}, &domain.ProviderError{
		Provider: a.name,
		Kind:     domain.KindRejected,
		Err:      fmt.Errorf("job %q cannot be polled on a synchronous provider", externalJobID),
	}
}

func readParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	value, ok := params[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

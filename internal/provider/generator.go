package provider

import (
	"context"
	"fmt"
	"strings"

	"app/internal/model"

	"github.com/rs/zerolog"
)

// DefaultModel is used when a request doesn't name a generation model.
const DefaultModel = "flux_dev"

// ModelConfig describes a generation model and its per-image cost.
type ModelConfig struct {
	ID         string
	Name       string
	CostCents  int64
	Parameters map[string]any
}

// Models is the generation model catalog, keyed by model key.
var Models = map[string]ModelConfig{
	"flux_dev": {
		ID:        "flux/dev",
		Name:      "FLUX.1 Dev",
		CostCents: 25,
		Parameters: map[string]any{
			"num_inference_steps": 28,
			"guidance_scale":      3.5,
		},
	},
	"flux_schnell": {
		ID:        "flux/schnell",
		Name:      "FLUX.1 Schnell",
		CostCents: 10,
		Parameters: map[string]any{
			"num_inference_steps": 4,
		},
	},
	"stable_diffusion": {
		ID:        "stable-diffusion-v3-medium",
		Name:      "Stable Diffusion 3",
		CostCents: 15,
		Parameters: map[string]any{
			"num_inference_steps": 28,
			"guidance_scale":      7.0,
		},
	},
}

// GeneratedImage is one image produced by a batch, with the metadata needed
// to persist it.
type GeneratedImage struct {
	URL       string
	Seed      *int64
	Prompt    string
	ModelID   string
	ModelName string
	CostCents int64
}

// ImageClient submits single generation requests; satisfied by *Client.
type ImageClient interface {
	GenerateImage(ctx context.Context, prompt, modelID string, parameters map[string]any) (*GenerationResult, error)
}

// Generator is the high-level batch interface over the provider client.
type Generator struct {
	client ImageClient
	logger zerolog.Logger
}

// NewGenerator creates a Generator with a scoped logger.
func NewGenerator(client ImageClient, logger zerolog.Logger) *Generator {
	return &Generator{
		client: client,
		logger: logger.With().Str("service", "Generator").Logger(),
	}
}

// GenerateBatch generates batchSize images one request at a time, varying the
// seed per image index when a base seed is supplied. Per-image failures are
// logged and skipped; the batch fails only when every image failed.
func (g *Generator) GenerateBatch(ctx context.Context, filters model.Filters, batchSize int) ([]GeneratedImage, error) {
	modelCfg, ok := Models[filters.Model]
	if !ok {
		modelCfg = Models[DefaultModel]
	}
	prompt := BuildPrompt(filters)

	var images []GeneratedImage
	var lastErr error
	for i := 0; i < batchSize; i++ {
		params := make(map[string]any, len(modelCfg.Parameters)+3)
		for k, v := range modelCfg.Parameters {
			params[k] = v
		}
		params["image_size"] = imageSize(filters.AspectRatio)
		params["num_images"] = 1
		if filters.Seed != nil {
			params["seed"] = *filters.Seed + int64(i)
		}

		result, err := g.client.GenerateImage(ctx, prompt, modelCfg.ID, params)
		if err != nil {
			lastErr = err
			g.logger.Warn().Err(err).Int("index", i+1).Int("batch_size", batchSize).Msg("Failed to generate image, continuing batch")
			continue
		}
		for _, img := range result.Images {
			seed := img.Seed
			if result.Seed != nil {
				seed = result.Seed
			}
			images = append(images, GeneratedImage{
				URL:       img.URL,
				Seed:      seed,
				Prompt:    prompt,
				ModelID:   modelCfg.ID,
				ModelName: modelCfg.Name,
				CostCents: modelCfg.CostCents,
			})
		}
	}

	if len(images) == 0 && lastErr != nil {
		return nil, fmt.Errorf("all %d generations failed: %w", batchSize, lastErr)
	}
	return images, nil
}

// EstimateCost returns the cost in cents for a batch against the given model.
func EstimateCost(batchSize int, modelKey string) int64 {
	modelCfg, ok := Models[modelKey]
	if !ok {
		modelCfg = Models[DefaultModel]
	}
	return int64(batchSize) * modelCfg.CostCents
}

// BuildPrompt assembles the provider prompt from structured filters. Requests
// without a background get a neutral one, and every prompt carries the fixed
// safety suffix.
func BuildPrompt(filters model.Filters) string {
	parts := []string{}

	base := filters.BasePrompt
	if base == "" {
		base = "A human figure reference"
	}
	parts = append(parts, base)

	if filters.BodyType != "" {
		parts = append(parts, filters.BodyType+" body type")
	}
	if filters.Pose != "" {
		parts = append(parts, "in "+filters.Pose+" pose")
	}
	if filters.Clothing != "" {
		parts = append(parts, "wearing "+filters.Clothing)
	}
	if filters.Lighting != "" {
		parts = append(parts, "with "+filters.Lighting+" lighting")
	}
	if filters.Background != "" {
		parts = append(parts, filters.Background+" background")
	} else {
		parts = append(parts, "simple neutral background")
	}

	styleParts := []string{
		"professional reference photo",
		"full body visible",
		"clear details",
		"suitable for figure drawing practice",
	}

	prompt := strings.Join(parts, ", ") + ". " + strings.Join(styleParts, ", ")
	prompt += " --no nsfw, nude, explicit, inappropriate"
	return prompt
}

func imageSize(aspectRatio string) string {
	switch aspectRatio {
	case "portrait":
		return "portrait_4_3"
	case "landscape":
		return "landscape_4_3"
	case "wide":
		return "landscape_16_9"
	case "tall":
		return "portrait_16_9"
	default:
		return "square"
	}
}

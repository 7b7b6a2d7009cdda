package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"photoagent/llm"
	"photoagent/pexels"
)

// Runner is the contract the orchestration engine sees: one synchronous
// invocation per job, final text or failure, no partial output, no retry.
type Runner interface {
	Run(ctx context.Context, prompt string) (string, error)
}

// Catalog is the slice of the Pexels client the curation stage consumes.
type Catalog interface {
	Search(ctx context.Context, query string, perPage int) (*pexels.SearchResult, error)
}

const (
	maxQueries     = 4
	photosPerQuery = 15
	stageExpand    = "expand"
	stageCurate    = "curate"
	stageFormat    = "format"
)

// Crew runs the three-stage photo search pipeline:
// expand (query analysis) -> curate (catalog search + selection) -> format.
// Each stage consumes the prior stage's text output.
type Crew struct {
	llm     llm.Client
	catalog Catalog
	model   string
}

func NewCrew(client llm.Client, catalog Catalog, model string) *Crew {
	if strings.TrimSpace(model) == "" {
		model = llm.DefaultModel()
	}
	return &Crew{
		llm:     client,
		catalog: catalog,
		model:   model,
	}
}

func (c *Crew) Run(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("prompt is empty")
	}

	queries, err := c.expand(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("%s stage: %w", stageExpand, err)
	}
	slog.Info("pipeline expanded queries", "count", len(queries))

	curated, err := c.curate(ctx, prompt, queries)
	if err != nil {
		return "", fmt.Errorf("%s stage: %w", stageCurate, err)
	}

	out, err := c.llm.Generate(ctx, c.model, fmt.Sprintf(formatPrompt, curated))
	if err != nil {
		return "", fmt.Errorf("%s stage: %w", stageFormat, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("%s stage: model returned empty output", stageFormat)
	}
	return out, nil
}

func (c *Crew) expand(ctx context.Context, prompt string) ([]string, error) {
	raw, err := c.llm.Generate(ctx, c.model, fmt.Sprintf(expandPrompt, prompt))
	if err != nil {
		return nil, err
	}
	queries := parseQueries(raw)
	if len(queries) == 0 {
		// Model produced nothing usable; search with the raw prompt.
		queries = []string{prompt}
	}
	if len(queries) > maxQueries {
		queries = queries[:maxQueries]
	}
	return queries, nil
}

func (c *Crew) curate(ctx context.Context, prompt string, queries []string) (string, error) {
	var results strings.Builder
	for _, q := range queries {
		res, err := c.catalog.Search(ctx, q, photosPerQuery)
		if err != nil {
			return "", fmt.Errorf("catalog search %q: %w", q, err)
		}
		results.WriteString(pexels.FormatResult(q, res))
		results.WriteString("\n")
	}
	return c.llm.Generate(ctx, c.model, fmt.Sprintf(curatePrompt, prompt, results.String()))
}

// parseQueries extracts one query per line, stripping list markers the
// model tends to add despite instructions.
func parseQueries(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		q := strings.TrimSpace(line)
		q = strings.TrimLeft(q, "-*0123456789.) ")
		q = strings.Trim(q, `"`)
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		out = append(out, q)
	}
	return out
}

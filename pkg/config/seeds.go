package config

import (
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/opencurator/opencurator/pkg/engine"
)

// targetSeedSchema constrains target seed files. Seeds carry the
// operator-facing fields only; lifecycle status is always assigned by
// the engine.
const targetSeedSchema = `
#Target: {
	id:       string & =~"^[a-z0-9][a-z0-9-]*$"
	name:     string & !=""
	category: "person" | "org" | "event" | "location" | "tech" | "operation"
	priority: int & >=1 & <=10
	metadata?: [string]: string
}

targets: [...#Target]
`

// SeedParser parses CUE target seed files into engine targets.
type SeedParser struct {
	ctx    *cue.Context
	schema cue.Value
}

// NewSeedParser creates a parser with the built-in seed schema.
func NewSeedParser() *SeedParser {
	ctx := cuecontext.New()
	return &SeedParser{
		ctx:    ctx,
		schema: ctx.CompileString(targetSeedSchema),
	}
}

// ParseFile reads one CUE seed file and returns its targets.
func (p *SeedParser) ParseFile(path string) ([]*engine.Target, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return p.Parse(string(content), path)
}

// Parse compiles CUE source, unifies it with the seed schema, and
// decodes the target list.
func (p *SeedParser) Parse(source, filename string) ([]*engine.Target, error) {
	val := p.ctx.CompileString(source, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile seed file: %w", err)
	}

	unified := p.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("seed file does not match target schema: %w", err)
	}

	var decoded struct {
		Targets []struct {
			ID       string            `json:"id"`
			Name     string            `json:"name"`
			Category string            `json:"category"`
			Priority int               `json:"priority"`
			Metadata map[string]string `json:"metadata"`
		} `json:"targets"`
	}
	if err := unified.LookupPath(cue.ParsePath("targets")).Decode(&decoded.Targets); err != nil {
		return nil, fmt.Errorf("failed to decode targets: %w", err)
	}

	now := time.Now().UTC()
	targets := make([]*engine.Target, 0, len(decoded.Targets))
	for _, t := range decoded.Targets {
		targets = append(targets, &engine.Target{
			ID:        t.ID,
			Name:      t.Name,
			Category:  engine.TargetCategory(t.Category),
			Priority:  t.Priority,
			Status:    engine.TargetStatusNew,
			Metadata:  t.Metadata,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return targets, nil
}

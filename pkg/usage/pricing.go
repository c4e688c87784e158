// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package usage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/archestra/gateway/pkg/logging"
)

// reloadDebounce coalesces the event burst an atomic editor save produces
// into one reload.
const reloadDebounce = 500 * time.Millisecond

// Price is the per-million-token cost of a model, in USD.
type Price struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Cost converts token counts into a cost figure.
func (p Price) Cost(tokensIn, tokensOut int64) float64 {
	return (float64(tokensIn)*p.InputPerMillion + float64(tokensOut)*p.OutputPerMillion) / 1_000_000
}

// pricingTable is the YAML shape of a pricing file. File rows overlay the
// built-in table; the default row replaces the built-in fallback when set.
type pricingTable struct {
	Default Price            `yaml:"default"`
	Models  map[string]Price `yaml:"models"`
}

// defaultPrice is charged for models the table does not know. It errs high
// so an unlisted model burns budget faster rather than slower.
var defaultPrice = Price{InputPerMillion: 5, OutputPerMillion: 15}

// builtinPrices returns a fresh copy of the built-in table. Self-hosted
// model families are listed at zero so vllm and ollama deployments do not
// consume budget unless the operator prices them.
func builtinPrices() map[string]Price {
	return map[string]Price{
		"gpt-4o":               {InputPerMillion: 2.5, OutputPerMillion: 10},
		"gpt-4o-mini":          {InputPerMillion: 0.15, OutputPerMillion: 0.6},
		"gpt-4.1":              {InputPerMillion: 2, OutputPerMillion: 8},
		"gpt-4.1-mini":         {InputPerMillion: 0.4, OutputPerMillion: 1.6},
		"o3":                   {InputPerMillion: 2, OutputPerMillion: 8},
		"claude-3-5-sonnet":    {InputPerMillion: 3, OutputPerMillion: 15},
		"claude-3-5-haiku":     {InputPerMillion: 0.8, OutputPerMillion: 4},
		"claude-3-opus":        {InputPerMillion: 15, OutputPerMillion: 75},
		"gemini-1.5-pro":       {InputPerMillion: 1.25, OutputPerMillion: 5},
		"gemini-1.5-flash":     {InputPerMillion: 0.075, OutputPerMillion: 0.3},
		"gemini-2.0-flash":     {InputPerMillion: 0.1, OutputPerMillion: 0.4},
		"deepseek-chat":        {InputPerMillion: 0.27, OutputPerMillion: 1.1},
		"deepseek-reasoner":    {InputPerMillion: 0.55, OutputPerMillion: 2.19},
		"mistral-large-latest": {InputPerMillion: 2, OutputPerMillion: 6},
		"mistral-small-latest": {InputPerMillion: 0.1, OutputPerMillion: 0.3},
		"llama3.1":             {},
		"qwen2.5":              {},
	}
}

// Pricing resolves models to per-million token prices. It starts from a
// built-in table, optionally overlaid by a YAML file that Watch hot-reloads.
// All methods are safe for concurrent use.
type Pricing struct {
	path string

	mu       sync.RWMutex
	models   map[string]Price
	fallback Price
}

// NewPricing builds the table. An empty path uses the built-in table alone;
// otherwise the file must load cleanly.
func NewPricing(path string) (*Pricing, error) {
	p := &Pricing{path: path, models: builtinPrices(), fallback: defaultPrice}
	if path != "" {
		if err := p.load(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Price returns the row for model, or the default row when the model is
// unknown. Matching is exact; operators add dated or aliased model ids
// through the pricing file.
func (p *Pricing) Price(model string) Price {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if price, ok := p.models[model]; ok {
		return price
	}
	return p.fallback
}

// Cost prices token counts against the model's row.
func (p *Pricing) Cost(model string, tokensIn, tokensOut int64) float64 {
	return p.Price(model).Cost(tokensIn, tokensOut)
}

// load swaps in a freshly parsed table. The old table stays live on failure.
func (p *Pricing) load() error {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("failed to read pricing table %s: %w", p.path, err)
	}
	var table pricingTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return fmt.Errorf("failed to parse pricing table %s: %w", p.path, err)
	}

	models := builtinPrices()
	for name, price := range table.Models {
		models[name] = price
	}
	fallback := defaultPrice
	if table.Default != (Price{}) {
		fallback = table.Default
	}

	p.mu.Lock()
	p.models = models
	p.fallback = fallback
	p.mu.Unlock()
	return nil
}

// Watch reloads the pricing file whenever it changes, until ctx is canceled.
// Editors save atomically (write a temp file, rename over the target), so the
// watch is on the parent directory and events are filtered by file name.
// A failed reload keeps the previous table.
func (p *Pricing) Watch(ctx context.Context) error {
	if p.path == "" {
		return nil
	}
	absPath, err := filepath.Abs(p.path)
	if err != nil {
		return fmt.Errorf("failed to resolve pricing table path %s: %w", p.path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return err
	}

	log := logging.GetLogger()
	filename := filepath.Base(absPath)

	var mu sync.Mutex
	var timer *time.Timer
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filename || strings.HasSuffix(event.Name, "~") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				if err := p.load(); err != nil {
					log.Warn("Failed to reload pricing table", "path", p.path, "error", err)
					return
				}
				log.Info("Pricing table reloaded", "path", p.path)
			})
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("Pricing table watcher error", "error", err)
		}
	}
}

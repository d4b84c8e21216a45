// Package pricing provides the static price table used to approximate
// per-request cost. Missing prices yield zero cost, never an error.
package pricing

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-json"
)

//go:embed data/defaults.json
var defaultPrices []byte

// ModelPrice holds per-token costs for a model.
type ModelPrice struct {
	Provider           string  `json:"provider,omitempty"`
	InputCostPerToken  float64 `json:"input_cost_per_token"`
	OutputCostPerToken float64 `json:"output_cost_per_token"`
}

// Registry is a concurrency-safe model → price lookup. It starts from the
// embedded defaults; Load merges overrides from a JSON file.
type Registry struct {
	mu     sync.RWMutex
	prices map[string]ModelPrice
}

// NewRegistry creates a registry seeded with the embedded defaults.
func NewRegistry() *Registry {
	r := &Registry{
		prices: make(map[string]ModelPrice),
	}
	if err := r.loadBytes(defaultPrices); err != nil {
		// Embedded data ships with the binary; a parse failure here is a
		// programming error.
		panic(fmt.Sprintf("pricing: failed to load default prices: %v", err))
	}
	return r
}

// Load merges prices from a JSON file over the current table.
func (r *Registry) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return r.loadBytes(data)
}

func (r *Registry) loadBytes(data []byte) error {
	var prices map[string]ModelPrice
	if err := json.Unmarshal(data, &prices); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range prices {
		r.prices[k] = v
	}
	return nil
}

// GetPrice looks up a model price, trying "provider/model" then the bare
// model name.
func (r *Registry) GetPrice(providerName, model string) (ModelPrice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.prices[providerName+"/"+model]; ok {
		return p, true
	}
	if p, ok := r.prices[model]; ok {
		return p, true
	}
	return ModelPrice{}, false
}

// Cost approximates the USD cost of a request. Unknown models cost zero.
func (r *Registry) Cost(providerName, model string, promptTokens, completionTokens int) float64 {
	p, ok := r.GetPrice(providerName, model)
	if !ok {
		return 0
	}
	return float64(promptTokens)*p.InputCostPerToken + float64(completionTokens)*p.OutputCostPerToken
}

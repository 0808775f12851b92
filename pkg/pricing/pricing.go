// Package pricing holds the process-wide model pricing and scenario tables.
// Both are loaded once at startup from an embedded YAML file and are
// read-only afterwards.
package pricing

import (
	"strings"
	"sync"

	_ "embed"

	"gopkg.in/yaml.v3"
)

//go:embed pricing.yaml
var pricingYAML []byte

// ModelPrice is the per-million-token price of one model.
type ModelPrice struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// Table maps model ids to prices and scenario tags to model overrides.
type Table struct {
	Models    map[string]ModelPrice `yaml:"models"`
	Scenarios map[string]string     `yaml:"scenarios"`
}

var (
	table    *Table
	loadOnce sync.Once
	loadErr  error
)

func load() (*Table, error) {
	loadOnce.Do(func() {
		t := &Table{}
		loadErr = yaml.Unmarshal(pricingYAML, t)
		if loadErr == nil {
			table = t
		}
	})
	return table, loadErr
}

// Cost computes the dollar cost of a call when the gateway did not report
// one. Unknown models cost zero; prefix matching handles dated variants.
func Cost(model string, tokensIn, tokensOut int) float64 {
	t, err := load()
	if err != nil || t == nil {
		return 0
	}

	price, ok := t.Models[model]
	if !ok {
		for id, p := range t.Models {
			if strings.HasPrefix(model, id) {
				price = p
				ok = true
				break
			}
		}
	}
	if !ok {
		return 0
	}

	return float64(tokensIn)/1e6*price.InputPerMTok + float64(tokensOut)/1e6*price.OutputPerMTok
}

// ScenarioModel returns the model override for a scenario tag, or empty when
// the scenario is unknown.
func ScenarioModel(scenario string) string {
	t, err := load()
	if err != nil || t == nil {
		return ""
	}
	return t.Scenarios[scenario]
}

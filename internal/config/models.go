package config

// DefaultContextLimit is the conservative token ceiling assumed for models
// that have no entry in models.yaml.
const DefaultContextLimit = 4000

type ModelsConfig struct {
	Models map[string]ModelInfo `yaml:"models"`
}

// ModelInfo carries the per-model cost and context-limit figures used by the
// token guard and fallback cost accounting. Costs are USD per 1M tokens.
type ModelInfo struct {
	DisplayName     string  `yaml:"display_name,omitempty"`
	CostPer1MInput  float64 `yaml:"cost_per_1m_input"`
	CostPer1MOutput float64 `yaml:"cost_per_1m_output"`
	ContextLimit    int     `yaml:"context_limit"`
}

// Lookup returns the model entry, or a zero-cost entry with the conservative
// default context limit for unknown models.
func (c *ModelsConfig) Lookup(model string) (ModelInfo, bool) {
	if c != nil {
		if info, ok := c.Models[model]; ok {
			if info.ContextLimit == 0 {
				info.ContextLimit = DefaultContextLimit
			}
			return info, true
		}
	}
	return ModelInfo{ContextLimit: DefaultContextLimit}, false
}

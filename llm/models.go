package llm

import "strings"

// AIModel describes a model the client can talk to
type AIModel struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	Description        string  `json:"description"`
	SupportsWebSearch  bool    `json:"supportsWebSearch"`
	MaxTokens          int     `json:"maxTokens"`
	DefaultTemperature float64 `json:"defaultTemperature"`
}

// DefaultMaxTokens is the token budget new conversations start with
const DefaultMaxTokens = 1000

var registry = []AIModel{
	{
		ID:                 "gpt-4o",
		Name:               "GPT-4o",
		Description:        "OpenAI's latest and most capable multimodal model.",
		SupportsWebSearch:  true,
		MaxTokens:          4096,
		DefaultTemperature: 0.7,
	},
	{
		ID:                 "gpt-4o-mini",
		Name:               "GPT-4o Mini",
		Description:        "Smaller, faster, and more cost-effective model.",
		SupportsWebSearch:  true,
		MaxTokens:          4096,
		DefaultTemperature: 0.7,
	},
	{
		ID:                 "gpt-4.5-preview",
		Name:               "GPT-4.5 Preview",
		Description:        "Advanced preview of OpenAI's next-gen model.",
		SupportsWebSearch:  true,
		MaxTokens:          8192,
		DefaultTemperature: 0.7,
	},
	{
		ID:                 "gpt-3.5-turbo",
		Name:               "GPT-3.5 Turbo",
		Description:        "Fast and efficient model for most use cases.",
		SupportsWebSearch:  false,
		MaxTokens:          4096,
		DefaultTemperature: 0.7,
	},
	{
		ID:                 "o3-mini",
		Name:               "o3-mini",
		Description:        "Small reasoning model; ignores sampling temperature.",
		SupportsWebSearch:  false,
		MaxTokens:          100000,
		DefaultTemperature: 1,
	},
	{
		ID:                 "o4-mini",
		Name:               "o4-mini",
		Description:        "Fast reasoning model; ignores sampling temperature.",
		SupportsWebSearch:  false,
		MaxTokens:          100000,
		DefaultTemperature: 1,
	},
}

// Models returns the static model registry
func Models() []AIModel {
	out := make([]AIModel, len(registry))
	copy(out, registry)
	return out
}

// DefaultModel returns the first model in the registry
func DefaultModel() AIModel {
	return registry[0]
}

// FindModel looks up a model by id
func FindModel(id string) (AIModel, bool) {
	for _, m := range registry {
		if m.ID == id {
			return m, true
		}
	}
	return AIModel{}, false
}

// Clamp bounds temperature to [0,1] and maxTokens to [1, m.MaxTokens]
func (m AIModel) Clamp(temperature float64, maxTokens int) (float64, int) {
	if temperature < 0 {
		temperature = 0
	}
	if temperature > 1 {
		temperature = 1
	}
	if maxTokens < 1 {
		maxTokens = 1
	}
	if m.MaxTokens > 0 && maxTokens > m.MaxTokens {
		maxTokens = m.MaxTokens
	}
	return temperature, maxTokens
}

// Reasoning model families reject the temperature parameter
var noTemperaturePrefixes = []string{"o1", "o3", "o4", "gpt-5"}

// AcceptsTemperature reports whether temperature may be sent for model
func AcceptsTemperature(model string) bool {
	for _, prefix := range noTemperaturePrefixes {
		if strings.HasPrefix(model, prefix) {
			return false
		}
	}
	return true
}

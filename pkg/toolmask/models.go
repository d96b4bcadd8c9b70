package toolmask

import "strings"

// ModelCaps describes the selection mechanisms a model family supports.
type ModelCaps struct {
	ToolChoice bool
	Prefill    bool
}

// capability table keyed by model name prefix; longest match wins.
var modelCaps = map[string]ModelCaps{
	"gpt-":     {ToolChoice: true},
	"o1":       {ToolChoice: true},
	"o3":       {ToolChoice: true},
	"o4":       {ToolChoice: true},
	"claude-":  {ToolChoice: true, Prefill: true},
	"qwen":     {Prefill: true},
	"deepseek": {Prefill: true},
	"glm":      {Prefill: true},
	"kimi":     {Prefill: true},
	"llama":    {},
	"mistral":  {ToolChoice: true},
}

// CapsForModel resolves the capability entry for a model name. Unknown
// models get no capabilities, which forces the dynamic fallback.
func CapsForModel(model string) ModelCaps {
	name := strings.ToLower(model)
	var best ModelCaps
	bestLen := -1
	for prefix, caps := range modelCaps {
		if strings.HasPrefix(name, prefix) && len(prefix) > bestLen {
			best = caps
			bestLen = len(prefix)
		}
	}
	if bestLen < 0 {
		return ModelCaps{}
	}
	return best
}

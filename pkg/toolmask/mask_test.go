package toolmask

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirelabs/coda/pkg/tools"
)

func maskCatalog(t *testing.T, list ...tools.Tool) *tools.Catalog {
	t.Helper()
	c, err := tools.NewCatalog(list)
	require.NoError(t, err)
	return c
}

func installed(id string) tools.Tool {
	return tools.Tool{ID: id, Name: id, Installed: true}
}

func TestBuildPlanMode(t *testing.T) {
	catalog := maskCatalog(t,
		installed(PlanToolID),
		installed(GitToolID),
		installed("a-c-docker"),
	)

	t.Run("should allow only the plan tool regardless of input", func(t *testing.T) {
		for _, text := range []string{"", "use docker please", "commit my changes"} {
			mask := Build(Input{Text: text, Model: "claude-sonnet-4-20250514"}, true, catalog)
			assert.Equal(t, ModePlan, mask.Mode)
			assert.Equal(t, map[string]bool{PlanToolID: true}, mask.AllowedTools)
		}
	})

	t.Run("should pick tool_choice for capable models", func(t *testing.T) {
		mask := Build(Input{Model: "gpt-4o"}, true, catalog)
		assert.Equal(t, MechanismToolChoice, mask.Mechanism)
		assert.Equal(t, PlanToolID, mask.RequiredToolID)
	})

	t.Run("should fall back to prefill when tool_choice unsupported", func(t *testing.T) {
		mask := Build(Input{Model: "qwen-max"}, true, catalog)
		assert.Equal(t, MechanismPromptPrefix, mask.Mechanism)
		assert.Equal(t, PlanToolID, mask.PromptPrefix)
	})

	t.Run("should fall back to dynamic filtering for unknown models", func(t *testing.T) {
		mask := Build(Input{Model: "mystery-model"}, true, catalog)
		assert.Equal(t, MechanismDynamicFallback, mask.Mechanism)
	})
}

func TestBuildActionMode(t *testing.T) {
	catalog := maskCatalog(t,
		installed(PlanToolID),
		installed(AskUserToolID),
		installed(FileToolID),
		installed(ShellToolID),
		installed(GitToolID),
		installed("a-c-docker"),
		installed("a-c-java"),
		installed("a-c-maven"),
	)

	t.Run("should include base set and platform shell", func(t *testing.T) {
		mask := Build(Input{Model: "gpt-4o", OS: "linux"}, false, catalog)
		assert.True(t, mask.Allows(AskUserToolID))
		assert.True(t, mask.Allows(FileToolID))
		assert.True(t, mask.Allows(ShellToolID))
	})

	t.Run("should include git by default and the mode switch", func(t *testing.T) {
		mask := Build(Input{Model: "gpt-4o", OS: "linux"}, false, catalog)
		assert.True(t, mask.Allows(GitToolID))
		assert.True(t, mask.Allows(PlanToolID))
	})

	t.Run("should include docker when input mentions it and catalog has it", func(t *testing.T) {
		mask := Build(Input{Text: "run it in Docker", Model: "gpt-4o", OS: "linux"}, false, catalog)
		assert.True(t, mask.Allows("a-c-docker"))
	})

	t.Run("should never include docker when absent from catalog", func(t *testing.T) {
		bare := maskCatalog(t, installed(GitToolID))
		mask := Build(Input{Text: "docker docker docker", OS: "linux"}, false, bare)
		assert.False(t, mask.Allows("a-c-docker"))
	})

	t.Run("should union project-implied tools", func(t *testing.T) {
		mask := Build(Input{Model: "gpt-4o", OS: "linux", ProjectTypes: []string{"java"}}, false, catalog)
		assert.True(t, mask.Allows("a-c-java"))
		assert.True(t, mask.Allows("a-c-maven"))
	})

	t.Run("should skip uninstalled tools", func(t *testing.T) {
		withUninstalled := maskCatalog(t,
			installed(GitToolID),
			tools.Tool{ID: "a-c-docker", Name: "docker", Installed: false},
		)
		mask := Build(Input{Text: "docker", OS: "linux"}, false, withUninstalled)
		assert.False(t, mask.Allows("a-c-docker"))
	})

	t.Run("should yield empty set for empty catalog", func(t *testing.T) {
		empty := maskCatalog(t)
		mask := Build(Input{Text: "docker git shell", OS: "linux"}, false, empty)
		assert.Empty(t, mask.AllowedTools)
	})

	t.Run("should narrow prefill prefix to common structural prefix", func(t *testing.T) {
		prefixed := maskCatalog(t,
			installed(GitToolID),
			installed(ShellToolID),
			installed(FileToolID),
		)
		mask := Build(Input{Model: "qwen-max", OS: "linux"}, false, prefixed)
		require.Equal(t, MechanismPromptPrefix, mask.Mechanism)
		assert.Equal(t, "a-c-", mask.PromptPrefix)
	})
}

func TestCapsForModel(t *testing.T) {
	assert.True(t, CapsForModel("claude-opus-4-20250514").ToolChoice)
	assert.True(t, CapsForModel("claude-opus-4-20250514").Prefill)
	assert.True(t, CapsForModel("GPT-4o").ToolChoice)
	assert.False(t, CapsForModel("qwen-plus").ToolChoice)
	assert.True(t, CapsForModel("qwen-plus").Prefill)
	assert.Equal(t, ModelCaps{}, CapsForModel("unknown-model"))
}

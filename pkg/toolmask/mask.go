// Package toolmask computes the per-turn restricted tool subset. The mask
// is recomputed fresh each turn from the frozen catalog so repeated turns
// present a byte-stable tool list to the provider (prompt-prefix cache).
package toolmask

import (
	"runtime"
	"sort"
	"strings"

	"github.com/mirelabs/coda/pkg/tools"
)

// Well-known tool ids. External tools discovered by probing carry the
// "a-c-" prefix; the plan/mode-switch tool is the engine's own.
const (
	PlanToolID     = "plan"
	AskUserToolID  = "a-c-ask-user"
	FileToolID     = "a-c-file"
	GitToolID      = "a-c-git"
	SVNToolID      = "a-c-svn"
	ShellToolID    = "a-c-shell"
	PowershellID   = "a-c-powershell"
	CmdToolID      = "a-c-cmd"
	WebFetchToolID = "a-c-web-fetch"
)

// Mode is the conversational mode the mask was built for.
type Mode string

const (
	ModePlan   Mode = "plan"
	ModeAction Mode = "action"
)

// Mechanism is how the restriction is enforced against the provider.
type Mechanism string

const (
	// MechanismToolChoice uses the provider's tool_choice parameter.
	MechanismToolChoice Mechanism = "tool_choice"
	// MechanismPromptPrefix seeds a partial assistant message biasing
	// generation toward tool names sharing the prefix.
	MechanismPromptPrefix Mechanism = "prompt_prefix"
	// MechanismDynamicFallback filters the tool list client-side after each
	// response. Least preferred: it breaks prompt-prefix caching.
	MechanismDynamicFallback Mechanism = "dynamic_fallback"
)

// Mask is the immutable per-turn restriction. Recomputed fresh per turn and
// once mid-turn if the mode changes.
type Mask struct {
	Mode           Mode
	AllowedTools   map[string]bool
	Mechanism      Mechanism
	RequiredToolID string
	PromptPrefix   string
}

// Allows reports whether a tool id is in the allowed set.
func (m Mask) Allows(toolID string) bool {
	return m.AllowedTools[toolID]
}

// AllowedIDs returns the allowed tool ids, sorted for stable framing.
func (m Mask) AllowedIDs() []string {
	ids := make([]string, 0, len(m.AllowedTools))
	for id := range m.AllowedTools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Input carries everything the builder may consult for one turn.
type Input struct {
	// Raw user input for keyword scanning.
	Text string
	// Active model name, for capability lookup.
	Model string
	// Detected project types in the working directory ("java", "go", ...).
	ProjectTypes []string
	// Target OS; empty means runtime.GOOS.
	OS string
}

// Build computes the restricted tool subset for one turn. It is pure: no
// side effects, never errors, and an empty catalog yields an empty set.
func Build(in Input, planMode bool, catalog *tools.Catalog) Mask {
	caps := CapsForModel(in.Model)
	mechanism := MechanismDynamicFallback
	switch {
	case caps.ToolChoice:
		mechanism = MechanismToolChoice
	case caps.Prefill:
		mechanism = MechanismPromptPrefix
	}

	if planMode {
		mask := Mask{
			Mode:         ModePlan,
			AllowedTools: map[string]bool{PlanToolID: true},
			Mechanism:    mechanism,
		}
		switch mechanism {
		case MechanismToolChoice:
			mask.RequiredToolID = PlanToolID
		case MechanismPromptPrefix:
			mask.PromptPrefix = PlanToolID
		}
		return mask
	}

	allowed := make(map[string]bool)
	add := func(ids ...string) {
		for _, id := range ids {
			if catalog.Has(id) {
				allowed[id] = true
			}
		}
	}

	// Always-on base set plus the platform shell family.
	add(AskUserToolID, FileToolID)
	osName := in.OS
	if osName == "" {
		osName = runtime.GOOS
	}
	if osName == "windows" {
		add(PowershellID, CmdToolID)
	} else {
		add(ShellToolID)
	}

	for _, project := range in.ProjectTypes {
		if ids, ok := projectTools[strings.ToLower(project)]; ok {
			add(ids...)
		}
	}

	lower := strings.ToLower(in.Text)
	for keyword, ids := range keywordTools {
		if strings.Contains(lower, keyword) {
			add(ids...)
		}
	}

	// Version control by default, and the voluntary mode switch.
	add(GitToolID, SVNToolID)
	add(PlanToolID)

	mask := Mask{
		Mode:         ModeAction,
		AllowedTools: allowed,
		Mechanism:    mechanism,
	}
	if mechanism == MechanismPromptPrefix {
		mask.PromptPrefix = commonPrefix(mask.AllowedIDs())
	}
	return mask
}

// commonPrefix narrows the selection prefix to the structural prefix shared
// by every allowed tool. A shared prefix improves selection precision
// without enumerating tool names in the prompt.
func commonPrefix(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	prefix := ids[0]
	for _, id := range ids[1:] {
		for !strings.HasPrefix(id, prefix) {
			prefix = prefix[:len(prefix)-1]
			if prefix == "" {
				return ""
			}
		}
	}
	// Below three characters the prefix selects nothing useful.
	if len(prefix) < 3 {
		return ""
	}
	return prefix
}

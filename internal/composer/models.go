package composer

import "slices"

// DefaultAllowedModels is the allow-list used when none is configured.
var DefaultAllowedModels = []string{
	"gpt-5-nano-2025-08-07",
	"gpt-5-mini-2025-08-07",
	"gpt-5-2025-08-07",
	"gpt-5.1-2025-11-13",
	"chatgpt-4o-latest",
}

const (
	DefaultModel         = "gpt-5-nano-2025-08-07"
	DefaultVisionModel   = "chatgpt-4o-latest"
	DefaultResearchModel = "gpt-5-mini-2025-08-07"
)

// Models is the model policy: an allow-list with a default, plus overrides
// for image input and web research.
type Models struct {
	Allowed  []string
	Default  string
	Vision   string
	Research string
}

// DefaultModels returns the built-in policy.
func DefaultModels() Models {
	return Models{
		Allowed:  slices.Clone(DefaultAllowedModels),
		Default:  DefaultModel,
		Vision:   DefaultVisionModel,
		Research: DefaultResearchModel,
	}
}

// Resolve picks the model for a request. Unknown names fall back to the
// default. Research swaps the default model for the research model, since
// the default cannot search. Attachments always use the vision model.
func (m Models) Resolve(requested string, hasAttachments, research bool) string {
	model := m.Default
	if slices.Contains(m.Allowed, requested) {
		model = requested
	}
	if research && model == m.Default && m.Research != "" {
		model = m.Research
	}
	if hasAttachments && m.Vision != "" {
		model = m.Vision
	}
	return model
}

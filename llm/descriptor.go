package llm

import (
	"net/http"
	"os"
	"regexp"
	"strings"
)

// BackendDescriptor is the construction input for an adapter: where the
// backend lives, how to talk to it, and its tunables.
type BackendDescriptor struct {
	// Type is the registry tag this descriptor targets.
	Type string

	// Endpoint is a URL template. `${NAME}` segments are substituted from
	// the environment, `{name}` segments from the supplied variables.
	Endpoint string

	Method  string
	Headers map[string]string

	MaxTokens       int
	MaxReturnTokens int
	PromptRatio     float64

	MaxImageBytes   int64
	AllowedMIMEs    []string

	// Model is the default model identifier sent to the backend.
	Model string
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEndpoint resolves the endpoint template. An unresolved environment
// variable is a configuration failure, detected before any network access.
func (d BackendDescriptor) ExpandEndpoint(vars map[string]string) (string, error) {
	out := d.Endpoint
	var missing string
	out = envVarPattern.ReplaceAllStringFunc(out, func(m string) string {
		name := m[2 : len(m)-1]
		v, ok := os.LookupEnv(name)
		if !ok && missing == "" {
			missing = name
		}
		return v
	})
	if missing != "" {
		return "", NewConfigError("endpoint %q references unset environment variable %s", d.Endpoint, missing)
	}
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out, nil
}

// HeaderSet returns the descriptor's default headers with environment
// substitution applied to the values (credentials are usually carried here).
func (d BackendDescriptor) HeaderSet() (http.Header, error) {
	h := make(http.Header, len(d.Headers))
	for k, v := range d.Headers {
		var missing string
		expanded := envVarPattern.ReplaceAllStringFunc(v, func(m string) string {
			name := m[2 : len(m)-1]
			val, ok := os.LookupEnv(name)
			if !ok && missing == "" {
				missing = name
			}
			return val
		})
		if missing != "" {
			return nil, NewConfigError("header %s references unset environment variable %s", k, missing)
		}
		h.Set(k, expanded)
	}
	return h, nil
}

// AllowsMIME reports whether the descriptor accepts the given media type.
// An empty allow list accepts everything.
func (d BackendDescriptor) AllowsMIME(mime string) bool {
	if len(d.AllowedMIMEs) == 0 {
		return true
	}
	for _, m := range d.AllowedMIMEs {
		if strings.EqualFold(m, mime) {
			return true
		}
	}
	return false
}

// TokenBudget is derived per adapter+pathway pair and recomputed on every
// call; it is never persisted.
type TokenBudget struct {
	MaxTokens       int
	MaxReturnTokens int
	PromptRatio     float64
}

const (
	defaultMaxTokens   = 4096
	defaultPromptRatio = 0.9
)

// Budget derives the token budget from the descriptor's tunables.
func (d BackendDescriptor) Budget() TokenBudget {
	b := TokenBudget{
		MaxTokens:       d.MaxTokens,
		MaxReturnTokens: d.MaxReturnTokens,
		PromptRatio:     d.PromptRatio,
	}
	if b.MaxTokens <= 0 {
		b.MaxTokens = defaultMaxTokens
	}
	if b.PromptRatio <= 0 || b.PromptRatio > 1 {
		b.PromptRatio = defaultPromptRatio
	}
	return b
}

// TargetLength is the prompt-side token ceiling: the share of the context
// window left after reserving return tokens, capped by the prompt ratio.
func (b TokenBudget) TargetLength() int {
	target := int(float64(b.MaxTokens) * b.PromptRatio)
	if b.MaxReturnTokens > 0 && b.MaxTokens-b.MaxReturnTokens < target {
		target = b.MaxTokens - b.MaxReturnTokens
	}
	if target < 0 {
		target = 0
	}
	return target
}

// Pathway is the externally configured request template consumed by the
// core: prompt, declared parameters with defaults, temperature, and the
// caching flag. Loading and rendering pathways is a collaborator concern.
type Pathway struct {
	Name        string
	Prompt      string
	Temperature *float64
	EnableCache bool
	Params      map[string]any

	// Model overrides the descriptor's default model when set.
	Model string
}

// Deterministic reports whether the pathway pins sampling (zero
// temperature), which makes its calls cache-eligible.
func (p Pathway) Deterministic() bool {
	return p.Temperature != nil && *p.Temperature == 0
}

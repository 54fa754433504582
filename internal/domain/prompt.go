package domain

import (
	"strings"
)

// ModelRef identifies a model served by a provider.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// String returns the provider/model form.
func (m ModelRef) String() string {
	if m.ProviderID == "" {
		return m.ModelID
	}
	return m.ProviderID + "/" + m.ModelID
}

// IsZero returns true if no model is set.
func (m ModelRef) IsZero() bool {
	return m.ProviderID == "" && m.ModelID == ""
}

// ParseModelRef splits "provider/model" on the first separator only, so model
// ids containing "/" are kept verbatim. A value without a separator is a model
// id under the fallback provider. An empty value returns fallback, and an
// empty half takes the fallback's provider or model.
func ParseModelRef(s string, fallback ModelRef) ModelRef {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	provider, model, ok := strings.Cut(s, "/")
	if !ok {
		return ModelRef{ProviderID: fallback.ProviderID, ModelID: s}
	}
	if provider == "" {
		provider = fallback.ProviderID
	}
	if model == "" {
		model = fallback.ModelID
	}
	return ModelRef{ProviderID: provider, ModelID: model}
}

// WithAliases rewrites the model through aliases. Keys may be either the
// bare model id or the full provider/model form; the full form wins. A target
// in provider/model form switches the provider too.
func (m ModelRef) WithAliases(aliases map[string]string) ModelRef {
	if len(aliases) == 0 {
		return m
	}
	if alias, ok := aliases[m.String()]; ok && alias != "" {
		return ParseModelRef(alias, m)
	}
	if alias, ok := aliases[m.ModelID]; ok && alias != "" {
		return ParseModelRef(alias, m)
	}
	return m
}

// PromptRequest is a single user message to dispatch to the backend.
type PromptRequest struct {
	Message string
	Model   ModelRef
	Agent   string
}

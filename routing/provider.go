package routing

import "strings"

// ProviderSource says which rule produced a provider resolution.
type ProviderSource string

const (
	SourceTierProviders ProviderSource = "tierProviders"
	SourceNative        ProviderSource = "native"
	SourceDefault       ProviderSource = "default"
)

// DefaultProvider serves models that match no rule and carry no native prefix.
const DefaultProvider = "openrouter"

// ProviderResolution names the provider a model id should be served by.
type ProviderResolution struct {
	Provider       string         `json:"provider"`
	Source         ProviderSource `json:"source"`
	MatchedPattern string         `json:"matched_pattern,omitempty"`
}

// ResolveProvider matches the model id against the tierProviders mapping.
// Patterns are checked exact first, then prefix globs of the form "X/*"
// (longest prefix wins), then the bare wildcard "*". Unmatched ids fall back
// to the segment before the first "/" as a native provider, else the default.
func ResolveProvider(modelId string, tierProviders map[string]string) ProviderResolution {
	if provider, ok := tierProviders[modelId]; ok {
		return ProviderResolution{Provider: provider, Source: SourceTierProviders, MatchedPattern: modelId}
	}

	bestPattern := ""
	for pattern := range tierProviders {
		prefix, ok := strings.CutSuffix(pattern, "/*")
		if !ok {
			continue
		}
		if strings.HasPrefix(modelId, prefix+"/") && len(pattern) > len(bestPattern) {
			bestPattern = pattern
		}
	}
	if bestPattern != "" {
		return ProviderResolution{Provider: tierProviders[bestPattern], Source: SourceTierProviders, MatchedPattern: bestPattern}
	}

	if provider, ok := tierProviders["*"]; ok {
		return ProviderResolution{Provider: provider, Source: SourceTierProviders, MatchedPattern: "*"}
	}

	if prefix, _, found := strings.Cut(modelId, "/"); found && prefix != "" {
		return ProviderResolution{Provider: prefix, Source: SourceNative}
	}

	return ProviderResolution{Provider: DefaultProvider, Source: SourceDefault}
}

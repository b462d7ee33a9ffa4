package providers

import "strings"

// InferCapabilities guesses capability flags from a model id for vendors
// without a capability manifest.
func InferCapabilities(id string) Capabilities {
	return Capabilities{
		ImageAnalysis:   containsAny(id, "vision", "gpt-4"),
		FunctionCalling: !strings.Contains(id, "o1"),
		ImageGeneration: containsAny(id, "dall-e", "stable-diffusion", "midjourney", "flux"),
		TextGeneration:  !containsAny(id, "dall-e", "stable-diffusion"),
	}
}

// SplitAuthor splits "author/name" ids. Ids without a slash belong to
// defaultAuthor.
func SplitAuthor(id, defaultAuthor string) (author, name string) {
	author, name, ok := strings.Cut(id, "/")
	if !ok {
		return defaultAuthor, id
	}
	if name == "" {
		name = id
	}
	if author == "" {
		author = "Unknown"
	}
	return author, name
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

package access

import (
	"net/http"
	"strings"
)

// Candidate is one credential extracted from an inbound request, tagged
// with the header or query parameter that carried it.
type Candidate struct {
	Value  string
	Source string
}

// CredentialCandidates extracts every place clients are known to put API
// keys: the Authorization header (bare or Bearer), the Gemini and Anthropic
// key headers, and the ?key= query parameter.
func CredentialCandidates(r *http.Request) []Candidate {
	if r == nil {
		return nil
	}
	queryKey := ""
	if r.URL != nil {
		queryKey = r.URL.Query().Get("key")
	}
	raw := []Candidate{
		{extractBearerToken(r.Header.Get("Authorization")), "authorization"},
		{r.Header.Get("X-Goog-Api-Key"), "x-goog-api-key"},
		{r.Header.Get("X-Api-Key"), "x-api-key"},
		{queryKey, "query-key"},
	}
	candidates := make([]Candidate, 0, len(raw))
	for _, candidate := range raw {
		if candidate.Value == "" {
			continue
		}
		candidates = append(candidates, candidate)
	}
	return candidates
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return header
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return header
	}
	return strings.TrimSpace(parts[1])
}

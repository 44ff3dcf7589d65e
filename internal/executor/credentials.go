package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashita-ai/kanri/internal/lifecycle"
)

// StaticCredentials resolves provider keys from a fixed map, typically built
// from KANRI_PROVIDER_KEY_<PROVIDER> environment variables. Keys are shared
// by all principals.
type StaticCredentials struct {
	keys     map[string]string
	fallback string
}

var _ lifecycle.CredentialResolver = (*StaticCredentials)(nil)

// NewStaticCredentials copies keys (provider name to API key). fallback is
// used for providers without their own entry; empty means none.
func NewStaticCredentials(keys map[string]string, fallback string) *StaticCredentials {
	m := make(map[string]string, len(keys))
	for p, k := range keys {
		m[strings.ToLower(p)] = k
	}
	return &StaticCredentials{keys: m, fallback: fallback}
}

// Resolve returns the key for provider.
func (s *StaticCredentials) Resolve(_ context.Context, _ string, provider string) (lifecycle.Credentials, error) {
	if k, ok := s.keys[strings.ToLower(provider)]; ok && k != "" {
		return lifecycle.Credentials{APIKey: k}, nil
	}
	if s.fallback != "" {
		return lifecycle.Credentials{APIKey: s.fallback}, nil
	}
	return lifecycle.Credentials{}, fmt.Errorf("executor: no credentials configured for provider %q", provider)
}

// Providers lists the providers with a dedicated key.
func (s *StaticCredentials) Providers() []string {
	out := make([]string, 0, len(s.keys))
	for p := range s.keys {
		out = append(out, p)
	}
	return out
}

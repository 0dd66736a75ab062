// Package secrets resolves pipeline secret declarations through viant/scy
// and masks resolved values in captured step output.
package secrets

import (
	"context"
	"fmt"
	"strings"

	"github.com/viant/scy"
)

// Mask replaces secret values in rendered output.
const Mask = "***"

// Service resolves secret resources declared on a pipeline.
type Service struct {
	scy *scy.Service
}

// New creates a secrets service.
func New() *Service {
	return &Service{scy: scy.New()}
}

// Resolve loads each declared secret and returns environment variable pairs.
// A declaration has the form NAME=sourceURL or NAME=sourceURL|key where key
// selects the scy decryption key (e.g. blowfish://default).
func (s *Service) Resolve(ctx context.Context, declarations []string) (map[string]string, error) {
	if len(declarations) == 0 {
		return nil, nil
	}
	resolved := make(map[string]string, len(declarations))
	for _, declaration := range declarations {
		name, location, found := strings.Cut(declaration, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("invalid secret declaration %q, expected NAME=sourceURL", declaration)
		}
		sourceURL, key, _ := strings.Cut(location, "|")
		resource := scy.NewResource(nil, sourceURL, key)
		secret, err := s.scy.Load(ctx, resource)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve secret %s: %w", name, err)
		}
		resolved[name] = secret.String()
	}
	return resolved, nil
}

// Masker returns a function replacing every resolved secret value in text.
// With no secrets it returns the identity function.
func Masker(values map[string]string) func(string) string {
	if len(values) == 0 {
		return func(text string) string { return text }
	}
	var secretValues []string
	for _, value := range values {
		if value != "" {
			secretValues = append(secretValues, value)
		}
	}
	return func(text string) string {
		for _, value := range secretValues {
			text = strings.ReplaceAll(text, value, Mask)
		}
		return text
	}
}

// Package cache provides keyed directory caching between runs, backed by an
// afs location (file, s3, gs, …). Steps use it to avoid re-installing
// dependencies on every run.
package cache

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/url"

	"github.com/conveyor-ci/conveyor/model/types"
)

const Name = "cache"

// Service stores and restores cached directories.
type Service struct {
	fs      afs.Service
	baseURL string
}

type (
	// Input selects a cache entry.
	Input struct {
		Key  string `json:"key" description:"cache entry key"`
		Path string `json:"path" description:"directory to cache or restore into"`
	}

	// Output reports the result of a cache operation.
	Output struct {
		Hit bool   `json:"hit"`           // entry existed on restore
		URL string `json:"url,omitempty"` // storage location of the entry
	}
)

// New creates a cache action rooted at baseURL.
func New(baseURL string) *Service {
	return &Service{fs: afs.New(), baseURL: baseURL}
}

func (s *Service) Name() string {
	return Name
}

func (s *Service) Methods() types.Signatures {
	return []types.Signature{
		{
			Name:        "save",
			Description: "Stores a directory under the given cache key.",
			Input:       reflect.TypeOf(&Input{}),
			Output:      reflect.TypeOf(&Output{}),
		},
		{
			Name:        "restore",
			Description: "Restores a previously saved directory for the given cache key.",
			Input:       reflect.TypeOf(&Input{}),
			Output:      reflect.TypeOf(&Output{}),
		},
	}
}

func (s *Service) Method(name string) (types.Executable, error) {
	switch strings.ToLower(name) {
	case "save":
		return s.save, nil
	case "restore":
		return s.restore, nil
	default:
		return nil, types.NewMethodNotFoundError(name)
	}
}

// Save stores the input path under the cache key.
func (s *Service) Save(ctx context.Context, input *Input, output *Output) error {
	if input.Key == "" || input.Path == "" {
		return fmt.Errorf("cache save requires key and path")
	}
	entryURL := s.entryURL(input.Key)
	if err := s.fs.Copy(ctx, input.Path, entryURL); err != nil {
		return fmt.Errorf("failed to save cache %s: %w", input.Key, err)
	}
	output.URL = entryURL
	output.Hit = true
	return nil
}

// Restore copies the cached entry back to the input path. A missing entry is
// not an error; Output.Hit reports whether anything was restored.
func (s *Service) Restore(ctx context.Context, input *Input, output *Output) error {
	if input.Key == "" || input.Path == "" {
		return fmt.Errorf("cache restore requires key and path")
	}
	entryURL := s.entryURL(input.Key)
	exists, err := s.fs.Exists(ctx, entryURL)
	if err != nil {
		return fmt.Errorf("failed to check cache %s: %w", input.Key, err)
	}
	if !exists {
		output.Hit = false
		return nil
	}
	if err := s.fs.Copy(ctx, entryURL, input.Path); err != nil {
		return fmt.Errorf("failed to restore cache %s: %w", input.Key, err)
	}
	output.Hit = true
	output.URL = entryURL
	return nil
}

func (s *Service) entryURL(key string) string {
	return url.Join(s.baseURL, key)
}

func (s *Service) save(ctx context.Context, in, out interface{}) error {
	input, ok := in.(*Input)
	if !ok {
		return types.NewInvalidInputError(in)
	}
	output, ok := out.(*Output)
	if !ok {
		return types.NewInvalidOutputError(out)
	}
	return s.Save(ctx, input, output)
}

func (s *Service) restore(ctx context.Context, in, out interface{}) error {
	input, ok := in.(*Input)
	if !ok {
		return types.NewInvalidInputError(in)
	}
	output, ok := out.(*Output)
	if !ok {
		return types.NewInvalidOutputError(out)
	}
	return s.Restore(ctx, input, output)
}

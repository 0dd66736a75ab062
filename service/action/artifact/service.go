// Package artifact moves build outputs between job runs of one pipeline run,
// stored per run under an afs location.
package artifact

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/url"

	"github.com/conveyor-ci/conveyor/model/types"
	"github.com/conveyor-ci/conveyor/runtime/execution"
)

const Name = "artifact"

// Service uploads and downloads named artifacts.
type Service struct {
	fs      afs.Service
	baseURL string
}

type (
	// Input identifies an artifact within the current run.
	Input struct {
		Name string `json:"name" description:"artifact name"`
		Path string `json:"path" description:"source or destination path"`
		// RunID overrides the current run, letting a pipeline fetch
		// artifacts produced by a caller run.
		RunID string `json:"runId,omitempty" description:"run the artifact belongs to"`
	}

	// Output reports the artifact storage location.
	Output struct {
		URL string `json:"url,omitempty"`
	}
)

// New creates an artifact action rooted at baseURL.
func New(baseURL string) *Service {
	return &Service{fs: afs.New(), baseURL: baseURL}
}

func (s *Service) Name() string {
	return Name
}

func (s *Service) Methods() types.Signatures {
	return []types.Signature{
		{
			Name:        "upload",
			Description: "Uploads a file or directory as a named run artifact.",
			Input:       reflect.TypeOf(&Input{}),
			Output:      reflect.TypeOf(&Output{}),
		},
		{
			Name:        "download",
			Description: "Downloads a named run artifact to the given path.",
			Input:       reflect.TypeOf(&Input{}),
			Output:      reflect.TypeOf(&Output{}),
		},
	}
}

func (s *Service) Method(name string) (types.Executable, error) {
	switch strings.ToLower(name) {
	case "upload":
		return s.upload, nil
	case "download":
		return s.download, nil
	default:
		return nil, types.NewMethodNotFoundError(name)
	}
}

// Upload stores the input path as a named artifact of the current run.
func (s *Service) Upload(ctx context.Context, input *Input, output *Output) error {
	artifactURL, err := s.artifactURL(ctx, input)
	if err != nil {
		return err
	}
	if err := s.fs.Copy(ctx, input.Path, artifactURL); err != nil {
		return fmt.Errorf("failed to upload artifact %s: %w", input.Name, err)
	}
	output.URL = artifactURL
	return nil
}

// Download copies a named artifact of the current run to the input path.
func (s *Service) Download(ctx context.Context, input *Input, output *Output) error {
	artifactURL, err := s.artifactURL(ctx, input)
	if err != nil {
		return err
	}
	exists, err := s.fs.Exists(ctx, artifactURL)
	if err != nil {
		return fmt.Errorf("failed to check artifact %s: %w", input.Name, err)
	}
	if !exists {
		return fmt.Errorf("artifact %s not found", input.Name)
	}
	if err := s.fs.Copy(ctx, artifactURL, input.Path); err != nil {
		return fmt.Errorf("failed to download artifact %s: %w", input.Name, err)
	}
	output.URL = artifactURL
	return nil
}

func (s *Service) artifactURL(ctx context.Context, input *Input) (string, error) {
	if input.Name == "" || input.Path == "" {
		return "", fmt.Errorf("artifact operations require name and path")
	}
	runID := input.RunID
	if runID == "" {
		if run := execution.RunFromContext(ctx); run != nil {
			runID = run.ID
		}
	}
	if runID == "" {
		return "", fmt.Errorf("artifact operations require a run context")
	}
	return url.Join(s.baseURL, runID, input.Name), nil
}

func (s *Service) upload(ctx context.Context, in, out interface{}) error {
	input, ok := in.(*Input)
	if !ok {
		return types.NewInvalidInputError(in)
	}
	output, ok := out.(*Output)
	if !ok {
		return types.NewInvalidOutputError(out)
	}
	return s.Upload(ctx, input, output)
}

func (s *Service) download(ctx context.Context, in, out interface{}) error {
	input, ok := in.(*Input)
	if !ok {
		return types.NewInvalidInputError(in)
	}
	output, ok := out.(*Output)
	if !ok {
		return types.NewInvalidOutputError(out)
	}
	return s.Download(ctx, input, output)
}

// Package shell executes step commands on a runner, locally or over ssh.
// Sessions are pooled per session id and host so consecutive steps of one job
// reuse a single shell while concurrent jobs each get their own. Environment
// variables are exported for the duration of one invocation and unset
// afterwards, so they never leak into later steps.
package shell

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/viant/afs/url"
	"github.com/viant/gosh"
	"github.com/viant/gosh/runner"
	"github.com/viant/gosh/runner/local"
	rssh "github.com/viant/gosh/runner/ssh"
	"github.com/viant/scy/cred/secret"
	"golang.org/x/crypto/ssh"
)

// Service executes shell commands on runner hosts.
type Service struct {
	sessions map[string]*sessionInfo
	mux      sync.Mutex
}

type sessionInfo struct {
	service *gosh.Service
	// mux serializes command execution: a gosh session is a single shell and
	// interleaved Run calls would mix up exit statuses and output.
	mux sync.Mutex
}

// New creates a new Service instance
func New() *Service {
	return &Service{
		sessions: make(map[string]*sessionInfo),
	}
}

// Execute runs the input commands on the target runner.
func (s *Service) Execute(ctx context.Context, input *Input, output *Output) error {
	input.Init()

	session, err := s.getSession(ctx, input.Session, input.Host)
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}
	session.mux.Lock()
	defer session.mux.Unlock()

	if input.Workdir != "" {
		if _, _, err := session.service.Run(ctx, fmt.Sprintf("cd %s", input.Workdir)); err != nil {
			return fmt.Errorf("failed to change directory: %w", err)
		}
	}
	if len(input.Env) > 0 {
		if _, _, err := session.service.Run(ctx, exportEnv(input.Env)); err != nil {
			return fmt.Errorf("failed to apply environment: %w", err)
		}
		defer func() { _, _, _ = session.service.Run(ctx, unsetEnv(input.Env)) }()
	}

	abortOnError := true
	if input.AbortOnError != nil {
		abortOnError = *input.AbortOnError
	}

	timeoutDuration := time.Duration(input.TimeoutMs) * time.Millisecond
	if timeoutDuration == 0 {
		timeoutDuration = time.Minute
	}

	commands := make([]*Command, 0, len(input.Commands))
	var combinedStdout, combinedStderr strings.Builder
	var lastExitCode int

	for _, cmd := range input.Commands {
		command := &Command{Input: cmd}

		stdout, stderr, exitCode := s.runCommand(ctx, session, cmd, timeoutDuration)
		command.Output = stdout
		command.Stderr = stderr
		command.Status = exitCode
		commands = append(commands, command)

		if stdout != "" {
			combinedStdout.WriteString(stdout)
			combinedStdout.WriteString("\n")
		}
		if stderr != "" {
			combinedStderr.WriteString(stderr)
			combinedStderr.WriteString("\n")
		}
		lastExitCode = exitCode

		if abortOnError && exitCode != 0 {
			break
		}
	}

	output.Commands = commands
	output.Stdout = strings.TrimSpace(combinedStdout.String())
	output.Stderr = strings.TrimSpace(combinedStderr.String())
	output.Status = lastExitCode
	return nil
}

// runCommand runs a single command and returns its output
func (s *Service) runCommand(ctx context.Context, session *sessionInfo, command string, duration time.Duration) (string, string, int) {
	started := time.Now()
	stdout, status, err := session.service.Run(ctx, command, runner.WithTimeout(int(duration.Milliseconds())))
	elapsed := time.Since(started)
	if elapsed > duration && err == nil {
		err = fmt.Errorf("command %v timed out after: %s", command, elapsed)
	}
	if status == 0 && err == nil {
		return stdout, "", status
	}
	if status == 0 {
		status = 1
	}
	if stdout == "" && err != nil {
		stdout = err.Error()
	}
	return "", stdout, status
}

// exportEnv renders env as a single export statement, keys in sorted order.
func exportEnv(env map[string]string) string {
	var builder strings.Builder
	builder.WriteString("export")
	for _, key := range sortedKeys(env) {
		builder.WriteString(" ")
		builder.WriteString(key)
		builder.WriteString("='")
		builder.WriteString(strings.ReplaceAll(env[key], "'", `'\''`))
		builder.WriteString("'")
	}
	return builder.String()
}

func unsetEnv(env map[string]string) string {
	return "unset " + strings.Join(sortedKeys(env), " ")
}

func sortedKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// getSession retrieves an existing session or creates a new one
func (s *Service) getSession(ctx context.Context, sessionID string, host *Host) (*sessionInfo, error) {
	key := sessionKey(sessionID, host.URL)

	s.mux.Lock()
	defer s.mux.Unlock()

	if session, ok := s.sessions[key]; ok {
		return session, nil
	}

	var service *gosh.Service
	var err error

	if url.Host(host.URL) == "localhost" {
		service, err = gosh.New(ctx, local.New())
	} else {
		config, cfgErr := s.sshConfig(ctx, host)
		if cfgErr != nil {
			return nil, fmt.Errorf("failed to get ssh config: %w", cfgErr)
		}
		sshHost := url.Host(host.URL)
		if !strings.Contains(sshHost, ":") {
			sshHost += ":22"
		}
		service, err = gosh.New(ctx, rssh.New(sshHost, config))
	}
	if err != nil {
		return nil, err
	}
	session := &sessionInfo{service: service}
	s.sessions[key] = session
	return session, nil
}

func sessionKey(sessionID, hostURL string) string {
	if sessionID == "" {
		return hostURL
	}
	return sessionID + "@" + hostURL
}

// CloseSession releases every pooled shell held for the given session id;
// the executor calls it once a job run concludes.
func (s *Service) CloseSession(_ context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	var errs []string
	prefix := sessionID + "@"
	for key, session := range s.sessions {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := session.service.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("failed to close session %s: %v", key, err))
		}
		delete(s.sessions, key)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing sessions: %s", strings.Join(errs, "; "))
	}
	return nil
}

// sshConfig resolves the runner's ssh credentials via scy.
func (s *Service) sshConfig(ctx context.Context, host *Host) (*ssh.ClientConfig, error) {
	credentials := host.Credentials
	if credentials == "" {
		credentials = "localhost"
	}
	secrets := secret.New()
	generic, err := secrets.GetCredentials(ctx, credentials)
	if err != nil {
		return nil, err
	}
	return generic.SSH.Config(ctx)
}

// Close releases all sessions held by this service
func (s *Service) Close(ctx context.Context) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	var errs []string
	for id, session := range s.sessions {
		if err := session.service.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("failed to close session %s: %v", id, err))
		}
	}
	s.sessions = make(map[string]*sessionInfo)
	if len(errs) > 0 {
		return fmt.Errorf("errors closing sessions: %s", strings.Join(errs, "; "))
	}
	return nil
}

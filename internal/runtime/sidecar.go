package runtime

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/evalsight/scoresheet-be/internal/pipeline/domain"
)

// SidecarConfig configures one model sidecar process.
type SidecarConfig struct {
	// Command is the sidecar launch command, e.g.
	// ["python3", "models/run_worker.py"]. The model path and kind are
	// appended as arguments.
	Command     []string
	ModelPath   string
	Kind        ModelKind
	StopTimeout time.Duration
}

// Sidecar runs one model as a child process. Frames go down stdin as base64
// JSON lines; one JSON result line comes back per frame on stdout. Weights
// load once when the process starts. The pool hands a sidecar to one caller
// at a time; the mutex guards lifecycle races with Close only.
type Sidecar struct {
	cfg    SidecarConfig
	logger *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

type sidecarRequest struct {
	Op     string `json:"op"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Pixels string `json:"pixels"` // base64 RGB24
}

type sidecarResponse struct {
	Detections []Detection `json:"detections"`
	Value      string      `json:"value"`
	Confidence float64     `json:"confidence"`
	Error      string      `json:"error"`
}

// NewSidecar spawns the sidecar process and waits for its ready line.
func NewSidecar(cfg SidecarConfig, logger *slog.Logger) (*Sidecar, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("sidecar command is required")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}

	args := append(cfg.Command[1:], "--model", cfg.ModelPath, "--kind", string(cfg.Kind))
	cmd := exec.Command(cfg.Command[0], args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open sidecar stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open sidecar stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open sidecar stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start sidecar: %w", err)
	}

	s := &Sidecar{
		cfg:    cfg,
		logger: logger.With(slog.String("model", string(cfg.Kind))),
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
	}
	go s.relayStderr(stderr)

	// The sidecar prints one "ready" line once weights are loaded.
	line, err := s.stdout.ReadString('\n')
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("sidecar exited before ready: %w", err)
	}
	if !strings.Contains(line, "ready") {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("unexpected sidecar greeting: %q", strings.TrimSpace(line))
	}

	s.logger.Info("Model sidecar ready",
		slog.String("model_path", cfg.ModelPath),
		slog.Int("pid", cmd.Process.Pid),
	)

	return s, nil
}

// Infer sends one frame and reads one result line. Identical pixels yield
// identical output: the sidecar runs the model in eval mode with no
// randomness at inference time.
func (s *Sidecar) Infer(ctx context.Context, frame *domain.Frame) (*Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stdin == nil {
		return nil, fmt.Errorf("sidecar for %s is closed", s.cfg.Kind)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := sidecarRequest{
		Op:     string(s.cfg.Kind),
		Width:  frame.Width,
		Height: frame.Height,
		Pixels: base64.StdEncoding.EncodeToString(frame.Pixels),
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	if _, err := s.stdin.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("failed to write frame to sidecar: %w", err)
	}

	respLine, err := s.stdout.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read sidecar result: %w", err)
	}

	var resp sidecarResponse
	if err := json.Unmarshal([]byte(respLine), &resp); err != nil {
		return nil, fmt.Errorf("malformed sidecar result: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("sidecar rejected input: %s", resp.Error)
	}

	return &Output{
		Detections: resp.Detections,
		Value:      resp.Value,
		Confidence: resp.Confidence,
	}, nil
}

// relayStderr maps sidecar log lines onto slog levels.
func (s *Sidecar) relayStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			s.logger.Error("Sidecar", slog.String("line", line))
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			s.logger.Warn("Sidecar", slog.String("line", line))
		default:
			s.logger.Debug("Sidecar", slog.String("line", line))
		}
	}
}

// Close stops the sidecar: close stdin so it exits cleanly, kill it if it
// does not within the stop timeout.
func (s *Sidecar) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stdin != nil {
		_ = s.stdin.Close()
		s.stdin = nil
	}

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Debug("Sidecar exited",
				slog.Any("error", err),
			)
		}
		return nil
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn("Sidecar did not exit, killing",
			slog.Int("pid", s.cmd.Process.Pid),
		)
		return s.cmd.Process.Kill()
	}
}

// SidecarFactory returns a RunnerFactory that spawns one sidecar per
// instance, choosing the model path by kind.
func SidecarFactory(command []string, modelPaths map[ModelKind]string, stopTimeout time.Duration, logger *slog.Logger) RunnerFactory {
	return func(kind ModelKind) (Runner, error) {
		path, ok := modelPaths[kind]
		if !ok {
			return nil, fmt.Errorf("no model path configured for %q", kind)
		}
		return NewSidecar(SidecarConfig{
			Command:     command,
			ModelPath:   path,
			Kind:        kind,
			StopTimeout: stopTimeout,
		}, logger)
	}
}

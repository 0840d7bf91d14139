// Package render isolates the screenshot renderer behind a subprocess
// boundary: a wall-clock timeout, stderr streamed through with a bounded
// tail capture, and a single-JSON-object protocol on stdout.
package render

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Result kinds reported back to the worker.
const (
	KindTimeout   = "Timeout"
	KindCrashed   = "RendererCrashed"
	KindBadOutput = "BadRendererOutput"
	KindNoMaps    = "NoMaps"
)

const tailBytes = 4096

// Result is the renderer's single stdout JSON object. MapImages maps a
// map name to its uploaded image references.
type Result struct {
	OK        bool                  `json:"ok"`
	Retry     bool                  `json:"retry"`
	Kind      string                `json:"kind,omitempty"`
	Message   string                `json:"message,omitempty"`
	MapImages map[string][]ImageRef `json:"map_images,omitempty"`
	Stderr    string                `json:"stderr,omitempty"`
}

// ImageRef mirrors the catalog image payload element.
type ImageRef struct {
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
}

// Runner executes one renderer invocation per call.
type Runner struct {
	// Command and leading args of the renderer binary.
	Command []string
	Timeout time.Duration
	// Stderr sink for the streamed subprocess output; defaults to the
	// process stderr.
	ErrOut io.Writer
}

// Run invokes the renderer with extra args appended to Command. The
// subprocess gets SIGKILL on timeout or context cancellation. Run never
// returns an error for renderer-side failures; they are classified into
// the Result.
func (r *Runner) Run(ctx context.Context, args ...string) Result {
	if len(r.Command) == 0 {
		return Result{Retry: false, Kind: KindBadOutput, Message: "no renderer command configured"}
	}
	errOut := r.ErrOut
	if errOut == nil {
		errOut = os.Stderr
	}

	cctx := ctx
	var cancel context.CancelFunc
	if r.Timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	argv := append(append([]string{}, r.Command...), args...)
	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{Retry: true, Kind: KindCrashed, Message: err.Error()}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{Retry: true, Kind: KindCrashed, Message: err.Error()}
	}
	if err := cmd.Start(); err != nil {
		return Result{Retry: true, Kind: KindCrashed, Message: fmt.Sprintf("start renderer: %v", err)}
	}

	var wg sync.WaitGroup
	var outBytes []byte
	tail := newTailWriter(tailBytes)

	wg.Add(2)
	go func() {
		defer wg.Done()
		outBytes, _ = io.ReadAll(stdout)
	}()
	go func() {
		defer wg.Done()
		io.Copy(io.MultiWriter(errOut, tail), stderr)
	}()
	wg.Wait()
	waitErr := cmd.Wait()

	stderrTail := tail.String()

	if cctx.Err() != nil {
		return Result{
			Retry:   true,
			Kind:    KindTimeout,
			Message: fmt.Sprintf("renderer timed out after %s", r.Timeout),
			Stderr:  stderrTail,
		}
	}
	if waitErr != nil {
		return Result{
			Retry:   true,
			Kind:    KindCrashed,
			Message: fmt.Sprintf("renderer exit: %v", waitErr),
			Stderr:  stderrTail,
		}
	}

	line := strings.TrimSpace(string(outBytes))
	var res Result
	if line == "" {
		return Result{Retry: true, Kind: KindBadOutput, Message: "renderer produced no output", Stderr: stderrTail}
	}
	if err := json.Unmarshal([]byte(line), &res); err != nil {
		return Result{
			Retry:   true,
			Kind:    KindBadOutput,
			Message: fmt.Sprintf("invalid renderer JSON: %v", err),
			Stderr:  stderrTail,
		}
	}
	if res.Stderr == "" && strings.TrimSpace(stderrTail) != "" {
		res.Stderr = stderrTail
	}
	return res
}

// tailWriter keeps the last n bytes written to it.
type tailWriter struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailWriter(max int) *tailWriter {
	return &tailWriter{max: max}
}

func (t *tailWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailWriter) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

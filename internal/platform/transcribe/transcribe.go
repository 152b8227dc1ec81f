// Package transcribe runs the Python speech-to-text script over audio piped
// on stdin.
package transcribe

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const DefaultExtension = ".webm"

// maxStderrLine bounds a single logged stderr line. Longer output is still
// drained so the child never blocks on a full pipe.
const maxStderrLine = 1 << 20

// ErrNotConfigured is returned when no transcription script is set.
var ErrNotConfigured = errors.New("transcription script not configured")

// Segment is an opaque timestamped chunk emitted by the transcriber.
type Segment = json.RawMessage

type Text struct {
	Text   string    `json:"text"`
	Chunks []Segment `json:"chunks"`
}

// Result is the script's stdout. Translation is nil when the audio was
// already English.
type Result struct {
	Transcription Text  `json:"transcription"`
	Translation   *Text `json:"translation,omitempty"`
}

type Runner struct {
	python  string
	script  string
	timeout time.Duration
	logger  zerolog.Logger
}

func NewRunner(python, script string, timeout time.Duration, logger zerolog.Logger) *Runner {
	if python == "" {
		python = "python3"
	}
	return &Runner{
		python:  python,
		script:  script,
		timeout: timeout,
		logger:  logger.With().Str("component", "transcribe").Logger(),
	}
}

// ExtensionFor returns the file extension of name, or DefaultExtension.
func ExtensionFor(name string) string {
	if ext := filepath.Ext(name); ext != "" {
		return ext
	}
	return DefaultExtension
}

// Transcribe pipes audio to `<python> <script> --stdin <ext>` and decodes
// its JSON stdout. Stderr is forwarded to the log line by line.
func (r *Runner) Transcribe(ctx context.Context, audio io.Reader, ext string) (*Result, error) {
	if r.script == "" {
		return nil, ErrNotConfigured
	}
	if ext == "" {
		ext = DefaultExtension
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.python, r.script, "--stdin", ext)
	cmd.Stdin = audio
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting transcriber: %w", err)
	}

	var tail []string
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 0, 64*1024), maxStderrLine)
	sc.Split(scanLinesOrCR)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		r.logger.Debug().Str("stream", "stderr").Msg(line)
		tail = append(tail, line)
		if len(tail) > 20 {
			tail = tail[1:]
		}
	}
	if err := sc.Err(); err != nil {
		r.logger.Warn().Err(err).Msg("stderr no longer logged")
	}
	_, _ = io.Copy(io.Discard, stderr)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("transcriber: %w", ctx.Err())
		}
		return nil, fmt.Errorf("transcriber exited: %w: %s", err, strings.Join(tail, "\n"))
	}

	var res Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return nil, fmt.Errorf("parsing transcriber output: %w", err)
	}
	return &res, nil
}

// scanLinesOrCR splits on \n or \r so carriage-return progress bars come out
// as separate lines.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/oshokin/dump-fetcher/internal/domain/dump"
)

// wgetBinary is the default tool name looked up in PATH.
const wgetBinary = "wget"

// Wget runs `wget -c` and relies on its exit code as the only signal.
type Wget struct {
	// binary is the executable name or path.
	binary string
	// timeout is wget's network read timeout, not a bound on the whole transfer.
	timeout time.Duration
	// progress receives wget output.
	progress io.Writer
	// lookPath resolves binary.
	lookPath func(string) (string, error)
}

// WgetOption configures the wget transferer.
type WgetOption func(*Wget)

// WithBinary overrides the executable.
func WithBinary(binary string) WgetOption {
	return func(w *Wget) {
		if binary != "" {
			w.binary = binary
		}
	}
}

// WithWgetTimeout sets wget's --timeout.
func WithWgetTimeout(timeout time.Duration) WgetOption {
	return func(w *Wget) {
		if timeout > 0 {
			w.timeout = timeout
		}
	}
}

// WithProgress redirects wget output.
func WithProgress(progress io.Writer) WgetOption {
	return func(w *Wget) {
		if progress != nil {
			w.progress = progress
		}
	}
}

// NewWget creates a wget transferer writing progress to stderr.
func NewWget(opts ...WgetOption) *Wget {
	w := &Wget{
		binary:   wgetBinary,
		progress: os.Stderr,
		lookPath: exec.LookPath,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Transfer implements Transferer.
func (w *Wget) Transfer(ctx context.Context, sourceURL, dest string) error {
	binary, err := w.lookPath(w.binary)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", dump.ErrToolMissing, w.binary, err)
	}

	cmd := exec.CommandContext(ctx, binary, w.args(sourceURL, dest)...) //nolint:gosec // URL and path come from resolved settings.
	cmd.Stdout = w.progress
	cmd.Stderr = w.progress

	err = cmd.Run()
	if err == nil {
		return nil
	}

	if cancelled := dump.Cancelled(ctx); cancelled != nil {
		return cancelled
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &dump.NetworkError{URL: sourceURL, ExitCode: exitErr.ExitCode(), Err: err}
	}

	return fmt.Errorf("run %s: %w", binary, err)
}

// args builds the resuming command line.
func (w *Wget) args(sourceURL, dest string) []string {
	args := []string{"-c", "--show-progress", "-q"}

	if w.timeout > 0 {
		args = append(args, "--timeout="+strconv.Itoa(timeoutSeconds(w.timeout)))
	}

	return append(args, "-O", dest, sourceURL)
}

// timeoutSeconds rounds d up to whole seconds, since wget treats zero as no timeout.
func timeoutSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}

	return int(math.Ceil(d.Seconds()))
}

package transfer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/oshokin/dump-fetcher/internal/config"
)

// Transferer copies a remote file to dest, continuing from the bytes already in dest.
// A transport failure is a *dump.NetworkError; an interrupt is dump.ErrUserCancelled.
type Transferer interface {
	Transfer(ctx context.Context, sourceURL, dest string) error
}

// NewTransferer returns the transferer selected by tool.
func NewTransferer(tool string, timeout time.Duration, progress io.Writer) (Transferer, error) {
	switch tool {
	case config.ToolWget, "":
		return NewWget(WithWgetTimeout(timeout), WithProgress(progress)), nil
	case config.ToolHTTP:
		return NewHTTP(WithRequestTimeout(timeout)), nil
	default:
		return nil, fmt.Errorf("unknown transfer tool %q", tool)
	}
}

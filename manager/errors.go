package manager

import (
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	// ErrClosed is returned by GetOrCreate after Shutdown.
	ErrClosed = fmt.Errorf("manager: closed: %w", errdefs.ErrUnavailable)
	// ErrInvalidMode reports an unknown Mode value or name.
	ErrInvalidMode = fmt.Errorf("manager: invalid mode: %w", errdefs.ErrInvalidArgument)
)

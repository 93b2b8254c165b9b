package dedup

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// ErrNoSuchBucket is returned when a bucket is required but missing.
var ErrNoSuchBucket = fmt.Errorf("no such bucket: %w", errdefs.ErrNotFound)

// Kind classifies errors returned by this package.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindInvalidArgument
	KindConflict
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindConflict:
		return "Conflict"
	case KindUnavailable:
		return "BackendUnavailable"
	default:
		return "Internal"
	}
}

// KindOf maps an error onto the closed set of kinds.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errdefs.IsNotFound(err):
		return KindNotFound
	case errdefs.IsInvalidArgument(err):
		return KindInvalidArgument
	case errdefs.IsConflict(err), errdefs.IsAlreadyExists(err):
		return KindConflict
	case errdefs.IsUnavailable(err):
		return KindUnavailable
	default:
		return KindInternal
	}
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, errdefs.ErrNotFound)...)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, errdefs.ErrInvalidArgument)...)
}

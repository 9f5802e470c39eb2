package corpus

import (
	"context"
	"fmt"
	"strings"
)

// OpenOptions configures the sources reachable through Open.
type OpenOptions struct {
	S3Region string
}

// NewOpener returns an Opener dispatching on the locator scheme:
// s3://bucket/prefix or a local directory (optionally file://).
func NewOpener(opts OpenOptions) Opener {
	return func(ctx context.Context, locator string) (Stream, error) {
		switch {
		case strings.HasPrefix(locator, "s3://"):
			client, err := DefaultS3Client(opts.S3Region)
			if err != nil {
				return nil, fmt.Errorf("s3 client: %w", err)
			}
			return NewS3Source(ctx, client, locator)
		case strings.HasPrefix(locator, "file://"):
			return NewDirSource(strings.TrimPrefix(locator, "file://"))
		case strings.Contains(locator, "://"):
			return nil, fmt.Errorf("unsupported image locator: %s", locator)
		default:
			return NewDirSource(locator)
		}
	}
}

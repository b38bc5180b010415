package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alanyoungcy/ctfsettle/internal/domain"
)

// s3Scheme marks a command source stored in the configured bucket.
const s3Scheme = "s3://"

// ErrNoBlobStore is returned when an s3:// source is given without object
// storage configured.
var ErrNoBlobStore = errors.New("command: s3 source requires object storage")

// Open returns a reader over the command source. "-" is stdin, "s3://key"
// reads key from blobs, anything else is a local file path.
func Open(ctx context.Context, src string, blobs domain.BlobReader) (io.ReadCloser, error) {
	switch {
	case src == "":
		return nil, fmt.Errorf("command: open: empty source: %w", domain.ErrInvalidCommand)
	case src == "-":
		return io.NopCloser(os.Stdin), nil
	case strings.HasPrefix(src, s3Scheme):
		if blobs == nil {
			return nil, ErrNoBlobStore
		}
		rc, err := blobs.Get(ctx, strings.TrimPrefix(src, s3Scheme))
		if err != nil {
			return nil, fmt.Errorf("command: open %s: %w", src, err)
		}
		return rc, nil
	}
	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("command: open %s: %w", src, err)
	}
	return f, nil
}

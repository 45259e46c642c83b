package serial

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// LineProcessor consumes console input a byte at a time and queues replies
type LineProcessor interface {
	ProcessByte(b byte)
	GetOutput() []byte
}

// Serve feeds bytes read from rw to proc and writes its replies back until
// ctx is canceled or the stream ends. A read that times out with no data
// is not an error.
func Serve(ctx context.Context, rw io.ReadWriter, proc LineProcessor, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("console")

	buf := make([]byte, 64)
	for ctx.Err() == nil {
		n, err := rw.Read(buf)
		for _, b := range buf[:n] {
			proc.ProcessByte(b)
		}
		if out := proc.GetOutput(); len(out) > 0 {
			if _, werr := rw.Write(out); werr != nil {
				return fmt.Errorf("console write: %w", werr)
			}
		}

		switch {
		case errors.Is(err, io.EOF):
			logger.Info("console closed")
			return nil
		case err != nil:
			return fmt.Errorf("console read: %w", err)
		}
	}
	return ctx.Err()
}

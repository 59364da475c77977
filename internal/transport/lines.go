package transport

import (
	"context"
	"fmt"
	"strings"
)

// Observer log lines are short; anything past this is a runaway read and is
// truncated rather than buffered without bound.
const maxLineLen = 4096

type readFunc func(buf []byte) (int, error)

// readLine accumulates bytes until LF, dropping CRs. Zero-byte reads are
// serial read timeouts and only re-check the context, so cancellation is
// honored while the link is idle.
func readLine(ctx context.Context, read readFunc) (string, error) {
	var line strings.Builder
	buf := make([]byte, 1)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, err := read(buf)
		if err != nil {
			return "", fmt.Errorf("read log byte: %w", err)
		}
		if n == 0 {
			continue
		}

		switch buf[0] {
		case '\n':
			return line.String(), nil
		case '\r':
		default:
			if line.Len() < maxLineLen {
				line.WriteByte(buf[0])
			}
		}
	}
}

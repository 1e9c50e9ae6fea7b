// Package utils holds filesystem, path and logging helpers shared by the daemon and CLI.
package utils

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// LogInterceptor prefixes every complete line written to it with a sequence number and a
// timestamp before forwarding it to target. Partial lines are held until their newline arrives.
type LogInterceptor struct {
	target io.Writer
	seq    atomic.Uint64
	mu     sync.Mutex
	buf    bytes.Buffer
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{target: target}
}

func (i *LogInterceptor) Write(p []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.buf.Write(p)
	for {
		idx := bytes.IndexByte(i.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx+1)
		copy(line, i.buf.Next(idx+1))
		if err := i.writeLine(line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Close flushes a trailing partial line
func (i *LogInterceptor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.buf.Len() == 0 {
		return nil
	}
	line := append(i.buf.Bytes(), '\n')
	i.buf.Reset()
	return i.writeLine(line)
}

func (i *LogInterceptor) writeLine(line []byte) error {
	prefix := slog.Uint64("line", i.seq.Add(1)).String() + " " +
		slog.String("time", time.Now().Format(time.RFC3339)).String() + " "
	if _, err := io.WriteString(i.target, prefix); err != nil {
		return err
	}
	_, err := i.target.Write(line)
	return err
}

// Package storage is the disk side of a transfer. Operations complete asynchronously on channels,
// and a completion may be delivered after whoever asked for it has gone away.
package storage

import (
	"context"
	"fmt"
)

type Op int

const (
	OpRead Op = iota
	OpWrite
)

func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

// The outcome of a Read or Write, carrying the original request.
type Completion struct {
	Op     Op
	Piece  int
	Offset int64
	Length int
	// The bytes read, or the bytes that were to be written.
	Data []byte
	Err  error
}

// Each call returns a channel that receives exactly one Completion. The channel is buffered so the
// gateway never blocks on a receiver that has stopped listening.
type Gateway interface {
	Read(ctx context.Context, piece int, offset int64, length int) <-chan Completion
	Write(ctx context.Context, piece int, offset int64, data []byte) <-chan Completion
}

func completed(c Completion) <-chan Completion {
	ch := make(chan Completion, 1)
	ch <- c
	return ch
}

package storage

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"
)

const DefaultMaxJobs = 16

type FileGatewayOpts struct {
	PieceLength int64
	TotalLength int64
	// Concurrent disk operations. Later operations wait.
	MaxJobs int64
}

// Stores a transfer's data as a single file on an afero filesystem.
type FileGateway struct {
	file        afero.File
	pieceLength int64
	totalLength int64
	jobs        *semaphore.Weighted
}

var _ Gateway = (*FileGateway)(nil)

func NewFileGateway(fs afero.Fs, name string, opts FileGatewayOpts) (*FileGateway, error) {
	if opts.PieceLength <= 0 {
		return nil, errors.New("piece length must be positive")
	}
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = DefaultMaxJobs
	}
	f, err := fs.OpenFile(name, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", name)
	}
	return &FileGateway{
		file:        f,
		pieceLength: opts.PieceLength,
		totalLength: opts.TotalLength,
		jobs:        semaphore.NewWeighted(opts.MaxJobs),
	}, nil
}

func (me *FileGateway) Close() error {
	return me.file.Close()
}

func (me *FileGateway) fileOffset(piece int, offset int64, length int) (int64, error) {
	off := int64(piece)*me.pieceLength + offset
	if piece < 0 || offset < 0 || offset+int64(length) > me.pieceLength || off+int64(length) > me.totalLength {
		return 0, errors.Errorf("piece %d range [%d, %d) out of bounds", piece, offset, offset+int64(length))
	}
	return off, nil
}

// Runs f on its own goroutine once a job slot is free. f returns the completion's data.
func (me *FileGateway) do(ctx context.Context, c Completion, f func(off int64) ([]byte, error)) <-chan Completion {
	off, err := me.fileOffset(c.Piece, c.Offset, c.Length)
	if err != nil {
		c.Err = err
		return completed(c)
	}
	ch := make(chan Completion, 1)
	go func() {
		if err := me.jobs.Acquire(ctx, 1); err != nil {
			c.Err = err
			ch <- c
			return
		}
		defer me.jobs.Release(1)
		c.Data, c.Err = f(off)
		ch <- c
	}()
	return ch
}

func (me *FileGateway) Read(ctx context.Context, piece int, offset int64, length int) <-chan Completion {
	c := Completion{Op: OpRead, Piece: piece, Offset: offset, Length: length}
	return me.do(ctx, c, func(off int64) ([]byte, error) {
		b := make([]byte, length)
		n, err := me.file.ReadAt(b, off)
		if n == length {
			err = nil
		} else if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return b[:n], err
	})
}

func (me *FileGateway) Write(ctx context.Context, piece int, offset int64, data []byte) <-chan Completion {
	c := Completion{Op: OpWrite, Piece: piece, Offset: offset, Length: len(data)}
	return me.do(ctx, c, func(off int64) ([]byte, error) {
		_, err := me.file.WriteAt(data, off)
		return data, err
	})
}

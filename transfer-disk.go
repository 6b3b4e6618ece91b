package swarm

import (
	"strconv"

	"github.com/anacrolix/log"

	pp "github.com/anacrolix/swarm/peer_protocol"
	"github.com/anacrolix/swarm/storage"
	"github.com/anacrolix/swarm/types"
)

// Runs f with the transfer locked once c delivers. Disk completions outlive sessions and may
// outlive the transfer.
func (t *Transfer) onDiskCompletion(c <-chan storage.Completion, f func(storage.Completion)) {
	t.diskJobs.Add(1)
	go func() {
		defer t.diskJobs.Done()
		comp := <-c
		t.mu.Lock()
		defer t.mu.Unlock()
		f(comp)
	}()
}

// Blocks until every disk job started so far has been handled.
func (t *Transfer) WaitDiskIdle() {
	t.diskJobs.Wait()
}

func (t *Transfer) readBlock(h SessionHandle, r types.Request) {
	c := t.gateway.Read(t.ctx, int(r.Index), int64(r.Begin), int(r.Length))
	t.onDiskCompletion(c, func(comp storage.Completion) {
		s, ok := t.session(h)
		if !ok {
			return
		}
		s.onReadCompleted(r, comp)
	})
}

func (t *Transfer) writeBlock(b types.PieceBlock, data []byte) {
	spec := t.layout.BlockSpec(b)
	t.pendingWrites[b.Piece]++
	c := t.gateway.Write(t.ctx, b.Piece, int64(spec.Begin), data)
	t.onDiskCompletion(c, func(comp storage.Completion) {
		t.onWriteCompleted(b, comp)
	})
}

func (t *Transfer) onWriteCompleted(b types.PieceBlock, c storage.Completion) {
	t.pendingWrites[b.Piece]--
	if t.pendingWrites[b.Piece] == 0 {
		delete(t.pendingWrites, b.Piece)
	}
	if c.Err != nil {
		if t.closed.IsSet() {
			return
		}
		t.logger.Levelf(log.Warning, "writing %v: %v", b, c.Err)
		t.sched.WriteFailed(b)
		if f := t.cfg.Callbacks.BlockWriteFailed; f != nil {
			err := c.Err
			t.mu.Defer(func() { f(b.Piece, b.Block, err) })
		}
		t.fillAllRequests()
		return
	}
	t.maybeVerify(b.Piece)
}

// Starts verification once every block of the piece is stored.
func (t *Transfer) maybeVerify(piece int) {
	if t.closed.IsSet() || t.pendingWrites[piece] != 0 || t.verifying.Contains(uint32(piece)) {
		return
	}
	if !t.sched.PieceComplete(piece) {
		return
	}
	if t.hashes == nil {
		t.onPieceHashed(piece, true)
		return
	}
	t.verifying.Add(uint32(piece))
	t.diskJobs.Add(1)
	go func() {
		defer t.diskJobs.Done()
		length := int(t.layout.PieceSize(piece))
		ok, err := storage.VerifyPiece(t.ctx, t.gateway, piece, length, t.hashes[piece])
		t.mu.Lock()
		defer t.mu.Unlock()
		t.verifying.Remove(uint32(piece))
		if t.closed.IsSet() {
			return
		}
		if err != nil {
			t.logger.Levelf(log.Warning, "verifying piece %d: %v", piece, err)
		}
		t.onPieceHashed(piece, ok)
	}()
}

func (t *Transfer) onPieceHashed(piece int, correct bool) {
	piecesVerified.WithLabelValues(strconv.FormatBool(correct)).Inc()
	if !correct {
		t.logger.Levelf(log.Debug, "piece %d failed hash check", piece)
		t.sched.PieceFailed(piece)
		if f := t.cfg.Callbacks.PieceHashFailed; f != nil {
			t.mu.Defer(func() { f(piece) })
		}
		t.fillAllRequests()
		return
	}
	t.sched.PieceVerified(piece)
	t.have.Add(uint32(piece))
	for _, s := range t.sessionList() {
		if !s.established() {
			continue
		}
		s.write(pp.Message{Type: pp.Have, Index: pp.Integer(piece)})
		s.updateInterest()
	}
	if f := t.cfg.Callbacks.PieceCompleted; f != nil {
		t.mu.Defer(func() { f(piece) })
	}
	if t.seeding() {
		t.logger.Levelf(log.Info, "download complete")
	}
}

// Blocks went back to the scheduler.
func (t *Transfer) fillAllRequests() {
	for _, s := range t.sessionList() {
		s.updateInterest()
		s.fillRequests()
	}
}

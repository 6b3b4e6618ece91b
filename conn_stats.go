package swarm

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync/atomic"

	pp "github.com/anacrolix/swarm/peer_protocol"
)

// Connection-level counters. At the Transfer level these are aggregates. Chunks are messages with
// data payloads. Data is transfer content without protocol overhead. Useful is something we needed.
// Written is things sent to the peer, and Read is stuff received from them.
type ConnStats struct {
	// Total bytes on the wire, including the handshake.
	BytesWritten     count
	BytesWrittenData count

	BytesRead           count
	BytesReadData       count
	BytesReadUsefulData count

	ChunksWritten count

	ChunksRead       count
	ChunksReadUseful count
	ChunksReadWasted count
	// Chunks we had no outstanding request for.
	ChunksReadUnexpected count

	RequestsTimedOut count
}

func (t *ConnStats) Copy() (ret ConnStats) {
	for i := 0; i < reflect.TypeOf(ConnStats{}).NumField(); i++ {
		n := reflect.ValueOf(t).Elem().Field(i).Addr().Interface().(*count).Int64()
		reflect.ValueOf(&ret).Elem().Field(i).Addr().Interface().(*count).Add(n)
	}
	return
}

type count struct {
	n int64
}

var _ fmt.Stringer = (*count)(nil)

func (t *count) Add(n int64) {
	atomic.AddInt64(&t.n, n)
}

func (t *count) Int64() int64 {
	return atomic.LoadInt64(&t.n)
}

func (t *count) String() string {
	return fmt.Sprintf("%v", t.Int64())
}

func (t *count) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.n)
}

func (t *ConnStats) wroteMsg(msg *pp.Message) {
	if msg.Type == pp.Piece && !msg.Keepalive {
		t.ChunksWritten.Add(1)
		t.BytesWrittenData.Add(int64(len(msg.Piece)))
	}
}

func (t *ConnStats) readMsg(msg *pp.Message) {
	if msg.Type == pp.Piece && !msg.Keepalive {
		t.ChunksRead.Add(1)
		t.BytesReadData.Add(int64(len(msg.Piece)))
	}
}

// Applies f to the session's stats and the transfer aggregate.
func (s *PeerSession) allStats(f func(*ConnStats)) {
	f(&s.stats)
	f(&s.t.stats)
}

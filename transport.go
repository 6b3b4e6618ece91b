package swarm

import (
	"bytes"
	"net"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/sync"
)

// An ordered, reliable byte stream to one peer. Sessions call these with the transfer lock held.
type Transport interface {
	// Queues b for sending. Must not block on the network.
	Send(b []byte) error
	Close() error
	RemoteAddr() net.Addr
	// Pauses or resumes delivery of received bytes. Used to hold off a peer while download quota is
	// exhausted.
	SetReceiveEnabled(bool)
}

// Adapts a net.Conn. A writer goroutine drains a double buffer, and a reader goroutine delivers into
// the transfer. The conn may be attached after sends have been queued, so a session can exist while
// its connection is being dialled.
type netTransport struct {
	addr   net.Addr
	logger log.Logger

	mu   sync.Mutex
	conn net.Conn
	// Pointer so we can swap with the "front buffer".
	writeBuffer *bytes.Buffer
	writeCond   chansync.BroadcastCond
	recvEnabled bool
	recvCond    chansync.BroadcastCond
	closed      chansync.SetOnce
}

var _ Transport = (*netTransport)(nil)

func newNetTransport(addr net.Addr, logger log.Logger) *netTransport {
	return &netTransport{
		addr:        addr,
		logger:      logger,
		writeBuffer: new(bytes.Buffer),
		recvEnabled: true,
	}
}

func (me *netTransport) RemoteAddr() net.Addr {
	return me.addr
}

func (me *netTransport) Send(b []byte) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.closed.IsSet() {
		return net.ErrClosed
	}
	me.writeBuffer.Write(b)
	me.writeCond.Broadcast()
	return nil
}

func (me *netTransport) SetReceiveEnabled(on bool) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.recvEnabled = on
	me.recvCond.Broadcast()
}

func (me *netTransport) Close() error {
	me.closed.Set()
	me.mu.Lock()
	conn := me.conn
	me.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Attaches conn and starts the reader and writer. receive is called with each read, and failed once
// if the connection breaks before Close.
func (me *netTransport) start(conn net.Conn, receive func([]byte) error, failed func(error)) {
	me.mu.Lock()
	panicif.NotNil(me.conn)
	me.conn = conn
	me.mu.Unlock()
	if me.closed.IsSet() {
		conn.Close()
		return
	}
	go me.writer(failed)
	go me.reader(receive, failed)
}

// Routine that writes to the peer.
func (me *netTransport) writer(failed func(error)) {
	frontBuf := new(bytes.Buffer)
	for {
		if me.closed.IsSet() {
			return
		}
		me.mu.Lock()
		if me.writeBuffer.Len() == 0 {
			writeCond := me.writeCond.Signaled()
			me.mu.Unlock()
			select {
			case <-me.closed.Done():
			case <-writeCond:
			}
			continue
		}
		// Flip the buffers.
		frontBuf, me.writeBuffer = me.writeBuffer, frontBuf
		me.mu.Unlock()
		_, err := frontBuf.WriteTo(me.conn)
		if err != nil {
			if !me.closed.IsSet() {
				me.logger.WithDefaultLevel(log.Debug).Printf("error writing: %v", err)
				failed(err)
			}
			return
		}
		frontBuf.Reset()
	}
}

func (me *netTransport) reader(receive func([]byte) error, failed func(error)) {
	buf := make([]byte, 1<<15)
	for {
		me.mu.Lock()
		for !me.recvEnabled && !me.closed.IsSet() {
			cond := me.recvCond.Signaled()
			me.mu.Unlock()
			select {
			case <-cond:
			case <-me.closed.Done():
			}
			me.mu.Lock()
		}
		me.mu.Unlock()
		if me.closed.IsSet() {
			return
		}
		n, err := me.conn.Read(buf)
		if n != 0 {
			if receive(buf[:n]) != nil {
				return
			}
		}
		if err != nil {
			if !me.closed.IsSet() {
				failed(err)
			}
			return
		}
	}
}

package swarm

import (
	"context"
	"net"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	pp "github.com/anacrolix/swarm/peer_protocol"
	requestStrategy "github.com/anacrolix/swarm/request-strategy"
	"github.com/anacrolix/swarm/storage"
	"github.com/anacrolix/swarm/types"
)

// Routes accepted connections to transfers by the info hash in their handshake. Transfers share the
// Client's Config.
type Client struct {
	mu        sync.RWMutex
	config    *Config
	logger    log.Logger
	transfers map[types.InfoHash]*Transfer
	closed    bool
}

func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	return &Client{
		config:    cfg,
		logger:    cfg.Logger.WithNames("client"),
		transfers: make(map[types.InfoHash]*Transfer),
	}
}

func (cl *Client) PeerID() types.PeerID {
	return cl.config.PeerID
}

func (cl *Client) AddTransfer(
	infoHash types.InfoHash,
	layout requestStrategy.Layout,
	gateway storage.Gateway,
	opts TransferOpts,
) (*Transfer, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.closed {
		return nil, errors.New("client closed")
	}
	if _, ok := cl.transfers[infoHash]; ok {
		return nil, errors.Errorf("transfer %v already added", infoHash)
	}
	t, err := NewTransfer(infoHash, layout, gateway, cl.config, opts)
	if err != nil {
		return nil, err
	}
	cl.transfers[infoHash] = t
	return t, nil
}

func (cl *Client) Transfer(ih types.InfoHash) (*Transfer, bool) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	t, ok := cl.transfers[ih]
	return t, ok
}

func (cl *Client) DropTransfer(ih types.InfoHash) bool {
	cl.mu.Lock()
	t, ok := cl.transfers[ih]
	delete(cl.transfers, ih)
	cl.mu.Unlock()
	if ok {
		t.Close()
	}
	return ok
}

// Accepts connections until ctx is done or the listener fails.
func (cl *Client) Serve(ctx context.Context, l net.Listener) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		return l.Close()
	})
	eg.Go(func() error {
		for {
			conn, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "accepting")
			}
			eg.Go(func() error {
				err := cl.HandleConn(ctx, conn)
				if err != nil {
					cl.logger.Levelf(log.Debug, "handling %v: %v", conn.RemoteAddr(), err)
				}
				return nil
			})
		}
	})
	return eg.Wait()
}

// Reads the handshake from an accepted connection and hands it to the transfer it names. The
// connection is closed if no transfer matches.
func (cl *Client) HandleConn(ctx context.Context, conn net.Conn) error {
	deadline := time.Now().Add(cl.config.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	hs, err := pp.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return err
	}
	conn.SetReadDeadline(time.Time{})
	t, ok := cl.Transfer(hs.InfoHash)
	if !ok {
		conn.Close()
		return errors.Wrapf(ErrInfoHashMismatch, "no transfer for %v", hs.InfoHash)
	}
	_, err = t.AddConn(conn, AddPeerOpts{Handshake: g.Some(hs)})
	return err
}

func (cl *Client) Close() {
	cl.mu.Lock()
	cl.closed = true
	transfers := cl.transfers
	cl.transfers = nil
	cl.mu.Unlock()
	for _, t := range transfers {
		t.Close()
	}
}

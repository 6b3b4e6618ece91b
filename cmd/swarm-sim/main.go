// Runs a seeder and some leechers in one process, connected by pipes, until every leecher has the
// data.
//
// Example run:
// $ go run ./cmd/swarm-sim --leechers 4 --pieces 128 --upload-rate 2MB
// 1.000316s: 4 leechers: 1.2 MB/8.4 MB, 37/512 pieces verified, 6 peers: 1.2 MB/s
// 2.001203s: 4 leechers: 3.1 MB/8.4 MB, 95/512 pieces verified, 6 peers: 1.9 MB/s
package main

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/alexflint/go-arg"
	"github.com/anacrolix/log"
	"github.com/c2h5oh/datasize"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/anacrolix/swarm"
	requestStrategy "github.com/anacrolix/swarm/request-strategy"
	"github.com/anacrolix/swarm/storage"
	"github.com/anacrolix/swarm/types"
)

type args struct {
	Config       string            `arg:"-c" help:"YAML file with defaults for the other options"`
	Leechers     int               `help:"leechers joining the seeder"`
	Pieces       int               `help:"pieces in the shared data"`
	PieceLength  datasize.ByteSize `help:"bytes per piece"`
	UploadRate   string            `help:"per-node upload limit: low, medium, high, unlimited or a size"`
	DownloadRate string            `help:"per-node download limit"`
	NoMesh       bool              `help:"connect leechers only to the seeder"`
	Timeout      time.Duration     `help:"give up after this long"`
	Seed         uint64            `help:"seed for the generated data"`
	Debug        bool
}

func (args) Description() string {
	return "Simulates a swarm sharing generated data over in-process connections."
}

// Flags override the config file, which overrides these.
func loadSettings(a args) (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault("leechers", 3)
	v.SetDefault("pieces", 64)
	v.SetDefault("pieceLength", "256KB")
	v.SetDefault("uploadRate", "unlimited")
	v.SetDefault("downloadRate", "unlimited")
	v.SetDefault("mesh", true)
	v.SetDefault("timeout", "5m")
	v.SetDefault("seed", 1)
	if a.Config != "" {
		v.SetConfigFile(a.Config)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config %q", a.Config)
		}
	}
	if a.Leechers != 0 {
		v.Set("leechers", a.Leechers)
	}
	if a.Pieces != 0 {
		v.Set("pieces", a.Pieces)
	}
	if a.PieceLength != 0 {
		v.Set("pieceLength", a.PieceLength.String())
	}
	if a.UploadRate != "" {
		v.Set("uploadRate", a.UploadRate)
	}
	if a.DownloadRate != "" {
		v.Set("downloadRate", a.DownloadRate)
	}
	if a.NoMesh {
		v.Set("mesh", false)
	}
	if a.Timeout != 0 {
		v.Set("timeout", a.Timeout)
	}
	if a.Seed != 0 {
		v.Set("seed", a.Seed)
	}
	return v, nil
}

type node struct {
	name     string
	logger   log.Logger
	client   *swarm.Client
	transfer *swarm.Transfer
	fs       afero.Fs
	gateway  *storage.FileGateway
}

func allPieces(n int) *roaring.Bitmap {
	bm := roaring.New()
	bm.AddRange(0, uint64(n))
	return bm
}

type sim struct {
	logger   log.Logger
	infoHash types.InfoHash
	layout   requestStrategy.Layout
	hashes   [][sha1.Size]byte
	data     []byte
}

func (s *sim) newNode(name string, v *viper.Viper, seeding bool) (*node, error) {
	cfg := swarm.NewDefaultConfig()
	cfg.Logger = s.logger.WithNames(name)
	var err error
	cfg.UploadRateLimiter, err = swarm.ParseRateLimit(v.GetString("uploadRate"))
	if err != nil {
		return nil, err
	}
	cfg.DownloadRateLimiter, err = swarm.ParseRateLimit(v.GetString("downloadRate"))
	if err != nil {
		return nil, err
	}
	n := &node{
		name:   name,
		logger: cfg.Logger,
		client: swarm.NewClient(cfg),
		fs:     afero.NewMemMapFs(),
	}
	opts := swarm.TransferOpts{PieceHashes: s.hashes}
	if seeding {
		if err := afero.WriteFile(n.fs, "data", s.data, 0o644); err != nil {
			return nil, err
		}
		opts.Have = allPieces(s.layout.NumPieces)
	}
	n.gateway, err = storage.NewFileGateway(n.fs, "data", storage.FileGatewayOpts{
		PieceLength: s.layout.PieceLength,
		TotalLength: s.layout.TotalLength,
	})
	if err != nil {
		return nil, err
	}
	n.transfer, err = n.client.AddTransfer(s.infoHash, s.layout, n.gateway, opts)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Connects from to to over a pipe. The accepting side goes through its client's handshake routing.
func connect(ctx context.Context, from, to *node) error {
	c1, c2 := net.Pipe()
	go func() {
		if err := to.client.HandleConn(ctx, c2); err != nil {
			to.logger.Levelf(log.Warning, "accepting from %v: %v", from.name, err)
		}
	}()
	_, err := from.transfer.AddConn(c1, swarm.AddPeerOpts{Outgoing: true})
	return errors.Wrapf(err, "connecting %v to %v", from.name, to.name)
}

func main() {
	if err := mainErr(); err != nil {
		log.Levelf(log.Critical, "fatal error: %v", err)
		os.Exit(1)
	}
}

func mainErr() error {
	var a args
	arg.MustParse(&a)
	v, err := loadSettings(a)
	if err != nil {
		return err
	}
	logger := log.Default.WithNames("swarm-sim")
	if !a.Debug {
		logger = logger.FilterLevel(log.Info)
	}
	var pieceLength datasize.ByteSize
	if err := pieceLength.UnmarshalText([]byte(v.GetString("pieceLength"))); err != nil {
		return errors.Wrap(err, "parsing piece length")
	}
	numPieces := v.GetInt("pieces")
	if numPieces <= 0 || pieceLength == 0 {
		return errors.New("need at least one piece of nonzero length")
	}
	s := &sim{logger: logger}
	rng := rand.New(rand.NewPCG(v.GetUint64("seed"), 0))
	s.data = make([]byte, int(pieceLength)*numPieces)
	for i := range s.data {
		s.data[i] = byte(rng.Uint32())
	}
	s.hashes = storage.PieceHashes(s.data, int(pieceLength))
	s.infoHash = types.InfoHash(s.hashes[0])
	s.layout = requestStrategy.NewLayout(int64(len(s.data)), int64(pieceLength), int(16*datasize.KB))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, cancel = context.WithTimeout(ctx, v.GetDuration("timeout"))
	defer cancel()

	seeder, err := s.newNode("seeder", v, true)
	if err != nil {
		return err
	}
	nodes := []*node{seeder}
	var leechers []*node
	for i := range v.GetInt("leechers") {
		n, err := s.newNode(fmt.Sprintf("leecher%d", i), v, false)
		if err != nil {
			return err
		}
		leechers = append(leechers, n)
		nodes = append(nodes, n)
	}
	defer func() {
		for _, n := range nodes {
			n.client.Close()
			n.transfer.WaitDiskIdle()
			n.gateway.Close()
		}
	}()
	for i, l := range leechers {
		if err := connect(ctx, l, seeder); err != nil {
			return err
		}
		if !v.GetBool("mesh") {
			continue
		}
		for _, other := range leechers[:i] {
			if err := connect(ctx, l, other); err != nil {
				return err
			}
		}
	}

	started := time.Now()
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	eg, runCtx := errgroup.WithContext(runCtx)
	for _, n := range nodes {
		eg.Go(func() error {
			err := n.transfer.Run(runCtx)
			if runCtx.Err() != nil {
				// The reporter says why.
				return nil
			}
			return err
		})
	}
	eg.Go(func() error {
		defer stop()
		return reportUntilComplete(runCtx, logger, started, s.layout, leechers)
	})
	if err := eg.Wait(); err != nil {
		return err
	}
	for _, l := range leechers {
		l.transfer.WaitDiskIdle()
		got, err := afero.ReadFile(l.fs, "data")
		if err != nil {
			return errors.Wrapf(err, "reading %v data", l.name)
		}
		if !bytes.Equal(got, s.data) {
			return errors.Errorf("%v data differs from seeder", l.name)
		}
	}
	logger.Levelf(log.Info, "%d leechers got %s in %v",
		len(leechers), humanize.Bytes(uint64(len(s.data))), time.Since(started).Round(time.Millisecond))
	return nil
}

func reportUntilComplete(
	ctx context.Context,
	logger log.Logger,
	started time.Time,
	layout requestStrategy.Layout,
	leechers []*node,
) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var lastUseful int64
	for {
		var (
			useful   int64
			verified int
			peers    int
			complete = true
		)
		for _, l := range leechers {
			stats := l.transfer.Stats()
			useful += stats.BytesReadUsefulData.Int64()
			verified += stats.PiecesVerified
			peers += stats.EstablishedPeers
			complete = complete && stats.Seeding
		}
		if complete {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "%d/%d pieces verified", verified, layout.NumPieces*len(leechers))
		case <-ticker.C:
		}
		logger.Levelf(log.Info, "%v: %d leechers: %s/%s, %d/%d pieces verified, %d peers: %s/s",
			time.Since(started).Round(time.Microsecond),
			len(leechers),
			humanize.Bytes(uint64(useful)),
			humanize.Bytes(uint64(layout.TotalLength)*uint64(len(leechers))),
			verified,
			layout.NumPieces*len(leechers),
			peers,
			humanize.Bytes(uint64(useful-lastUseful)),
		)
		lastUseful = useful
	}
}

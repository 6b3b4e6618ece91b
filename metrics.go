package swarm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarm",
		Name:      "messages_received_total",
		Help:      "Peer protocol messages received, by type.",
	}, []string{"type"})
	messagesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarm",
		Name:      "messages_written_total",
		Help:      "Peer protocol messages written, by type.",
	}, []string{"type"})
	chunksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarm",
		Name:      "chunks_received_total",
		Help:      "Piece messages received, by what became of them.",
	}, []string{"outcome"})
	requestsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "swarm",
		Name:      "requests_timed_out_total",
	})
	endgameCancels = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "swarm",
		Name:      "endgame_cancels_total",
		Help:      "Cancels sent to peers that lost the race for a duplicated block.",
	})
	disconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarm",
		Name:      "disconnects_total",
	}, []string{"reason"})
	piecesVerified = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarm",
		Name:      "pieces_verified_total",
	}, []string{"ok"})
)

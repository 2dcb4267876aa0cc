package relay

import (
	"context"
	"fmt"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/orderflow/pkg/events"
)

const topicStatus = "orderflow-status"

// Sink receives events published by other nodes.
type Sink interface {
	DeliverRemote(e events.StatusEvent) error
}

type Config struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

// Relay gossips status events between nodes so a stream attached to any node
// sees transitions produced by workers on every node.
type Relay struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	sink  Sink
	log   *zap.SugaredLogger

	cancel context.CancelFunc
	done   chan struct{}
}

func New(ctx context.Context, cfg Config, sink Sink) (*Relay, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("relay listen addr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	topic, err := ps.Join(topicStatus)
	if err != nil {
		h.Close()
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		h.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		h: h, ps: ps, topic: topic, sub: sub, sink: sink, log: log,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.handleStatus(runCtx)

	log.Infow("relay_ready", "peer", h.ID().String(), "addrs", r.Addrs())
	return r, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

// Connect dials another relay by its full /p2p multiaddr.
func (r *Relay) Connect(ctx context.Context, addr string) error {
	return connectMultiaddr(ctx, r.h, addr)
}

// Addrs lists dialable multiaddrs including the /p2p peer component.
func (r *Relay) Addrs() []string {
	out := make([]string, 0, len(r.h.Addrs()))
	for _, a := range r.h.Addrs() {
		out = append(out, a.String()+"/p2p/"+r.h.ID().String())
	}
	return out
}

// Forward publishes a locally produced event to every peer.
func (r *Relay) Forward(ctx context.Context, e events.StatusEvent) error {
	e.Origin = r.h.ID().String()
	data, err := encodeStatus(e)
	if err != nil {
		return err
	}
	return r.topic.Publish(ctx, data)
}

func (r *Relay) Peers() int { return len(r.topic.ListPeers()) }

func (r *Relay) handleStatus(ctx context.Context) {
	defer close(r.done)
	self := r.h.ID()
	for {
		msg, err := r.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == self {
			continue
		}
		e, err := decodeStatus(msg.Data)
		if err != nil {
			r.log.Warnw("relay_decode_failed", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		if err := r.sink.DeliverRemote(e); err != nil {
			r.log.Warnw("relay_deliver_failed", "order_id", e.OrderID, "status", e.Status, "err", err)
		}
	}
}

func (r *Relay) Close() error {
	r.cancel()
	r.sub.Cancel()
	<-r.done
	if err := r.topic.Close(); err != nil {
		r.log.Warnw("relay_topic_close_failed", "err", err)
	}
	return r.h.Close()
}

// Package gossip — client.go
//
// Outbound side of the policy-sync layer: dials every configured peer over
// TLS 1.3 mTLS, signs a PolicySyncEnvelope with this node's Ed25519 private
// key, and calls ShareEnvelope. Failures against one peer never block the
// others — each dial runs independently and reports into a PeerTracker so
// partition status reflects real reachability.
package gossip

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// EnvelopeSource supplies the data a Broadcaster signs and sends on each
// sync tick. Its method names match ReloadTrigger's local-state accessors
// deliberately — the same Controller implements both interfaces, since the
// state it advertises to peers and the state it compares an incoming
// envelope against are the same thing.
type EnvelopeSource interface {
	// LocalRuleHashes returns this node's current per-domain rule-set hashes.
	LocalRuleHashes() map[string]string
	// LocalCgroupSetDigest returns a digest of this node's monitored cgroup set.
	LocalCgroupSetDigest() string
}

// Broadcaster periodically sends a signed PolicySyncEnvelope to every
// configured peer.
type Broadcaster struct {
	nodeID     string
	privateKey ed25519.PrivateKey
	peers      []string // host:port
	source     EnvelopeSource
	tracker    *PeerTracker
	dialOpts   []grpc.DialOption
	log        *zap.Logger
}

// NewBroadcaster constructs a Broadcaster. certFile/keyFile/caFile configure
// the client-side mTLS identity (the same Ed25519 certificate used by the
// server) used to dial peers; outgoing envelopes are signed with privateKey.
func NewBroadcaster(
	nodeID string,
	privateKey ed25519.PrivateKey,
	peers []string,
	source EnvelopeSource,
	tracker *PeerTracker,
	certFile, keyFile, caFile string,
	log *zap.Logger,
) (*Broadcaster, error) {
	tlsCfg, err := buildClientTLS(certFile, keyFile, caFile)
	if err != nil {
		return nil, fmt.Errorf("gossip client TLS config: %w", err)
	}
	return &Broadcaster{
		nodeID:     nodeID,
		privateKey: privateKey,
		peers:      peers,
		source:     source,
		tracker:    tracker,
		dialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)),
			grpc.WithDefaultCallOptions(grpc.ForceCodec(gobCodec{})),
		},
		log: log,
	}, nil
}

// Run broadcasts an envelope to every peer every interval, until ctx is
// cancelled.
func (b *Broadcaster) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.broadcastOnce(ctx)
		}
	}
}

func (b *Broadcaster) broadcastOnce(ctx context.Context) {
	env := b.buildEnvelope()

	var wg sync.WaitGroup
	for _, addr := range b.peers {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			b.sendTo(ctx, addr, env)
		}(addr)
	}
	wg.Wait()
}

func (b *Broadcaster) buildEnvelope() *PolicySyncEnvelope {
	env := &PolicySyncEnvelope{
		NodeID:          b.nodeID,
		TimestampUnixNs: time.Now().UnixNano(),
		RuleHashes:      b.source.LocalRuleHashes(),
		CgroupSetDigest: b.source.LocalCgroupSetDigest(),
	}
	env.Signature = ed25519.Sign(b.privateKey, envelopeSignatureMessage(env))
	return env
}

func (b *Broadcaster) sendTo(ctx context.Context, addr string, env *PolicySyncEnvelope) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cc, err := grpc.DialContext(dialCtx, addr, append(b.dialOpts, grpc.WithBlock())...)
	if err != nil {
		b.log.Warn("gossip: dial failed", zap.String("addr", addr), zap.Error(err))
		b.tracker.RecordFailure(addr, 2*time.Minute)
		return
	}
	defer cc.Close()

	client := NewPolicySyncClient(cc)
	callCtx, cancelCall := context.WithTimeout(ctx, 5*time.Second)
	defer cancelCall()

	ack, err := client.ShareEnvelope(callCtx, env)
	if err != nil {
		b.log.Warn("gossip: ShareEnvelope failed", zap.String("addr", addr), zap.Error(err))
		b.tracker.RecordFailure(addr, 2*time.Minute)
		return
	}
	if !ack.Accepted {
		b.log.Warn("gossip: envelope rejected", zap.String("addr", addr), zap.String("reason", ack.RejectionReason))
		return
	}
	b.tracker.RecordSuccess(addr)
}

// buildClientTLS constructs a TLS 1.3-only mTLS config for the gossip client.
func buildClientTLS(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key: %w", err)
	}

	caData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file %q: %w", caFile, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("failed to parse CA certificate from %q", caFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Package gossip — server.go
//
// gRPC mTLS server for the syscage fleet policy-sync layer.
//
// Transport security:
//   - TLS 1.3 only (tls.VersionTLS13).
//   - Mutual TLS: client must present a certificate signed by the configured CA.
//   - Certificate type: Ed25519.
//
// Envelope verification:
//   1. Reject if timestamp older than EnvelopeTTL (default 30s).
//   2. Reject if peer node_id not in trusted peer list.
//   3. Reject if Ed25519 signature invalid.
//
// Reconciliation:
//   - Accepted envelopes are compared against local rule-set hashes and
//     the local cgroup-set digest. A rule-hash mismatch on any domain
//     triggers a reload of that domain from its configured rule file; a
//     cgroup-set digest mismatch is logged only.
package gossip

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

// ReloadTrigger is the interface the server uses to reconcile an accepted
// envelope against local policy state. Implemented by
// internal/policyctl.Controller.
type ReloadTrigger interface {
	// LocalRuleHashes returns this node's own per-domain rule-set hashes.
	LocalRuleHashes() map[string]string

	// LocalCgroupSetDigest returns a digest of this node's own monitored
	// cgroup set.
	LocalCgroupSetDigest() string

	// ReloadDomain re-reads and recompiles domain's rule file and replaces
	// the live BPF rule set, in response to a peer advertising a different
	// hash for that domain.
	ReloadDomain(domain string) error
}

// Server implements PolicySyncServer.
type Server struct {
	nodeID       string
	trustedPeers map[string]ed25519.PublicKey // node_id → public key
	envelopeTTL  time.Duration
	trigger      ReloadTrigger
	log          *zap.Logger
	startTime    time.Time
}

// NewServer creates a gossip server.
// trustedPeers maps node_id to Ed25519 public key for envelope verification.
func NewServer(
	nodeID string,
	trustedPeers map[string]ed25519.PublicKey,
	envelopeTTL time.Duration,
	trigger ReloadTrigger,
	log *zap.Logger,
) *Server {
	return &Server{
		nodeID:       nodeID,
		trustedPeers: trustedPeers,
		envelopeTTL:  envelopeTTL,
		trigger:      trigger,
		log:          log,
		startTime:    time.Now(),
	}
}

// ShareEnvelope implements PolicySyncServer.ShareEnvelope.
// Verifies the envelope and, on a rule-hash mismatch against local state,
// triggers a reload of the affected domain(s); a cgroup-set digest
// mismatch is only logged.
func (s *Server) ShareEnvelope(ctx context.Context, env *PolicySyncEnvelope) (*AckResponse, error) {
	// Step 1: Timestamp freshness check.
	envTime := time.Unix(0, env.TimestampUnixNs)
	age := time.Since(envTime)
	if age > s.envelopeTTL || age < -5*time.Second {
		s.log.Warn("gossip envelope rejected: stale timestamp",
			zap.String("node_id", env.NodeID),
			zap.String("peer_addr", peerFromContext(ctx)),
			zap.Duration("age", age))
		return &AckResponse{Accepted: false, RejectionReason: "timestamp_stale"}, nil
	}

	// Step 2: Peer trust check.
	pubKey, trusted := s.trustedPeers[env.NodeID]
	if !trusted {
		s.log.Warn("gossip envelope rejected: unknown peer",
			zap.String("node_id", env.NodeID),
			zap.String("peer_addr", peerFromContext(ctx)))
		return &AckResponse{Accepted: false, RejectionReason: "peer_unknown"}, nil
	}

	// Step 3: Ed25519 signature verification.
	msg := envelopeSignatureMessage(env)
	if !ed25519.Verify(pubKey, msg, env.Signature) {
		s.log.Warn("gossip envelope rejected: invalid signature",
			zap.String("node_id", env.NodeID))
		return &AckResponse{Accepted: false, RejectionReason: "signature_invalid"}, nil
	}

	// Step 4: Reconcile against local state.
	s.reconcile(env)

	s.log.Debug("gossip envelope accepted",
		zap.String("node_id", env.NodeID),
		zap.Any("rule_hashes", env.RuleHashes),
		zap.String("cgroup_digest", env.CgroupSetDigest))

	return &AckResponse{Accepted: true}, nil
}

// reconcile compares env's advertised state against local state and
// triggers a domain reload on every rule-hash mismatch; a cgroup-set
// digest mismatch is logged without further action. Reload failures are logged
// and do not cause the envelope to be rejected — the peer that sent a
// newer hash is not at fault for our own reload error.
func (s *Server) reconcile(env *PolicySyncEnvelope) {
	local := s.trigger.LocalRuleHashes()
	for domain, peerHash := range env.RuleHashes {
		localHash, ok := local[domain]
		if ok && localHash == peerHash {
			continue
		}
		s.log.Warn("gossip detected rule-set hash mismatch, reloading",
			zap.String("domain", domain),
			zap.String("peer_node_id", env.NodeID),
			zap.String("local_hash", localHash),
			zap.String("peer_hash", peerHash))
		if err := s.trigger.ReloadDomain(domain); err != nil {
			s.log.Error("gossip-triggered reload failed",
				zap.String("domain", domain), zap.Error(err))
		}
	}

	if localDigest := s.trigger.LocalCgroupSetDigest(); localDigest != env.CgroupSetDigest {
		s.log.Warn("gossip detected cgroup-set digest mismatch",
			zap.String("peer_node_id", env.NodeID),
			zap.String("local_digest", localDigest),
			zap.String("peer_digest", env.CgroupSetDigest))
	}
}

// HealthCheck implements PolicySyncServer.HealthCheck.
func (s *Server) HealthCheck(ctx context.Context, req *HealthRequest) (*HealthResponse, error) {
	return &HealthResponse{
		NodeID:        s.nodeID,
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}, nil
}

// envelopeSignatureMessage constructs the canonical byte sequence that is
// signed by the sender and verified by the receiver.
//
// Message = node_id_bytes || timestamp_bytes (8 LE) ||
//           sorted "domain=hash\n" pairs || cgroup_digest_bytes
//
// Domains are sorted so the signature is deterministic regardless of Go's
// randomized map iteration order.
func envelopeSignatureMessage(env *PolicySyncEnvelope) []byte {
	var buf []byte
	buf = append(buf, []byte(env.NodeID)...)
	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, uint64(env.TimestampUnixNs))
	buf = append(buf, ts...)

	domains := make([]string, 0, len(env.RuleHashes))
	for d := range env.RuleHashes {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		buf = append(buf, []byte(d)...)
		buf = append(buf, '=')
		buf = append(buf, []byte(env.RuleHashes[d])...)
		buf = append(buf, '\n')
	}
	buf = append(buf, []byte(env.CgroupSetDigest)...)
	return buf
}

// ListenAndServe starts the gRPC mTLS server on the given address.
// Blocks until ctx is cancelled.
func ListenAndServe(
	ctx context.Context,
	addr string,
	certFile, keyFile, caFile string,
	srv *Server,
	log *zap.Logger,
) error {
	tlsCfg, err := buildServerTLS(certFile, keyFile, caFile)
	if err != nil {
		return fmt.Errorf("gossip TLS config: %w", err)
	}

	creds := credentials.NewTLS(tlsCfg)
	grpcSrv := grpc.NewServer(
		grpc.Creds(creds),
		grpc.ForceServerCodec(gobCodec{}),
		grpc.MaxRecvMsgSize(64*1024), // 64 KiB max envelope size.
		grpc.MaxSendMsgSize(64*1024),
	)
	RegisterPolicySyncServer(grpcSrv, srv)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gossip listen %s: %w", addr, err)
	}

	log.Info("gossip server listening", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		grpcSrv.GracefulStop()
	}()

	if err := grpcSrv.Serve(lis); err != nil {
		return fmt.Errorf("gossip grpc serve: %w", err)
	}
	return nil
}

// buildServerTLS constructs a TLS 1.3-only mTLS config for the gRPC server.
// Requires Ed25519 certificate and key, and a CA certificate for client
// verification.
func buildServerTLS(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key: %w", err)
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
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// peerFromContext extracts the peer address from a gRPC context.
// Used for logging. Returns "unknown" if not available.
func peerFromContext(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return "unknown"
	}
	return p.Addr.String()
}

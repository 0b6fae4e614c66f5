// Package operator — server.go
//
// Unix domain socket server for syscage operator commands.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/syscage/operator.sock (configurable).
// Permissions: 0600, owned by root. Only root can connect.
//
// Commands (JSON request → JSON response):
//
//   {"cmd":"reload","domain":"open"}
//     → Re-reads and recompiles the domain's rule file and writes it into
//       the live BPF maps. A validation failure leaves the previous rule
//       set active.
//     → Response: {"ok":true,"domain":"open","rule_count":12}
//
//   {"cmd":"set-default","domain":"exec","action":"deny"}
//     → Changes the domain's default (no-rule-matched) verdict by
//       re-reading and recompiling the domain's rule file and pushing it
//       with the new default.
//     → Response: {"ok":true,"domain":"exec","action":"deny"}
//
//   {"cmd":"add-cgroup","cgroup_id":4026531840}
//     → Adds a cgroup ID to the monitored set immediately (ahead of the
//       next periodic reconcile).
//     → Response: {"ok":true,"cgroup_id":4026531840}
//
//   {"cmd":"remove-cgroup","cgroup_id":4026531840}
//     → Removes a cgroup ID from the monitored set.
//     → Response: {"ok":true,"cgroup_id":4026531840}
//
//   {"cmd":"status"}
//     → Returns per-domain rule counts, default actions, and cgroup set size.
//     → Response: {"ok":true,"domains":[{"domain":"open","rule_count":12,"default_action":"allow"}, ...],"cgroup_members":4}
//
//   {"cmd":"list-rules","domain":"connect"}
//     → Returns a human-readable summary of the domain's compiled rule set.
//     → Response: {"ok":true,"domain":"connect","rules":["0: 10.0.0.1:443 () -> allow", ...]}
//
// Security:
//   - Socket is created with 0600 permissions; only root can connect.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
//   - State-changing commands are logged when they succeed (reload also
//     when it fails); status and list-rules are not logged.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// DomainStatus summarizes one domain's current policy state.
type DomainStatus struct {
	Domain        string `json:"domain"`
	RuleCount     int    `json:"rule_count"`
	DefaultAction string `json:"default_action"`
}

// Controller is the interface the operator server uses to inspect and
// mutate live policy state. Implemented by internal/policyctl.Controller.
type Controller interface {
	// ReloadRules recompiles domain's rule file and replaces the live BPF
	// rule set. Returns the new rule count, or an error if the file failed
	// to parse or validate (in which case the old rule set remains active).
	ReloadRules(domain string) (int, error)

	// SetDefaultAction changes domain's fallback verdict. action must be
	// "allow" or "deny".
	SetDefaultAction(domain, action string) error

	// AddCgroup adds a cgroup ID to the monitored set immediately.
	AddCgroup(id uint64) error

	// RemoveCgroup removes a cgroup ID from the monitored set.
	RemoveCgroup(id uint64) error

	// Status returns the current per-domain rule counts/default actions
	// and the monitored cgroup set size.
	Status() ([]DomainStatus, int, error)

	// ListRules returns a human-readable line per compiled rule in domain.
	ListRules(domain string) ([]string, error)
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd      string `json:"cmd"`                 // reload | set-default | add-cgroup | remove-cgroup | status | list-rules
	Domain   string `json:"domain,omitempty"`     // open | exec | connect
	Action   string `json:"action,omitempty"`     // allow | deny (set-default only)
	CgroupID uint64 `json:"cgroup_id,omitempty"`  // add-cgroup / remove-cgroup only
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK            bool           `json:"ok"`
	Error         string         `json:"error,omitempty"`
	Domain        string         `json:"domain,omitempty"`
	Action        string         `json:"action,omitempty"`
	RuleCount     int            `json:"rule_count,omitempty"`
	CgroupID      uint64         `json:"cgroup_id,omitempty"`
	CgroupMembers int            `json:"cgroup_members,omitempty"`
	Domains       []DomainStatus `json:"domains,omitempty"`
	Rules         []string       `json:"rules,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	ctrl       Controller
	log        *zap.Logger
	sem        chan struct{} // Semaphore: max concurrent connections.
}

// NewServer creates an operator Server.
func NewServer(socketPath string, ctrl Controller, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		ctrl:       ctrl,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server.
// Removes any stale socket file before binding.
// Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// Remove stale socket.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	// Ensure parent directory exists.
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	// Set socket permissions to 0600 (root only).
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	// Close listener on context cancellation.
	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // Clean shutdown.
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		// Acquire semaphore (non-blocking; reject if at capacity).
		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn handles a single operator connection.
// Reads one JSON request, executes the command, writes one JSON response.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	// Read request (max maxRequestBytes).
	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "reload":
		return s.cmdReload(req)
	case "set-default":
		return s.cmdSetDefault(req)
	case "add-cgroup":
		return s.cmdAddCgroup(req)
	case "remove-cgroup":
		return s.cmdRemoveCgroup(req)
	case "status":
		return s.cmdStatus()
	case "list-rules":
		return s.cmdListRules(req)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func validDomain(d string) bool {
	return d == "open" || d == "exec" || d == "connect"
}

func (s *Server) cmdReload(req Request) Response {
	if !validDomain(req.Domain) {
		return Response{OK: false, Error: fmt.Sprintf("domain must be open, exec, or connect, got %q", req.Domain)}
	}
	count, err := s.ctrl.ReloadRules(req.Domain)
	if err != nil {
		s.log.Warn("operator: reload failed", zap.String("domain", req.Domain), zap.Error(err))
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: rules reloaded", zap.String("domain", req.Domain), zap.Int("rule_count", count))
	return Response{OK: true, Domain: req.Domain, RuleCount: count}
}

func (s *Server) cmdSetDefault(req Request) Response {
	if !validDomain(req.Domain) {
		return Response{OK: false, Error: fmt.Sprintf("domain must be open, exec, or connect, got %q", req.Domain)}
	}
	if req.Action != "allow" && req.Action != "deny" {
		return Response{OK: false, Error: fmt.Sprintf("action must be allow or deny, got %q", req.Action)}
	}
	if err := s.ctrl.SetDefaultAction(req.Domain, req.Action); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: default action changed", zap.String("domain", req.Domain), zap.String("action", req.Action))
	return Response{OK: true, Domain: req.Domain, Action: req.Action}
}

func (s *Server) cmdAddCgroup(req Request) Response {
	if req.CgroupID == 0 {
		return Response{OK: false, Error: "cgroup_id required for add-cgroup"}
	}
	if err := s.ctrl.AddCgroup(req.CgroupID); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: cgroup added", zap.Uint64("cgroup_id", req.CgroupID))
	return Response{OK: true, CgroupID: req.CgroupID}
}

func (s *Server) cmdRemoveCgroup(req Request) Response {
	if req.CgroupID == 0 {
		return Response{OK: false, Error: "cgroup_id required for remove-cgroup"}
	}
	if err := s.ctrl.RemoveCgroup(req.CgroupID); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: cgroup removed", zap.Uint64("cgroup_id", req.CgroupID))
	return Response{OK: true, CgroupID: req.CgroupID}
}

func (s *Server) cmdStatus() Response {
	domains, members, err := s.ctrl.Status()
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Domains: domains, CgroupMembers: members}
}

func (s *Server) cmdListRules(req Request) Response {
	if !validDomain(req.Domain) {
		return Response{OK: false, Error: fmt.Sprintf("domain must be open, exec, or connect, got %q", req.Domain)}
	}
	rules, err := s.ctrl.ListRules(req.Domain)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Domain: req.Domain, Rules: rules}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

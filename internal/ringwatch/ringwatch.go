// Package ringwatch — the ring buffer event processor for syscage.
//
// This package consumes decoded events from the three BPF ring buffers
// (open, exec, connect) and feeds them into the audit trail and metrics.
//
// Architecture:
//
//	[open_events]    [exec_events]    [connect_events]   (cilium/ebpf ringbuf.Reader, one per domain)
//	      \                |                 /
//	       \               |                /
//	        ------  decode via internal/abi  ------
//	                       ↓  (buffered channel, cap=EventQueueSize)
//	              [drain goroutine → internal/storage + metrics]
//
// Backpressure:
//   - If the in-memory channel is full, new events are dropped and
//     metrics.EventsDroppedTotal{domain=...,reason="queue_full"} is incremented.
//   - Samples the kernel side fails to reserve (ring buffer full) never
//     reach the reader and are not counted here; this package does not
//     update metrics.RingBufferLostSamplesTotal. Read timeouts and other
//     recoverable read errors are retried silently.
//
// Shutdown:
//   - ctx cancellation stops all three reader goroutines cleanly.
//   - The event channel is closed once every reader goroutine has exited.
package ringwatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/syscage/syscage/internal/abi"
	"github.com/syscage/syscage/internal/lsm"
	"github.com/syscage/syscage/internal/observability"
	"github.com/syscage/syscage/internal/storage"
)

// Processor reads decoded events from all three BPF ring buffers and
// dispatches them to a single drain channel.
type Processor struct {
	objs    *lsm.Objects
	metrics *observability.Metrics
	log     *zap.Logger
	nodeID  string
	queue   chan storage.AuditEvent
}

// NewProcessor creates a Processor with the given queue capacity.
// queueCap must be > 0 (typically config.Agent.EventQueueSize = 10000).
func NewProcessor(objs *lsm.Objects, metrics *observability.Metrics, log *zap.Logger, nodeID string, queueCap int) *Processor {
	return &Processor{
		objs:    objs,
		metrics: metrics,
		log:     log,
		nodeID:  nodeID,
		queue:   make(chan storage.AuditEvent, queueCap),
	}
}

// Run starts the three ring buffer readers and returns the shared decoded
// event channel. The caller should spawn a drain loop reading from the
// returned channel (see Drain). Run returns as soon as the readers are
// started; after ctx is cancelled the channel is closed once all reader
// goroutines have exited.
func (p *Processor) Run(ctx context.Context) (<-chan storage.AuditEvent, error) {
	type domainReader struct {
		domain string
		rd     *ringbuf.Reader
	}

	readers := make([]domainReader, 0, 3)
	open := func(domain string, rd *ringbuf.Reader, err error) error {
		if err != nil {
			return fmt.Errorf("ringbuf.NewReader(%s): %w", domain, err)
		}
		readers = append(readers, domainReader{domain: domain, rd: rd})
		return nil
	}

	openRd, openErr := ringbuf.NewReader(p.objs.OpenEvents)
	if err := open("open", openRd, openErr); err != nil {
		return nil, err
	}
	execRd, execErr := ringbuf.NewReader(p.objs.ExecEvents)
	if err := open("exec", execRd, execErr); err != nil {
		for _, r := range readers {
			_ = r.rd.Close()
		}
		return nil, err
	}
	connectRd, connectErr := ringbuf.NewReader(p.objs.ConnectEvents)
	if err := open("connect", connectRd, connectErr); err != nil {
		for _, r := range readers {
			_ = r.rd.Close()
		}
		return nil, err
	}

	var wg sync.WaitGroup
	for _, r := range readers {
		wg.Add(1)
		go p.readLoop(ctx, &wg, r.domain, r.rd)
	}

	go func() {
		wg.Wait()
		close(p.queue)
	}()

	return p.queue, nil
}

func (p *Processor) readLoop(ctx context.Context, wg *sync.WaitGroup, domain string, rd *ringbuf.Reader) {
	defer wg.Done()
	defer rd.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = rd.SetDeadline(time.Now().Add(100 * time.Millisecond))
		record, err := rd.Read()
		if err != nil {
			if ringbuf.IsUnrecoverableError(err) {
				p.log.Error("unrecoverable ring buffer error", zap.String("domain", domain), zap.Error(err))
				return
			}
			// Timeout or temporary error — loop and re-check ctx.
			continue
		}

		ev, err := p.decode(domain, record.RawSample)
		if err != nil {
			p.log.Warn("malformed kernel event", zap.String("domain", domain), zap.Error(err),
				zap.Int("raw_len", len(record.RawSample)))
			continue
		}

		p.metrics.EventsProcessedTotal.WithLabelValues(domain).Inc()
		p.metrics.PolicyVerdictsTotal.WithLabelValues(domain, ev.Action).Inc()
		p.metrics.EventQueueDepth.Set(float64(len(p.queue)))

		select {
		case p.queue <- ev:
		default:
			p.metrics.EventsDroppedTotal.WithLabelValues(domain, "queue_full").Inc()
			p.log.Debug("event queue full, dropping event", zap.String("domain", domain), zap.Uint32("pid", ev.PID))
		}
	}
}

func actionString(result int32) string {
	if result == 0 {
		return "allow"
	}
	return "deny"
}

func (p *Processor) decode(domain string, raw []byte) (storage.AuditEvent, error) {
	// Event timestamps are bpf_ktime_get_ns (CLOCK_MONOTONIC); shift them by
	// the current wall-clock/monotonic offset to get a wall-clock time.
	var mono unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &mono)
	boot := time.Now().Add(-time.Duration(mono.Nano()))
	switch domain {
	case "open":
		oe, err := abi.ParseOpenEvent(raw)
		if err != nil {
			return storage.AuditEvent{}, err
		}
		return storage.AuditEvent{
			Timestamp: boot.Add(time.Duration(oe.Timestamp)),
			Domain:    "open",
			PID:       oe.PID,
			TGID:      oe.TGID,
			CgroupID:  oe.CgroupID,
			Comm:      abi.CommString(oe.Comm),
			Path:      abi.PathString(oe.Path),
			Operation: abi.Operation(oe.Operation).String(),
			Action:    actionString(oe.Result),
			NodeID:    p.nodeID,
		}, nil
	case "exec":
		ee, err := abi.ParseExecEvent(raw)
		if err != nil {
			return storage.AuditEvent{}, err
		}
		argv := make([]string, 0, ee.Argc)
		for i := 0; i < int(ee.Argc) && i < abi.MaxExecArgs; i++ {
			argv = append(argv, abi.ArgString(ee.DetailedArgs[i]))
		}
		return storage.AuditEvent{
			Timestamp: boot.Add(time.Duration(ee.Timestamp)),
			Domain:    "exec",
			PID:       ee.PID,
			TGID:      ee.PID,
			CgroupID:  ee.CgroupID,
			Comm:      abi.CommString(ee.Comm),
			Path:      abi.PathString(ee.Path),
			Argv:      argv,
			Action:    actionString(ee.Result),
			NodeID:    p.nodeID,
		}, nil
	case "connect":
		ce, err := abi.ParseConnectEvent(raw)
		if err != nil {
			return storage.AuditEvent{}, err
		}
		return storage.AuditEvent{
			Timestamp:    boot.Add(time.Duration(ce.Timestamp)),
			Domain:       "connect",
			PID:          ce.PID,
			TGID:         ce.TGID,
			CgroupID:     ce.CgroupID,
			Comm:         abi.CommString(ce.Comm),
			DestIP:       fmt.Sprintf("%d.%d.%d.%d", (ce.DestIP>>24)&0xFF, (ce.DestIP>>16)&0xFF, (ce.DestIP>>8)&0xFF, ce.DestIP&0xFF),
			DestPort:     ce.DestPort,
			DestHostname: abi.HostnameString(ce.DestHostname),
			Action:       actionString(ce.Result),
			NodeID:       p.nodeID,
		}, nil
	default:
		return storage.AuditEvent{}, fmt.Errorf("ringwatch: unknown domain %q", domain)
	}
}

// Drain reads from ch until it closes, persisting every event to db and
// updating the storage size gauge. Intended to run in its own goroutine
// alongside Run's reader goroutines; returns when ch closes or ctx is done.
func Drain(ctx context.Context, ch <-chan storage.AuditEvent, db *storage.DB, metrics *observability.Metrics, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			start := time.Now()
			if err := db.AppendEvent(ev); err != nil {
				log.Warn("failed to persist audit event", zap.Error(err))
				continue
			}
			metrics.StorageWriteLatency.Observe(time.Since(start).Seconds())
			if n, err := db.Count(); err == nil {
				metrics.StorageAuditEntries.Set(float64(n))
			}
		}
	}
}

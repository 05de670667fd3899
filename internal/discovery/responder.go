// Package discovery answers UDP probes from clients looking for the hub
// on the local network. The exchange is a single datagram each way: a
// magic token in, a JSON descriptor out.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"conductor/internal/logging"
	"conductor/internal/observability"
	"conductor/internal/ports"
)

const (
	// ProbeToken is the exact payload a client must send. Anything else
	// is silently ignored so the responder cannot be used as a reflector
	// for arbitrary traffic.
	ProbeToken = "conductor.discover"

	maxDatagram = 512

	// Per-source probe budget. Discovery is a once-per-launch operation;
	// anything chattier is misbehaving or hostile.
	probesPerSecond = 2
	probeBurst      = 5

	maxTrackedSources = 1024
)

// Announcement is the reply datagram describing where to connect.
type Announcement struct {
	HubAddress string   `json:"hubAddress"`
	HubPort    int      `json:"hubPort"`
	Services   []string `json:"services"`
}

// Responder listens for discovery probes and answers them with the hub's
// coordinates and the currently registered service names.
type Responder struct {
	hubPort  int
	registry ports.ServiceRegistry
	logger   logging.Logger
	metrics  *observability.Metrics

	conn *net.UDPConn

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	wg sync.WaitGroup
}

// Option configures a Responder.
type Option func(*Responder)

// WithMetrics attaches discovery metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Responder) { r.metrics = m }
}

// New creates a responder announcing hubPort. The registry may be nil;
// the announcement then carries no service names.
func New(hubPort int, registry ports.ServiceRegistry, logger logging.Logger, opts ...Option) *Responder {
	r := &Responder{
		hubPort:  hubPort,
		registry: registry,
		logger:   logging.OrNop(logger),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start binds the UDP socket and serves probes until ctx is cancelled.
func (r *Responder) Start(ctx context.Context, listenAddr string) error {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return fmt.Errorf("resolve discovery address %q: %w", listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("bind discovery socket: %w", err)
	}
	r.conn = conn
	r.logger.Info("discovery responder listening on %s", conn.LocalAddr())

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		<-ctx.Done()
		conn.Close()
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.serve(ctx)
	}()
	return nil
}

// Addr returns the bound UDP address, or nil before Start.
func (r *Responder) Addr() net.Addr {
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Wait blocks until the serve loop has exited.
func (r *Responder) Wait() {
	r.wg.Wait()
}

func (r *Responder) serve(ctx context.Context) {
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("discovery read error: %v", err)
			return
		}
		r.handle(strings.TrimSpace(string(buf[:n])), src)
	}
}

func (r *Responder) handle(payload string, src *net.UDPAddr) {
	if payload != ProbeToken {
		r.metrics.IncDiscoveryProbe("ignored")
		return
	}
	if !r.allow(src.IP.String()) {
		r.metrics.IncDiscoveryProbe("limited")
		return
	}

	reply, err := json.Marshal(r.announcement(src))
	if err != nil {
		r.logger.Error("marshal discovery reply: %v", err)
		return
	}
	if _, err := r.conn.WriteToUDP(reply, src); err != nil {
		r.logger.Warn("discovery reply to %s failed: %v", src, err)
		return
	}
	r.metrics.IncDiscoveryProbe("answered")
	r.logger.Debug("answered discovery probe from %s", src)
}

// announcement picks the address the prober can actually reach: the local
// address of the socket the probe arrived on.
func (r *Responder) announcement(src *net.UDPAddr) Announcement {
	address := localAddressFor(src)
	ann := Announcement{
		HubAddress: address,
		HubPort:    r.hubPort,
		Services:   []string{},
	}
	if r.registry != nil {
		for _, endpoint := range r.registry.Snapshot() {
			ann.Services = append(ann.Services, endpoint.Name)
		}
	}
	return ann
}

// allow enforces the per-source probe rate.
func (r *Responder) allow(source string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	limiter, ok := r.limiters[source]
	if !ok {
		if len(r.limiters) >= maxTrackedSources {
			r.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(probesPerSecond, probeBurst)
		r.limiters[source] = limiter
	}
	return limiter.Allow()
}

// localAddressFor finds the local IP a reply to src will leave from, by
// opening a throwaway connected UDP socket toward it.
func localAddressFor(src *net.UDPAddr) string {
	probe, err := net.DialUDP("udp", nil, src)
	if err != nil {
		return ""
	}
	defer probe.Close()
	if local, ok := probe.LocalAddr().(*net.UDPAddr); ok {
		return local.IP.String()
	}
	return ""
}

package discovery

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"conductor/internal/logging"
	"conductor/internal/ports"
)

type staticRegistry struct {
	endpoints []ports.ServiceEndpoint
}

func (s *staticRegistry) Register(string, string) error { return nil }
func (s *staticRegistry) Forward(context.Context, string, ports.ForwardRequest) (*ports.ForwardResponse, error) {
	return nil, nil
}
func (s *staticRegistry) Snapshot() []ports.ServiceEndpoint { return s.endpoints }

func startResponder(t *testing.T, hubPort int, registry ports.ServiceRegistry) *Responder {
	t.Helper()
	r := New(hubPort, registry, logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		r.Wait()
	})
	return r
}

func probe(t *testing.T, addr net.Addr, payload string) ([]byte, bool) {
	t.Helper()
	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, false
	}
	return buf[:n], true
}

func TestProbeAnswered(t *testing.T) {
	registry := &staticRegistry{endpoints: []ports.ServiceEndpoint{
		{Name: "camera"},
		{Name: "vision"},
	}}
	r := startResponder(t, 8080, registry)

	reply, ok := probe(t, r.Addr(), ProbeToken)
	if !ok {
		t.Fatal("probe was not answered")
	}

	var ann Announcement
	if err := json.Unmarshal(reply, &ann); err != nil {
		t.Fatalf("reply is not valid JSON: %v", err)
	}
	if ann.HubPort != 8080 {
		t.Errorf("expected hub port 8080, got %d", ann.HubPort)
	}
	if ann.HubAddress == "" {
		t.Error("announcement should carry a hub address")
	}
	if len(ann.Services) != 2 {
		t.Errorf("expected 2 services, got %v", ann.Services)
	}
}

func TestWrongTokenIgnored(t *testing.T) {
	r := startResponder(t, 8080, nil)

	if _, ok := probe(t, r.Addr(), "hello?"); ok {
		t.Fatal("wrong token must not be answered")
	}
	if _, ok := probe(t, r.Addr(), ""); ok {
		t.Fatal("empty datagram must not be answered")
	}

	// The responder keeps serving valid probes afterwards.
	if _, ok := probe(t, r.Addr(), ProbeToken); !ok {
		t.Fatal("valid probe after garbage was not answered")
	}
}

func TestNoRegistryMeansEmptyServices(t *testing.T) {
	r := startResponder(t, 9000, nil)

	reply, ok := probe(t, r.Addr(), ProbeToken)
	if !ok {
		t.Fatal("probe was not answered")
	}
	var ann Announcement
	if err := json.Unmarshal(reply, &ann); err != nil {
		t.Fatalf("reply is not valid JSON: %v", err)
	}
	if ann.Services == nil || len(ann.Services) != 0 {
		t.Errorf("expected empty service list, got %v", ann.Services)
	}
}

func TestProbeRateLimited(t *testing.T) {
	r := startResponder(t, 8080, nil)

	answered := 0
	for i := 0; i < probeBurst*3; i++ {
		if _, ok := probe(t, r.Addr(), ProbeToken); ok {
			answered++
		}
	}
	if answered == 0 {
		t.Fatal("no probe was answered at all")
	}
	if answered >= probeBurst*3 {
		t.Fatalf("rate limit never kicked in, %d probes answered", answered)
	}
}

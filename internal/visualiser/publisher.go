// Package visualiser streams compact canonical snapshot summaries to gRPC
// clients such as the operator dashboard.
package visualiser

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/drivepipe/internal/monitoring"
)

var logs = monitoring.NewStreams("visualiser")

// Config holds configuration for the visualiser gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50061")
	ListenAddr string

	// ClientBuffer is how many summaries a client may fall behind before
	// summaries are dropped for it.
	ClientBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{ListenAddr: "localhost:50061", ClientBuffer: 8}
}

type client struct {
	id      uint64
	ch      chan *structpb.Struct
	dropped atomic.Uint64
}

// Publisher owns the gRPC server and fans summaries out to clients.
type Publisher struct {
	config   Config
	server   *grpc.Server
	health   *health.Server
	listener net.Listener

	mu      sync.RWMutex
	clients map[uint64]*client
	nextID  uint64

	published atomic.Uint64
	dropped   atomic.Uint64

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewPublisher creates a Publisher with the given configuration.
func NewPublisher(cfg Config) *Publisher {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultConfig().ClientBuffer
	}
	return &Publisher{config: cfg, clients: make(map[uint64]*client)}
}

// Start binds the listener and serves in the background.
func (p *Publisher) Start() error {
	if p.running.Load() {
		return fmt.Errorf("publisher already running")
	}
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	p.listener = lis

	p.server = grpc.NewServer()
	p.server.RegisterService(&serviceDesc, p)
	p.health = health.NewServer()
	healthpb.RegisterHealthServer(p.server, p.health)
	p.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	p.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	p.running.Store(true)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		logs.Diagf("gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			logs.Opsf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop reports NOT_SERVING, ends every stream and stops the server.
func (p *Publisher) Stop() {
	if !p.running.Swap(false) {
		return
	}
	p.health.Shutdown()

	p.mu.Lock()
	for id, c := range p.clients {
		close(c.ch)
		delete(p.clients, id)
	}
	p.mu.Unlock()

	p.server.GracefulStop()
	p.wg.Wait()
	st := p.Stats()
	logs.Diagf("gRPC server stopped: %d published, %d dropped", st.Published, st.Dropped)
}

// Publish hands msg to every client without waiting. A client whose buffer
// is full misses msg.
func (p *Publisher) Publish(msg *structpb.Struct) {
	p.published.Add(1)
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.clients {
		select {
		case c.ch <- msg:
		default:
			c.dropped.Add(1)
			p.dropped.Add(1)
			monitoring.SinkDrops.WithLabelValues("visualiser").Inc()
		}
	}
}

func (p *Publisher) addClient() *client {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	c := &client{id: p.nextID, ch: make(chan *structpb.Struct, p.config.ClientBuffer)}
	p.clients[c.id] = c
	logs.Diagf("client %d connected (total: %d)", c.id, len(p.clients))
	return c
}

func (p *Publisher) removeClient(c *client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.clients[c.id]; !ok {
		return
	}
	delete(p.clients, c.id)
	logs.Diagf("client %d disconnected after %d drops (remaining: %d)", c.id, c.dropped.Load(), len(p.clients))
}

// Stats contains publisher statistics.
type Stats struct {
	Published uint64
	Dropped   uint64
	Clients   int
	Running   bool
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() Stats {
	p.mu.RLock()
	n := len(p.clients)
	p.mu.RUnlock()
	return Stats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Clients:   n,
		Running:   p.running.Load(),
	}
}

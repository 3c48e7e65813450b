package mocksidecar

import (
	"errors"
	"fmt"
	"sync"
)

// ErrConfigConflict is the hard error raised when a case asks for a sidecar
// while another case holds one with a different configuration.
var ErrConfigConflict = errors.New("E_MOCK_GATEWAY_CONFIG_CONFLICT: concurrent start requested with different mock config")

// DefaultPort is the fixed host port agents reach the sidecar on through
// host.docker.internal.
const DefaultPort = 14318

// Registry owns the process-wide shared gateway. Concurrent cases
// with byte-identical configurations share one gateway; a differing
// configuration while one is live is a hard error.
type Registry struct {
	ingest OTLPIngestor
	port   int

	mu        sync.Mutex
	gateway   *Gateway
	signature string
	refCount  int
	boundPort int
}

// NewRegistry constructs a Registry. port 0 binds an ephemeral port (tests);
// production uses DefaultPort so containers can find the sidecar.
func NewRegistry(ingest OTLPIngestor, port int) *Registry {
	return &Registry{ingest: ingest, port: port}
}

// Handle is one case's reference to the shared gateway. Close releases the
// reference; the last release stops the server.
type Handle struct {
	// Endpoint is the sidecar URL as seen from inside a container.
	Endpoint string
	// LocalEndpoint is the sidecar URL on the host loopback.
	LocalEndpoint string

	release func()
	once    sync.Once
}

// Close releases this case's reference. Safe to call more than once.
func (h *Handle) Close() {
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}

// Acquire returns a Handle on the shared gateway for cfg, starting one if
// none is live. Identity is the canonical JSON signature.
func (r *Registry) Acquire(cfg Config) (*Handle, error) {
	signature := cfg.Signature()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.gateway != nil {
		if r.signature != signature {
			return nil, ErrConfigConflict
		}
		r.refCount++
		return r.newHandleLocked(), nil
	}

	gw := newGateway(cfg, r.ingest)
	port, err := gw.start(fmt.Sprintf("0.0.0.0:%d", r.port))
	if err != nil {
		return nil, err
	}
	r.gateway = gw
	r.signature = signature
	r.refCount = 1
	r.boundPort = port
	return r.newHandleLocked(), nil
}

func (r *Registry) newHandleLocked() *Handle {
	return &Handle{
		Endpoint:      fmt.Sprintf("http://host.docker.internal:%d", r.boundPort),
		LocalEndpoint: fmt.Sprintf("http://127.0.0.1:%d", r.boundPort),
		release:       r.release,
	}
}

func (r *Registry) release() {
	r.mu.Lock()
	if r.refCount > 0 {
		r.refCount--
	}
	if r.refCount != 0 || r.gateway == nil {
		r.mu.Unlock()
		return
	}
	gw := r.gateway
	r.gateway = nil
	r.signature = ""
	r.boundPort = 0
	r.mu.Unlock()

	gw.stop()
}

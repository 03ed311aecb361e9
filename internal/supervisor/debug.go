package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/drivepipe/internal/monitoring"
)

// ServeDebug serves /metrics and the debug pages on addr until the returned
// stop function is called. attach, if not nil, adds routes to the debug page.
func ServeDebug(addr string, attach func(*tsweb.DebugHandler) error) (stop func(), err error) {
	mux := http.NewServeMux()
	debug := monitoring.AttachDebugRoutes(mux)
	if attach != nil {
		if err := attach(debug); err != nil {
			return nil, err
		}
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logs.Opsf("debug server: %v", err)
		}
	}()
	logs.Diagf("debug server listening on %s", lis.Addr())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logs.Opsf("debug server shutdown: %v", err)
			server.Close()
		}
		<-done
	}, nil
}

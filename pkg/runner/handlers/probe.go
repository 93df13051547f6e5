package handlers

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/opengrove/opengrove/pkg/runner/protocol"
)

// ProbeHandler checks endpoint reachability from the runner host. Verification
// probes run here when the orchestrator itself sits outside the network that
// can see the provisioned endpoints.
type ProbeHandler struct{}

// Handle runs one probe. An unreachable endpoint is a healthy=false result,
// not an error: the probe itself ran.
func (h *ProbeHandler) Handle(ctx context.Context, params *protocol.ProbeParams, eventCh chan<- *protocol.EventMessage) (*protocol.ProbeResult, error) {
	if params.Target == "" {
		return nil, fmt.Errorf("target is required")
	}

	switch params.Scheme {
	case "http":
		return h.probeHTTP(ctx, params)
	case "tcp":
		return h.probeTCP(ctx, params)
	default:
		return nil, fmt.Errorf("unsupported probe scheme: %s", params.Scheme)
	}
}

func (h *ProbeHandler) probeHTTP(ctx context.Context, params *protocol.ProbeParams) (*protocol.ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.Target, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid probe target: %w", err)
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start)

	if err != nil {
		return &protocol.ProbeResult{
			Healthy:   false,
			Detail:    fmt.Sprintf("GET %s: %v", params.Target, err),
			LatencyMS: float64(latency.Milliseconds()),
		}, nil
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 300
	if params.ExpectStatus != 0 {
		healthy = resp.StatusCode == params.ExpectStatus
	}

	return &protocol.ProbeResult{
		Healthy:   healthy,
		Detail:    fmt.Sprintf("GET %s: %s", params.Target, resp.Status),
		LatencyMS: float64(latency.Milliseconds()),
	}, nil
}

func (h *ProbeHandler) probeTCP(ctx context.Context, params *protocol.ProbeParams) (*protocol.ProbeResult, error) {
	var dialer net.Dialer

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", params.Target)
	latency := time.Since(start)

	if err != nil {
		return &protocol.ProbeResult{
			Healthy:   false,
			Detail:    fmt.Sprintf("dial %s: %v", params.Target, err),
			LatencyMS: float64(latency.Milliseconds()),
		}, nil
	}
	_ = conn.Close()

	return &protocol.ProbeResult{
		Healthy:   true,
		Detail:    fmt.Sprintf("dial %s: connected", params.Target),
		LatencyMS: float64(latency.Milliseconds()),
	}, nil
}

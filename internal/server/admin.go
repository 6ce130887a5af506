package server

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// loopbackCIDR is the default ACL for the admin surface: deny-by-
// default, allow only loopback, the same posture as the teacher's
// observability.ACL but hardcoded to loopback rather than configured
// CIDRs, since the admin surface has no legitimate remote caller.
var loopbackCIDR = mustParseCIDR("127.0.0.0/8")

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// AdminServer exposes the operator-facing epoch-reset endpoint,
// loopback-only by default per spec.md §8's admin surface description.
type AdminServer struct {
	registry *Registry
	handler  *Handler
	logger   *slog.Logger
	mux      *http.ServeMux
}

// NewAdminServer builds the admin HTTP surface.
func NewAdminServer(registry *Registry, handler *Handler, logger *slog.Logger) *AdminServer {
	a := &AdminServer{registry: registry, handler: handler, logger: logger, mux: http.NewServeMux()}
	a.mux.HandleFunc("/admin/streams/", a.handleStreamReset)
	return a
}

func (a *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil || !loopbackCIDR.Contains(ip) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	a.mux.ServeHTTP(w, r)
}

type resetResponse struct {
	StreamID    string `json:"stream_id"`
	NewEpoch    int64  `json:"new_stream_epoch"`
	Pushed      bool   `json:"pushed_to_forwarder"`
}

// handleStreamReset implements POST /admin/streams/{stream_id}/reset,
// bumping the stream's epoch by one and, if the owning forwarder is
// currently connected, pushing it an EpochResetCommand immediately
// instead of waiting for its next reconnect.
func (a *AdminServer) handleStreamReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/admin/streams/")
	streamID := strings.TrimSuffix(path, "/reset")
	if streamID == "" || streamID == path {
		http.Error(w, "expected /admin/streams/{stream_id}/reset", http.StatusBadRequest)
		return
	}

	entry, ok := a.registry.ByID(streamID)
	if !ok {
		http.Error(w, "unknown stream_id", http.StatusNotFound)
		return
	}

	newEpoch, err := a.registry.ResetEpoch(streamID)
	if err != nil {
		a.logger.Error("admin epoch reset failed", "stream_id", streamID, "error", err)
		http.Error(w, "reset failed", http.StatusInternalServerError)
		return
	}

	pushed := a.handler.PushEpochReset(entry.ForwarderID, entry.ReaderIP, newEpoch)
	a.logger.Info("admin epoch reset", "stream_id", streamID, "new_epoch", newEpoch, "pushed", pushed)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resetResponse{StreamID: streamID, NewEpoch: newEpoch, Pushed: pushed})
}

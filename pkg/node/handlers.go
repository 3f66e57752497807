package node

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrsync/internal/telemetry"
	"github.com/ryandielhenn/zephyrsync/pkg/consumer"
	"github.com/ryandielhenn/zephyrsync/pkg/request"
	"github.com/ryandielhenn/zephyrsync/pkg/status"
)

const maxRequestBody = 1 << 20

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type consumerInfo struct {
	Running bool           `json:"running"`
	Phase   string         `json:"phase"`
	State   consumer.State `json:"state"`
	Status  status.Status  `json:"status"`
	Summary string         `json:"summary"`
}

// Info writes a JSON payload with the process ID, current time, node identity
// and the consumer state.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID      int           `json:"pid"`
		Now      time.Time     `json:"now"`
		Self     string        `json:"self"`
		Addr     string        `json:"addr"`
		Consumer *consumerInfo `json:"consumer,omitempty"`
	}
	out := resp{PID: os.Getpid(), Now: time.Now(), Self: n.self, Addr: n.addr}
	if n.consumer != nil {
		out.Consumer = &consumerInfo{
			Running: n.consumer.Running(),
			Phase:   n.consumer.Phase().String(),
			State:   n.consumer.State(),
			Status:  n.consumer.Status(),
			Summary: n.consumer.Info(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type lastIDResponse struct {
	LastID uint64 `json:"last_id"`
}

// LastID reports the highest id of the ledger this node owns.
func (n *Node) LastID(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	last, err := n.ledger.LastID(req.Context(), n.self)
	if err != nil {
		n.logger.Warn("failed to read last id", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, lastIDResponse{LastID: last})
}

// Deliver accepts a file request: the body is the comma separated range list
// and the from query parameter names the requesting node.
func (n *Node) Deliver(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	from := req.URL.Query().Get("from")
	if from == "" {
		http.Error(w, "missing from", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxRequestBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ranges, err := request.Parse(string(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(ranges) == 0 {
		http.Error(w, "empty request", http.StatusBadRequest)
		return
	}
	if err := n.deliverer.Deliver(req.Context(), from, ranges); err != nil {
		n.logger.Warn("delivery failed", zap.String("requester", from), zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type modeResponse struct {
	Mode request.Mode `json:"mode"`
}

// Mode reports the consumer mode on GET and switches it on POST, taking the
// new mode from the mode query parameter.
func (n *Node) Mode(w http.ResponseWriter, req *http.Request) {
	if n.consumer == nil {
		http.Error(w, "no consumer", http.StatusNotFound)
		return
	}
	switch req.Method {
	case http.MethodGet:
	case http.MethodPost:
		mode, err := request.ParseMode(req.URL.Query().Get("mode"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if prev := n.consumer.Mode(); prev != mode {
			n.logger.Info("consumer mode changed",
				zap.String("from", string(prev)),
				zap.String("to", string(mode)),
			)
		}
		n.consumer.SetMode(mode)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, modeResponse{Mode: n.consumer.Mode()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

var errUnexpectedStatus = errors.New("node: unexpected status")

// Handler routes the node endpoints, each instrumented under its own op.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle(LastIDPath, telemetry.Instrument("last_id", http.HandlerFunc(n.LastID)))
	mux.Handle(DeliverPath, telemetry.Instrument("deliver", http.HandlerFunc(n.Deliver)))
	mux.Handle(ModePath, telemetry.Instrument("mode", http.HandlerFunc(n.Mode)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

// Package gateway exposes the HTTP surface: command submission, result
// retrieval, metrics, and health.
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"daytrader/internal/obs"
	"daytrader/internal/queue"
	"daytrader/internal/schema"
	"daytrader/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/logs"
)

// commandRequest is the submission payload. Clients send either the
// command name ("COMMIT_BUY") or the numeric commandType code.
type commandRequest struct {
	TransactionID int64  `json:"transactionId"`
	Command       string `json:"command"`
	CommandType   *uint8 `json:"commandType"`
	UserID        string `json:"userId"`
	Amount        int64  `json:"amount"`
	StockSymbol   string `json:"stockSymbol"`
	FileName      string `json:"fileName"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server routes HTTP requests onto the work queue.
type Server struct {
	queue *queue.Queue
	http  *http.Server
}

// New builds the server. metrics may be nil; the /metrics endpoint then
// serves an empty registry.
func New(addr string, q *queue.Queue, metrics *obs.Metrics) *Server {
	registry := prometheus.NewRegistry()
	if metrics != nil {
		registry.MustRegister(metrics.Collector())
	}

	s := &Server{queue: q}

	r := mux.NewRouter()
	r.HandleFunc("/command", s.handleCommand).Methods(http.MethodPost)
	r.HandleFunc("/result/{userId}/{txn}", s.handleResult).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks serving requests.
func (s *Server) ListenAndServe() error {
	logs.Infof("gateway listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleCommand validates a submission and enqueues it. The response is
// the queue acknowledgement, not the execution result; clients poll
// /result for that.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unreadable body"})
		return
	}

	var req commandRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed json"})
		return
	}

	var cmdType schema.CommandType
	if req.Command != "" {
		cmdType, err = schema.ParseCommandType(req.Command)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown command"})
			return
		}
	} else {
		if req.CommandType == nil || !schema.CommandType(*req.CommandType).Valid() {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown command"})
			return
		}
		cmdType = schema.CommandType(*req.CommandType)
	}
	if req.UserID == "" && cmdType != schema.CommandDumpLog {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing userId"})
		return
	}

	cmd := schema.Command{
		TransactionID: req.TransactionID,
		Type:          cmdType,
		UserID:        req.UserID,
		Amount:        req.Amount,
		StockSymbol:   req.StockSymbol,
		FileName:      req.FileName,
		Timestamp:     float64(time.Now().UnixNano()) / float64(time.Second),
	}

	ack, err := s.queue.Put(s.queue.PartitionFor(cmd.UserID), cmd)
	switch {
	case errors.Is(err, exception.ErrQueueFull):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "queue full"})
	case errors.Is(err, exception.ErrQueueClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "shutting down"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "enqueue failed"})
	default:
		writeJSON(w, http.StatusAccepted, ack)
	}
}

// handleResult returns and consumes a stored execution result.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID := vars["userId"]
	txnID, err := strconv.ParseInt(vars["txn"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad transaction id"})
		return
	}

	res, err := s.queue.GetCompleted(s.queue.PartitionFor(userID), txnID)
	if errors.Is(err, exception.ErrResultNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "result not ready"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

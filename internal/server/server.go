package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"flipbooks/internal/pipeline"

	"github.com/gorilla/mux"
)

// JobQueue is the part of the pipeline the server needs.
type JobQueue interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes the job pipeline over HTTP.
type Server struct {
	addr     string
	pipeline JobQueue
	hub      *hub
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a server that submits jobs to pipe.
func NewServer(addr string, pipe JobQueue, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     addr,
		pipeline: pipe,
		hub:      newHub(log),
		log:      log,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	return r
}

// Relay forwards pipeline results to stream clients until ctx is done.
func (s *Server) Relay(ctx context.Context) {
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	defer s.hub.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(newJobEvent(res))
			if err != nil {
				s.log.Warn("encode job event", "job", res.Job.ID, "error", err)
				continue
			}
			s.hub.broadcast(payload)
		}
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}
	go s.Relay(ctx)

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve builds a server and runs it until ctx is cancelled.
func Serve(ctx context.Context, addr string, pipe JobQueue, log *slog.Logger) error {
	return NewServer(addr, pipe, log).Start(ctx)
}

// jobRequest is the POST /jobs body.
type jobRequest struct {
	Type    string         `json:"type"`
	Options map[string]any `json:"options"`
}

// jobEvent is one message on /stream.
type jobEvent struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func newJobEvent(res pipeline.Result) jobEvent {
	ev := jobEvent{ID: res.Job.ID, Type: string(res.Job.Type), Status: "completed", Meta: res.Meta}
	if res.Error != nil {
		ev.Status = "failed"
		ev.Error = res.Error.Error()
	}
	return ev
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid job body: "+err.Error(), http.StatusBadRequest)
		return
	}
	jobType, err := pipeline.ParseJobType(req.Type)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	job := pipeline.NewJob(jobType, req.Options)
	if err := s.pipeline.Submit(job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.log.Info("job queued", "type", job.Type, "id", job.ID, "source", "http")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"id": job.ID, "type": string(job.Type)})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.hub.register(conn)

	go func() {
		defer s.hub.unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

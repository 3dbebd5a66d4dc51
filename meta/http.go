package meta

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"go-slotreg/cluster"
	"go-slotreg/raftchannel"
)

// Handler returns the HTTP API of the replica. Writes reaching a follower are
// answered with 421 Misdirected Request and the id of the known leader.
func (s *Server) Handler() http.Handler {
	var mux = http.NewServeMux()
	mux.HandleFunc("POST "+cluster.PathRegister, s.handleRegister)
	mux.HandleFunc("POST "+cluster.PathRenew, s.handleRenew)
	mux.HandleFunc("POST "+cluster.PathCancel, s.handleCancel)
	mux.HandleFunc("GET "+cluster.PathLeases, s.handleLeases)
	mux.HandleFunc("GET "+cluster.PathSlotTable, s.handleSlotTable)
	mux.HandleFunc("GET "+cluster.PathProvideData, s.handleGetProvideData)
	mux.HandleFunc("PUT "+cluster.PathProvideData, s.handlePutProvideData)
	mux.HandleFunc("DELETE "+cluster.PathProvideData, s.handleDeleteProvideData)
	mux.HandleFunc("GET "+cluster.PathStatus, s.handleStatus)
	return mux
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RenewRequest
	if !decode(w, r, &req) {
		return
	}
	s.writeResult(w, req.Service, s.Register(r.Context(), req.Service, req.Node, req.DurationSecs))
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req cluster.RenewRequest
	if !decode(w, r, &req) {
		return
	}
	s.writeResult(w, req.Service, s.Renew(r.Context(), req.Service, req.Node, req.DurationSecs))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cluster.CancelRequest
	if !decode(w, r, &req) {
		return
	}
	s.writeResult(w, req.Service, s.Cancel(r.Context(), req.Service, req.Node))
}

func (s *Server) handleLeases(w http.ResponseWriter, r *http.Request) {
	var service = r.URL.Query().Get("service")
	leases, err := s.Leases(service)
	if err != nil {
		cluster.WriteError(w, http.StatusBadRequest, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.LeasesResponse{Service: service, Leases: leases})
}

func (s *Server) handleSlotTable(w http.ResponseWriter, r *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, cluster.SlotTableResponse{Table: s.slots.Table()})
}

func (s *Server) handleGetProvideData(w http.ResponseWriter, r *http.Request) {
	var key = r.URL.Query().Get("key")
	if key == "" {
		cluster.WriteError(w, http.StatusBadRequest, errors.New("missing key"))
		return
	}

	data, err := s.provide.Get(r.Context(), key)
	if err != nil {
		s.options.logger.Error("failed to get provide data", "key", key, "error", err)
		cluster.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, data)
}

func (s *Server) handlePutProvideData(w http.ResponseWriter, r *http.Request) {
	var req cluster.ProvideData
	if !decode(w, r, &req) {
		return
	}
	if req.Key == "" {
		cluster.WriteError(w, http.StatusBadRequest, errors.New("missing key"))
		return
	}
	if !s.IsLeader() {
		s.writeMisdirected(w)
		return
	}

	data, err := s.provide.Set(r.Context(), req.Key, req.Value)
	if errors.Is(err, raftchannel.ErrNotLeader) {
		s.writeMisdirected(w)
		return
	}
	if err != nil {
		s.options.logger.Error("failed to set provide data", "key", req.Key, "error", err)
		cluster.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	s.options.logger.Info("provide data updated", "key", data.Key, "version", data.Version)
	cluster.WriteJSON(w, http.StatusOK, data)
}

func (s *Server) handleDeleteProvideData(w http.ResponseWriter, r *http.Request) {
	var key = r.URL.Query().Get("key")
	if key == "" {
		cluster.WriteError(w, http.StatusBadRequest, errors.New("missing key"))
		return
	}
	if !s.IsLeader() {
		s.writeMisdirected(w)
		return
	}

	if err := s.provide.Delete(r.Context(), key); err != nil {
		if errors.Is(err, raftchannel.ErrNotLeader) {
			s.writeMisdirected(w)
			return
		}
		cluster.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, s.Status())
}

// writeResult maps a lease operation error to a reply.
func (s *Server) writeResult(w http.ResponseWriter, service string, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrUnknownService):
		cluster.WriteError(w, http.StatusBadRequest, err)
	case errors.Is(err, raftchannel.ErrNotLeader):
		s.writeMisdirected(w)
	case errors.Is(err, raftchannel.ErrCommitTimeout), errors.Is(err, context.DeadlineExceeded):
		s.options.logger.Warn("lease operation timed out", "service_id", service, "error", err)
		cluster.WriteError(w, http.StatusGatewayTimeout, err)
	default:
		s.options.logger.Error("lease operation failed", "service_id", service, "error", err)
		cluster.WriteError(w, http.StatusServiceUnavailable, err)
	}
}

func (s *Server) writeMisdirected(w http.ResponseWriter) {
	cluster.WriteJSON(w, http.StatusMisdirectedRequest, cluster.ErrorResponse{
		Error:  raftchannel.ErrNotLeader.Error(),
		Leader: s.options.leaderID(),
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

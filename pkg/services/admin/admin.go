// Package admin exposes the fleet over a JSON HTTP API: agent views, live sessions
// and the authoritative remote config, connection settings and package catalogs.
// Catalog changes are pushed to live agents in the background.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/domain/agent"
	"github.com/otelfleet/fleetsync/pkg/engine"
	"github.com/otelfleet/fleetsync/pkg/engine/session"
	"github.com/otelfleet/fleetsync/pkg/logutil"
	"github.com/otelfleet/fleetsync/pkg/protocol/hashing"
	"github.com/otelfleet/fleetsync/pkg/protocol/wire"
	services_int "github.com/otelfleet/fleetsync/pkg/services"
	"github.com/samber/lo"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

const (
	maxBodySize = 4 << 20
	pushTimeout = 30 * time.Second
)

type Server struct {
	logger *slog.Logger
	engine *engine.Engine
	sender engine.Sender

	pushes sync.WaitGroup

	services.Service
}

var _ services_int.HTTPExtension = (*Server)(nil)

func NewServer(logger *slog.Logger, eng *engine.Engine, sender engine.Sender) *Server {
	s := &Server{
		logger: logger,
		engine: eng,
		sender: sender,
	}
	s.Service = services.NewBasicService(nil, s.running, s.stopping)
	return s
}

func (s *Server) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *Server) stopping(_ error) error {
	s.pushes.Wait()
	return nil
}

func (s *Server) ConfigureHTTP(r *mux.Router) {
	s.logger.Info("configuring routes")
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/sessions", s.listSessions).Methods(http.MethodGet)
	api.HandleFunc("/agents", s.listAgents).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}", s.getAgent).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/resync", s.resync).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}/remoteconfig", s.putAgentRemoteConfig).Methods(http.MethodPut)
	api.HandleFunc("/agents/{id}/remoteconfig", s.deleteAgentRemoteConfig).Methods(http.MethodDelete)
	api.HandleFunc("/agents/{id}/connectionsettings", s.patchAgentConnectionSettings).Methods(http.MethodPatch)
	api.HandleFunc("/agents/{id}/connectionsettings", s.deleteAgentConnectionSettings).Methods(http.MethodDelete)
	api.HandleFunc("/remoteconfig", s.putRemoteConfig).Methods(http.MethodPut)
	api.HandleFunc("/connectionsettings", s.patchConnectionSettings).Methods(http.MethodPatch)
	api.HandleFunc("/packages", s.putPackages).Methods(http.MethodPut)
}

// SessionView is the JSON form of a live session.
type SessionView struct {
	InstanceID   string    `json:"instance_id"`
	Stream       string    `json:"stream"`
	SequenceNum  uint64    `json:"sequence_num"`
	Capabilities []string  `json:"capabilities"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// HashResponse reports the hash of an updated catalog entry.
type HashResponse struct {
	Hash string `json:"hash"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.With("err", err).Warn("failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.logger.With("err", err).Error("admin request failed")
	}
	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (s *Server) instanceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := wire.ParseInstanceID(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return "", false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, m proto.Message) bool {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return false
	}
	if err := protojson.Unmarshal(data, m); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

// pushAsync delivers catalog changes without holding up the request. An empty
// instanceID pushes to every live agent.
func (s *Server) pushAsync(instanceID string) {
	s.pushes.Add(1)
	go func() {
		defer s.pushes.Done()
		ctx, ca := context.WithTimeout(context.Background(), pushTimeout)
		defer ca()
		var err error
		if instanceID == "" {
			err = s.engine.PushAll(ctx, s.sender)
		} else {
			err = s.engine.Push(ctx, s.sender, instanceID)
		}
		switch {
		case errors.Is(err, engine.ErrAgentOffline):
			s.logger.Log(ctx, logutil.LevelTrace, "agent offline, change applies on reconnect", "instance_id", wire.FormatInstanceID(instanceID))
		case err != nil:
			s.logger.With("err", err).Warn("failed to push catalog change")
		}
	}()
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	views := lo.Map(s.engine.Sessions(), func(info session.Info, _ int) SessionView {
		return SessionView{
			InstanceID:   wire.FormatInstanceID(info.InstanceID),
			Stream:       string(info.Stream),
			SequenceNum:  info.LastSeq,
			Capabilities: info.Capabilities.Names(),
			FirstSeen:    info.FirstSeen,
			LastSeen:     info.LastSeen,
		}
	})
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.engine.Agents(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if selector := r.URL.Query(); len(selector) > 0 {
		labels := lo.MapValues(selector, func(v []string, _ string) string { return v[0] })
		agents = lo.Filter(agents, func(a *agent.Agent, _ int) bool { return a.MatchesLabels(labels) })
	}
	s.writeJSON(w, http.StatusOK, agents)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.instanceID(w, r)
	if !ok {
		return
	}
	a, err := s.engine.Agent(r.Context(), id)
	switch {
	case errors.Is(err, agent.ErrAgentNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		s.writeJSON(w, http.StatusOK, a)
	}
}

func (s *Server) resync(w http.ResponseWriter, r *http.Request) {
	id, ok := s.instanceID(w, r)
	if !ok {
		return
	}
	err := s.engine.RequestFullState(r.Context(), s.sender, id)
	switch {
	case errors.Is(err, engine.ErrAgentOffline):
		s.writeError(w, http.StatusConflict, err)
	case err != nil:
		s.writeError(w, http.StatusBadGateway, err)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) putRemoteConfig(w http.ResponseWriter, r *http.Request) {
	cfg := &protobufs.AgentConfigMap{}
	if !s.decode(w, r, cfg) {
		return
	}
	hash, err := s.engine.RemoteConfigs().SetDefault(r.Context(), cfg)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.pushAsync("")
	s.writeJSON(w, http.StatusAccepted, HashResponse{Hash: hashing.Hex(hash)})
}

func (s *Server) putAgentRemoteConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := s.instanceID(w, r)
	if !ok {
		return
	}
	cfg := &protobufs.AgentConfigMap{}
	if !s.decode(w, r, cfg) {
		return
	}
	hash, err := s.engine.RemoteConfigs().SetAgent(r.Context(), id, cfg)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.pushAsync(id)
	s.writeJSON(w, http.StatusAccepted, HashResponse{Hash: hashing.Hex(hash)})
}

func (s *Server) deleteAgentRemoteConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := s.instanceID(w, r)
	if !ok {
		return
	}
	if err := s.engine.RemoteConfigs().ClearAgent(r.Context(), id); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.pushAsync(id)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) patchConnectionSettings(w http.ResponseWriter, r *http.Request) {
	partial := &protobufs.ConnectionSettingsOffers{}
	if !s.decode(w, r, partial) {
		return
	}
	hash, err := s.engine.ConnectionSettings().Update(r.Context(), partial)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.pushAsync("")
	s.writeJSON(w, http.StatusAccepted, HashResponse{Hash: hashing.Hex(hash)})
}

func (s *Server) patchAgentConnectionSettings(w http.ResponseWriter, r *http.Request) {
	id, ok := s.instanceID(w, r)
	if !ok {
		return
	}
	partial := &protobufs.ConnectionSettingsOffers{}
	if !s.decode(w, r, partial) {
		return
	}
	hash, err := s.engine.ConnectionSettings().UpdateAgent(r.Context(), id, partial)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.pushAsync(id)
	s.writeJSON(w, http.StatusAccepted, HashResponse{Hash: hashing.Hex(hash)})
}

func (s *Server) deleteAgentConnectionSettings(w http.ResponseWriter, r *http.Request) {
	id, ok := s.instanceID(w, r)
	if !ok {
		return
	}
	if err := s.engine.ConnectionSettings().ClearAgent(r.Context(), id); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.pushAsync(id)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) putPackages(w http.ResponseWriter, r *http.Request) {
	avail := &protobufs.PackagesAvailable{}
	if !s.decode(w, r, avail) {
		return
	}
	hash, err := s.engine.Packages().Set(r.Context(), avail.GetPackages())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.pushAsync("")
	s.writeJSON(w, http.StatusAccepted, HashResponse{Hash: hashing.Hex(hash)})
}

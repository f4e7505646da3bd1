// Package engine reconciles what agents report over OpAMP with what the server
// wants them to run. It owns the sessions, decides which facts and offers travel in
// each direction and turns failures into protocol error responses.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/domain/agent"
	"github.com/otelfleet/fleetsync/pkg/engine/connsettings"
	"github.com/otelfleet/fleetsync/pkg/engine/hashdiff"
	"github.com/otelfleet/fleetsync/pkg/engine/packages"
	"github.com/otelfleet/fleetsync/pkg/engine/remoteconfig"
	"github.com/otelfleet/fleetsync/pkg/engine/retry"
	"github.com/otelfleet/fleetsync/pkg/engine/session"
	"github.com/otelfleet/fleetsync/pkg/logutil"
	"github.com/otelfleet/fleetsync/pkg/protocol/capabilities"
	"github.com/otelfleet/fleetsync/pkg/protocol/field"
	"github.com/otelfleet/fleetsync/pkg/protocol/hashing"
	"github.com/otelfleet/fleetsync/pkg/protocol/wire"
	"github.com/otelfleet/fleetsync/pkg/util"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/protobuf/proto"
)

var ErrUnsupportedHashAlgorithm = errors.New("unsupported hash algorithm")

const defaultStorageRetryAfter = 5 * time.Second

type Config struct {
	Capabilities capabilities.Server
	// HashAlgorithm must name the algorithm agents and persisted state were hashed with.
	HashAlgorithm string
	// OverloadLimit is the sustained number of agent messages per second admitted
	// before agents are told to back off. Zero disables admission control.
	OverloadLimit float64
	OverloadBurst int
	// StorageRetryAfter is the retry guidance sent when a store is unavailable.
	StorageRetryAfter time.Duration
}

func (c Config) Validate() error {
	if err := c.Capabilities.Validate(); err != nil {
		return err
	}
	if c.HashAlgorithm != hashing.Algorithm {
		return fmt.Errorf("%w: %q, expected %q", ErrUnsupportedHashAlgorithm, c.HashAlgorithm, hashing.Algorithm)
	}
	return nil
}

type Engine struct {
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
	newID  func() string

	admission *retry.Admission
	sessions  *session.Multiplexer
	tracker   *hashdiff.Tracker
	agents    agent.Repository
	ledger    *packages.Ledger

	remoteConfigs      *remoteconfig.Catalog
	connectionSettings *connsettings.Catalog
	packages           *packages.Catalog

	remoteConfigReconciler       *remoteconfig.Reconciler
	connectionSettingsReconciler *connsettings.Reconciler
	packagesReconciler           *packages.Reconciler

	metrics *metrics
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithInstanceIDs replaces the generator of reassigned instance ids.
func WithInstanceIDs(newID func() string) Option {
	return func(e *Engine) {
		e.newID = newID
	}
}

// New validates cfg and builds an engine over stores. Catalogs are empty until Load.
func New(
	logger *slog.Logger,
	cfg Config,
	stores Stores,
	reg prometheus.Registerer,
	opts ...Option,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.StorageRetryAfter <= 0 {
		cfg.StorageRetryAfter = defaultStorageRetryAfter
	}
	tracker := hashdiff.NewTracker(logger.With("component", "hashdiff"), stores.Hashes)
	remoteConfigs := remoteconfig.NewCatalog(logger.With("component", "remote-configs"), stores.RemoteConfigs)
	connSettings := connsettings.NewCatalog(logger.With("component", "connection-settings"), stores.ConnectionSettings)
	pkgs := packages.NewCatalog(logger.With("component", "packages"), stores.Packages)

	e := &Engine{
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
		newID:  util.NewInstanceUID,

		admission: retry.NewAdmission(cfg.OverloadLimit, cfg.OverloadBurst),
		sessions:  session.NewMultiplexer(logger.With("component", "sessions"), stores.Sessions),
		tracker:   tracker,
		agents:    agent.NewRepository(logger.With("component", "agents"), stores.Agents, remoteConfigs),
		ledger:    packages.NewLedger(),

		remoteConfigs:      remoteConfigs,
		connectionSettings: connSettings,
		packages:           pkgs,

		remoteConfigReconciler:       remoteconfig.NewReconciler(tracker),
		connectionSettingsReconciler: connsettings.NewReconciler(connSettings, tracker),
		packagesReconciler:           packages.NewReconciler(pkgs, tracker),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics = newMetrics(reg, func() float64 {
		return float64(e.sessions.Len())
	})
	return e, nil
}

// Load reads the authoritative catalogs from storage.
func (e *Engine) Load(ctx context.Context) error {
	if err := e.remoteConfigs.Load(ctx); err != nil {
		return err
	}
	if err := e.connectionSettings.Load(ctx); err != nil {
		return err
	}
	return e.packages.Load(ctx)
}

func (e *Engine) RemoteConfigs() *remoteconfig.Catalog {
	return e.remoteConfigs
}

func (e *Engine) ConnectionSettings() *connsettings.Catalog {
	return e.connectionSettings
}

func (e *Engine) Packages() *packages.Catalog {
	return e.packages
}

// Process handles one agent message received on stream and returns the response to
// send back. It never returns nil: failures become error responses.
func (e *Engine) Process(ctx context.Context, stream session.StreamID, msg *protobufs.AgentToServer) *protobufs.ServerToAgent {
	e.metrics.messages.Inc()
	now := e.now()
	agentCaps := capabilities.AgentFromWire(msg.GetCapabilities())

	if serr := e.admission.Admit(now); serr != nil {
		e.logger.Log(ctx, logutil.LevelTrace, "rejecting agent message, server overloaded", "retry_after", serr.RetryAfter)
		return e.encode(wire.Fail(string(msg.GetInstanceUid()), serr), agentCaps)
	}

	report, err := wire.Decode(e.cfg.Capabilities, msg)
	if err != nil {
		e.logger.With("err", err, "stream", stream).Warn("rejecting malformed agent message")
		return e.encode(wire.Fail(string(msg.GetInstanceUid()), retry.NewBadRequestError(err.Error())), agentCaps)
	}

	ctx, logger := logutil.With(logutil.WithContext(ctx, e.logger), "instance_id", wire.FormatInstanceID(report.InstanceID), "stream", stream)
	if len(report.Ignored) > 0 {
		logger.Debug("ignoring fields without a matching capability", "fields", report.Ignored)
	}

	s, attached, reassigned, err := e.attach(ctx, stream, report, now)
	if err != nil {
		return e.encode(wire.Fail(report.InstanceID, e.unavailable(ctx, "attaching session", err)), report.Capabilities)
	}
	defer s.Unlock()
	return e.encode(e.process(ctx, s, attached, reassigned, report, now), report.Capabilities)
}

// attach returns the locked session for report. An id that is live on another
// stream follows the agent when the sequence continues there; otherwise the id is
// a collision and the agent gets a new one.
func (e *Engine) attach(ctx context.Context, stream session.StreamID, report *wire.Report, now time.Time) (*session.Session, session.Attached, string, error) {
	for {
		s, attached, err := e.sessions.Attach(ctx, stream, report.InstanceID, now)
		if err != nil {
			return nil, attached, "", err
		}
		s.Lock()
		if s.Retired() {
			// lost a race with stream closure, the next Attach creates a fresh session
			s.Unlock()
			continue
		}
		if attached != session.Elsewhere {
			return s, attached, "", nil
		}
		if s.Continues(report.SequenceNum) {
			e.sessions.Move(s, stream)
			return s, session.Existing, "", nil
		}
		s.Unlock()

		newID := e.newID()
		logutil.FromContext(ctx).Warn("instance id is live on another stream, assigning a new one",
			"new_instance_id", wire.FormatInstanceID(newID))
		ns, _, err := e.sessions.Attach(ctx, stream, newID, now)
		if err != nil {
			return nil, session.Created, "", err
		}
		ns.Lock()
		return ns, session.Created, newID, nil
	}
}

func (e *Engine) process(
	ctx context.Context,
	s *session.Session,
	attached session.Attached,
	reassigned string,
	report *wire.Report,
	now time.Time,
) wire.Response {
	logger := logutil.FromContext(ctx)
	id := s.InstanceID
	reply := &wire.Reply{NewInstanceID: reassigned}

	if err := report.Capabilities.Validate(); err != nil {
		if attached == session.Created {
			e.sessions.Retire(id)
			return wire.Fail(report.InstanceID, retry.NewBadRequestError(err.Error()))
		}
		logger.Warn("agent stopped advertising a mandatory capability", "capabilities", report.Capabilities.String())
	}
	s.Capabilities = report.Capabilities

	if attached == session.Created {
		if err := e.restore(ctx, id); err != nil {
			e.sessions.Retire(id)
			return wire.Fail(report.InstanceID, e.unavailable(ctx, "restoring agent state", err))
		}
	}

	if report.RequestInstanceID && reassigned == "" {
		newID := e.newID()
		if err := e.reassign(ctx, s, newID); err != nil {
			return wire.Fail(report.InstanceID, e.unavailable(ctx, "reassigning instance id", err))
		}
		logger.Info("agent requested a new instance id", "new_instance_id", wire.FormatInstanceID(newID))
		reply.NewInstanceID = newID
		id = newID
	}

	if report.Disconnect {
		logger.Info("agent disconnected")
		if err := e.disconnect(ctx, s); err != nil {
			logger.With("err", err).Warn("failed to delete session state after disconnect")
		}
		return wire.OK(report.InstanceID, reply)
	}

	completing := false
	switch verdict := s.Validate(report.SequenceNum, now); {
	case verdict == session.Gap:
		logger.Info("sequence gap, requesting full state", "seq", report.SequenceNum)
		e.metrics.gaps.Inc()
		e.metrics.fullState.Inc()
		e.tracker.RequestFullState(id)
	case verdict == session.First, e.tracker.FullStateRequested(id):
		report.Complete()
		completing = true
	}

	if err := e.applyReport(ctx, id, report); err != nil {
		s.Invalidate()
		return wire.Fail(report.InstanceID, e.unavailable(ctx, "storing agent status", err))
	}
	if completing {
		e.tracker.CompleteRound(id)
	}

	fullState := e.tracker.FullStateRequested(id)
	reply.ReportFullState = fullState
	reply.IncludeCapabilities = attached == session.Created || fullState
	if report.ConnectionSettingsRequest.IsSet() {
		logger.Info("agent requested connection settings")
	}
	if err := e.offer(ctx, id, s.Capabilities, fullState, report.ConnectionSettingsRequest.IsSet(), reply); err != nil {
		return wire.Fail(report.InstanceID, e.unavailable(ctx, "reading agent status", err))
	}

	if err := errors.Join(e.sessions.Persist(ctx, s), e.tracker.Persist(ctx, id)); err != nil {
		logger.With("err", err).Warn("failed to persist session state")
	}
	return wire.OK(report.InstanceID, reply)
}

// restore loads what is known about an agent that was not live in this process.
func (e *Engine) restore(ctx context.Context, id string) error {
	if !e.tracker.Known(id) {
		if _, err := e.tracker.Restore(ctx, id); err != nil {
			return err
		}
	}
	if _, ok := e.ledger.Get(id); ok {
		return nil
	}
	facts, err := e.agents.Facts(ctx, id)
	if err != nil {
		return err
	}
	if facts.PackageStatuses != nil {
		e.ledger.Seed(id, facts.PackageStatuses)
	}
	return nil
}

func (e *Engine) reassign(ctx context.Context, s *session.Session, newID string) error {
	oldID := s.InstanceID
	if _, err := e.sessions.Reassign(oldID, newID); err != nil {
		return err
	}
	e.tracker.Move(oldID, newID)
	if st, ok := e.ledger.Get(oldID); ok {
		e.ledger.Seed(newID, st)
		e.ledger.Forget(oldID)
	}
	if err := e.agents.Move(ctx, oldID, newID); err != nil {
		return err
	}
	return errors.Join(e.sessions.Forget(ctx, oldID), e.tracker.Delete(ctx, oldID))
}

// applyReport writes the reported facts that changed since the last report.
func (e *Engine) applyReport(ctx context.Context, id string, r *wire.Report) error {
	u := agent.Update{
		Description:        track(e.tracker, hashdiff.KindDescription, id, r.Description),
		Health:             track(e.tracker, hashdiff.KindHealth, id, r.Health),
		EffectiveConfig:    track(e.tracker, hashdiff.KindEffectiveConfig, id, r.EffectiveConfig),
		RemoteConfigStatus: track(e.tracker, hashdiff.KindRemoteConfigStatus, id, r.RemoteConfigStatus),
	}
	pkgs := r.PackageStatuses
	if reported, ok := pkgs.Get(); ok {
		recorded, anomalies := e.ledger.Observe(id, reported)
		for _, a := range anomalies {
			logutil.FromContext(ctx).Warn("ignoring inconsistent package status", "package", a.Package, "reason", a.Reason)
		}
		pkgs = field.Of(recorded)
	} else if pkgs.IsClear() {
		e.ledger.Forget(id)
	}
	u.PackageStatuses = track(e.tracker, hashdiff.KindPackageStatuses, id, pkgs)
	return e.agents.Apply(ctx, id, u)
}

// track drops a reported value whose hash matches the last one recorded.
func track[M proto.Message](t *hashdiff.Tracker, kind hashdiff.Kind, id string, f field.Field[M]) field.Field[M] {
	switch f.State() {
	case field.Clear:
		t.Clear(kind, id)
	case field.Value:
		v, _ := f.Get()
		h, err := hashing.Message(v)
		if err != nil {
			return f
		}
		if !t.ShouldInclude(kind, id, h) {
			return field.Field[M]{}
		}
		t.RecordSent(kind, id, h)
	}
	return f
}

// offer fills reply with every offer the agent is missing.
func (e *Engine) offer(
	ctx context.Context,
	id string,
	caps capabilities.Agent,
	fullState bool,
	settingsRequested bool,
	reply *wire.Reply,
) error {
	facts, err := e.agents.Facts(ctx, id)
	if err != nil {
		return err
	}
	allowed := capabilities.Negotiate(e.cfg.Capabilities, caps)
	if allowed.Has(capabilities.FieldRemoteConfig) {
		if auth, ok := e.remoteConfigs.For(id); ok {
			reply.RemoteConfig = e.remoteConfigReconciler.Reconcile(id, auth, facts.RemoteConfigStatus, fullState)
		}
	}
	if allowed.Has(capabilities.FieldPackagesAvailable) {
		reply.PackagesAvailable = e.packagesReconciler.Reconcile(id, facts.PackageStatuses, fullState)
	}
	if allowed.AnyConnectionSettings() {
		reply.ConnectionSettings = e.connectionSettingsReconciler.Reconcile(id, fullState || settingsRequested)
	}
	return nil
}

// disconnect retires the session and deletes its persisted sequence and hash state.
// Reported status is kept.
func (e *Engine) disconnect(ctx context.Context, s *session.Session) error {
	id := s.InstanceID
	e.sessions.Retire(id)
	e.tracker.Forget(id)
	e.ledger.Forget(id)
	return errors.Join(e.sessions.Forget(ctx, id), e.tracker.Delete(ctx, id))
}

func (e *Engine) unavailable(ctx context.Context, op string, err error) *retry.ServerError {
	logutil.FromContext(ctx).With("err", err).Error("failed " + op)
	return retry.NewUnavailableError(op+": storage unavailable", e.cfg.StorageRetryAfter)
}

func (e *Engine) encode(resp wire.Response, caps capabilities.Agent) *protobufs.ServerToAgent {
	if serr, ok := resp.Err(); ok {
		e.metrics.errors.WithLabelValues(serr.Kind.String()).Inc()
	}
	msg := resp.Encode(e.cfg.Capabilities, caps)
	if msg.GetRemoteConfig() != nil {
		e.metrics.offers.WithLabelValues(hashdiff.KindRemoteConfigOffer.String()).Inc()
	}
	if msg.GetPackagesAvailable() != nil {
		e.metrics.offers.WithLabelValues(hashdiff.KindPackagesOffer.String()).Inc()
	}
	if msg.GetConnectionSettings() != nil {
		e.metrics.offers.WithLabelValues(hashdiff.KindConnectionSettingsOffer.String()).Inc()
	}
	return msg
}

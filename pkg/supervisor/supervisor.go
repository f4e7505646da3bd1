// Package supervisor is the agent side of fleetsync. It drives an opamp-go client,
// applies remote configuration through a ConfigApplier, installs offered packages
// through an Installer and commits connection settings only after verifying them.
package supervisor

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/open-telemetry/opamp-go/client"
	"github.com/open-telemetry/opamp-go/client/types"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/engine/connsettings"
	"github.com/otelfleet/fleetsync/pkg/engine/packages"
	"github.com/otelfleet/fleetsync/pkg/engine/remoteconfig"
	"github.com/otelfleet/fleetsync/pkg/engine/retry"
	"github.com/otelfleet/fleetsync/pkg/logutil"
	"github.com/otelfleet/fleetsync/pkg/protocol/capabilities"
	"github.com/otelfleet/fleetsync/pkg/protocol/hashing"
)

// reportKey identifies the retry of a rejected status report.
const reportKey = "report"

type Config struct {
	ServerURL string
	TLSConfig *tls.Config
	// Name and Labels are reported in the agent description.
	Name   string
	Labels map[string]string
	// StateDir persists the instance id and reported state across restarts.
	StateDir string
	// Capabilities defaults to everything the supervisor implements.
	Capabilities capabilities.Agent
}

type Supervisor struct {
	logger       *slog.Logger
	clientLogger types.Logger
	cfg          Config
	state        stateDir

	opampClient client.OpAMPClient
	applier     ConfigApplier
	installer   Installer
	probe       connsettings.Probe

	mu          sync.Mutex
	instanceUID uuid.UUID
	startTime   time.Time

	remoteConfig *remoteconfig.Machine
	packages     *packages.Set
	connSettings *connsettings.Rotator
	retries      *retry.Scheduler

	// applyMu serialises remote config applies so they finish in offer order.
	applyMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Supervisor)

// WithClient replaces the default WebSocket client.
func WithClient(c client.OpAMPClient) Option {
	return func(s *Supervisor) {
		s.opampClient = c
	}
}

// WithProbe replaces the verification of offered connection settings.
func WithProbe(p connsettings.Probe) Option {
	return func(s *Supervisor) {
		s.probe = p
	}
}

func WithRetryScheduler(r *retry.Scheduler) Option {
	return func(s *Supervisor) {
		s.retries = r
	}
}

func NewSupervisor(
	logger *slog.Logger,
	cfg Config,
	applier ConfigApplier,
	installer Installer,
	opts ...Option,
) (*Supervisor, error) {
	if cfg.Capabilities == 0 {
		cfg.Capabilities = Capabilities
	}
	state := stateDir(cfg.StateDir)
	if err := state.init(); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	id, err := state.instanceUID()
	if err != nil {
		return nil, fmt.Errorf("loading instance id: %w", err)
	}

	var initial *protobufs.RemoteConfigStatus
	rcs := &protobufs.RemoteConfigStatus{}
	if ok, err := state.load(remoteConfigStatusFile, rcs); err != nil {
		return nil, err
	} else if ok {
		initial = rcs
	}
	pkgs := packages.NewSet()
	ps := &protobufs.PackageStatuses{}
	if ok, err := state.load(packageStatusesFile, ps); err != nil {
		return nil, err
	} else if ok {
		pkgs = packages.RestoreSet(ps)
	}
	rotator, err := connsettings.NewRotator(logger.With("component", "connection-settings"), state.path(connectionSettingsFile))
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		logger:       logger,
		clientLogger: logutil.NewOpAMPLogger(logger),
		cfg:          cfg,
		state:        state,
		applier:      applier,
		installer:    installer,
		probe:        dialProbe(logger.With("component", "connection-probe"), cfg),
		instanceUID:  id,
		startTime:    time.Now(),
		remoteConfig: remoteconfig.NewMachine(initial),
		packages:     pkgs,
		connSettings: rotator,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.opampClient == nil {
		s.opampClient = client.NewWebSocket(s.clientLogger)
	}
	if s.retries == nil {
		s.retries = retry.NewScheduler(logger.With("component", "retry"))
	}
	return s, nil
}

// InstanceID returns the current instance id in its textual form.
func (s *Supervisor) InstanceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instanceUID.String()
}

// ConnectionSettings returns the committed connection settings.
func (s *Supervisor) ConnectionSettings() *protobufs.ConnectionSettingsOffers {
	return s.connSettings.Current()
}

func (s *Supervisor) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	// committed settings from an earlier rotation take precedence over the flags
	endpoint, tlsCfg, header, err := clientSettings(s.cfg, s.connSettings.Current().GetOpamp())
	if err != nil {
		return fmt.Errorf("resolving OpAMP connection settings: %w", err)
	}
	settings := types.StartSettings{
		OpAMPServerURL:        endpoint,
		TLSConfig:             tlsCfg,
		Header:                header,
		InstanceUid:           types.InstanceUid(s.instanceUID),
		Capabilities:          protobufs.AgentCapabilities(s.cfg.Capabilities.Uint64()),
		RemoteConfigStatus:    s.remoteConfig.Status(),
		PackagesStateProvider: &packageState{s: s},
		Callbacks: types.Callbacks{
			OnConnect: func(ctx context.Context) {
				s.logger.Info("connected to OpAMP server")
				s.ReportHealth(true, "connected", "")
			},
			OnConnectFailed: func(ctx context.Context, err error) {
				s.logger.With("err", err).Error("failed to connect to the server")
			},
			OnError:                   s.onError,
			OnMessage:                 s.onMessage,
			OnOpampConnectionSettings: s.onOpampConnectionSettings,
			GetEffectiveConfig:        s.effectiveConfig,
		},
	}

	if err := s.opampClient.SetAgentDescription(s.description()); err != nil {
		return err
	}
	if err := s.opampClient.SetHealth(BuildComponentHealth(true, "initialized", "", s.startTime)); err != nil {
		s.logger.With("err", err).Warn("failed to set initial health")
	}
	s.logger.With("instance_id", s.InstanceID(), "server", settings.OpAMPServerURL).Info("starting opamp client")
	return s.opampClient.Start(ctx, settings)
}

func (s *Supervisor) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.retries.Stop()
	s.wg.Wait()
	if err := s.applier.Shutdown(); err != nil {
		s.logger.With("err", err).Error("failed to shutdown config applier")
	}
	return s.opampClient.Stop(ctx)
}

func (s *Supervisor) description() *protobufs.AgentDescription {
	return BuildAgentDescription(s.InstanceID(), s.cfg.Name, s.cfg.Labels)
}

func (s *Supervisor) onMessage(ctx context.Context, msg *types.MessageData) {
	s.logger.Log(ctx, logutil.LevelTrace, "received message")
	s.retries.Supersede(reportKey)

	if id := msg.AgentIdentification; id != nil {
		s.onIdentification(id)
	}
	if offer := msg.RemoteConfig; offer != nil {
		s.onRemoteConfig(offer)
	}
	if offers := otherSettings(msg); offers != nil {
		s.async(func(ctx context.Context) {
			if err := s.rotate(ctx, offers); err != nil {
				s.logger.With("err", err).Warn("rejected connection settings")
			}
		})
	}
	if avail := msg.PackagesAvailable; avail != nil {
		s.onPackages(avail)
	}
}

func (s *Supervisor) async(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Supervisor) onIdentification(id *protobufs.AgentIdentification) {
	newID, err := uuid.FromBytes(id.GetNewInstanceUid())
	if err != nil {
		s.logger.With("err", err).Error("server assigned an invalid instance id")
		return
	}
	s.mu.Lock()
	old := s.instanceUID
	s.instanceUID = newID
	s.mu.Unlock()
	s.logger.With("old", old.String(), "new", newID.String()).Info("server assigned a new instance id")
	if err := s.state.saveInstanceUID(newID); err != nil {
		s.logger.With("err", err).Error("failed to persist instance id")
	}
	if err := s.opampClient.SetAgentDescription(s.description()); err != nil {
		s.logger.With("err", err).Warn("failed to update agent description")
	}
}

func (s *Supervisor) onRemoteConfig(offer *protobufs.AgentRemoteConfig) {
	l := s.logger.With("type", "remote-config", "hash", hashing.Hex(offer.GetConfigHash()))
	if !s.remoteConfig.Receive(offer) {
		l.Debug("remote config already applied")
		return
	}
	l.Info("received remote configuration")
	s.reportRemoteConfigStatus()

	s.async(func(ctx context.Context) {
		s.applyMu.Lock()
		defer s.applyMu.Unlock()
		if !bytes.Equal(s.remoteConfig.Status().GetLastRemoteConfigHash(), offer.GetConfigHash()) {
			l.Debug("remote config superseded before apply")
			return
		}
		if err := s.applier.Apply(ctx, offer.GetConfig()); err != nil {
			l.With("err", err).Error("failed to apply remote config")
			s.remoteConfig.Failed(err.Error())
		} else {
			l.Info("applied remote config")
			s.remoteConfig.Applied()
		}
		s.reportRemoteConfigStatus()
		if err := s.opampClient.UpdateEffectiveConfig(ctx); err != nil {
			l.With("err", err).Warn("failed to report effective config")
		}
	})
}

func (s *Supervisor) reportRemoteConfigStatus() {
	st := s.remoteConfig.Status()
	if err := s.opampClient.SetRemoteConfigStatus(st); err != nil {
		s.logger.With("err", err, "status", st.GetStatus().String()).Error("failed to report remote config status to upstream server")
	}
	if err := s.state.save(remoteConfigStatusFile, st); err != nil {
		s.logger.With("err", err).Error("failed to persist remote config status")
	}
}

func (s *Supervisor) onPackages(avail *protobufs.PackagesAvailable) {
	install, remove := s.packages.Receive(avail)
	if len(install) == 0 && len(remove) == 0 {
		s.logger.Debug("package offer unchanged")
		s.reportPackages()
		return
	}
	s.logger.Info("received package offer", "install", install, "remove", remove)
	s.reportPackages()
	for _, name := range install {
		pkg := avail.GetPackages()[name]
		s.async(func(ctx context.Context) {
			s.install(ctx, name, pkg)
		})
	}
	for _, name := range remove {
		s.async(func(ctx context.Context) {
			if err := s.installer.Remove(ctx, name); err != nil {
				s.logger.With("err", err, "package", name).Warn("failed to remove package")
			}
		})
	}
}

func (s *Supervisor) install(ctx context.Context, name string, pkg *protobufs.PackageAvailable) {
	l := s.logger.With("package", name, "version", pkg.GetVersion())
	m, ok := s.packages.Machine(name)
	if !ok {
		return
	}
	if err := m.BeginInstall(); err != nil {
		l.With("err", err).Debug("package install not started")
		return
	}
	s.reportPackages()
	if err := s.installer.Install(ctx, name, pkg); err != nil {
		l.With("err", err).Error("failed to install package")
		_ = m.Fail(err.Error())
	} else {
		l.Info("installed package")
		_ = m.Succeed()
	}
	s.reportPackages()
}

func (s *Supervisor) reportPackages() {
	st := s.packages.Status()
	if err := s.opampClient.SetPackageStatuses(st); err != nil {
		s.logger.With("err", err).Error("failed to report package statuses")
	}
	if err := s.state.save(packageStatusesFile, st); err != nil {
		s.logger.With("err", err).Error("failed to persist package statuses")
	}
}

func (s *Supervisor) onOpampConnectionSettings(ctx context.Context, settings *protobufs.OpAMPConnectionSettings) error {
	if err := s.rotate(ctx, &protobufs.ConnectionSettingsOffers{Opamp: settings}); err != nil {
		s.logger.With("err", err).Warn("rejected OpAMP connection settings")
		return err
	}
	return nil
}

// rotate stages offers and commits them once the probe accepts them. Committed
// OpAMP settings are used from the next start of the client.
func (s *Supervisor) rotate(ctx context.Context, offers *protobufs.ConnectionSettingsOffers) error {
	if !s.connSettings.Stage(offers) {
		return nil
	}
	return s.connSettings.Verify(ctx, s.probe)
}

func otherSettings(msg *types.MessageData) *protobufs.ConnectionSettingsOffers {
	if msg.OwnMetricsConnSettings == nil && msg.OwnTracesConnSettings == nil &&
		msg.OwnLogsConnSettings == nil && len(msg.OtherConnSettings) == 0 {
		return nil
	}
	return &protobufs.ConnectionSettingsOffers{
		OwnMetrics:       msg.OwnMetricsConnSettings,
		OwnTraces:        msg.OwnTracesConnSettings,
		OwnLogs:          msg.OwnLogsConnSettings,
		OtherConnections: msg.OtherConnSettings,
	}
}

func (s *Supervisor) onError(ctx context.Context, resp *protobufs.ServerErrorResponse) {
	serr := retry.Classify(resp)
	delay, err := s.retries.Schedule(reportKey, serr, s.resend)
	switch {
	case errors.Is(err, retry.ErrNotRetryable):
		s.logger.With("err", serr).Error("server rejected message")
	case err != nil:
		s.logger.With("err", serr, "retry", err).Error("giving up on rejected message")
	default:
		s.logger.With("err", serr, "delay", delay).Warn("server unavailable, retrying")
	}
}

// resend triggers a new status report. The server answers a report that follows a
// lost one with a full state request.
func (s *Supervisor) resend() {
	if err := s.opampClient.UpdateEffectiveConfig(s.ctx); err != nil {
		s.logger.With("err", err).Warn("failed to resend status report")
	}
}

func (s *Supervisor) effectiveConfig(_ context.Context) (*protobufs.EffectiveConfig, error) {
	cfg, err := s.applier.EffectiveConfig()
	if err != nil {
		s.logger.With("err", err).Error("failed to get effective config")
		return nil, err
	}
	return &protobufs.EffectiveConfig{ConfigMap: cfg}, nil
}

// ReportHealth sends the collector health to the server. Appliers watching the
// collector process call it.
func (s *Supervisor) ReportHealth(healthy bool, status, lastErrorMessage string) {
	if err := s.opampClient.SetHealth(BuildComponentHealth(healthy, status, lastErrorMessage, s.startTime)); err != nil {
		s.logger.With("err", err).Warn("failed to report health")
	}
}

// packageState hands the opamp-go client the statuses to report on connect.
// Packages are fetched by the Installer, never through the client's syncer, so the
// provider answers from the package set and refuses to modify it.
type packageState struct {
	s *Supervisor
}

var _ types.PackagesStateProvider = (*packageState)(nil)

var errPackagesManaged = errors.New("packages are installed by the supervisor")

func (p *packageState) AllPackagesHash() ([]byte, error) {
	return p.s.packages.Status().GetServerProvidedAllPackagesHash(), nil
}

func (p *packageState) SetAllPackagesHash([]byte) error {
	return errPackagesManaged
}

func (p *packageState) Packages() ([]string, error) {
	var names []string
	for name, st := range p.s.packages.Status().GetPackages() {
		if st.GetAgentHasVersion() != "" || len(st.GetAgentHasHash()) > 0 {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

func (p *packageState) PackageState(name string) (types.PackageState, error) {
	st, ok := p.s.packages.Status().GetPackages()[name]
	if !ok || (st.GetAgentHasVersion() == "" && len(st.GetAgentHasHash()) == 0) {
		return types.PackageState{}, nil
	}
	return types.PackageState{
		Exists:  true,
		Hash:    st.GetAgentHasHash(),
		Version: st.GetAgentHasVersion(),
	}, nil
}

func (p *packageState) SetPackageState(string, types.PackageState) error {
	return errPackagesManaged
}

func (p *packageState) CreatePackage(string, protobufs.PackageType) error {
	return errPackagesManaged
}

func (p *packageState) FileContentHash(name string) ([]byte, error) {
	st, err := p.PackageState(name)
	if err != nil || !st.Exists {
		return nil, err
	}
	return st.Hash, nil
}

func (p *packageState) UpdateContent(context.Context, string, io.Reader, []byte, []byte) error {
	return errPackagesManaged
}

func (p *packageState) DeletePackage(string) error {
	return errPackagesManaged
}

func (p *packageState) LastReportedStatuses() (*protobufs.PackageStatuses, error) {
	return p.s.packages.Status(), nil
}

// SetLastReportedStatuses is called on every status report. The package set is
// persisted by the supervisor itself.
func (p *packageState) SetLastReportedStatuses(*protobufs.PackageStatuses) error {
	return nil
}

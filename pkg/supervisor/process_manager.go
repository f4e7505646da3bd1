package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/natefinch/atomic"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/protocol/hashing"
)

const (
	shutdownSignal   = syscall.SIGTERM
	gracefulShutdown = time.Minute
	hashFile         = "config.hash"
)

var ErrEmptyConfig = errors.New("remote config has no files")

// ProcManager runs the collector as a child process started with one --config
// flag per remote config file.
type ProcManager struct {
	logger     *slog.Logger
	BinaryPath string
	ConfigDir  string
	// StartGrace is how long the collector must stay up before a config counts as applied.
	StartGrace time.Duration

	runMu     sync.Mutex
	cmd       *exec.Cmd
	cmdExited chan struct{}
	curHash   []byte

	reportHealthFn func(healthy bool, status, lastErrorMessage string)
}

var _ ConfigApplier = (*ProcManager)(nil)

func NewProcManager(
	logger *slog.Logger,
	binaryPath,
	configDir string,
	reportFn func(bool, string, string),
) *ProcManager {
	return &ProcManager{
		logger:         logger,
		BinaryPath:     binaryPath,
		ConfigDir:      configDir,
		StartGrace:     2 * time.Second,
		reportHealthFn: reportFn,
	}
}

func (p *ProcManager) Apply(ctx context.Context, cfg *protobufs.AgentConfigMap) error {
	if len(cfg.GetConfigMap()) == 0 {
		return ErrEmptyConfig
	}
	p.runMu.Lock()
	defer p.runMu.Unlock()

	hash := hashing.ConfigMap(cfg)
	if bytes.Equal(p.curHash, hash) && p.cmd != nil {
		p.logger.Info("got identical config, skipping update")
		return nil
	}
	return p.runLocked(ctx, cfg, hash)
}

func (p *ProcManager) runLocked(ctx context.Context, cfg *protobufs.AgentConfigMap, hash []byte) error {
	if err := os.MkdirAll(p.ConfigDir, 0o755); err != nil {
		return err
	}
	if err := p.pruneLocked(cfg); err != nil {
		return err
	}
	names := slices.Sorted(maps.Keys(cfg.GetConfigMap()))
	args := make([]string, 0, 2*len(names))
	for _, name := range names {
		if err := p.writeConfigLocked(name, cfg.GetConfigMap()[name]); err != nil {
			return err
		}
		args = append(args, "--config", path.Join(p.ConfigDir, name))
	}
	if err := atomic.WriteFile(path.Join(p.ConfigDir, hashFile), bytes.NewReader(hash)); err != nil {
		return err
	}

	p.stopLocked()
	p.logger.With("binary", p.BinaryPath, "args", strings.Join(args, " ")).Info("executing command...")
	cmd := exec.Command(p.BinaryPath, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("error creating stderr pipe for collector: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("error creating stdout pipe for collector: %w", err)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("error starting collector: %w", err)
	}
	go p.handleLogs(stderr)
	go p.handleLogs(stdout)

	exited := make(chan struct{})
	var waitErr error
	go func() {
		defer close(exited)
		waitErr = cmd.Wait()
		p.logger.With("exit-status", waitErr).Info("command exited")
		if waitErr != nil && p.reportHealthFn != nil {
			p.reportHealthFn(false, "collector exited", waitErr.Error())
		}
	}()

	select {
	case <-exited:
		return fmt.Errorf("collector exited during startup: %v", waitErr)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-exited
		return ctx.Err()
	case <-time.After(p.StartGrace):
	}
	p.cmd = cmd
	p.cmdExited = exited
	p.curHash = hash
	if p.reportHealthFn != nil {
		p.reportHealthFn(true, "running", "")
	}
	return nil
}

func (p *ProcManager) handleLogs(rc io.ReadCloser) {
	defer rc.Close()

	l := p.logger.With("service", "otelcol")
	bo := backoff.NewExponentialBackOff()

	s := bufio.NewReader(rc)
	for {
		ln, err := s.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				break
			}
			l.With("err", err).Error("failed to read log")
			time.Sleep(bo.NextBackOff())
			continue
		}
		ln = strings.TrimRight(ln, "\r\n")
		bo.Reset()

		if ln == "" {
			continue
		}
		l.Debug(ln)
	}
}

func (p *ProcManager) Shutdown() error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	p.stopLocked()
	return nil
}

// stopLocked signals the running collector and waits for it, killing it after
// the graceful period.
func (p *ProcManager) stopLocked() {
	if p.cmd == nil || p.cmd.Process == nil {
		return
	}
	_ = p.cmd.Process.Signal(shutdownSignal)
	select {
	case <-p.cmdExited:
	case <-time.After(gracefulShutdown):
		if err := p.cmd.Process.Kill(); err != nil {
			p.logger.With("err", err).Error("failed to kill the process")
		} else {
			<-p.cmdExited
		}
	}
	p.cmd = nil
	p.cmdExited = nil
}

// pruneLocked removes config files that are no longer part of the remote config.
func (p *ProcManager) pruneLocked(cfg *protobufs.AgentConfigMap) error {
	entries, err := os.ReadDir(p.ConfigDir)
	if err != nil {
		return fmt.Errorf("reading config directory: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == hashFile {
			continue
		}
		if _, ok := cfg.GetConfigMap()[name]; ok {
			continue
		}
		if err := os.Remove(path.Join(p.ConfigDir, name)); err != nil {
			return err
		}
	}
	return nil
}

func (p *ProcManager) writeConfigLocked(name string, config *protobufs.AgentConfigFile) error {
	fileName := path.Join(p.ConfigDir, name)
	p.logger.With("file", fileName).Info("writing config file")
	return atomic.WriteFile(fileName, bytes.NewReader(config.GetBody()))
}

func (p *ProcManager) EffectiveConfig() (*protobufs.AgentConfigMap, error) {
	entries, err := os.ReadDir(p.ConfigDir)
	if errors.Is(err, os.ErrNotExist) {
		return &protobufs.AgentConfigMap{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config directory: %w", err)
	}

	configMap := make(map[string]*protobufs.AgentConfigFile)
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == hashFile {
			continue
		}
		name := entry.Name()
		body, err := os.ReadFile(path.Join(p.ConfigDir, name))
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", name, err)
		}
		configMap[name] = &protobufs.AgentConfigFile{
			Body:        body,
			ContentType: guessContentType(name),
		}
	}
	return &protobufs.AgentConfigMap{ConfigMap: configMap}, nil
}

func guessContentType(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".yaml", ".yml":
		return "application/x-yaml"
	case ".json":
		return "application/json"
	case ".toml":
		return "application/toml"
	default:
		return "text/plain"
	}
}

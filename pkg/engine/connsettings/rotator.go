package connsettings

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/protocol/hashing"
	"google.golang.org/protobuf/proto"
)

var ErrNothingStaged = errors.New("no connection settings staged")

// Probe checks that the agent can operate with candidate settings, for example by
// dialing the new OpAMP endpoint with the new certificate.
type Probe func(ctx context.Context, candidate *protobufs.ConnectionSettingsOffers) error

// Rotator holds the agent's committed connection settings. New settings are staged
// as a candidate and replace the committed ones only after a successful probe.
type Rotator struct {
	logger *slog.Logger
	path   string

	mu        sync.Mutex
	current   *protobufs.ConnectionSettingsOffers
	candidate *protobufs.ConnectionSettingsOffers
}

// NewRotator loads committed settings from path when it exists. An empty path keeps
// settings in memory only.
func NewRotator(logger *slog.Logger, path string) (*Rotator, error) {
	r := &Rotator{
		logger:  logger,
		path:    path,
		current: &protobufs.ConnectionSettingsOffers{},
	}
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading connection settings: %w", err)
	}
	if err := proto.Unmarshal(data, r.current); err != nil {
		return nil, fmt.Errorf("decoding connection settings: %w", err)
	}
	return r, nil
}

// Stage merges offer into a candidate. It reports false when the result would not
// change the committed settings, in which case nothing is staged.
func (r *Rotator) Stage(offer *protobufs.ConnectionSettingsOffers) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	candidate := Merge(r.current, offer)
	if hashing.Equal(candidate.GetHash(), Hash(r.current)) {
		r.candidate = nil
		return false
	}
	r.candidate = candidate
	return true
}

// Verify probes the staged candidate and commits it on success. On failure the
// candidate is discarded and the committed settings stay untouched.
func (r *Rotator) Verify(ctx context.Context, probe Probe) error {
	r.mu.Lock()
	candidate := r.candidate
	r.mu.Unlock()
	if candidate == nil {
		return ErrNothingStaged
	}

	if err := probe(ctx, candidate); err != nil {
		r.mu.Lock()
		if r.candidate == candidate {
			r.candidate = nil
		}
		r.mu.Unlock()
		return fmt.Errorf("connection settings rejected: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.candidate != candidate {
		return errors.New("connection settings superseded during verification")
	}
	if err := r.persist(candidate); err != nil {
		r.candidate = nil
		return err
	}
	r.current = candidate
	r.candidate = nil
	r.logger.Info("committed connection settings", "hash", hashing.Hex(candidate.GetHash()))
	return nil
}

func (r *Rotator) persist(s *protobufs.ConnectionSettingsOffers) error {
	if r.path == "" {
		return nil
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(r.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing connection settings: %w", err)
	}
	return nil
}

// Current returns a copy of the committed settings.
func (r *Rotator) Current() *protobufs.ConnectionSettingsOffers {
	r.mu.Lock()
	defer r.mu.Unlock()
	return proto.Clone(r.current).(*protobufs.ConnectionSettingsOffers)
}

func (r *Rotator) Staged() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.candidate != nil
}

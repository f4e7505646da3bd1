package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"google.golang.org/protobuf/proto"
)

const (
	instanceUIDFile        = "instance_uid"
	remoteConfigStatusFile = "remote_config_status.pb"
	packageStatusesFile    = "package_statuses.pb"
	connectionSettingsFile = "connection_settings.pb"
)

// stateDir keeps what the agent must remember across restarts. An empty dir keeps
// everything in memory.
type stateDir string

func (d stateDir) path(name string) string {
	if d == "" {
		return ""
	}
	return filepath.Join(string(d), name)
}

func (d stateDir) init() error {
	if d == "" {
		return nil
	}
	return os.MkdirAll(string(d), 0o700)
}

// instanceUID returns the persisted instance id, generating and saving a v7 uuid
// on first start.
func (d stateDir) instanceUID() (uuid.UUID, error) {
	if d == "" {
		return uuid.NewV7()
	}
	data, err := os.ReadFile(d.path(instanceUIDFile))
	switch {
	case err == nil:
		return uuid.FromBytes(data)
	case !errors.Is(err, os.ErrNotExist):
		return uuid.Nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, err
	}
	return id, d.saveInstanceUID(id)
}

func (d stateDir) saveInstanceUID(id uuid.UUID) error {
	if d == "" {
		return nil
	}
	return atomic.WriteFile(d.path(instanceUIDFile), bytes.NewReader(id[:]))
}

// load reads a persisted message into m. It reports false when nothing was saved.
func (d stateDir) load(name string, m proto.Message) (bool, error) {
	if d == "" {
		return false, nil
	}
	data, err := os.ReadFile(d.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := proto.Unmarshal(data, m); err != nil {
		return false, fmt.Errorf("decoding %s: %w", name, err)
	}
	return true, nil
}

func (d stateDir) save(name string, m proto.Message) error {
	if d == "" {
		return nil
	}
	data, err := proto.Marshal(m)
	if err != nil {
		return err
	}
	return atomic.WriteFile(d.path(name), bytes.NewReader(data))
}

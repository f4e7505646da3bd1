// Package packages tracks package offers on the server and the per-package
// installation state on the agent.
package packages

import (
	"bytes"
	"errors"
	"sync"

	"github.com/open-telemetry/opamp-go/protobufs"
	"google.golang.org/protobuf/proto"
)

var ErrInvalidTransition = errors.New("invalid package state transition")

const (
	InstallPending = protobufs.PackageStatusEnum_PackageStatusEnum_InstallPending
	Installing     = protobufs.PackageStatusEnum_PackageStatusEnum_Installing
	Installed      = protobufs.PackageStatusEnum_PackageStatusEnum_Installed
	InstallFailed  = protobufs.PackageStatusEnum_PackageStatusEnum_InstallFailed
)

// Machine is the installation state of a single package on the agent. The hash the
// agent holds and the hash the server offered are tracked separately and never conflated.
type Machine struct {
	mu     sync.Mutex
	status *protobufs.PackageStatus
}

func NewMachine(name string) *Machine {
	return &Machine{status: &protobufs.PackageStatus{Name: name}}
}

// RestoreMachine resumes from a previously reported status.
func RestoreMachine(st *protobufs.PackageStatus) *Machine {
	return &Machine{status: proto.Clone(st).(*protobufs.PackageStatus)}
}

// Offer records a server offer and reports whether an install must be started. An
// offer matching what the agent already holds marks the package installed; repeating
// the offer currently in progress changes nothing.
func (m *Machine) Offer(version string, hash []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.status
	if len(st.GetAgentHasHash()) > 0 && bytes.Equal(st.GetAgentHasHash(), hash) {
		st.ServerOfferedVersion = version
		st.ServerOfferedHash = bytes.Clone(hash)
		st.Status = Installed
		st.ErrorMessage = ""
		return false
	}
	if bytes.Equal(st.GetServerOfferedHash(), hash) && len(hash) > 0 {
		return false
	}
	st.ServerOfferedVersion = version
	st.ServerOfferedHash = bytes.Clone(hash)
	st.Status = InstallPending
	st.ErrorMessage = ""
	return true
}

// BeginInstall moves a pending or failed package to Installing.
func (m *Machine) BeginInstall() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.status.GetStatus() {
	case InstallPending, InstallFailed:
	default:
		return ErrInvalidTransition
	}
	if len(m.status.GetServerOfferedHash()) == 0 {
		return ErrInvalidTransition
	}
	m.status.Status = Installing
	m.status.ErrorMessage = ""
	return nil
}

// Succeed completes the install: the agent now holds what the server offered.
func (m *Machine) Succeed() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.GetStatus() != Installing {
		return ErrInvalidTransition
	}
	m.status.AgentHasVersion = m.status.GetServerOfferedVersion()
	m.status.AgentHasHash = bytes.Clone(m.status.GetServerOfferedHash())
	m.status.Status = Installed
	m.status.ErrorMessage = ""
	return nil
}

// Fail records an install failure. The previously installed version is kept.
func (m *Machine) Fail(msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.GetStatus() != Installing {
		return ErrInvalidTransition
	}
	m.status.Status = InstallFailed
	m.status.ErrorMessage = msg
	return nil
}

// LocalInstall records a package installed without a server offer.
func (m *Machine) LocalInstall(version string, hash []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.AgentHasVersion = version
	m.status.AgentHasHash = bytes.Clone(hash)
	m.status.ServerOfferedVersion = ""
	m.status.ServerOfferedHash = nil
	m.status.Status = Installed
	m.status.ErrorMessage = ""
}

// Local reports whether the package was sourced locally rather than offered.
func (m *Machine) Local() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.status.GetAgentHasHash()) > 0 && len(m.status.GetServerOfferedHash()) == 0
}

func (m *Machine) State() protobufs.PackageStatusEnum {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.GetStatus()
}

func (m *Machine) Status() *protobufs.PackageStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return proto.Clone(m.status).(*protobufs.PackageStatus)
}

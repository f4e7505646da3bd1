package packages

import (
	"bytes"
	"maps"
	"slices"
	"sync"

	"github.com/open-telemetry/opamp-go/protobufs"
)

// Set is the agent's view of every package it holds or was offered.
type Set struct {
	mu       sync.Mutex
	machines map[string]*Machine
	// allHash is the aggregate hash of the last PackagesAvailable processed.
	allHash []byte
}

func NewSet() *Set {
	return &Set{machines: map[string]*Machine{}}
}

// RestoreSet resumes from previously reported statuses.
func RestoreSet(st *protobufs.PackageStatuses) *Set {
	s := NewSet()
	for name, p := range st.GetPackages() {
		s.machines[name] = RestoreMachine(p)
	}
	s.allHash = bytes.Clone(st.GetServerProvidedAllPackagesHash())
	return s
}

// Receive processes an offer set. It returns the packages whose install must start
// and the server-provided packages that are no longer offered. An offer set whose
// aggregate hash was already processed is ignored.
func (s *Set) Receive(avail *protobufs.PackagesAvailable) (install, remove []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.allHash) > 0 && bytes.Equal(s.allHash, avail.GetAllPackagesHash()) {
		return nil, nil
	}
	s.allHash = bytes.Clone(avail.GetAllPackagesHash())

	for _, name := range slices.Sorted(maps.Keys(avail.GetPackages())) {
		p := avail.GetPackages()[name]
		m, ok := s.machines[name]
		if !ok {
			m = NewMachine(name)
			s.machines[name] = m
		}
		if m.Offer(p.GetVersion(), p.GetHash()) {
			install = append(install, name)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(s.machines)) {
		if _, offered := avail.GetPackages()[name]; offered || s.machines[name].Local() {
			continue
		}
		delete(s.machines, name)
		remove = append(remove, name)
	}
	return install, remove
}

func (s *Set) Machine(name string) (*Machine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[name]
	return m, ok
}

// LocalInstall records a locally sourced package.
func (s *Set) LocalInstall(name, version string, hash []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[name]
	if !ok {
		m = NewMachine(name)
		s.machines[name] = m
	}
	m.LocalInstall(version, hash)
}

// Status builds the statuses message reported to the server.
func (s *Set) Status() *protobufs.PackageStatuses {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &protobufs.PackageStatuses{
		Packages:                      make(map[string]*protobufs.PackageStatus, len(s.machines)),
		ServerProvidedAllPackagesHash: bytes.Clone(s.allHash),
	}
	for name, m := range s.machines {
		out.Packages[name] = m.Status()
	}
	return out
}

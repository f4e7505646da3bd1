package packages

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/open-telemetry/opamp-go/protobufs"
	"google.golang.org/protobuf/proto"
)

// Anomaly is a reported package status the server refused to record.
type Anomaly struct {
	Package string
	Reason  string
}

func (a Anomaly) String() string {
	return fmt.Sprintf("%s: %s", a.Package, a.Reason)
}

// Ledger is the server's record of the package statuses each agent reported.
type Ledger struct {
	mu     sync.RWMutex
	agents map[string]*protobufs.PackageStatuses
}

func NewLedger() *Ledger {
	return &Ledger{agents: map[string]*protobufs.PackageStatuses{}}
}

// Seed installs a previously persisted record without validation.
func (l *Ledger) Seed(agentID string, st *protobufs.PackageStatuses) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.agents[agentID] = proto.Clone(st).(*protobufs.PackageStatuses)
}

// Observe records a complete package status report. A package reported Installed
// for a server offer must hold exactly the offered hash; reports violating that are
// dropped and returned as anomalies while the previous record for that package is kept.
func (l *Ledger) Observe(agentID string, reported *protobufs.PackageStatuses) (*protobufs.PackageStatuses, []Anomaly) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.agents[agentID]
	next := &protobufs.PackageStatuses{
		Packages:                      make(map[string]*protobufs.PackageStatus, len(reported.GetPackages())),
		ServerProvidedAllPackagesHash: bytes.Clone(reported.GetServerProvidedAllPackagesHash()),
		ErrorMessage:                  reported.GetErrorMessage(),
	}
	var anomalies []Anomaly
	for name, st := range reported.GetPackages() {
		if reason, ok := consistent(prev.GetPackages()[name], st); !ok {
			anomalies = append(anomalies, Anomaly{Package: name, Reason: reason})
			if old, ok := prev.GetPackages()[name]; ok {
				next.Packages[name] = old
			}
			continue
		}
		next.Packages[name] = proto.Clone(st).(*protobufs.PackageStatus)
	}
	l.agents[agentID] = next
	return next, anomalies
}

func consistent(prev, st *protobufs.PackageStatus) (string, bool) {
	if st.GetStatus() != Installed {
		return "", true
	}
	offered := st.GetServerOfferedHash()
	if len(offered) == 0 {
		// locally sourced
		return "", true
	}
	if !bytes.Equal(st.GetAgentHasHash(), offered) {
		if prev.GetStatus() == InstallFailed && bytes.Equal(prev.GetServerOfferedHash(), offered) {
			return "installed after failure without holding the offered hash", false
		}
		return "installed but agent hash differs from offered hash", false
	}
	return "", true
}

func (l *Ledger) Get(agentID string) (*protobufs.PackageStatuses, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.agents[agentID]
	return st, ok
}

func (l *Ledger) Forget(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.agents, agentID)
}

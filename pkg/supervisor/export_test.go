package supervisor

import (
	"crypto/tls"
	"net/http"

	"github.com/open-telemetry/opamp-go/client/types"
)

var DialProbe = dialProbe

// ClientSettings resolves the endpoint, TLS config and headers Start would use.
func (s *Supervisor) ClientSettings() (string, *tls.Config, http.Header, error) {
	return clientSettings(s.cfg, s.connSettings.Current().GetOpamp())
}

func (s *Supervisor) PackageState() types.PackagesStateProvider {
	return &packageState{s: s}
}

package supervisor

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/engine/connsettings"
	"google.golang.org/protobuf/proto"
)

// dialTimeout bounds a single connection attempt with candidate settings.
const dialTimeout = 10 * time.Second

var errNoCACert = errors.New("no certificate found in CA bundle")

// clientSettings resolves how the agent reaches the server given the configured
// defaults and the OpAMP connection settings in effect, which may be nil.
func clientSettings(cfg Config, opamp *protobufs.OpAMPConnectionSettings) (string, *tls.Config, http.Header, error) {
	endpoint := cfg.ServerURL
	if ep := opamp.GetDestinationEndpoint(); ep != "" {
		endpoint = ep
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", nil, nil, fmt.Errorf("parsing OpAMP endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return "", nil, nil, fmt.Errorf("unsupported OpAMP endpoint scheme %q", u.Scheme)
	}

	tlsCfg := cfg.TLSConfig
	if cert := opamp.GetCertificate(); cert != nil {
		if tlsCfg != nil {
			tlsCfg = tlsCfg.Clone()
		} else {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		if len(cert.GetCert()) > 0 || len(cert.GetPrivateKey()) > 0 {
			pair, err := tls.X509KeyPair(cert.GetCert(), cert.GetPrivateKey())
			if err != nil {
				return "", nil, nil, fmt.Errorf("invalid client certificate: %w", err)
			}
			tlsCfg.Certificates = []tls.Certificate{pair}
		}
		if ca := cert.GetCaCert(); len(ca) > 0 {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(ca) {
				return "", nil, nil, errNoCACert
			}
			tlsCfg.RootCAs = pool
		}
	}

	var header http.Header
	if h := opamp.GetHeaders(); h != nil {
		header = http.Header{}
		for _, hdr := range h.GetHeaders() {
			header.Add(hdr.GetKey(), hdr.GetValue())
		}
	}
	return endpoint, tlsCfg, header, nil
}

// dialProbe verifies candidate OpAMP settings by connecting to the server with
// them. Telemetry and other connection groups are only validated by their owners
// and pass unchanged.
func dialProbe(logger *slog.Logger, cfg Config) connsettings.Probe {
	return func(ctx context.Context, candidate *protobufs.ConnectionSettingsOffers) error {
		opamp := candidate.GetOpamp()
		if opamp == nil {
			return nil
		}
		endpoint, tlsCfg, header, err := clientSettings(cfg, opamp)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		if err := dial(ctx, endpoint, tlsCfg, header); err != nil {
			return fmt.Errorf("connecting to %s: %w", endpoint, err)
		}
		logger.With("server", endpoint).Debug("candidate OpAMP settings reached the server")
		return nil
	}
}

// dial opens a connection the way the client would and closes it again without
// sending an agent message, so the server never registers the attempt as an agent.
func dial(ctx context.Context, endpoint string, tlsCfg *tls.Config, header http.Header) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "ws", "wss":
		dialer := &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			TLSClientConfig:  tlsCfg,
			HandshakeTimeout: dialTimeout,
		}
		conn, resp, err := dialer.DialContext(ctx, endpoint, header)
		if err != nil {
			if resp != nil {
				return fmt.Errorf("%w: %s", err, resp.Status)
			}
			return err
		}
		return conn.Close()
	default:
		// an empty message carries no instance id and is rejected before it reaches
		// any agent state
		body, err := proto.Marshal(&protobufs.AgentToServer{})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		for k, v := range header {
			req.Header[k] = v
		}
		req.Header.Set("Content-Type", "application/x-protobuf")
		client := &http.Client{Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsCfg,
		}}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden ||
			resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("server answered %s", resp.Status)
		}
		return nil
	}
}

package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/supervisor"
)

// maxPackageSize bounds a single package download.
const maxPackageSize = 1 << 30

// dirInstaller downloads packages into <dir>/<name>/<version>, verifying the
// offered sha256 content hash when one is set.
type dirInstaller struct {
	logger *slog.Logger
	dir    string
	client *http.Client
}

var _ supervisor.Installer = (*dirInstaller)(nil)

func newDirInstaller(logger *slog.Logger, dir string) *dirInstaller {
	return &dirInstaller{
		logger: logger,
		dir:    dir,
		client: http.DefaultClient,
	}
}

func (d *dirInstaller) Install(ctx context.Context, name string, pkg *protobufs.PackageAvailable) error {
	file := pkg.GetFile()
	if file.GetDownloadUrl() == "" {
		return fmt.Errorf("package %s has no download url", name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.GetDownloadUrl(), nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: unexpected status %s", name, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPackageSize))
	if err != nil {
		return fmt.Errorf("downloading %s: %w", name, err)
	}
	if want := file.GetContentHash(); len(want) > 0 {
		got := sha256.Sum256(body)
		if !bytes.Equal(got[:], want) {
			return fmt.Errorf("checksum mismatch: want %s, got %s", hex.EncodeToString(want), hex.EncodeToString(got[:]))
		}
	}

	target := filepath.Join(d.dir, name, pkg.GetVersion())
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	if err := atomic.WriteFile(filepath.Join(target, filepath.Base(req.URL.Path)), bytes.NewReader(body)); err != nil {
		return err
	}
	d.logger.With("package", name, "version", pkg.GetVersion(), "path", target).Info("installed package")
	return nil
}

func (d *dirInstaller) Remove(_ context.Context, name string) error {
	if err := os.RemoveAll(filepath.Join(d.dir, name)); err != nil {
		return err
	}
	d.logger.With("package", name).Info("removed package")
	return nil
}

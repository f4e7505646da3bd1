package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/open-telemetry/opamp-go/protobufs"
	"gopkg.in/yaml.v3"
)

// LoadRemoteConfig reads collector config files into a config map keyed by base name.
func LoadRemoteConfig(paths []string) (*protobufs.AgentConfigMap, error) {
	cfg := &protobufs.AgentConfigMap{ConfigMap: make(map[string]*protobufs.AgentConfigFile, len(paths))}
	for _, p := range paths {
		body, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading remote config: %w", err)
		}
		name := filepath.Base(p)
		if _, dup := cfg.ConfigMap[name]; dup {
			return nil, fmt.Errorf("remote config file name %q used twice", name)
		}
		cfg.ConfigMap[name] = &protobufs.AgentConfigFile{
			Body:        body,
			ContentType: contentType(name),
		}
	}
	return cfg, nil
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return "application/x-yaml"
	case ".json":
		return "application/json"
	default:
		return "text/plain"
	}
}

type packageCatalog struct {
	Packages map[string]packageEntry `yaml:"packages"`
}

type packageEntry struct {
	// Type is "top_level" or "addon".
	Type        string `yaml:"type"`
	Version     string `yaml:"version"`
	DownloadURL string `yaml:"download_url"`
	// ContentHash is the hex sha256 of the downloaded file.
	ContentHash string `yaml:"content_hash"`
	Signature   string `yaml:"signature"`
}

// LoadPackageCatalog reads the packages offered to agents from a YAML file:
//
//	packages:
//	  otelcol:
//	    type: top_level
//	    version: 0.120.0
//	    download_url: https://example.com/otelcol.tar.gz
//	    content_hash: 9f86d0...
func LoadPackageCatalog(path string) (map[string]*protobufs.PackageAvailable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading package catalog: %w", err)
	}
	var cat packageCatalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parsing package catalog %s: %w", path, err)
	}
	ret := make(map[string]*protobufs.PackageAvailable, len(cat.Packages))
	for name, e := range cat.Packages {
		pkg, err := e.toProto()
		if err != nil {
			return nil, fmt.Errorf("package %s: %w", name, err)
		}
		ret[name] = pkg
	}
	return ret, nil
}

func (e packageEntry) toProto() (*protobufs.PackageAvailable, error) {
	var typ protobufs.PackageType
	switch strings.ToLower(e.Type) {
	case "", "top_level", "toplevel":
		typ = protobufs.PackageType_PackageType_TopLevel
	case "addon":
		typ = protobufs.PackageType_PackageType_Addon
	default:
		return nil, fmt.Errorf("unknown package type %q", e.Type)
	}
	if e.Version == "" {
		return nil, fmt.Errorf("missing version")
	}
	if e.DownloadURL == "" {
		return nil, fmt.Errorf("missing download_url")
	}
	hash, err := hex.DecodeString(e.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("invalid content_hash: %w", err)
	}
	return &protobufs.PackageAvailable{
		Type:    typ,
		Version: e.Version,
		File: &protobufs.DownloadableFile{
			DownloadUrl: e.DownloadURL,
			ContentHash: hash,
			Signature:   []byte(e.Signature),
		},
	}, nil
}

// Package storage runs the pebble database backing every fleetsync store as a
// dskit service.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cockroachdb/pebble/v2"
	"github.com/grafana/dskit/services"
	"github.com/otelfleet/fleetsync/pkg/storage"
	otelpebble "github.com/otelfleet/fleetsync/pkg/storage/pebble"
)

type StorageService struct {
	logger *slog.Logger
	db     *pebble.DB
	broker storage.KVBroker

	services.Service
	storagePath string
}

var _ services.Service = (*StorageService)(nil)
var _ storage.KVBroker = (*StorageService)(nil)

// NewStorageService opens the database at storagePath, creating the directory when
// missing. The database is closed when the service stops.
func NewStorageService(
	logger *slog.Logger,
	storagePath string,
) (*StorageService, error) {
	if err := os.MkdirAll(storagePath, 0o700); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	kvDb, err := pebble.Open(storagePath, &pebble.Options{})
	if err != nil {
		logger.With("path", storagePath, "err", err).Error("failed to open KV store")
		return nil, err
	}
	s := &StorageService{
		logger:      logger,
		storagePath: storagePath,
		db:          kvDb,
		broker:      otelpebble.NewKVBroker(kvDb),
	}
	s.Service = services.NewBasicService(nil, s.running, s.stopping)
	return s, nil
}

func (s *StorageService) running(ctx context.Context) error {
	s.logger.With("path", s.storagePath).Info("storage ready")
	<-ctx.Done()
	return nil
}

func (s *StorageService) stopping(_ error) error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Flush(); err != nil {
		s.logger.With("err", err).Warn("failed to flush KV store")
	}
	return s.db.Close()
}

func (s *StorageService) KeyValue(prefix string) storage.KV {
	return s.broker.KeyValue(prefix)
}

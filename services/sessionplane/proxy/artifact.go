// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"cloud.google.com/go/storage"
	"github.com/dgraph-io/badger/v4"
	"google.golang.org/api/option"

	docstore "github.com/jinterlante1206/sessionplane/services/sessionplane/storage"
)

// ErrNoArtifact is returned when no trained model has been saved.
var ErrNoArtifact = errors.New("no model artifact")

// ArtifactStore saves and loads the trained model.
type ArtifactStore interface {
	Save(ctx context.Context, m *LogisticModel) error
	Load(ctx context.Context) (*LogisticModel, error)
}

const currentModelKey = "current"

// BadgerArtifactStore keeps the model as a JSON document under
// "proxy_model/current".
type BadgerArtifactStore struct {
	docs *docstore.Collection[LogisticModel]
}

// NewBadgerArtifactStore creates a store on db.
func NewBadgerArtifactStore(db *badger.DB, logger *slog.Logger) *BadgerArtifactStore {
	return &BadgerArtifactStore{docs: docstore.NewCollection[LogisticModel](db, "proxy_model", logger)}
}

// Save writes the model synchronously.
func (s *BadgerArtifactStore) Save(_ context.Context, m *LogisticModel) error {
	if m == nil {
		return fmt.Errorf("save model: nil model")
	}
	return s.docs.PutSync(currentModelKey, *m)
}

// Load reads the model, or returns ErrNoArtifact.
func (s *BadgerArtifactStore) Load(_ context.Context) (*LogisticModel, error) {
	m, ok, err := s.docs.Get(currentModelKey)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	if !ok {
		return nil, ErrNoArtifact
	}
	return &m, nil
}

// GCSArtifactStore keeps the model as a JSON object in a GCS bucket.
type GCSArtifactStore struct {
	client *storage.Client
	bucket string
	object string
}

// NewGCSArtifactStore creates a client authenticated with a service
// account key file.
//
// # Inputs
//
//   - bucket: Bucket name.
//   - object: Object path, e.g. "sessionplane/proxy_model.json".
//   - saKeyPath: Path to the service account JSON key.
func NewGCSArtifactStore(ctx context.Context, bucket, object, saKeyPath string) (*GCSArtifactStore, error) {
	if _, err := os.Stat(saKeyPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("service account key not found at path: %s", saKeyPath)
	}
	client, err := storage.NewClient(ctx, option.WithCredentialsFile(saKeyPath))
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSArtifactStore{client: client, bucket: bucket, object: object}, nil
}

// Save uploads the model.
func (s *GCSArtifactStore) Save(ctx context.Context, m *LogisticModel) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal model: %w", err)
	}
	w := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", s.bucket, s.object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", s.object, err)
	}
	return nil
}

// Load downloads the model.
func (s *GCSArtifactStore) Load(ctx context.Context) (*LogisticModel, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNoArtifact
	}
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", s.bucket, s.object, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", s.bucket, s.object, err)
	}
	var m LogisticModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	return &m, nil
}

// Close releases the GCS client.
func (s *GCSArtifactStore) Close() error {
	return s.client.Close()
}

// MirroredArtifactStore saves to a primary store and copies to a mirror.
// A mirror failure is logged, never returned; loads fall back to the
// mirror only when the primary has no artifact.
type MirroredArtifactStore struct {
	Primary ArtifactStore
	Mirror  ArtifactStore
	Logger  *slog.Logger
}

// Save writes to the primary, then the mirror.
func (s MirroredArtifactStore) Save(ctx context.Context, m *LogisticModel) error {
	if err := s.Primary.Save(ctx, m); err != nil {
		return err
	}
	if s.Mirror != nil {
		if err := s.Mirror.Save(ctx, m); err != nil {
			s.logger().Warn("model mirror upload failed", "error", err)
		}
	}
	return nil
}

// Load reads the primary, falling back to the mirror.
func (s MirroredArtifactStore) Load(ctx context.Context) (*LogisticModel, error) {
	m, err := s.Primary.Load(ctx)
	if errors.Is(err, ErrNoArtifact) && s.Mirror != nil {
		return s.Mirror.Load(ctx)
	}
	return m, err
}

func (s MirroredArtifactStore) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

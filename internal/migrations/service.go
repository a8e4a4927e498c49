// Package migrations owns the database schema. Migration files are embedded
// and applied with goose.
package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var embedded embed.FS

// Files is the migration set rooted at its directory.
func Files() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

type FileInfo struct {
	Name     string `json:"name"`
	Checksum string `json:"checksum"`
}

type Status struct {
	Name      string `json:"name"`
	Version   int64  `json:"version"`
	Checksum  string `json:"checksum,omitempty"`
	Applied   bool   `json:"applied"`
	AppliedAt string `json:"applied_at,omitempty"`
}

type Service struct {
	fsys     fs.FS
	provider *goose.Provider
}

func NewService(db *sql.DB) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	fsys := Files()
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("create goose provider: %w", err)
	}
	return &Service{fsys: fsys, provider: provider}, nil
}

// Up applies all pending migrations.
func (s *Service) Up(ctx context.Context) (int, error) {
	results, err := s.provider.Up(ctx)
	if err != nil {
		return len(results), fmt.Errorf("apply migrations: %w", err)
	}
	return len(results), nil
}

func (s *Service) List() ([]FileInfo, error) {
	return listFiles(s.fsys)
}

func (s *Service) Status(ctx context.Context) ([]Status, error) {
	files, err := s.List()
	if err != nil {
		return nil, err
	}
	checksums := make(map[string]string, len(files))
	for _, f := range files {
		checksums[f.Name] = f.Checksum
	}

	statuses, err := s.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	out := make([]Status, 0, len(statuses))
	for _, st := range statuses {
		name := path.Base(st.Source.Path)
		item := Status{
			Name:     name,
			Version:  st.Source.Version,
			Checksum: checksums[name],
			Applied:  st.State == goose.StateApplied,
		}
		if item.Applied && !st.AppliedAt.IsZero() {
			item.AppliedAt = st.AppliedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, item)
	}
	return out, nil
}

func listFiles(fsys fs.FS) ([]FileInfo, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	out := make([]FileInfo, 0)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		b, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sum := sha256.Sum256(b)
		out = append(out, FileInfo{Name: e.Name(), Checksum: hex.EncodeToString(sum[:])})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

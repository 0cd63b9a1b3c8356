package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

type Serializer interface {
	Marshal(data any) ([]byte, error)
}

type Writer interface {
	Write(filename string, data []byte) error
}

type JSONSerializer struct {
	Prefix, Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	return json.MarshalIndent(data, s.Prefix, s.Indent)
}

// FileWriter replaces files through a temp file and a rename so readers never
// see a partial record.
type FileWriter struct{}

func (FileWriter) Write(filename string, data []byte) error {
	if filename == "" {
		return os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filename)
}

// FileStore keeps one JSON file per run under Dir/<profile>/.
type FileStore struct {
	Dir        string
	Serializer Serializer
	Writer     Writer
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{
		Dir:        dir,
		Serializer: JSONSerializer{Indent: "    "},
		Writer:     FileWriter{},
	}
}

func (f *FileStore) profileDir(profileID string) string {
	return filepath.Join(f.Dir, url.PathEscape(profileID))
}

func (f *FileStore) Save(_ context.Context, rec Record) error {
	if rec.ProfileID == "" {
		return fmt.Errorf("save run: %w", os.ErrInvalid)
	}
	ensureID(&rec)
	data, err := f.Serializer.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	name := filepath.Join(f.profileDir(rec.ProfileID), rec.ID+".json")
	if err := f.Writer.Write(name, data); err != nil {
		return fmt.Errorf("failed to write run: %w", err)
	}
	return nil
}

func (f *FileStore) Latest(ctx context.Context, profileID string) (Record, error) {
	dir := f.profileDir(profileID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("list runs: %w", err)
	}

	var latest Record
	found := false
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return Record{}, fmt.Errorf("read run: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return Record{}, fmt.Errorf("decode run %s: %w", e.Name(), err)
		}
		if !found || rec.StartedAt.After(latest.StartedAt) {
			latest, found = rec, true
		}
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return latest, nil
}

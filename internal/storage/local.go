package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"resticserver/internal/repo"
)

// LocalStore keeps objects as plain files under a root directory:
//
//	root/[repoName/]
//	  config
//	  data/<2-hex-shard>/<name>
//	  snapshots/<name>
//	  index/<name>
//	  keys/<name>
//	  locks/<name>
//
// Writes go to a temp file in the destination directory and are
// renamed into place, so readers never observe a partial object.
type LocalStore struct {
	layout repo.Layout
}

func NewLocalStore(rootDir string) *LocalStore {
	return &LocalStore{layout: repo.Layout{Root: rootDir}}
}

func (s *LocalStore) Stat(_ context.Context, repoName string, t repo.Type, name string) (int64, error) {
	path, err := s.layout.ObjectPath(repoName, t, name)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat object: %w", err)
	}
	if info.IsDir() {
		return 0, ErrNotFound
	}
	return info.Size(), nil
}

func (s *LocalStore) Open(_ context.Context, repoName string, t repo.Type, name string, offset, length int64) (io.ReadCloser, int64, error) {
	path, err := s.layout.ObjectPath(repoName, t, name)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("open object: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat object: %w", err)
	}
	size := info.Size()

	if err := checkRange(offset, length, size); err != nil {
		f.Close()
		return nil, 0, err
	}
	if offset == 0 && length < 0 {
		return f, size, nil
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("seek object: %w", err)
	}
	remaining := size - offset
	if length >= 0 {
		remaining = length
	}
	return &sectionReadCloser{Reader: io.LimitReader(f, remaining), file: f}, size, nil
}

func (s *LocalStore) Save(_ context.Context, repoName string, t repo.Type, name string, body io.Reader, expected int64) error {
	path, err := s.layout.ObjectPath(repoName, t, name)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	written, copyErr := io.Copy(tmp, body)
	if copyErr == nil && expected >= 0 && written != expected {
		copyErr = fmt.Errorf("%w: declared %d bytes, received %d", ErrLengthMismatch, expected, written)
	}
	if copyErr == nil {
		copyErr = tmp.Sync()
	}
	if closeErr := tmp.Close(); copyErr == nil && closeErr != nil {
		copyErr = fmt.Errorf("close temp object: %w", closeErr)
	}
	if copyErr != nil {
		os.Remove(tmp.Name())
		return copyErr
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit object: %w", err)
	}
	return nil
}

func (s *LocalStore) Delete(_ context.Context, repoName string, t repo.Type, name string) error {
	path, err := s.layout.ObjectPath(repoName, t, name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (s *LocalStore) List(_ context.Context, repoName string, t repo.Type) ([]ObjectInfo, error) {
	dir, err := s.layout.TypeDir(repoName, t)
	if err != nil {
		return nil, err
	}
	if t == repo.TypeConfig {
		return nil, repo.ErrInvalidType
	}

	dirs := []string{dir}
	if t == repo.TypeData {
		shards, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return []ObjectInfo{}, nil
			}
			return nil, fmt.Errorf("list shards: %w", err)
		}
		dirs = dirs[:0]
		for _, shard := range shards {
			if shard.IsDir() {
				dirs = append(dirs, filepath.Join(dir, shard.Name()))
			}
		}
	}

	objects := []ObjectInfo{}
	for _, d := range dirs {
		// Snapshot the entry list before stat-ing so a concurrent
		// mutation cannot duplicate or skip entries mid-scan.
		entries, err := os.ReadDir(d)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if repo.ValidateName(t, name) != nil {
				// Temp files and other strays are not objects.
				continue
			}
			info, err := os.Stat(filepath.Join(d, name))
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, fmt.Errorf("stat listed object: %w", err)
			}
			if !info.Mode().IsRegular() {
				continue
			}
			objects = append(objects, ObjectInfo{Name: name, Size: info.Size()})
		}
	}
	return objects, nil
}

func (s *LocalStore) CreateRepository(_ context.Context, repoName string) error {
	base, err := s.layout.RepoPath(repoName)
	if err != nil {
		return err
	}
	for _, t := range repo.Types() {
		if err := os.MkdirAll(filepath.Join(base, string(t)), 0o755); err != nil {
			return fmt.Errorf("create repository layout: %w", err)
		}
	}
	return nil
}

func (s *LocalStore) DeleteRepository(_ context.Context, repoName string) error {
	base, err := s.layout.RepoPath(repoName)
	if err != nil {
		return err
	}
	if _, err := os.Stat(base); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("stat repository: %w", err)
	}
	if err := os.RemoveAll(base); err != nil {
		return fmt.Errorf("delete repository: %w", err)
	}
	return nil
}

func checkRange(offset, length, size int64) error {
	if offset == 0 && length < 0 {
		return nil
	}
	if offset < 0 || offset >= size {
		return fmt.Errorf("%w: offset %d outside object of %d bytes", ErrInvalidRange, offset, size)
	}
	if length >= 0 && offset+length > size {
		return fmt.Errorf("%w: range end %d outside object of %d bytes", ErrInvalidRange, offset+length, size)
	}
	return nil
}

type sectionReadCloser struct {
	io.Reader
	file *os.File
}

func (r *sectionReadCloser) Close() error {
	return r.file.Close()
}

var _ ObjectStore = (*LocalStore)(nil)

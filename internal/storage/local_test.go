package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	appconfig "resticserver/internal/config"
	"resticserver/internal/repo"
)

func testName(seed byte) string {
	sum := sha256.Sum256([]byte{seed})
	return hex.EncodeToString(sum[:])
}

func saveBytes(t *testing.T, s ObjectStore, repoName string, typ repo.Type, name string, data []byte) {
	t.Helper()
	if err := s.Save(context.Background(), repoName, typ, name, bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("save %s/%s: %v", typ, name, err)
	}
}

func readAll(t *testing.T, s ObjectStore, repoName string, typ repo.Type, name string) []byte {
	t.Helper()
	rc, _, err := s.Open(context.Background(), repoName, typ, name, 0, -1)
	if err != nil {
		t.Fatalf("open %s/%s: %v", typ, name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %s/%s: %v", typ, name, err)
	}
	return data
}

func TestLocalSaveThenOpenRoundTrip(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()

	payload := []byte("snapshot payload")
	name := testName(1)
	saveBytes(t, s, "", repo.TypeSnapshots, name, payload)

	if got := readAll(t, s, "", repo.TypeSnapshots, name); !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %q want %q", got, payload)
	}

	size, err := s.Stat(ctx, "", repo.TypeSnapshots, name)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if size != int64(len(payload)) {
		t.Fatalf("size: got %d want %d", size, len(payload))
	}
}

func TestLocalConfigRoundTrip(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()

	if _, err := s.Stat(ctx, "", repo.TypeConfig, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before save, got %v", err)
	}

	payload := []byte("repository config blob")
	saveBytes(t, s, "", repo.TypeConfig, "", payload)
	if got := readAll(t, s, "", repo.TypeConfig, ""); !bytes.Equal(got, payload) {
		t.Fatalf("config mismatch: got %q want %q", got, payload)
	}

	replacement := []byte("rewritten config")
	saveBytes(t, s, "", repo.TypeConfig, "", replacement)
	if got := readAll(t, s, "", repo.TypeConfig, ""); !bytes.Equal(got, replacement) {
		t.Fatalf("config after rewrite: got %q want %q", got, replacement)
	}
}

func TestLocalDataIsSharded(t *testing.T) {
	root := t.TempDir()
	s := NewLocalStore(root)

	name := testName(2)
	saveBytes(t, s, "", repo.TypeData, name, []byte("blob"))

	sharded := filepath.Join(root, "data", name[:2], name)
	if _, err := os.Stat(sharded); err != nil {
		t.Fatalf("expected sharded blob at %s: %v", sharded, err)
	}
}

func TestLocalDeleteSemantics(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()

	name := testName(3)
	saveBytes(t, s, "", repo.TypeLocks, name, []byte("lock"))

	if err := s.Delete(ctx, "", repo.TypeLocks, name); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := s.Stat(ctx, "", repo.TypeLocks, name); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stat after delete: expected ErrNotFound, got %v", err)
	}
	if _, _, err := s.Open(ctx, "", repo.TypeLocks, name, 0, -1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("open after delete: expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, "", repo.TypeLocks, name); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestLocalOpenRange(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()

	payload := make([]byte, 100)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("generate payload: %v", err)
	}
	name := testName(4)
	saveBytes(t, s, "", repo.TypeData, name, payload)

	rc, size, err := s.Open(ctx, "", repo.TypeData, name, 10, 10)
	if err != nil {
		t.Fatalf("ranged open failed: %v", err)
	}
	defer rc.Close()
	if size != 100 {
		t.Fatalf("total size: got %d want 100", size)
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if !bytes.Equal(got, payload[10:20]) {
		t.Fatalf("range bytes mismatch: got %x want %x", got, payload[10:20])
	}

	rc, _, err = s.Open(ctx, "", repo.TypeData, name, 90, -1)
	if err != nil {
		t.Fatalf("open-ended range failed: %v", err)
	}
	defer rc.Close()
	got, err = io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read open-ended range: %v", err)
	}
	if !bytes.Equal(got, payload[90:]) {
		t.Fatalf("open-ended range mismatch: got %d bytes want 10", len(got))
	}
}

func TestLocalOpenRangeOutsideObject(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()

	name := testName(5)
	saveBytes(t, s, "", repo.TypeData, name, []byte("0123456789"))

	cases := []struct{ offset, length int64 }{
		{10, -1},
		{100, -1},
		{5, 6},
		{-1, 2},
	}
	for _, tc := range cases {
		if _, _, err := s.Open(ctx, "", repo.TypeData, name, tc.offset, tc.length); !errors.Is(err, ErrInvalidRange) {
			t.Fatalf("offset=%d length=%d: expected ErrInvalidRange, got %v", tc.offset, tc.length, err)
		}
	}
}

func TestLocalSaveLengthMismatchKeepsOldObject(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()

	name := testName(6)
	original := []byte("original content")
	saveBytes(t, s, "", repo.TypeIndex, name, original)

	err := s.Save(ctx, "", repo.TypeIndex, name, strings.NewReader("too short"), 50)
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}

	if got := readAll(t, s, "", repo.TypeIndex, name); !bytes.Equal(got, original) {
		t.Fatalf("prior object disturbed: got %q want %q", got, original)
	}
}

func TestLocalSaveLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	s := NewLocalStore(root)
	ctx := context.Background()

	name := testName(7)
	if err := s.Save(ctx, "", repo.TypeKeys, name, strings.NewReader("short"), 99); !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "keys"))
	if err != nil {
		t.Fatalf("read keys dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty keys dir, found %d entries", len(entries))
	}
}

func TestLocalListTraversesShards(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()

	want := map[string]int64{}
	for i := byte(0); i < 20; i++ {
		name := testName(i)
		payload := bytes.Repeat([]byte{i}, int(i)+1)
		saveBytes(t, s, "", repo.TypeData, name, payload)
		want[name] = int64(len(payload))
	}

	objects, err := s.List(ctx, "", repo.TypeData)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(objects) != len(want) {
		t.Fatalf("object count: got %d want %d", len(objects), len(want))
	}
	for _, obj := range objects {
		size, ok := want[obj.Name]
		if !ok {
			t.Fatalf("unexpected object %q in listing", obj.Name)
		}
		if obj.Size != size {
			t.Fatalf("size for %q: got %d want %d", obj.Name, obj.Size, size)
		}
	}
}

func TestLocalListEmptyAndMissingType(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()

	if err := s.CreateRepository(ctx, ""); err != nil {
		t.Fatalf("create repository: %v", err)
	}
	objects, err := s.List(ctx, "", repo.TypeSnapshots)
	if err != nil {
		t.Fatalf("list empty type failed: %v", err)
	}
	if len(objects) != 0 {
		t.Fatalf("expected empty listing, got %d entries", len(objects))
	}

	// A repository that was never initialized lists as empty too.
	objects, err = s.List(ctx, "fresh", repo.TypeIndex)
	if err != nil {
		t.Fatalf("list missing type dir failed: %v", err)
	}
	if len(objects) != 0 {
		t.Fatalf("expected empty listing for missing dir, got %d entries", len(objects))
	}
}

func TestLocalListSkipsStrays(t *testing.T) {
	root := t.TempDir()
	s := NewLocalStore(root)
	ctx := context.Background()

	name := testName(8)
	saveBytes(t, s, "", repo.TypeSnapshots, name, []byte("snap"))

	stray := filepath.Join(root, "snapshots", ".tmp-1234")
	if err := os.WriteFile(stray, []byte("partial"), 0o600); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	objects, err := s.List(ctx, "", repo.TypeSnapshots)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(objects) != 1 || objects[0].Name != name {
		t.Fatalf("expected only %q in listing, got %+v", name, objects)
	}
}

func TestLocalCreateRepositoryIdempotent(t *testing.T) {
	root := t.TempDir()
	s := NewLocalStore(root)
	ctx := context.Background()

	if err := s.CreateRepository(ctx, ""); err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	name := testName(9)
	saveBytes(t, s, "", repo.TypeKeys, name, []byte("key"))

	if err := s.CreateRepository(ctx, ""); err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if got := readAll(t, s, "", repo.TypeKeys, name); string(got) != "key" {
		t.Fatalf("existing object erased by create: got %q", got)
	}

	var dirs []string
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)
	want := []string{"data", "index", "keys", "locks", "snapshots"}
	if fmt.Sprint(dirs) != fmt.Sprint(want) {
		t.Fatalf("layout dirs: got %v want %v", dirs, want)
	}
}

func TestLocalDeleteRepository(t *testing.T) {
	root := t.TempDir()
	s := NewLocalStore(root)
	ctx := context.Background()

	if err := s.DeleteRepository(ctx, "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for absent repo, got %v", err)
	}

	if err := s.CreateRepository(ctx, "laptop"); err != nil {
		t.Fatalf("create repository: %v", err)
	}
	saveBytes(t, s, "laptop", repo.TypeData, testName(10), []byte("blob"))

	if err := s.DeleteRepository(ctx, "laptop"); err != nil {
		t.Fatalf("delete repository failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "laptop")); !os.IsNotExist(err) {
		t.Fatalf("repository directory still present: %v", err)
	}
}

func TestLocalConcurrentDistinctWrites(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte(i)}, 1024)
			errs[i] = s.Save(ctx, "", repo.TypeData, testName(byte(100+i)), bytes.NewReader(payload), int64(len(payload)))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d failed: %v", i, err)
		}
	}
	for i := 0; i < writers; i++ {
		got := readAll(t, s, "", repo.TypeData, testName(byte(100+i)))
		want := bytes.Repeat([]byte{byte(i)}, 1024)
		if !bytes.Equal(got, want) {
			t.Fatalf("writer %d payload corrupted", i)
		}
	}
}

func TestLocalRejectsInvalidIdentity(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()

	if _, err := s.Stat(ctx, "", "bogus", testName(11)); !errors.Is(err, repo.ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
	if err := s.Save(ctx, "", repo.TypeData, "../escape", strings.NewReader("x"), 1); !errors.Is(err, repo.ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
	if err := s.Delete(ctx, "..", repo.TypeData, testName(12)); !errors.Is(err, repo.ErrInvalidRepo) {
		t.Fatalf("expected ErrInvalidRepo, got %v", err)
	}
}

func TestNewFromConfigSelectsLocal(t *testing.T) {
	store, err := NewFromConfig(appconfig.S3Config{}, t.TempDir())
	if err != nil {
		t.Fatalf("new from config: %v", err)
	}
	if _, ok := store.(*LocalStore); !ok {
		t.Fatalf("expected LocalStore, got %T", store)
	}
}

package intake

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		BasePath:          t.TempDir(),
		MaxAttachmentSize: 1 << 20,
		UID:               -1,
		GID:               -1,
		DirMode:           0o750,
		FileMode:          0o640,
	}
}

func TestEnsureRecipientDir(t *testing.T) {
	cfg := testConfig(t)
	store := NewStore(cfg)

	dir, err := store.EnsureRecipientDir("john.smith")
	if err != nil {
		t.Fatalf("EnsureRecipientDir failed: %v", err)
	}
	if want := filepath.Join(cfg.BasePath, "john.smith"); dir != want {
		t.Errorf("dir = %q, want %q", dir, want)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected a directory")
	}
	if got := info.Mode().Perm(); got != 0o750 {
		t.Errorf("mode = %o, want 750", got)
	}
}

func TestEnsureRecipientDir_Idempotent(t *testing.T) {
	store := NewStore(testConfig(t))

	first, err := store.EnsureRecipientDir("jdoe")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := os.WriteFile(filepath.Join(first, "keep.pdf"), pdfPayload, 0o600); err != nil {
		t.Fatal(err)
	}

	second, err := store.EnsureRecipientDir("jdoe")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if first != second {
		t.Errorf("paths differ: %q vs %q", first, second)
	}
	if _, err := os.Stat(filepath.Join(second, "keep.pdf")); err != nil {
		t.Errorf("existing content disturbed: %v", err)
	}
}

func TestEnsureRecipientDir_Concurrent(t *testing.T) {
	store := NewStore(testConfig(t))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.EnsureRecipientDir("shared"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent EnsureRecipientDir: %v", err)
	}
}

func TestEnsureRecipientDir_OwnershipToSelf(t *testing.T) {
	cfg := testConfig(t)
	cfg.UID = os.Getuid()
	cfg.GID = os.Getgid()
	store := NewStore(cfg)

	if _, err := store.EnsureRecipientDir("owned"); err != nil {
		t.Fatalf("EnsureRecipientDir with own uid/gid: %v", err)
	}
}

func TestEnsureRecipientDir_RejectsUnsafeTokens(t *testing.T) {
	store := NewStore(testConfig(t))

	for _, token := range []RecipientToken{"", ".", "..", "../etc", "a/b", `a\b`} {
		_, err := store.EnsureRecipientDir(token)
		if ReasonOf(err) != ReasonUnsafeLocalPart {
			t.Errorf("EnsureRecipientDir(%q) = %v, want unsafe local part", token, err)
		}
	}
}

func TestEnsureRecipientDir_RejectsSymlink(t *testing.T) {
	cfg := testConfig(t)
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(cfg.BasePath, "mallory")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	_, err := NewStore(cfg).EnsureRecipientDir("mallory")
	if ReasonOf(err) != ReasonStorageUnavailable {
		t.Fatalf("EnsureRecipientDir(symlink) = %v, want storage unavailable", err)
	}
}

func TestEnsureRecipientDir_FileInTheWay(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(filepath.Join(cfg.BasePath, "blocked"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := NewStore(cfg).EnsureRecipientDir("blocked")
	if ReasonOf(err) != ReasonStorageUnavailable {
		t.Fatalf("EnsureRecipientDir(file) = %v, want storage unavailable", err)
	}
}

func TestAllocate(t *testing.T) {
	dir := t.TempDir()

	target, err := Allocate(dir, "scan.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if target.Filename != "scan.pdf" {
		t.Errorf("free name: got %q", target.Filename)
	}

	for _, name := range []string{"scan.pdf", "scan(1).pdf", "scan(3).pdf"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	target, err = Allocate(dir, "scan.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if target.Filename != "scan(2).pdf" {
		t.Errorf("got %q, want scan(2).pdf", target.Filename)
	}
	if target.Path() != filepath.Join(dir, "scan(2).pdf") {
		t.Errorf("Path() = %q", target.Path())
	}
}

func TestAllocate_NoExtension(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "README"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	target, err := Allocate(dir, "README")
	if err != nil {
		t.Fatal(err)
	}
	if target.Filename != "README(1)" {
		t.Errorf("got %q, want README(1)", target.Filename)
	}
}

func TestNumberedName_StaysWithinLimit(t *testing.T) {
	base := strings.Repeat("x", 251)
	got := numberedName(base, ".pdf", 12)
	if len(got) != maxFilenameLength {
		t.Errorf("len = %d, want %d", len(got), maxFilenameLength)
	}
	if !strings.HasSuffix(got, "(12).pdf") {
		t.Errorf("suffix lost: %q", got[len(got)-10:])
	}
}

func TestPersist(t *testing.T) {
	cfg := testConfig(t)
	store := NewStore(cfg)
	target := StorageTarget{Directory: cfg.BasePath, Filename: "a.pdf"}

	res, err := store.Persist(target, pdfPayload)
	if err != nil || res != Written {
		t.Fatalf("Persist = %v, %v", res, err)
	}

	data, err := os.ReadFile(target.Path())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(pdfPayload) {
		t.Error("content mismatch")
	}
	info, _ := os.Stat(target.Path())
	if got := info.Mode().Perm(); got != 0o640 {
		t.Errorf("mode = %o, want 640", got)
	}

	res, err = store.Persist(target, pngPayload)
	if err != nil {
		t.Fatalf("second Persist: %v", err)
	}
	if res != Conflict {
		t.Fatalf("second Persist = %v, want Conflict", res)
	}
	data, _ = os.ReadFile(target.Path())
	if string(data) != string(pdfPayload) {
		t.Error("existing file was overwritten")
	}
}

func TestPersist_MissingDirectory(t *testing.T) {
	store := NewStore(testConfig(t))
	target := StorageTarget{Directory: filepath.Join(t.TempDir(), "gone"), Filename: "a.pdf"}

	_, err := store.Persist(target, pdfPayload)
	if ReasonOf(err) != ReasonStorageUnavailable {
		t.Fatalf("Persist into missing dir = %v, want storage unavailable", err)
	}
}

func TestSave_ConcurrentSameName(t *testing.T) {
	cfg := testConfig(t)
	store := NewStore(cfg)
	const n = 5

	var wg sync.WaitGroup
	names := make(chan string, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := append([]byte(nil), pdfPayload...)
			payload = append(payload, byte('0'+i))
			target, err := store.Save(cfg.BasePath, "scan.pdf", payload)
			if err != nil {
				errs <- err
				return
			}
			names <- target.Filename
		}(i)
	}
	wg.Wait()
	close(names)
	close(errs)

	for err := range errs {
		t.Fatalf("Save: %v", err)
	}

	var got []string
	for name := range names {
		got = append(got, name)
	}
	sort.Strings(got)
	want := []string{"scan(1).pdf", "scan(2).pdf", "scan(3).pdf", "scan(4).pdf", "scan.pdf"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("stored names = %v, want %v", got, want)
	}

	// Every goroutine wrote a distinct trailing byte; all five must survive.
	seen := make(map[byte]bool)
	for _, name := range want {
		data, err := os.ReadFile(filepath.Join(cfg.BasePath, name))
		if err != nil {
			t.Fatal(err)
		}
		seen[data[len(data)-1]] = true
	}
	if len(seen) != n {
		t.Errorf("found %d distinct payloads on disk, want %d", len(seen), n)
	}
}

func TestSave_Exhausted(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxAttempts = 3
	store := NewStore(cfg)

	taken := StorageTarget{Directory: cfg.BasePath, Filename: "scan.pdf"}
	if err := os.WriteFile(taken.Path(), pdfPayload, 0o600); err != nil {
		t.Fatal(err)
	}

	calls := 0
	store.allocate = func(dir, filename string) (StorageTarget, error) {
		calls++
		return taken, nil
	}

	_, err := store.Save(cfg.BasePath, "scan.pdf", pngPayload)
	if ReasonOf(err) != ReasonStorageExhausted {
		t.Fatalf("Save = %v, want storage exhausted", err)
	}
	if calls != 3 {
		t.Errorf("allocate called %d times, want 3", calls)
	}
}

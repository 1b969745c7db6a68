package packager

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cloudexp/cloudexp/internal/cerrors"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPackEntryOrder(t *testing.T) {
	dir := t.TempDir()
	w1 := writeTempFile(t, dir, "a.elf", "elf-a-bytes")
	w2 := writeTempFile(t, dir, "b.elf", "elf-b-bytes")

	out := filepath.Join(dir, "package.tar.gz")
	err := Pack(out, []byte(`{"uuid":"x"}`), []Workload{
		{Basename: "a.elf", Path: w1},
		{Basename: "b.elf", Path: w2},
	})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(gz)

	var names []string
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		names = append(names, hdr.Name)
	}
	want := []string{"config.json", "a.elf", "b.elf"}
	if len(names) != len(want) {
		t.Fatalf("entries = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestPackDuplicateBasenameRejected(t *testing.T) {
	dir := t.TempDir()
	w1 := writeTempFile(t, dir, "a.elf", "one")
	w2 := writeTempFile(t, dir, "a2.elf", "two")

	out := filepath.Join(dir, "package.tar.gz")
	err := Pack(out, []byte(`{}`), []Workload{
		{Basename: "a.elf", Path: w1},
		{Basename: "a.elf", Path: w2},
	})
	if !cerrors.Is(err, cerrors.InvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Error("output file should not exist after rejection")
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w1 := writeTempFile(t, dir, "sim.elf", "\x7fELFbinarycontent")

	out := filepath.Join(dir, "package.tar.gz")
	if err := Pack(out, []byte(`{"uuid":"abc"}`), []Workload{{Basename: "sim.elf", Path: w1}}); err != nil {
		t.Fatalf("Pack: %v", err)
	}

	destDir := filepath.Join(dir, "extracted")
	if err := Unpack(context.Background(), out, destDir); err != nil {
		t.Fatalf("Unpack: %v", err)
	}

	cfg, err := os.ReadFile(filepath.Join(destDir, "config.json"))
	if err != nil || string(cfg) != `{"uuid":"abc"}` {
		t.Errorf("config.json = %q, err=%v", cfg, err)
	}
	elf, err := os.ReadFile(filepath.Join(destDir, "sim.elf"))
	if err != nil || string(elf) != "\x7fELFbinarycontent" {
		t.Errorf("sim.elf = %q, err=%v", elf, err)
	}
}

func TestUnpackRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar.gz")

	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	content := []byte("pwned")
	tw.WriteHeader(&tar.Header{Name: "../../etc/passwd", Mode: 0o644, Size: int64(len(content))})
	tw.Write(content)
	tw.Close()
	gz.Close()
	f.Close()

	destDir := filepath.Join(dir, "extracted")
	err = Unpack(context.Background(), archive, destDir)
	if !cerrors.Is(err, cerrors.PackagingError) {
		t.Fatalf("expected PackagingError, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "etc", "passwd")); !os.IsNotExist(statErr) {
		t.Error("traversal entry must not be written outside destDir")
	}
}

func TestUnpackRejectsAbsolutePath(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar.gz")

	f, _ := os.Create(archive)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	content := []byte("x")
	tw.WriteHeader(&tar.Header{Name: "/etc/passwd", Mode: 0o644, Size: int64(len(content))})
	tw.Write(content)
	tw.Close()
	gz.Close()
	f.Close()

	err := Unpack(context.Background(), archive, filepath.Join(dir, "extracted"))
	if !cerrors.Is(err, cerrors.PackagingError) {
		t.Fatalf("expected PackagingError, got %v", err)
	}
}

func TestUnpackRejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar.gz")

	f, _ := os.Create(archive)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	tw.WriteHeader(&tar.Header{
		Name:     "link",
		Typeflag: tar.TypeSymlink,
		Linkname: "/etc/passwd",
		Mode:     0o644,
	})
	tw.Close()
	gz.Close()
	f.Close()

	err := Unpack(context.Background(), archive, filepath.Join(dir, "extracted"))
	if !cerrors.Is(err, cerrors.PackagingError) {
		t.Fatalf("expected PackagingError for symlink entry, got %v", err)
	}
}

func TestUnpackRespectsCancellation(t *testing.T) {
	dir := t.TempDir()
	w1 := writeTempFile(t, dir, "a.elf", "data")
	out := filepath.Join(dir, "package.tar.gz")
	if err := Pack(out, []byte(`{}`), []Workload{{Basename: "a.elf", Path: w1}}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Unpack(ctx, out, filepath.Join(dir, "extracted"))
	if !cerrors.Is(err, cerrors.Cancelled) {
		t.Fatalf("expected Cancelled, got %v", err)
	}
}

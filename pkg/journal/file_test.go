package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestFileJournal_AppendAndImported(t *testing.T) {
	ctx := context.Background()
	j, err := OpenFile(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer j.Close()

	ok, err := j.Imported(ctx, "repo:owner:main")
	if err != nil || ok {
		t.Fatalf("Imported() before append = %v, %v", ok, err)
	}

	if err := j.Append(ctx, KindImportedTarget, "repo:owner:main"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	ok, err = j.Imported(ctx, "repo:owner:main")
	if err != nil || !ok {
		t.Errorf("Imported() after append = %v, %v", ok, err)
	}
}

func TestFileJournal_IndexSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	j, err := OpenFile(dir)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	for _, key := range []string{"a:o:main", "b:o:dev"} {
		if err := j.Append(ctx, KindImportedTarget, key); err != nil {
			t.Fatalf("Append(%s) error = %v", key, err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := OpenFile(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	for _, key := range []string{"a:o:main", "b:o:dev"} {
		if ok, _ := reopened.Imported(ctx, key); !ok {
			t.Errorf("Imported(%s) = false after reopen", key)
		}
	}
	if ok, _ := reopened.Imported(ctx, "c:o:main"); ok {
		t.Error("Imported(c:o:main) = true, want false")
	}
}

func TestFileJournal_StreamFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	j, err := OpenFile(dir)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}

	record := map[string]any{"targetFile": "package.json", "success": true}
	if err := j.Append(ctx, KindImportedProject, record); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := j.Append(ctx, KindImportedTarget, "repo:owner:main"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	j.Close()

	data, err := os.ReadFile(filepath.Join(dir, "imported-projects.log"))
	if err != nil {
		t.Fatalf("read projects stream: %v", err)
	}
	if got := string(data); got != `{"success":true,"targetFile":"package.json"}`+"\n" {
		t.Errorf("projects stream = %q", got)
	}

	data, err = os.ReadFile(filepath.Join(dir, "imported-targets.log"))
	if err != nil {
		t.Fatalf("read index stream: %v", err)
	}
	if got := string(data); got != "repo:owner:main\n" {
		t.Errorf("index stream = %q", got)
	}
}

func TestFileJournal_Records(t *testing.T) {
	ctx := context.Background()
	j, err := OpenFile(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer j.Close()

	empty, err := j.Records(ctx, KindJob)
	if err != nil || len(empty) != 0 {
		t.Fatalf("Records() on empty stream = %v, %v", empty, err)
	}

	for i := 0; i < 3; i++ {
		if err := j.Append(ctx, KindJob, map[string]int{"n": i}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	lines, err := j.Records(ctx, KindJob)
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	want := []string{`{"n":0}`, `{"n":1}`, `{"n":2}`}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("Records() = %v, want %v", lines, want)
	}
}

func TestFileJournal_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	j, err := OpenFile(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer j.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := j.Append(ctx, KindImportedTarget, fmt.Sprintf("repo-%d:o:main", n)); err != nil {
				t.Errorf("Append() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	lines, err := j.Records(ctx, KindImportedTarget)
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	if len(lines) != 50 {
		t.Errorf("got %d index lines, want 50", len(lines))
	}
}

func TestFileJournal_Errors(t *testing.T) {
	ctx := context.Background()
	if _, err := OpenFile(""); err == nil {
		t.Error("OpenFile(\"\") should fail")
	}

	j, err := OpenFile(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer j.Close()

	if err := j.Append(ctx, Kind("bogus"), "x"); err == nil {
		t.Error("Append() with unknown kind should fail")
	}
	if err := j.Append(ctx, KindImportedTarget, 12); err == nil {
		t.Error("Append() with non-key index record should fail")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := j.Append(cancelled, KindJob, "x"); err == nil {
		t.Error("Append() with cancelled context should fail")
	}
}

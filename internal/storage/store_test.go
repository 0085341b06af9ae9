package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/oszuidwest/zwfm-wakeword/internal/audio"
	"github.com/oszuidwest/zwfm-wakeword/internal/capture"
	"github.com/oszuidwest/zwfm-wakeword/internal/config"
	"github.com/oszuidwest/zwfm-wakeword/internal/env"
)

// memObjects is an in-memory ObjectStore.
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut error
	puts    int
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (m *memObjects) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.failPut != nil {
		return nil, m.failPut
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *memObjects) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
		}
	}
	return out, nil
}

func (m *memObjects) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *memObjects) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *memObjects) setFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPut = err
}

func newTestStore(t *testing.T, opts ...Option) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.New(filepath.Join(dir, "config.json"))
	cfg.Storage.LocalPath = filepath.Join(dir, "captures")
	cfg.Storage.RetentionDays = 7
	s := New(&env.Env{Config: cfg}, opts...)
	t.Cleanup(s.Close)
	return s, cfg.Storage.LocalPath
}

func testWindow(model string, at time.Time) *capture.Window {
	return &capture.Window{
		Recording:  capture.Recording{ID: "abc123", Model: model, StartedAt: at},
		SampleRate: 16000,
		PCM:        []byte{1, 2, 3, 4, 5, 6},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFilename(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	got := Filename(&capture.Recording{ID: "xyz", Model: "hey radio!", StartedAt: at})
	if want := "hey-radio-2026-03-04-05-06-07-xyz.wav"; got != want {
		t.Errorf("Filename() = %q, want %q", got, want)
	}
	if got := Filename(&capture.Recording{ID: "xyz", StartedAt: at}); got != "capture-2026-03-04-05-06-07-xyz.wav" {
		t.Errorf("Filename() without model = %q", got)
	}
}

func TestPersistWritesWAVLocally(t *testing.T) {
	s, dir := newTestStore(t)
	w := testWindow("radio", time.Now())

	if err := s.Persist(context.Background(), w); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, Filename(&w.Recording)))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != audio.WAVHeaderSize+len(w.PCM) || string(data[:4]) != "RIFF" {
		t.Errorf("unexpected file contents (%d bytes)", len(data))
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temporary files left: %v", matches)
	}
}

func TestPersistUploads(t *testing.T) {
	objects := newMemObjects()
	s, _ := newTestStore(t, WithObjectStore(objects))
	w := testWindow("radio", time.Now())

	if err := s.Persist(context.Background(), w); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	want := "captures/radio/" + Filename(&w.Recording)
	waitFor(t, func() bool { return len(objects.keys()) == 1 })
	if got := objects.keys()[0]; got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
}

func TestFailedUploadIsRetried(t *testing.T) {
	objects := newMemObjects()
	objects.setFail(errors.New("network down"))
	s, _ := newTestStore(t, WithObjectStore(objects))

	if err := s.Persist(context.Background(), testWindow("radio", time.Now())); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return s.PendingUploads() == 1 })

	objects.setFail(nil)
	if s.retryPending(time.Now()) {
		t.Fatal("retryPending() retried an upload before it was due")
	}
	if !s.retryPending(time.Now().Add(retryInterval)) {
		t.Fatal("retryPending() left uploads pending")
	}
	if len(objects.keys()) != 1 {
		t.Errorf("objects = %v", objects.keys())
	}
}

func TestRetryAbandonsOldUploads(t *testing.T) {
	s, _ := newTestStore(t, WithObjectStore(newMemObjects()))
	s.addRetry(uploadRequest{localPath: "/nonexistent", key: "k"}, "boom")
	s.addRetry(uploadRequest{localPath: "/nonexistent", key: "k"}, "boom")
	if s.PendingUploads() != 1 {
		t.Fatalf("duplicate retry queued: %d", s.PendingUploads())
	}
	if !s.retryPending(time.Now().Add(MaxUploadRetryAge + time.Hour)) {
		t.Error("expired upload still pending")
	}
}

func TestCleanup(t *testing.T) {
	objects := newMemObjects()
	s, dir := newTestStore(t, WithObjectStore(objects))
	now := time.Date(2026, 6, 20, 3, 0, 0, 0, time.Local)

	old := testWindow("radio", now.AddDate(0, 0, -10))
	fresh := testWindow("radio", now.AddDate(0, 0, -2))
	for _, w := range []*capture.Window{old, fresh} {
		if err := s.Persist(context.Background(), w); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool { return len(objects.keys()) == 2 })
	// Unrelated files are left alone.
	if err := os.WriteFile(filepath.Join(dir, "notes-2020-01-01.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if got := s.Cleanup(context.Background(), now); got != 2 {
		t.Errorf("Cleanup() deleted %d, want 2", got)
	}
	if _, err := os.Stat(filepath.Join(dir, Filename(&old.Recording))); !errors.Is(err, os.ErrNotExist) {
		t.Error("old capture not deleted")
	}
	if _, err := os.Stat(filepath.Join(dir, Filename(&fresh.Recording))); err != nil {
		t.Error("fresh capture deleted")
	}
	if _, err := os.Stat(filepath.Join(dir, "notes-2020-01-01.txt")); err != nil {
		t.Error("unrelated file deleted")
	}
	if keys := objects.keys(); len(keys) != 1 || filepath.Base(keys[0]) != Filename(&fresh.Recording) {
		t.Errorf("remaining objects = %v", keys)
	}
}

func TestCleanupDisabled(t *testing.T) {
	s, _ := newTestStore(t)
	s.env.Config.Storage.RetentionDays = 0
	if err := s.Persist(context.Background(), testWindow("radio", time.Now().AddDate(-1, 0, 0))); err != nil {
		t.Fatal(err)
	}
	if got := s.Cleanup(context.Background(), time.Now()); got != 0 {
		t.Errorf("Cleanup() deleted %d with retention disabled", got)
	}
}

func TestNextCleanup(t *testing.T) {
	loc := time.FixedZone("test", 3600)
	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2026, 1, 1, 1, 0, 0, 0, loc), time.Date(2026, 1, 1, 3, 0, 0, 0, loc)},
		{time.Date(2026, 1, 1, 3, 0, 0, 0, loc), time.Date(2026, 1, 2, 3, 0, 0, 0, loc)},
		{time.Date(2026, 1, 31, 22, 0, 0, 0, loc), time.Date(2026, 2, 1, 3, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		if got := nextCleanup(tt.now); !got.Equal(tt.want) {
			t.Errorf("nextCleanup(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
}

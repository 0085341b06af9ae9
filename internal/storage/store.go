// Package storage persists retained capture windows as WAV files and copies
// them to S3-compatible object storage when configured.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/oszuidwest/zwfm-wakeword/internal/audio"
	"github.com/oszuidwest/zwfm-wakeword/internal/capture"
	"github.com/oszuidwest/zwfm-wakeword/internal/config"
	"github.com/oszuidwest/zwfm-wakeword/internal/env"
	"github.com/oszuidwest/zwfm-wakeword/internal/eventlog"
	"github.com/oszuidwest/zwfm-wakeword/internal/util"
)

const (
	// MaxUploadRetryAge is how long a failed upload keeps being retried.
	MaxUploadRetryAge = 24 * time.Hour

	uploadQueueSize = 32
	uploadTimeout   = 5 * time.Minute
	retryInterval   = 30 * time.Second
)

// uploadRequest is a persisted file waiting for upload.
type uploadRequest struct {
	localPath string
	key       string
	model     string
	size      int64
}

// pendingUpload tracks a failed upload for retry.
type pendingUpload struct {
	request      uploadRequest
	firstAttempt time.Time
	attempts     int
	due          time.Time
	lastError    string
}

// retryBackoff spaces the retries of a single upload.
var retryBackoff = util.Backoff{Initial: retryInterval, Max: 30 * time.Minute}

// Store writes retained windows to disk and uploads them in the background.
type Store struct {
	env    *env.Env
	logger *slog.Logger

	uploads  chan uploadRequest
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu      sync.Mutex
	retry   []pendingUpload
	client  ObjectStore
	clientC config.S3Config // Settings client was built from
	fixed   bool            // client was injected and is never rebuilt
}

// Option configures a Store.
type Option func(*Store)

// WithObjectStore injects the object store instead of building an S3 client
// from configuration.
func WithObjectStore(store ObjectStore) Option {
	return func(s *Store) {
		s.client = store
		s.fixed = true
	}
}

// New creates a store and starts its upload worker.
func New(e *env.Env, opts ...Option) *Store {
	s := &Store{
		env:     e,
		logger:  e.Log("storage"),
		uploads: make(chan uploadRequest, uploadQueueSize),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Go(s.uploadWorker)
	s.wg.Go(s.retryWorker)
	return s
}

// Filename returns the file name of a retained window:
// <model>-YYYY-MM-DD-HH-MM-SS-<id>.wav.
func Filename(rec *capture.Recording) string {
	name := rec.Model
	if name == "" {
		name = "capture"
	}
	return fmt.Sprintf("%s-%s-%s.wav", sanitize(name), rec.StartedAt.Format(util.StampLayout), rec.ID)
}

// Persist implements [capture.Persister]. It writes the window atomically
// and queues it for upload when S3 is configured.
func (s *Store) Persist(ctx context.Context, w *capture.Window) error {
	snap := s.env.Snapshot()
	dir := snap.Storage.LocalPath
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create capture directory", err)
	}

	name := Filename(&w.Recording)
	final := filepath.Join(dir, name)
	if err := writeWAV(final, w.SampleRate, w.PCM); err != nil {
		return util.WrapError("write capture window", err)
	}

	size := int64(audio.WAVHeaderSize + len(w.PCM))
	s.env.Meter().PersistedWindows.Add(ctx, 1, metric.WithAttributes(attribute.String("target", "local")))
	s.logger.Info("capture window persisted", "file", name, "bytes", size)
	s.env.Record(&eventlog.Event{
		Type:    eventlog.CapturePersisted,
		Model:   w.Recording.Model,
		Details: eventlog.CaptureDetails{Mode: w.Recording.Mode(), Bytes: size, Filename: name},
	})

	if !s.uploadsEnabled(&snap) {
		return nil
	}
	req := uploadRequest{
		localPath: final,
		key:       objectKey(snap.Storage.S3.Prefix, w.Recording.Model, name),
		model:     w.Recording.Model,
		size:      size,
	}
	select {
	case s.uploads <- req:
	default:
		s.logger.Warn("upload queue full, deferring", "file", name)
		s.addRetry(req, "upload queue full")
	}
	return nil
}

// writeWAV writes a WAV file via a temporary file and rename.
func writeWAV(final string, rate int, pcm []byte) error {
	tmp := final + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := audio.WriteWAV(f, rate, pcm); err != nil {
		return errors.Join(err, f.Close(), os.Remove(tmp))
	}
	if err := f.Close(); err != nil {
		return errors.Join(err, os.Remove(tmp))
	}
	return os.Rename(tmp, final)
}

func objectKey(prefix, model, name string) string {
	if model == "" {
		model = "capture"
	}
	return path.Join(prefix, "captures", sanitize(model), name)
}

// sanitize keeps letters, digits, '-' and '_' and turns spaces into '-'.
func sanitize(name string) string {
	out := make([]byte, 0, len(name))
	for i := range len(name) {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		case c == ' ':
			out = append(out, '-')
		}
	}
	if len(out) == 0 {
		return "capture"
	}
	return string(out)
}

func (s *Store) uploadsEnabled(snap *config.Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fixed || snap.Storage.S3.IsConfigured()
}

// objectStore returns the client for the current configuration, rebuilding
// it when the S3 settings changed.
func (s *Store) objectStore() (ObjectStore, string) {
	cfg := s.env.Snapshot().Storage.S3
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fixed {
		return s.client, cfg.Bucket
	}
	if !cfg.IsConfigured() {
		return nil, ""
	}
	if s.client == nil || s.clientC != cfg {
		s.client = NewS3Client(&cfg)
		s.clientC = cfg
	}
	return s.client, cfg.Bucket
}

// uploadWorker uploads queued files, draining the queue on shutdown.
func (s *Store) uploadWorker() {
	for {
		select {
		case <-s.stopCh:
			for {
				select {
				case req := <-s.uploads:
					s.handleUpload(req)
				default:
					return
				}
			}
		case req := <-s.uploads:
			s.handleUpload(req)
		}
	}
}

func (s *Store) handleUpload(req uploadRequest) {
	if err := s.upload(req); err != nil {
		s.logger.Error("upload failed", "key", req.key, "error", err)
		s.recordUpload(req, err)
		s.addRetry(req, err.Error())
		return
	}
	s.recordUpload(req, nil)
}

func (s *Store) upload(req uploadRequest) error {
	client, bucket := s.objectStore()
	if client == nil {
		return errors.New("s3 not configured")
	}

	ctx, cancel := context.WithTimeoutCause(context.Background(), uploadTimeout, errors.New("s3 upload timeout"))
	defer cancel()

	data, err := os.ReadFile(req.localPath)
	if err != nil {
		return err
	}
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(req.key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("audio/wav"),
	})
	if err != nil {
		return err
	}
	s.env.Meter().PersistedWindows.Add(ctx, 1, metric.WithAttributes(attribute.String("target", "s3")))
	s.logger.Info("upload completed", "key", req.key)
	return nil
}

func (s *Store) recordUpload(req uploadRequest, err error) {
	ev := &eventlog.Event{
		Type:    eventlog.CaptureUploaded,
		Model:   req.model,
		Details: eventlog.CaptureDetails{Filename: filepath.Base(req.localPath), S3Key: req.key, Bytes: req.size},
	}
	if err != nil {
		ev.Type = eventlog.CaptureFailed
		ev.Details = eventlog.CaptureDetails{Filename: filepath.Base(req.localPath), S3Key: req.key, Error: err.Error()}
	}
	s.env.Record(ev)
}

// addRetry queues a failed upload for retry, once per file.
func (s *Store) addRetry(req uploadRequest, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.retry {
		if p.request.localPath == req.localPath {
			return
		}
	}
	now := time.Now()
	s.retry = append(s.retry, pendingUpload{
		request:      req,
		firstAttempt: now,
		due:          retryBackoff.Next(now, 0),
		lastError:    errMsg,
	})
}

// PendingUploads returns the number of uploads waiting for retry.
func (s *Store) PendingUploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.retry)
}

// retryWorker retries due uploads every retryInterval.
func (s *Store) retryWorker() {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.retryPending(now)
		}
	}
}

// retryPending attempts every upload that is due at now and reports whether
// the queue is now empty. Each failure doubles the wait of that upload.
func (s *Store) retryPending(now time.Time) bool {
	s.mu.Lock()
	pending := s.retry
	s.retry = nil
	s.mu.Unlock()

	var failed []pendingUpload
	for i := range pending {
		p := &pending[i]
		if now.Sub(p.firstAttempt) > MaxUploadRetryAge {
			s.logger.Warn("upload abandoned", "key", p.request.key, "attempts", p.attempts, "last_error", p.lastError)
			continue
		}
		if _, err := os.Stat(p.request.localPath); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if now.Before(p.due) {
			failed = append(failed, *p)
			continue
		}
		p.attempts++
		if err := s.upload(p.request); err != nil {
			p.lastError = err.Error()
			p.due = retryBackoff.Next(now, p.attempts)
			failed = append(failed, *p)
			continue
		}
		s.recordUpload(p.request, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.retry = append(failed, s.retry...)
	return len(s.retry) == 0
}

// Close stops the workers after draining queued uploads.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

package storage

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oszuidwest/zwfm-wakeword/internal/eventlog"
	"github.com/oszuidwest/zwfm-wakeword/internal/util"
)

// cleanupHour is the local hour at which the daily retention cleanup runs.
const cleanupHour = 3

// nextCleanup returns the first cleanup time strictly after now.
func nextCleanup(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), cleanupHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// RunCleanupScheduler runs the retention cleanup daily at 03:00 local time
// until ctx ends.
func (s *Store) RunCleanupScheduler(ctx context.Context) error {
	for {
		next := nextCleanup(time.Now())
		s.logger.Info("cleanup scheduled", "at", next.Format(time.DateTime))

		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
			s.Cleanup(ctx, time.Now())
		}
	}
}

// Cleanup deletes local files and S3 objects whose filename date is older than
// the retention period relative to now. It returns the number deleted.
func (s *Store) Cleanup(ctx context.Context, now time.Time) int {
	storage := s.env.Snapshot().Storage
	if storage.RetentionDays == 0 {
		return 0
	}
	cutoff := now.AddDate(0, 0, -storage.RetentionDays)

	deleted := s.cleanupLocal(storage.LocalPath, cutoff)
	if client, bucket := s.objectStore(); client != nil {
		deleted += s.cleanupS3(ctx, client, bucket, path.Join(storage.S3.Prefix, "captures")+"/", cutoff)
	}
	if deleted > 0 {
		s.env.Record(&eventlog.Event{
			Type:    eventlog.CaptureCleanup,
			Details: eventlog.CaptureDetails{Deleted: deleted},
		})
	}
	return deleted
}

func (s *Store) cleanupLocal(dir string, cutoff time.Time) int {
	if dir == "" {
		return 0
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("cleanup: failed to read capture directory", "path", dir, "error", err)
		}
		return 0
	}

	var deleted int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".wav") {
			continue
		}
		stamp, ok := util.TimeFromName(name, cutoff.Location())
		if !ok || !stamp.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			s.logger.Warn("cleanup: failed to delete file", "file", name, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.logger.Info("cleanup: deleted local captures", "count", deleted)
	}
	return deleted
}

func (s *Store) cleanupS3(ctx context.Context, client ObjectStore, bucket, prefix string, cutoff time.Time) int {
	ctx, cancel := context.WithTimeoutCause(ctx, uploadTimeout, errors.New("s3 cleanup timeout"))
	defer cancel()

	var (
		deleted int
		token   *string
	)
	for {
		out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			s.logger.Warn("cleanup: failed to list objects", "bucket", bucket, "error", err)
			return deleted
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			stamp, ok := util.TimeFromName(path.Base(key), cutoff.Location())
			if !ok || !stamp.Before(cutoff) {
				continue
			}
			if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: obj.Key}); err != nil {
				s.logger.Warn("cleanup: failed to delete object", "key", key, "error", err)
				continue
			}
			deleted++
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	if deleted > 0 {
		s.logger.Info("cleanup: deleted S3 captures", "count", deleted)
	}
	return deleted
}

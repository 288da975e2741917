package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/micromarkets/engine/internal/domain"
)

const latestKey = "latest.json"

// Archiver uploads full state snapshots after every commit. Each snapshot
// is written twice: once under a timestamped key for history and once as
// latest.json, which Latest reads back for disaster recovery.
type Archiver struct {
	client *s3.Client
	bucket string
	prefix string
	now    func() time.Time
}

// New connects to the object store and verifies the bucket is reachable.
func New(ctx context.Context, cfg ClientConfig) (*Archiver, error) {
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		now:    time.Now,
	}
	if err := a.Health(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Health performs a HeadBucket call to verify connectivity and permissions.
func (a *Archiver) Health(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.bucket),
	})
	if err != nil {
		return fmt.Errorf("s3blob: bucket %s unreachable: %w", a.bucket, err)
	}
	return nil
}

// ArchiveState serialises the snapshot and uploads it under a timestamped
// key plus latest.json. Snapshots are small enough for single PutObject
// calls; no multipart handling is needed.
func (a *Archiver) ArchiveState(ctx context.Context, state domain.State) error {
	buf, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("s3blob: marshal snapshot: %w", err)
	}

	key := a.snapshotKey(a.now().UTC())
	if err := a.put(ctx, key, buf); err != nil {
		return err
	}
	return a.put(ctx, path.Join(a.prefix, latestKey), buf)
}

// Latest fetches the most recent snapshot. ok is false when no snapshot
// has ever been archived.
func (a *Archiver) Latest(ctx context.Context) (domain.State, bool, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(path.Join(a.prefix, latestKey)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return domain.NewState(), false, nil
		}
		return domain.State{}, false, fmt.Errorf("s3blob: get latest snapshot: %w", err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return domain.State{}, false, fmt.Errorf("s3blob: read latest snapshot: %w", err)
	}

	var state domain.State
	if err := json.Unmarshal(body, &state); err != nil {
		return domain.State{}, false, fmt.Errorf("s3blob: decode latest snapshot: %w", err)
	}
	state.Normalize()
	return state, true, nil
}

func (a *Archiver) put(ctx context.Context, key string, body []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put %s: %w", key, err)
	}
	return nil
}

// snapshotKey partitions snapshots by day, e.g.
// snapshots/2025/06/12/143005.json.
func (a *Archiver) snapshotKey(ts time.Time) string {
	return path.Join(a.prefix, "snapshots", ts.Format("2006/01/02"), ts.Format("150405")+".json")
}

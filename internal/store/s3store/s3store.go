// Package s3store implements the relay's persistent store on an S3 bucket.
package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/Chatty-Inc/chatty2-backend/internal/ban"
	"github.com/Chatty-Inc/chatty2-backend/internal/mailbox"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	offlineDir    = "offline"
	bannedObject  = "users/banned.json"
	recordSuffix  = ".json"
	contentType   = "application/json"
	sealedContent = "application/octet-stream"
)

// S3ClientAPI defines the S3 operations the store uses.
type S3ClientAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store lays records out as <prefix>/offline/<recipient>/<id>.json. The ban
// snapshot lives at <prefix>/users/banned.json.
type Store struct {
	Client S3ClientAPI
	Bucket string
	Prefix string
	// Sealed marks records as opaque bytes rather than JSON.
	Sealed bool
}

// New loads the default AWS configuration and builds a client for bucket.
func New(ctx context.Context, bucket, region, prefix string) (*Store, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3store: load aws config: %w", err)
	}
	return &Store{
		Client: s3.NewFromConfig(cfg),
		Bucket: bucket,
		Prefix: strings.Trim(prefix, "/"),
	}, nil
}

// recipientDir returns the key prefix owning recipient's records. Dots are
// escaped so "." and ".." stay ordinary segments.
func (s *Store) recipientDir(recipient string) string {
	return s.root() + offlineDir + "/" + escapeSegment(recipient) + "/"
}

func (s *Store) root() string {
	if s.Prefix == "" {
		return ""
	}
	return s.Prefix + "/"
}

func escapeSegment(v string) string {
	return strings.ReplaceAll(url.PathEscape(v), ".", "%2E")
}

func (s *Store) recordKey(recipient, id string) string {
	return s.recipientDir(recipient) + id + recordSuffix
}

func (s *Store) Put(ctx context.Context, recipient, id string, blob []byte) error {
	ct := contentType
	if s.Sealed {
		ct = sealedContent
	}
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(s.recordKey(recipient, id)),
		Body:        bytes.NewReader(blob),
		ContentType: aws.String(ct),
	})
	return err
}

// List pages through the recipient's records; S3 returns keys in ascending
// order, which is id order.
func (s *Store) List(ctx context.Context, recipient string) ([]mailbox.Item, error) {
	paginator := s3.NewListObjectsV2Paginator(s.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.recipientDir(recipient)),
	})

	var items []mailbox.Item
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3store: list %s: %w", recipient, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, recordSuffix) {
				continue
			}
			blob, err := s.get(ctx, key)
			if errors.Is(err, errNotFound) {
				// Deleted between list and get.
				continue
			}
			if err != nil {
				return nil, err
			}
			items = append(items, mailbox.Item{
				ID:   strings.TrimSuffix(path.Base(key), recordSuffix),
				Blob: blob,
			})
		}
	}
	return items, nil
}

func (s *Store) Delete(ctx context.Context, recipient, id string) error {
	_, err := s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.recordKey(recipient, id)),
	})
	return err
}

// BanSnapshot reads the banned document; a missing document means no bans.
func (s *Store) BanSnapshot(ctx context.Context) (ban.Snapshot, error) {
	var snap ban.Snapshot
	blob, err := s.get(ctx, s.root()+bannedObject)
	if errors.Is(err, errNotFound) {
		return snap, nil
	}
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(blob, &snap); err != nil {
		return snap, fmt.Errorf("s3store: decode ban snapshot: %w", err)
	}
	return snap, nil
}

// Ban adds value to the banned document. The read-modify-write is not
// atomic, so concurrent seeders may lose entries.
func (s *Store) Ban(ctx context.Context, kind, value string) error {
	snap, err := s.BanSnapshot(ctx)
	if err != nil {
		return err
	}
	changed, err := snap.Add(kind, value)
	if err != nil {
		return fmt.Errorf("s3store: %w", err)
	}
	if !changed {
		return nil
	}
	return s.putBanSnapshot(ctx, snap)
}

func (s *Store) putBanSnapshot(ctx context.Context, snap ban.Snapshot) error {
	if snap.IPs == nil {
		snap.IPs = []string{}
	}
	if snap.UIDs == nil {
		snap.UIDs = []string{}
	}
	blob, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(s.root()+bannedObject),
		Body:        bytes.NewReader(blob),
		ContentType: aws.String(contentType),
	})
	return err
}

var errNotFound = errors.New("s3store: object not found")

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("s3store: get %s: %w", key, err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

var (
	_ mailbox.Store = (*Store)(nil)
	_ ban.Seeder    = (*Store)(nil)
	_ ban.Source    = (*Store)(nil)
)

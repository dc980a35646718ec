package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrNotFound is returned when no blob exists for a key.
var ErrNotFound = errors.New("media not found")

const defaultOpTimeout = 30 * time.Second

// bucket is the subset of *gridfs.Bucket used by Store.
type bucket interface {
	UploadFromStream(filename string, source io.Reader, opts ...*options.UploadOptions) (primitive.ObjectID, error)
	DownloadToStreamByName(filename string, stream io.Writer, opts ...*options.NameOptions) (int64, error)
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
}

// newBucket is overridable for tests.
var newBucket = func(db *mongo.Database) (bucket, error) {
	return gridfs.NewBucket(db, options.GridFSBucket().SetName(BucketName))
}

// Store reads and writes media blobs by key. Deadlines are per bucket, so
// every call opens its own.
type Store struct {
	open func() (bucket, error)
}

// NewStore opens the media bucket on db.
func NewStore(db *mongo.Database) (*Store, error) {
	if db == nil {
		return nil, errors.New("mongo database is required")
	}

	if _, err := newBucket(db); err != nil {
		return nil, fmt.Errorf("open gridfs bucket: %w", err)
	}

	return &Store{open: func() (bucket, error) { return newBucket(db) }}, nil
}

// Key builds raw/{user}/{yyyy}/{mm}/{dd}/{entry}/{filename} using the UTC
// creation date.
func Key(userID int64, entryID, filename string, createdAt time.Time) string {
	name := path.Base(strings.TrimSpace(filename))
	if name == "." || name == "/" || name == "" {
		name = "file"
	}

	at := createdAt.UTC()
	return path.Join(
		"raw",
		strconv.FormatInt(userID, 10),
		at.Format("2006"),
		at.Format("01"),
		at.Format("02"),
		entryID,
		name,
	)
}

// Put uploads r under key. Re-uploading a key stores a new revision; Get
// returns the latest.
func (s *Store) Put(ctx context.Context, key, contentType string, userID int64, r io.Reader) error {
	if s == nil || s.open == nil {
		return errors.New("media store is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("media key is required")
	}
	if r == nil {
		return errors.New("media content is required")
	}

	b, err := s.open()
	if err != nil {
		return fmt.Errorf("open gridfs bucket: %w", err)
	}
	if err := b.SetWriteDeadline(deadline(ctx)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	opts := options.GridFSUpload().SetMetadata(bson.D{
		{Key: "content_type", Value: contentType},
		{Key: "telegram_user_id", Value: userID},
	})
	if _, err := b.UploadFromStream(key, r, opts); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	return nil
}

// Get downloads the latest revision stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if s == nil || s.open == nil {
		return nil, errors.New("media store is not initialized")
	}
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	b, err := s.open()
	if err != nil {
		return nil, fmt.Errorf("open gridfs bucket: %w", err)
	}
	if err := b.SetReadDeadline(deadline(ctx)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	var buf bytes.Buffer
	if _, err := b.DownloadToStreamByName(key, &buf); err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("download %s: %w", key, err)
	}

	return buf.Bytes(), nil
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(defaultOpTimeout)
}

package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type fakeBucket struct {
	files         map[string][]byte
	writeDeadline time.Time
	readDeadline  time.Time
	uploadErr     error
	lastMetadata  interface{}
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{files: map[string][]byte{}}
}

func (f *fakeBucket) UploadFromStream(name string, r io.Reader, opts ...*options.UploadOptions) (primitive.ObjectID, error) {
	if f.uploadErr != nil {
		return primitive.NilObjectID, f.uploadErr
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return primitive.NilObjectID, err
	}
	f.files[name] = raw
	if len(opts) > 0 && opts[0] != nil {
		f.lastMetadata = opts[0].Metadata
	}
	return primitive.NewObjectID(), nil
}

func (f *fakeBucket) DownloadToStreamByName(name string, w io.Writer, _ ...*options.NameOptions) (int64, error) {
	raw, ok := f.files[name]
	if !ok {
		return 0, gridfs.ErrFileNotFound
	}
	n, err := w.Write(raw)
	return int64(n), err
}

func (f *fakeBucket) SetWriteDeadline(t time.Time) error {
	f.writeDeadline = t
	return nil
}

func (f *fakeBucket) SetReadDeadline(t time.Time) error {
	f.readDeadline = t
	return nil
}

func storeWith(b bucket) *Store {
	return &Store{open: func() (bucket, error) { return b, nil }}
}

// gatedBucket blocks uploads until every expected upload is in flight.
type gatedBucket struct {
	arrived *sync.WaitGroup
	all     chan struct{}
}

func (g gatedBucket) UploadFromStream(string, io.Reader, ...*options.UploadOptions) (primitive.ObjectID, error) {
	g.arrived.Done()
	select {
	case <-g.all:
		return primitive.NewObjectID(), nil
	case <-time.After(2 * time.Second):
		return primitive.NilObjectID, errors.New("uploads did not overlap")
	}
}

func (gatedBucket) DownloadToStreamByName(string, io.Writer, ...*options.NameOptions) (int64, error) {
	return 0, gridfs.ErrFileNotFound
}

func (gatedBucket) SetWriteDeadline(time.Time) error { return nil }
func (gatedBucket) SetReadDeadline(time.Time) error  { return nil }

func TestStoreUploadsRunConcurrently(t *testing.T) {
	const uploads = 3

	var arrived sync.WaitGroup
	arrived.Add(uploads)
	all := make(chan struct{})
	go func() {
		arrived.Wait()
		close(all)
	}()

	var mu sync.Mutex
	opened := 0
	s := &Store{open: func() (bucket, error) {
		mu.Lock()
		defer mu.Unlock()
		opened++
		return gatedBucket{arrived: &arrived, all: all}, nil
	}}

	errs := make(chan error, uploads)
	for i := 0; i < uploads; i++ {
		go func() {
			errs <- s.Put(context.Background(), "raw/1/k", "image/jpeg", 1, strings.NewReader("x"))
		}()
	}
	for i := 0; i < uploads; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Put returned error: %v", err)
		}
	}

	if opened != uploads {
		t.Fatalf("expected a bucket per call, got %d opens", opened)
	}
}

func TestStoreOpenErrorIsWrapped(t *testing.T) {
	openErr := errors.New("no primary")
	s := &Store{open: func() (bucket, error) { return nil, openErr }}

	if _, err := s.Get(context.Background(), "k"); !errors.Is(err, openErr) {
		t.Fatalf("expected wrapped open error, got %v", err)
	}
}

func TestKeyLayout(t *testing.T) {
	created := time.Date(2024, 3, 7, 23, 30, 0, 0, time.FixedZone("x", -2*3600))

	got := Key(42, "e-1", "voice.ogg", created)
	if got != "raw/42/2024/03/08/e-1/voice.ogg" {
		t.Fatalf("unexpected key %s", got)
	}

	if got := Key(42, "e-1", "../../etc/passwd", created); !strings.HasSuffix(got, "/e-1/passwd") {
		t.Fatalf("expected filename to be reduced to its base, got %s", got)
	}
	if got := Key(42, "e-1", "", created); !strings.HasSuffix(got, "/e-1/file") {
		t.Fatalf("expected fallback filename, got %s", got)
	}
}

func TestStorePutAndGet(t *testing.T) {
	fake := newFakeBucket()
	s := storeWith(fake)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	wantDeadline, _ := ctx.Deadline()

	if err := s.Put(ctx, "raw/1/k", "image/jpeg", 1, bytes.NewReader([]byte("jpeg"))); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if !fake.writeDeadline.Equal(wantDeadline) {
		t.Fatalf("expected write deadline from context, got %v", fake.writeDeadline)
	}
	if fake.lastMetadata == nil {
		t.Fatalf("expected metadata to be attached")
	}

	got, err := s.Get(context.Background(), "raw/1/k")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if string(got) != "jpeg" {
		t.Fatalf("expected stored bytes, got %q", got)
	}
	if fake.readDeadline.IsZero() {
		t.Fatalf("expected default read deadline to be set")
	}
}

func TestStoreGetMissing(t *testing.T) {
	s := storeWith(newFakeBucket())

	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStorePutValidatesAndWraps(t *testing.T) {
	fake := newFakeBucket()
	s := storeWith(fake)

	if err := s.Put(context.Background(), "", "text/plain", 1, strings.NewReader("x")); err == nil {
		t.Fatalf("expected empty key to be rejected")
	}

	fake.uploadErr = errors.New("disk full")
	if err := s.Put(context.Background(), "k", "text/plain", 1, strings.NewReader("x")); !errors.Is(err, fake.uploadErr) {
		t.Fatalf("expected wrapped upload error, got %v", err)
	}

	var nilStore *Store
	if _, err := nilStore.Get(context.Background(), "k"); err == nil {
		t.Fatalf("expected nil store to error")
	}
}

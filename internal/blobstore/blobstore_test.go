package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/blobtransfer/internal/transfer"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[Object][]byte
	failPut error
	buckets []string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[Object][]byte)}
}

func (f *fakeObjects) Put(_ context.Context, obj Object, r io.Reader, size int64) error {
	f.mu.Lock()
	fail := f.failPut
	f.mu.Unlock()

	if fail != nil {
		return fail
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	if int64(len(data)) != size {
		return fmt.Errorf("short body: %d of %d", len(data), size)
	}

	f.set(obj, data)

	return nil
}

func (f *fakeObjects) GetRange(_ context.Context, obj Object, offset, length int64) (io.ReadCloser, error) {
	data, ok := f.get(obj)
	if !ok {
		return nil, minio.ErrorResponse{StatusCode: 404, Code: "NoSuchKey"}
	}

	return io.NopCloser(bytes.NewReader(data[offset : offset+length])), nil
}

func (f *fakeObjects) Compose(_ context.Context, dst Object, srcs []Source) error {
	var out []byte

	for _, src := range srcs {
		data, ok := f.get(src.Object)
		if !ok {
			return minio.ErrorResponse{StatusCode: 404, Code: "NoSuchKey"}
		}

		if src.Length > 0 {
			data = data[src.Offset : src.Offset+src.Length]
		}

		out = append(out, data...)
	}

	f.set(dst, out)

	return nil
}

func (f *fakeObjects) Copy(ctx context.Context, dst Object, src Source) error {
	return f.Compose(ctx, dst, []Source{src})
}

func (f *fakeObjects) Remove(_ context.Context, obj Object) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.objects, obj)

	return nil
}

func (f *fakeObjects) EnsureBucket(_ context.Context, bucket, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.buckets = append(f.buckets, bucket)

	return nil
}

func (f *fakeObjects) set(obj Object, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.objects[obj] = append([]byte(nil), data...)
}

func (f *fakeObjects) get(obj Object) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[obj]

	return data, ok
}

func (f *fakeObjects) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for obj := range f.objects {
		keys = append(keys, obj.Key)
	}

	return keys
}

const payload = "the quick brown fox jumps"

func newTestClient() (*Client, *fakeObjects) {
	objects := newFakeObjects()

	return &Client{objects: objects, bucket: "media"}, objects
}

// runAll executes every segment of t in order, then finalizes.
func runAll(t *testing.T, e transfer.Executor, tr transfer.Transfer, reverse bool) {
	t.Helper()

	ctx := context.Background()

	var segs []transfer.Segment

	switch v := tr.(type) {
	case *transfer.BlobTransfer:
		for _, b := range v.Blocks() {
			segs = append(segs, b.Segment())
		}
	case *transfer.SingleTransfer:
		segs = append(segs, v.Segment())
	}

	if reverse {
		for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
			segs[i], segs[j] = segs[j], segs[i]
		}
	}

	for _, seg := range segs {
		var last int64

		require.NoError(t, e.TransferSegment(ctx, tr, seg, func(n int64) { last = n }))
		assert.Equal(t, seg.Length, last, "segment %d reports its full length", seg.Index)
	}

	require.NoError(t, e.Finalize(ctx, tr))
}

func writeFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "source.bin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestParseObject(t *testing.T) {
	c, _ := newTestClient()

	tests := []struct {
		loc     string
		want    Object
		wantErr bool
	}{
		{loc: "movies/a.mkv", want: Object{Bucket: "media", Key: "movies/a.mkv"}},
		{loc: "/movies/a.mkv", want: Object{Bucket: "media", Key: "movies/a.mkv"}},
		{loc: "s3://other/x/y", want: Object{Bucket: "other", Key: "x/y"}},
		{loc: "s3://other", wantErr: true},
		{loc: "s3:///key", wantErr: true},
		{loc: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.loc, func(t *testing.T) {
			got, err := c.ParseObject(tt.loc)
			if tt.wantErr {
				require.Error(t, err)
				assert.False(t, transfer.IsTransient(err))

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		status    int
	}{
		{name: "server error", err: minio.ErrorResponse{StatusCode: 500}, transient: true, status: 500},
		{name: "slow down", err: minio.ErrorResponse{StatusCode: 503, Code: "SlowDown"}, transient: true, status: 503},
		{name: "throttled", err: minio.ErrorResponse{StatusCode: 429}, transient: true, status: 429},
		{name: "request timeout", err: minio.ErrorResponse{StatusCode: 408}, transient: true, status: 408},
		{name: "unauthorized", err: minio.ErrorResponse{StatusCode: 401}, status: 401},
		{name: "forbidden", err: minio.ErrorResponse{StatusCode: 403, Code: "AccessDenied"}, status: 403},
		{name: "missing", err: minio.ErrorResponse{StatusCode: 404, Code: "NoSuchKey"}, status: 404},
		{name: "precondition", err: minio.ErrorResponse{StatusCode: 412}, status: 412},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, transient: true},
		{name: "unknown", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("put_block", tt.err)

			assert.Equal(t, tt.transient, transfer.IsTransient(err))

			if tt.status == 0 {
				assert.ErrorIs(t, err, tt.err)

				return
			}

			var transient *transfer.TransientTransferError

			var terminal *transfer.TerminalTransferError

			if tt.transient {
				require.ErrorAs(t, err, &transient)
				assert.Equal(t, tt.status, transient.StatusCode)
			} else {
				require.ErrorAs(t, err, &terminal)
				assert.Equal(t, tt.status, terminal.StatusCode)
			}
		})
	}

	assert.NoError(t, classify("put_block", nil))
	assert.Equal(t, context.Canceled, classify("put_block", context.Canceled))
}

func TestUploader_Blob(t *testing.T) {
	c, objects := newTestClient()
	src := writeFile(t, payload)

	tr, err := transfer.NewBlobTransfer(transfer.DirectionUpload, src, "uploads/fox.txt", int64(len(payload)), 10)
	require.NoError(t, err)

	runAll(t, NewDelegate(c).Uploader(tr), tr, true)

	data, ok := objects.get(Object{Bucket: "media", Key: "uploads/fox.txt"})
	require.True(t, ok)
	assert.Equal(t, payload, string(data))
	assert.Equal(t, []string{"uploads/fox.txt"}, objects.keys(), "part objects are removed")
}

func TestUploader_Single(t *testing.T) {
	c, objects := newTestClient()
	src := writeFile(t, payload)

	tr := transfer.NewSingleTransfer(transfer.DirectionUpload, src, "s3://backups/fox.txt", int64(len(payload)))

	runAll(t, NewDelegate(c).Uploader(tr), tr, false)

	data, ok := objects.get(Object{Bucket: "backups", Key: "fox.txt"})
	require.True(t, ok)
	assert.Equal(t, payload, string(data))
}

func TestUploader_Errors(t *testing.T) {
	ctx := context.Background()
	c, objects := newTestClient()

	missing := transfer.NewSingleTransfer(transfer.DirectionUpload, filepath.Join(t.TempDir(), "nope"), "x", 1)
	err := NewDelegate(c).Uploader(missing).TransferSegment(ctx, missing, missing.Segment(), func(int64) {})
	require.Error(t, err)
	assert.False(t, transfer.IsTransient(err))

	objects.failPut = minio.ErrorResponse{StatusCode: 503, Code: "SlowDown", Message: "slow down"}

	tr := transfer.NewSingleTransfer(transfer.DirectionUpload, writeFile(t, payload), "x", int64(len(payload)))
	err = NewDelegate(c).Uploader(tr).TransferSegment(ctx, tr, tr.Segment(), func(int64) {})

	var transient *transfer.TransientTransferError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, "put_block", transient.Operation)
	assert.Equal(t, 503, transient.StatusCode)
}

func TestDownloader_Blob(t *testing.T) {
	c, objects := newTestClient()
	objects.set(Object{Bucket: "media", Key: "fox.txt"}, []byte(payload))

	dst := filepath.Join(t.TempDir(), "nested", "fox.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))
	require.NoError(t, os.WriteFile(dst, []byte(strings.Repeat("x", 100)), 0o600))

	tr, err := transfer.NewBlobTransfer(transfer.DirectionDownload, "fox.txt", dst, int64(len(payload)), 10)
	require.NoError(t, err)

	runAll(t, NewDelegate(c).Downloader(tr), tr, true)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
}

func TestDownloader_SingleAndEmpty(t *testing.T) {
	c, objects := newTestClient()
	objects.set(Object{Bucket: "media", Key: "fox.txt"}, []byte(payload))
	objects.set(Object{Bucket: "media", Key: "empty"}, nil)

	dir := t.TempDir()

	tr := transfer.NewSingleTransfer(transfer.DirectionDownload, "fox.txt", filepath.Join(dir, "a", "fox.txt"), int64(len(payload)))
	runAll(t, NewDelegate(c).Downloader(tr), tr, false)

	data, err := os.ReadFile(tr.Destination())
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))

	empty := transfer.NewSingleTransfer(transfer.DirectionDownload, "empty", filepath.Join(dir, "empty"), 0)
	runAll(t, NewDelegate(c).Downloader(empty), empty, false)

	info, err := os.Stat(empty.Destination())
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestDownloader_MissingObjectIsTerminal(t *testing.T) {
	c, _ := newTestClient()

	tr := transfer.NewSingleTransfer(transfer.DirectionDownload, "missing", filepath.Join(t.TempDir(), "out"), 5)
	err := NewDelegate(c).Downloader(tr).TransferSegment(context.Background(), tr, tr.Segment(), func(int64) {})

	var terminal *transfer.TerminalTransferError
	require.ErrorAs(t, err, &terminal)
	assert.Equal(t, 404, terminal.StatusCode)
}

func TestCopier(t *testing.T) {
	c, objects := newTestClient()
	objects.set(Object{Bucket: "media", Key: "fox.txt"}, []byte(payload))

	single := transfer.NewSingleTransfer(transfer.DirectionCopy, "fox.txt", "s3://archive/fox.txt", int64(len(payload)))
	runAll(t, NewDelegate(c).Copier(single), single, false)

	data, ok := objects.get(Object{Bucket: "archive", Key: "fox.txt"})
	require.True(t, ok)
	assert.Equal(t, payload, string(data))

	blob, err := transfer.NewBlobTransfer(transfer.DirectionCopy, "fox.txt", "copies/fox.txt", int64(len(payload)), 7)
	require.NoError(t, err)
	runAll(t, NewDelegate(c).Copier(blob), blob, true)

	data, ok = objects.get(Object{Bucket: "media", Key: "copies/fox.txt"})
	require.True(t, ok)
	assert.Equal(t, payload, string(data))
	assert.ElementsMatch(t, []string{"fox.txt", "fox.txt", "copies/fox.txt"}, objects.keys())
}

func TestClient_EnsureBucket(t *testing.T) {
	c, objects := newTestClient()

	require.NoError(t, c.EnsureBucket(context.Background()))
	assert.Equal(t, []string{"media"}, objects.buckets)

	_, err := New(Config{})
	require.Error(t, err)
}

func TestDelegate_DiscardsStagedParts(t *testing.T) {
	ctx := context.Background()
	src := writeFile(t, payload)

	stage := func(t *testing.T) (*Delegate, *fakeObjects, *transfer.BlobTransfer) {
		t.Helper()

		c, objects := newTestClient()
		d := NewDelegate(c)

		tr, err := transfer.NewBlobTransfer(transfer.DirectionUpload, src, "uploads/fox.txt", int64(len(payload)), 10)
		require.NoError(t, err)

		for _, b := range tr.Blocks()[:2] {
			require.NoError(t, d.Uploader(tr).TransferSegment(ctx, tr, b.Segment(), func(int64) {}))
		}

		require.Len(t, objects.keys(), 2)

		return d, objects, tr
	}

	t.Run("cancelled", func(t *testing.T) {
		d, objects, tr := stage(t)

		d.TransferDidUpdate(tr, transfer.StatePaused, nil)
		assert.Len(t, objects.keys(), 2, "paused transfers keep their parts")

		d.TransferDidUpdate(tr, transfer.StateCancelled, nil)
		assert.Empty(t, objects.keys())
	})

	t.Run("failed", func(t *testing.T) {
		d, objects, tr := stage(t)

		d.TransferDidFail(tr, errors.New("denied"))
		assert.Empty(t, objects.keys())
	})

	t.Run("removed", func(t *testing.T) {
		d, objects, tr := stage(t)

		d.TransferDidRemove(tr)
		assert.Empty(t, objects.keys())
	})
}

func TestDelegate_DiscardIgnoresDownloadsAndSingles(t *testing.T) {
	c, objects := newTestClient()
	d := NewDelegate(c)

	download, err := transfer.NewBlobTransfer(transfer.DirectionDownload, "videos/fox.txt", "/tmp/fox.txt", 25, 10)
	require.NoError(t, err)

	single := transfer.NewSingleTransfer(transfer.DirectionUpload, "/tmp/fox.txt", "uploads/fox.txt", 25)

	kept := []Object{
		{Bucket: "media", Key: "videos/fox.txt"},
		{Bucket: "media", Key: "uploads/fox.txt"},
	}
	for _, obj := range kept {
		objects.set(obj, []byte(payload))
	}

	d.TransferDidUpdate(download, transfer.StateCancelled, nil)
	d.TransferDidRemove(single)

	assert.ElementsMatch(t, []string{"videos/fox.txt", "uploads/fox.txt"}, objects.keys())
}

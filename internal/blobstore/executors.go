package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/blobtransfer/internal/logctx"
	"github.com/italolelis/blobtransfer/internal/progress"
	"github.com/italolelis/blobtransfer/internal/transfer"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	discardTimeout = time.Minute
)

// Delegate supplies executors backed by the object store and deletes the
// staged parts of blob uploads and copies that are cancelled, failed or
// removed. Wrap it (for example with notifier.NewAnnouncer) to observe the
// other notifications.
type Delegate struct {
	transfer.NopDelegate

	client     *Client
	uploader   *Uploader
	downloader *Downloader
	copier     *Copier
}

// NewDelegate returns a delegate whose executors use c.
func NewDelegate(c *Client) *Delegate {
	return &Delegate{
		client:     c,
		uploader:   &Uploader{client: c},
		downloader: &Downloader{client: c},
		copier:     &Copier{client: c},
	}
}

func (d *Delegate) TransferDidUpdate(t transfer.Transfer, state transfer.State, _ *transfer.Progress) {
	if state == transfer.StateCancelled {
		d.discard(t)
	}
}

func (d *Delegate) TransferDidFail(t transfer.Transfer, _ error) {
	d.discard(t)
}

func (d *Delegate) TransferDidRemove(t transfer.Transfer) {
	if t.State() != transfer.StateComplete {
		d.discard(t)
	}
}

func (d *Delegate) discard(t transfer.Transfer) {
	ctx, cancel := context.WithTimeout(context.Background(), discardTimeout)
	defer cancel()

	if err := discardParts(ctx, d.client, t); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to discard part objects", "transfer_id", t.ID(), "err", err)
	}
}

func (d *Delegate) Uploader(transfer.Transfer) transfer.Executor   { return d.uploader }
func (d *Delegate) Downloader(transfer.Transfer) transfer.Executor { return d.downloader }
func (d *Delegate) Copier(transfer.Transfer) transfer.Executor     { return d.copier }

// Uploader sends a local file to an object. Source is a file path and
// destination an object location.
type Uploader struct {
	client *Client
}

func (u *Uploader) TransferSegment(ctx context.Context, t transfer.Transfer, seg transfer.Segment, report transfer.ProgressFunc) error {
	dst, err := u.client.ParseObject(t.Destination())
	if err != nil {
		return err
	}

	f, err := os.Open(t.Source())
	if err != nil {
		return transfer.Terminal("open_source", err)
	}

	defer f.Close()

	target := dst
	if t.Kind() == transfer.KindBlob {
		target = partObject(dst, t, seg.Index)
	}

	body := progress.NewReader(io.NewSectionReader(f, seg.Offset, seg.Length), seg.Length, progressInterval, func(read, _ int64) {
		report(read)
	})

	if err := u.client.objects.Put(ctx, target, body, seg.Length); err != nil {
		return classify("put_block", err)
	}

	report(seg.Length)

	return nil
}

// Finalize composes the uploaded parts of a blob transfer into the
// destination and removes them.
func (u *Uploader) Finalize(ctx context.Context, t transfer.Transfer) error {
	return commitParts(ctx, u.client, t)
}

// Downloader fetches an object into a local file. Source is an object
// location and destination a file path.
type Downloader struct {
	client *Client
}

func (d *Downloader) TransferSegment(ctx context.Context, t transfer.Transfer, seg transfer.Segment, report transfer.ProgressFunc) error {
	src, err := d.client.ParseObject(t.Source())
	if err != nil {
		return err
	}

	out, err := openDestination(t.Destination())
	if err != nil {
		return err
	}

	defer out.Close()

	if seg.Length == 0 {
		return nil
	}

	body, err := d.client.objects.GetRange(ctx, src, seg.Offset, seg.Length)
	if err != nil {
		return classify("get_range", err)
	}

	defer body.Close()

	pr := progress.NewReader(body, seg.Length, progressInterval, func(read, _ int64) {
		report(read)
	})

	n, err := io.Copy(io.NewOffsetWriter(out, seg.Offset), pr)
	if err != nil {
		return classify("get_range", err)
	}

	if n != seg.Length {
		return transfer.Transient("get_range", fmt.Errorf("read %d of %d bytes: %w", n, seg.Length, io.ErrUnexpectedEOF))
	}

	return nil
}

// Finalize trims the destination to the transfer size so that a longer
// pre-existing file cannot leave stale bytes behind.
func (d *Downloader) Finalize(ctx context.Context, t transfer.Transfer) error {
	if err := os.Truncate(t.Destination(), t.Size()); err != nil {
		return transfer.Terminal("truncate_destination", err)
	}

	logctx.LoggerFromContext(ctx).Info("downloaded and saved file",
		"target", t.Destination(),
		"file_size", humanize.Bytes(uint64(t.Size())))

	return nil
}

// Copier copies between objects without moving bytes through this process.
type Copier struct {
	client *Client
}

func (c *Copier) TransferSegment(ctx context.Context, t transfer.Transfer, seg transfer.Segment, report transfer.ProgressFunc) error {
	src, err := c.client.ParseObject(t.Source())
	if err != nil {
		return err
	}

	dst, err := c.client.ParseObject(t.Destination())
	if err != nil {
		return err
	}

	if t.Kind() == transfer.KindBlob {
		part := partObject(dst, t, seg.Index)
		source := Source{Object: src, Offset: seg.Offset, Length: seg.Length}

		if err := c.client.objects.Compose(ctx, part, []Source{source}); err != nil {
			return classify("copy_block", err)
		}
	} else if err := c.client.objects.Copy(ctx, dst, Source{Object: src}); err != nil {
		return classify("copy_object", err)
	}

	report(seg.Length)

	return nil
}

// Finalize composes the copied parts of a blob transfer into the destination.
func (c *Copier) Finalize(ctx context.Context, t transfer.Transfer) error {
	return commitParts(ctx, c.client, t)
}

func commitParts(ctx context.Context, c *Client, t transfer.Transfer) error {
	blob, ok := t.(*transfer.BlobTransfer)
	if !ok {
		return nil
	}

	dst, err := c.ParseObject(t.Destination())
	if err != nil {
		return err
	}

	blocks := blob.Blocks()
	if len(blocks) == 0 {
		if err := c.objects.Put(ctx, dst, strings.NewReader(""), 0); err != nil {
			return classify("put_object", err)
		}

		return nil
	}

	parts := make([]Source, 0, len(blocks))
	for _, b := range blocks {
		parts = append(parts, Source{Object: partObject(dst, t, b.Index)})
	}

	if err := c.objects.Compose(ctx, dst, parts); err != nil {
		return classify("compose_object", err)
	}

	logger := logctx.LoggerFromContext(ctx)

	for _, p := range parts {
		if err := c.objects.Remove(ctx, p.Object); err != nil {
			logger.Warn("failed to remove part object", "object", p.Object.String(), "err", err)
		}
	}

	logger.Info("object committed",
		"object", dst.String(),
		"parts", len(parts),
		"size", humanize.Bytes(uint64(t.Size())))

	return nil
}

// discardParts deletes the part objects a blob upload or copy may have
// staged. Missing parts are not an error.
func discardParts(ctx context.Context, c *Client, t transfer.Transfer) error {
	blob, ok := t.(*transfer.BlobTransfer)
	if !ok || t.Direction() == transfer.DirectionDownload {
		return nil
	}

	dst, err := c.ParseObject(t.Destination())
	if err != nil {
		return err
	}

	var errs []error

	for _, b := range blob.Blocks() {
		if err := c.objects.Remove(ctx, partObject(dst, t, b.Index)); err != nil {
			errs = append(errs, classify("remove_part", err))
		}
	}

	if len(errs) == 0 {
		logctx.LoggerFromContext(ctx).Debug("part objects discarded", "transfer_id", t.ID(), "parts", len(blob.Blocks()))
	}

	return errors.Join(errs...)
}

func openDestination(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, transfer.Terminal("create_destination", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, filePerm)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, transfer.Terminal("open_destination", err)
		}

		return nil, transfer.Transient("open_destination", err)
	}

	return f, nil
}

package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/blobtransfer/internal/transfer"
)

const announceTimeout = 10 * time.Second

// Announcer is a Delegate decorator that posts completions and failures to a
// Notifier before forwarding them to the wrapped delegate.
type Announcer struct {
	transfer.Delegate

	notifier Notifier
	logger   *slog.Logger
}

// NewAnnouncer wraps next. A nil next behaves like transfer.NopDelegate.
func NewAnnouncer(next transfer.Delegate, n Notifier, logger *slog.Logger) *Announcer {
	if next == nil {
		next = transfer.NopDelegate{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Announcer{Delegate: next, notifier: n, logger: logger}
}

func (a *Announcer) TransferDidComplete(t transfer.Transfer) {
	a.announce(t, fmt.Sprintf("Transfer completed: %s %s -> %s (%s)",
		t.Direction(), t.Source(), t.Destination(), humanize.Bytes(uint64(t.Size()))))

	a.Delegate.TransferDidComplete(t)
}

func (a *Announcer) TransferDidFail(t transfer.Transfer, err error) {
	a.announce(t, fmt.Sprintf("Transfer failed: %s %s -> %s: %v",
		t.Direction(), t.Source(), t.Destination(), err))

	a.Delegate.TransferDidFail(t, err)
}

func (a *Announcer) announce(t transfer.Transfer, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
	defer cancel()

	if err := a.notifier.Notify(ctx, content); err != nil {
		a.logger.Error("failed to send notification", "transfer_id", t.ID(), "err", err)
	}
}

// ABOUTME: Posts service lifecycle events to a Matrix room.
// ABOUTME: Events are queued and sent from a single goroutine so the lifecycle manager never waits on the homeserver.

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/grimoire/internal/config"
	"github.com/2389/grimoire/internal/dedupe"
	"github.com/2389/grimoire/internal/services"
	"github.com/2389/grimoire/internal/store"
)

const (
	queueSize   = 64
	sendTimeout = 30 * time.Second

	// Identical consecutive events for one service inside this window are sent once.
	repeatWindow = 10 * time.Minute
	repeatKeys   = 1024
)

// Sender is the part of the Matrix client used for notifications.
type Sender interface {
	SendText(ctx context.Context, roomID id.RoomID, text string) (*mautrix.RespSendEvent, error)
}

// Matrix is a services.Observer that announces transitions in one room.
type Matrix struct {
	sender Sender
	room   id.RoomID
	queue  chan services.Event
	recent *dedupe.Cache
	logger *slog.Logger
}

// NewMatrix connects a notifier using an access token.
func NewMatrix(cfg config.MatrixConfig, logger *slog.Logger) (*Matrix, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return NewMatrixWithSender(client, id.RoomID(cfg.RoomID), logger), nil
}

// NewMatrixWithSender builds a notifier around an existing sender.
func NewMatrixWithSender(sender Sender, room id.RoomID, logger *slog.Logger) *Matrix {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matrix{
		sender: sender,
		room:   room,
		queue:  make(chan services.Event, queueSize),
		recent: dedupe.New(repeatWindow, repeatKeys),
		logger: logger.With("component", "matrix-notify"),
	}
}

// ServiceChanged queues ev. Repeats of the service's previous event and
// events arriving while the queue is full are dropped.
func (m *Matrix) ServiceChanged(ctx context.Context, ev services.Event) {
	if ev.Status == services.EventDeleted {
		m.recent.Forget(ev.ServiceID)
	} else if m.recent.Repeat(ev.ServiceID, ev.Status+"|"+ev.Error) {
		m.logger.Debug("suppressing repeated notification", "service_id", ev.ServiceID, "status", ev.Status)
		return
	}

	select {
	case m.queue <- ev:
	default:
		m.logger.Warn("notification queue full, dropping event", "service_id", ev.ServiceID, "status", ev.Status)
	}
}

// Run sends queued events until ctx is cancelled.
func (m *Matrix) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.queue:
			m.send(ev)
		}
	}
}

func (m *Matrix) send(ev services.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if _, err := m.sender.SendText(ctx, m.room, FormatEvent(ev)); err != nil {
		m.logger.Error("failed to send notification", "room", m.room.String(), "error", err)
	}
}

// FormatEvent renders an event as a one-line room message.
func FormatEvent(ev services.Event) string {
	label := ev.Name
	if label == "" {
		label = ev.ServiceID
	}
	switch ev.Status {
	case string(store.StatusRunning):
		return fmt.Sprintf("▶ %s is running at %s", label, ev.StreamPath)
	case string(store.StatusStopped):
		return fmt.Sprintf("■ %s stopped", label)
	case string(store.StatusError):
		return fmt.Sprintf("✖ %s failed: %s", label, truncate(ev.Error, 300))
	case services.EventDeleted:
		return fmt.Sprintf("🗑 %s deleted", label)
	default:
		return fmt.Sprintf("%s: %s", label, ev.Status)
	}
}

// truncate shortens s to max runes, adding "..." when cut.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

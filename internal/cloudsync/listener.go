package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"tasksync/internal/logging"
)

const (
	FeedHello   = "hello"
	FeedChanged = "changed"
)

// FeedMessage is one frame of the server change feed.
type FeedMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId,omitempty"`
	Applied  int    `json:"applied,omitempty"`
	At       string `json:"at,omitempty"`
}

type Scheduler interface {
	Schedule(t Trigger)
}

// Listener follows the server change feed and schedules a pass when another
// device pushed something. The feed is only a hint; pulls still use the cursor.
type Listener struct {
	client   *Client
	identity DeviceIdentity
	sched    Scheduler
	log      *logging.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewListener(client *Client, identity DeviceIdentity, sched Scheduler, log *logging.Logger) *Listener {
	if log == nil {
		log = logging.Nop()
	}
	return &Listener{
		client:     client,
		identity:   identity,
		sched:      sched,
		log:        log,
		minBackoff: time.Second,
		maxBackoff: time.Minute,
	}
}

// Run reconnects until ctx is done.
func (l *Listener) Run(ctx context.Context) {
	backoff := l.minBackoff
	for {
		connected, err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = l.minBackoff
		}
		l.log.Debugf("change feed disconnected: %v (retry in %s)", err, backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context) (bool, error) {
	conn, _, err := websocket.Dial(ctx, l.client.EventsURL(), &websocket.DialOptions{
		HTTPHeader: l.client.headers(),
	})
	if err != nil {
		return false, fmt.Errorf("dial change feed: %w", err)
	}
	defer conn.CloseNow()

	self := l.identity.DeviceID(ctx)
	for {
		var msg FeedMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
				return true, nil
			}
			return true, err
		}
		switch msg.Type {
		case FeedHello:
			l.log.Debugf("change feed connected")
			// catch up on anything missed while disconnected
			l.sched.Schedule(TriggerRemoteChange)
		case FeedChanged:
			if msg.DeviceID == self {
				continue
			}
			l.sched.Schedule(TriggerRemoteChange)
		}
	}
}

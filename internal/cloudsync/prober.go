package cloudsync

import (
	"context"
	"errors"
	"time"

	"tasksync/internal/logging"
)

type ConnectivitySink interface {
	SetOnline(online bool)
}

// Prober polls the server health endpoint and reports reachability changes.
type Prober struct {
	check    func(ctx context.Context) error
	sink     ConnectivitySink
	interval time.Duration
	timeout  time.Duration
	log      *logging.Logger
}

func NewProber(client *Client, sink ConnectivitySink, interval time.Duration, log *logging.Logger) *Prober {
	if log == nil {
		log = logging.Nop()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Prober{check: client.Health, sink: sink, interval: interval, timeout: 5 * time.Second, log: log}
}

func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	online := true
	for {
		reachable := p.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if reachable != online {
			online = reachable
			p.sink.SetOnline(online)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Prober) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err := p.check(ctx)
	if err != nil {
		p.log.Debugf("health probe: %v", err)
	}
	return !Unreachable(err)
}

// Unreachable reports whether err means no response came back at all. Any
// HTTP status, including auth failures, proves the server is reachable.
func Unreachable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.StatusCode == 0 && te.Err != nil
}

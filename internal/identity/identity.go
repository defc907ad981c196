// Package identity hands out the stable identifier of this device.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"tasksync/internal/logging"
	"tasksync/internal/store"
)

const deviceIDKey = "device-id"

type KV interface {
	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key, value string) error
	DeleteValue(ctx context.Context, key string) error
}

// Provider resolves the device id once per process. Persistence failures fall
// back to a process-lifetime id so callers always get a usable value.
type Provider struct {
	mu     sync.Mutex
	kv     KV
	log    *logging.Logger
	cached string
	warned bool
}

// NewProvider accepts a nil kv; the id then lives only as long as the process.
func NewProvider(kv KV, log *logging.Logger) *Provider {
	if log == nil {
		log = logging.Nop()
	}
	return &Provider{kv: kv, log: log}
}

func (p *Provider) DeviceID(ctx context.Context) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" {
		return p.cached
	}
	if p.kv == nil {
		p.cached = uuid.NewString()
		return p.cached
	}

	v, err := p.kv.GetValue(ctx, deviceIDKey)
	if err == nil && strings.TrimSpace(v) != "" {
		p.cached = v
		return p.cached
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		p.warnFallback(err)
		p.cached = uuid.NewString()
		return p.cached
	}

	id := uuid.NewString()
	if err := p.kv.SetValue(ctx, deviceIDKey, id); err != nil {
		p.warnFallback(err)
	}
	p.cached = id
	return p.cached
}

// Reset forgets the persisted and cached id. The next DeviceID call mints a new one.
func (p *Provider) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = ""
	if p.kv == nil {
		return nil
	}
	return p.kv.DeleteValue(ctx, deviceIDKey)
}

func (p *Provider) warnFallback(err error) {
	if p.warned {
		return
	}
	p.warned = true
	p.log.Warnf("device id storage unavailable, using in-memory id: %v", err)
}

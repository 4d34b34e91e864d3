// Package dedup suppresses repeated saves of the same turn inside a short
// time window.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/vango-go/vai-voice/pkg/voice/types"
)

const (
	DefaultWindow      = 5 * time.Second
	DefaultPrefixRunes = 64
)

// Backend records fingerprints. Claim returns true when key was not seen
// within window and is now recorded.
type Backend interface {
	Claim(ctx context.Context, key string, now time.Time, window time.Duration) (bool, error)
}

type Options struct {
	Window      time.Duration
	PrefixRunes int
	Backend     Backend
	Now         func() time.Time
}

type Deduplicator struct {
	window      time.Duration
	prefixRunes int
	backend     Backend
	now         func() time.Time
}

func New(opts Options) *Deduplicator {
	d := &Deduplicator{
		window:      opts.Window,
		prefixRunes: opts.PrefixRunes,
		backend:     opts.Backend,
		now:         opts.Now,
	}
	if d.window <= 0 {
		d.window = DefaultWindow
	}
	if d.prefixRunes <= 0 {
		d.prefixRunes = DefaultPrefixRunes
	}
	if d.backend == nil {
		d.backend = NewMemoryBackend()
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

func (d *Deduplicator) Window() time.Duration { return d.window }

// Fingerprint derives the dedup key for a role and its content within
// scope. Scope is the owner of the transcript, usually the user id; equal
// content under different scopes never collides.
func (d *Deduplicator) Fingerprint(scope string, role types.Role, content string) string {
	sum := sha256.Sum256([]byte(scope + "\x00" + string(role) + "\x00" + Normalize(content, d.prefixRunes)))
	return hex.EncodeToString(sum[:16])
}

// Seen claims the fingerprint of (scope, role, content). It reports true
// when the same fingerprint was already claimed inside the window.
func (d *Deduplicator) Seen(ctx context.Context, scope string, role types.Role, content string) (bool, string, error) {
	fp := d.Fingerprint(scope, role, content)
	claimed, err := d.backend.Claim(ctx, fp, d.now(), d.window)
	if err != nil {
		return false, fp, err
	}
	return !claimed, fp, nil
}

// Normalize lowercases, collapses whitespace, and trims content to its first
// prefixRunes runes.
func Normalize(content string, prefixRunes int) string {
	var b strings.Builder
	space := false
	n := 0
	for _, r := range strings.TrimSpace(content) {
		if prefixRunes > 0 && n >= prefixRunes {
			break
		}
		if unicode.IsSpace(r) {
			if space {
				continue
			}
			space = true
			r = ' '
		} else {
			space = false
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// MemoryBackend keeps fingerprints in process.
type MemoryBackend struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{seen: make(map[string]time.Time)}
}

func (m *MemoryBackend) Claim(_ context.Context, key string, now time.Time, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, at := range m.seen {
		if now.Sub(at) >= window {
			delete(m.seen, k)
		}
	}
	if at, ok := m.seen[key]; ok && now.Sub(at) < window {
		return false, nil
	}
	m.seen[key] = now
	return true, nil
}

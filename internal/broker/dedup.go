package broker

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// defaultDuplicateWindow matches the JetStream stream default.
	defaultDuplicateWindow = 2 * time.Minute

	dedupCleanupInterval = 1 * time.Second
)

// dedupWindow remembers recently seen dedup tokens and expires them after a
// TTL, mirroring a broker's duplicate-detection window.
type dedupWindow struct {
	seen map[[32]byte]int64 // token hash -> first seen (unix nano)
	mu   sync.Mutex
	ttl  int64
	now  func() time.Time
	stop chan struct{}
	wg   sync.WaitGroup
}

func newDedupWindow(ttl time.Duration, now func() time.Time) *dedupWindow {
	d := &dedupWindow{
		seen: make(map[[32]byte]int64),
		ttl:  int64(ttl),
		now:  now,
		stop: make(chan struct{}),
	}
	d.startCleanup()
	return d
}

// Check returns true if token is new and records it. Empty tokens are never
// de-duplicated.
func (d *dedupWindow) Check(token string) bool {
	if token == "" {
		return true
	}
	hash := blake3.Sum256([]byte(token))
	now := d.now().UnixNano()

	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, exists := d.seen[hash]; exists && now-ts < d.ttl {
		return false
	}
	d.seen[hash] = now
	return true
}

// Close stops the cleanup goroutine.
func (d *dedupWindow) Close() {
	close(d.stop)
	d.wg.Wait()
}

func (d *dedupWindow) startCleanup() {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(dedupCleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.cleanup()
			case <-d.stop:
				return
			}
		}
	}()
}

func (d *dedupWindow) cleanup() {
	now := d.now().UnixNano()

	d.mu.Lock()
	defer d.mu.Unlock()

	for hash, ts := range d.seen {
		if now-ts >= d.ttl {
			delete(d.seen, hash)
		}
	}
}

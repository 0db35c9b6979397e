// Package stream runs the delta subscription loop: snapshot, long-poll,
// merge, reconnect. It is the sole writer of the device registry.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veldhuis/nestd/internal/config"
	"github.com/veldhuis/nestd/internal/core/auth"
	"github.com/veldhuis/nestd/internal/core/device"
	"github.com/veldhuis/nestd/internal/core/nest"
	"github.com/veldhuis/nestd/internal/core/state"
)

// Phase is the observable lifecycle state of the subscription.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseStreaming    Phase = "streaming"
	PhaseReconnecting Phase = "reconnecting"
	// PhaseAuthRequired means the loop is parked until new credentials
	// arrive. No network traffic happens in this phase.
	PhaseAuthRequired Phase = "auth_required"
)

// cloud is the slice of the API client the listener needs.
type cloud interface {
	Launch(ctx context.Context) (nest.Snapshot, error)
	Subscribe(ctx context.Context, transportURL string, cursors []nest.Cursor) ([]nest.Bucket, error)
}

// refresher is the slice of the token manager the listener needs.
type refresher interface {
	ForceRefresh(ctx context.Context) (auth.Session, error)
	Invalidate()
}

// cursorStore persists resume positions across restarts.
type cursorStore interface {
	PutCursors(cursors map[string]int64) error
}

// Listener owns the snapshot/subscribe/merge loop.
type Listener struct {
	client   cloud
	tokens   refresher
	registry *device.Registry
	bus      *state.EventBus
	store    cursorStore
	cfg      config.StreamConfig
	log      *slog.Logger

	mu           sync.RWMutex
	phase        Phase
	transportURL string
	lastEventAt  time.Time
	resume       bool

	cancel  context.CancelFunc
	stopped chan struct{}
	running atomic.Bool
	wakeCh  chan struct{}
}

// NewListener wires the loop. Nothing runs until Start.
func NewListener(client cloud, tokens refresher, registry *device.Registry, bus *state.EventBus, store cursorStore, cfg config.StreamConfig, log *slog.Logger) *Listener {
	return &Listener{
		client:   client,
		tokens:   tokens,
		registry: registry,
		bus:      bus,
		store:    store,
		cfg:      cfg,
		log:      log,
		phase:    PhaseDisconnected,
		wakeCh:   make(chan struct{}, 1),
	}
}

// Start launches the loop. It reconnects with exponential backoff on
// failures and only exits on Stop or context cancellation.
func (l *Listener) Start(ctx context.Context) error {
	if l.running.Load() {
		return fmt.Errorf("stream: already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.stopped = make(chan struct{})
	l.running.Store(true)

	go l.runLoop(ctx)
	return nil
}

// Stop shuts the loop down and waits for it to exit.
func (l *Listener) Stop(_ context.Context) error {
	if !l.running.Load() {
		return nil
	}
	l.cancel()
	<-l.stopped
	l.running.Store(false)
	return nil
}

// Resume arms a warm start from persisted state: the first connection
// subscribes straight at transportURL with the registry's seeded cursors
// instead of fetching a snapshot. Any failure on that connection falls back
// to a full resync. Call before Start.
func (l *Listener) Resume(transportURL string) {
	if transportURL == "" {
		return
	}
	l.mu.Lock()
	l.transportURL = transportURL
	l.resume = true
	l.mu.Unlock()
}

// Wake interrupts the current backoff wait and reconnects immediately. Call
// it after new credentials have been installed.
func (l *Listener) Wake() {
	if l.Phase() == PhaseAuthRequired {
		l.setPhase(PhaseReconnecting)
	}

	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

// Phase returns the current lifecycle phase.
func (l *Listener) Phase() Phase {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.phase
}

// TransportURL returns the endpoint of the live subscription, or "" before
// the first successful snapshot.
func (l *Listener) TransportURL() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.transportURL
}

// LastEventAt returns when the stream last delivered data.
func (l *Listener) LastEventAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastEventAt
}

func (l *Listener) setPhase(p Phase) {
	l.mu.Lock()
	prev := l.phase
	l.phase = p
	l.mu.Unlock()

	if prev == p {
		return
	}
	switch p {
	case PhaseStreaming:
		l.bus.Publish(state.Event{Type: state.EventStreamConnected})
	case PhaseReconnecting, PhaseDisconnected:
		if prev == PhaseStreaming {
			l.bus.Publish(state.Event{Type: state.EventStreamDisconnected})
		}
	case PhaseAuthRequired:
		l.bus.Publish(state.Event{Type: state.EventAuthRequired})
	}
}

func (l *Listener) runLoop(ctx context.Context) {
	defer close(l.stopped)
	defer l.setPhase(PhaseDisconnected)

	backoff := l.cfg.BackoffInitial.Std()
	authFailures := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		healthy, err := l.connectAndStream(ctx, &authFailures)
		if err != nil {
			if ctx.Err() != nil {
				l.log.Info("stream: shutting down")
				return
			}
			l.log.Error("stream: connection error", "error", err, "retry_in", backoff)
		}

		if authFailures >= 2 {
			// Two auth failures in a row with a refresh in between: the
			// credentials themselves are dead. Park until someone installs
			// new ones and wakes us.
			l.tokens.Invalidate()
			l.setPhase(PhaseAuthRequired)
			l.log.Warn("stream: re-authentication required, pausing sync")
			select {
			case <-ctx.Done():
				return
			case <-l.wakeCh:
				authFailures = 0
				backoff = l.cfg.BackoffInitial.Std()
				l.log.Info("stream: new credentials installed, resuming")
			}
			continue
		}

		l.setPhase(PhaseReconnecting)
		if healthy {
			backoff = l.cfg.BackoffInitial.Std()
		}

		// Interruptible backoff; a wake signal skips the wait.
		timer := time.NewTimer(jitter(backoff, l.cfg.BackoffJitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-l.wakeCh:
			timer.Stop()
			select {
			case <-timer.C:
			default:
			}
			backoff = l.cfg.BackoffInitial.Std()
			l.log.Info("stream: wake signal received, reconnecting immediately")
		case <-timer.C:
		}

		backoff = time.Duration(math.Min(float64(backoff)*2, float64(l.cfg.BackoffMax)))
	}
}

// connectAndStream performs one full snapshot and then polls for deltas
// until something goes wrong. healthy reports whether the subscription was
// established at all, which resets the backoff.
func (l *Listener) connectAndStream(ctx context.Context, authFailures *int) (healthy bool, err error) {
	l.setPhase(PhaseConnecting)

	// A warm start skips the snapshot once: the registry carries persisted
	// cursors and the transport endpoint survived the restart. Any failure
	// clears the flag, so the retry goes through a full resync.
	l.mu.Lock()
	warm := l.resume
	l.resume = false
	l.mu.Unlock()

	if warm {
		l.log.Info("stream: resuming from persisted cursors")
	} else {
		if err := l.resync(ctx); err != nil {
			if auth.IsReauthRequired(err) {
				*authFailures++
				return false, err
			}
			return false, err
		}
		*authFailures = 0
	}
	l.setPhase(PhaseStreaming)
	healthy = true

	resyncedOnce := false
	for {
		if ctx.Err() != nil {
			return healthy, ctx.Err()
		}

		pollCtx, cancel := context.WithTimeout(ctx, l.cfg.IdleTimeout.Std())
		buckets, err := l.client.Subscribe(pollCtx, l.TransportURL(), l.registry.Cursors())
		cancel()

		if err != nil {
			switch nest.StreamErrorKindOf(err) {
			case nest.StreamStaleCursor:
				// The server lost our place. One immediate resync; a second
				// stale cursor in the same connection is a real failure.
				if resyncedOnce {
					return healthy, fmt.Errorf("stream: repeated stale cursor: %w", err)
				}
				resyncedOnce = true
				l.log.Warn("stream: cursors stale, resynchronizing from snapshot")
				if rerr := l.resync(ctx); rerr != nil {
					return healthy, rerr
				}
				continue

			case nest.StreamAuthExpired:
				*authFailures++
				if *authFailures >= 2 {
					return healthy, err
				}
				l.log.Warn("stream: session expired, refreshing")
				if _, rerr := l.tokens.ForceRefresh(ctx); rerr != nil {
					if auth.IsReauthRequired(rerr) {
						*authFailures++
					}
					return healthy, rerr
				}
				continue

			default:
				return healthy, err
			}
		}

		*authFailures = 0
		if len(buckets) == 0 {
			// Idle poll window closed with no data. Reissue.
			continue
		}

		applied := 0
		for _, b := range buckets {
			if l.registry.Apply(b) {
				applied++
			}
		}
		l.mu.Lock()
		l.lastEventAt = time.Now()
		l.mu.Unlock()
		l.persistCursors()
		l.log.Debug("deltas merged", "received", len(buckets), "applied", applied)
	}
}

// resync replaces the whole model from a fresh snapshot and records the new
// transport endpoint.
func (l *Listener) resync(ctx context.Context) error {
	snap, err := l.client.Launch(ctx)
	if err != nil {
		return err
	}

	g := device.MapSnapshot(snap.Buckets, l.log)
	l.registry.Reset(g)

	l.mu.Lock()
	l.transportURL = snap.TransportURL
	l.lastEventAt = time.Now()
	l.mu.Unlock()

	l.persistCursors()
	return nil
}

func (l *Listener) persistCursors() {
	if l.store == nil {
		return
	}
	if err := l.store.PutCursors(l.registry.CursorMap()); err != nil {
		l.log.Warn("stream: cursor persistence failed", "error", err)
	}
}

// jitter spreads a delay by ±frac so restarting fleets do not reconnect in
// lockstep.
func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * frac * float64(d)
	return time.Duration(float64(d) + delta)
}

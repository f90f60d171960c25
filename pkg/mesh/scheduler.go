package mesh

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// dutyCycleLoop alternates scan windows and pauses according to the current
// battery mode. A mode change restarts the running phase with the new
// durations.
func (e *Engine) dutyCycleLoop(ctx context.Context, timer *clock.Timer) {
	defer e.wg.Done()

	scanning := true
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.modeChanged:
			timer.Stop()
			dc := e.DutyCycle()
			if scanning {
				timer = e.clock.Timer(dc.ScanActive)
			} else {
				timer = e.clock.Timer(dc.ScanPause)
			}
		case <-timer.C:
			dc := e.DutyCycle()
			scanning = !scanning
			if scanning {
				timer = e.clock.Timer(dc.ScanActive)
				e.openDiscoveryWindow(ctx)
			} else {
				timer = e.clock.Timer(dc.ScanPause)
				e.closeDiscoveryWindow()
			}
		}
	}
}

func (e *Engine) openDiscoveryWindow(ctx context.Context) {
	e.metrics.discoveryCycles.Inc()
	if err := e.transport.StartDiscovery(ctx); err != nil && ctx.Err() == nil {
		e.emitError(ErrorTransport, "", err)
		e.logger.Warn("Failed to start discovery", zap.Error(err))
	}
}

func (e *Engine) closeDiscoveryWindow() {
	if err := e.transport.StopDiscovery(); err != nil {
		e.logger.Debug("Failed to stop discovery", zap.Error(err))
	}
}

func (e *Engine) cleanupLoop(ctx context.Context, ticker *clock.Ticker) {
	defer e.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runCleanup()
		}
	}
}

func (e *Engine) runCleanup() {
	removed, err := e.CleanupStalePeers()
	if err != nil {
		return
	}

	e.mu.Lock()
	reassembler := e.reassembler
	e.mu.Unlock()
	expired := 0
	if reassembler != nil {
		expired = reassembler.Prune()
	}

	var purged int64
	if e.archive != nil {
		n, err := e.archive.PurgeExpired()
		if err != nil {
			e.emitError(ErrorArchive, "", err)
			e.logger.Warn("Failed to purge archive", zap.Error(err))
		}
		purged = n
	}

	if removed > 0 || expired > 0 || purged > 0 {
		e.logger.Info("Cleanup completed",
			zap.Int("stale_peers", removed),
			zap.Int("expired_fragment_sets", expired),
			zap.Int64("purged_packets", purged))
	}
}

// CleanupStalePeers disconnects and forgets peers not heard from within the
// stale threshold. It returns how many were removed.
func (e *Engine) CleanupStalePeers() (int, error) {
	now := e.clock.Now()

	e.mu.Lock()
	if err := e.readyLocked(); err != nil {
		e.mu.Unlock()
		return 0, err
	}
	stale := e.peers.stale(now, e.cfg.StaleThreshold)
	for _, p := range stale {
		e.peers.remove(p.Ref)
	}
	e.updateGauges()
	e.mu.Unlock()

	for _, p := range stale {
		if p.State != PeerConnected && p.State != PeerConnecting {
			continue
		}
		if err := e.transport.Disconnect(p.Ref); err != nil {
			e.logger.Debug("Failed to disconnect stale peer", zap.String("peer", string(p.Ref)), zap.Error(err))
		}
		if p.State == PeerConnected {
			snap := p.snapshot()
			snap.State = PeerDisconnected
			e.emit(Event{Kind: EventPeerDisconnected, Ref: p.Ref, Peer: &snap})
		}
	}
	return len(stale), nil
}

func (e *Engine) coverTrafficLoop(ctx context.Context, ticker *clock.Ticker) {
	defer e.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.EmitCoverTraffic(ctx); err != nil {
				e.logger.Debug("Cover traffic incomplete", zap.Error(err))
			}
		}
	}
}

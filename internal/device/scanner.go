package device

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harut0/phoned/internal/config"
	"github.com/harut0/phoned/internal/model"
)

// Scanner caches device enumeration results with a TTL, detects
// membership changes between scans, and notifies subscribers. A device
// that disappears from a scan is kept with status disconnected; the
// cache only shrinks through Clear. Listing failures are logged and
// the last-known cache is returned, so callers always get data.
type Scanner struct {
	lister   Lister
	stopJoin time.Duration
	logf     func(format string, args ...any)
	now      func() time.Time

	mu        sync.Mutex
	cache     map[string]model.DeviceInfo
	lastScan  time.Time
	ttl       time.Duration
	health    HealthState
	subs      map[int]func(map[string]model.DeviceInfo)
	nextSubID int

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

func NewScanner(cfg config.Config, lister Lister) *Scanner {
	return &Scanner{
		lister:   lister,
		ttl:      cfg.ScanTTL,
		stopJoin: cfg.StopJoinTimeout,
		logf: func(format string, args ...any) {
			_, _ = fmt.Fprintf(os.Stderr, "phoned: "+format+"\n", args...)
		},
		now:   time.Now,
		cache: make(map[string]model.DeviceInfo),
		subs:  make(map[int]func(map[string]model.DeviceInfo)),
	}
}

// Scan returns a snapshot of the device cache, refreshing it first
// unless the cache is younger than the TTL and force is false.
func (s *Scanner) Scan(ctx context.Context, deviceType model.DeviceType, force bool) map[string]model.DeviceInfo {
	now := s.now().UTC()

	s.mu.Lock()
	if !force && now.Sub(s.lastScan) < s.ttl {
		snapshot := cloneCache(s.cache)
		s.mu.Unlock()
		return snapshot
	}
	s.mu.Unlock()

	raw, err := s.lister.ListDevices(ctx, deviceType)
	if err != nil {
		s.mu.Lock()
		s.health = NextHealth(s.health, false, now)
		snapshot := cloneCache(s.cache)
		s.mu.Unlock()
		s.logf("device scan failed: %v", err)
		return snapshot
	}

	s.mu.Lock()
	s.health = NextHealth(s.health, true, now)

	oldKeys := make(map[string]struct{}, len(s.cache))
	for id := range s.cache {
		oldKeys[id] = struct{}{}
	}
	newKeys := make(map[string]struct{}, len(raw))
	for _, d := range raw {
		checked := now
		s.cache[d.DeviceID] = model.DeviceInfo{
			DeviceID:   d.DeviceID,
			Status:     statusFromNative(d.State),
			DeviceType: deviceType,
			Model:      d.Model,
			LastCheck:  &checked,
		}
		newKeys[d.DeviceID] = struct{}{}
	}
	for id := range oldKeys {
		if _, stillPresent := newKeys[id]; stillPresent {
			continue
		}
		entry := s.cache[id]
		entry.Status = model.DeviceDisconnected
		checked := now
		entry.LastCheck = &checked
		s.cache[id] = entry
	}
	s.lastScan = now
	changed := !sameKeySet(oldKeys, newKeys)
	snapshot := cloneCache(s.cache)
	var subs []func(map[string]model.DeviceInfo)
	if changed {
		subs = make([]func(map[string]model.DeviceInfo), 0, len(s.subs))
		for _, fn := range s.subs {
			subs = append(subs, fn)
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify(subs)
	}
	return snapshot
}

// Status looks up one device, cache-first: a cached entry fresher than
// one TTL window is returned directly, otherwise a forced refresh runs.
func (s *Scanner) Status(ctx context.Context, deviceID string, deviceType model.DeviceType) (model.DeviceInfo, bool) {
	s.mu.Lock()
	if info, ok := s.cache[deviceID]; ok && info.LastCheck != nil && s.now().UTC().Sub(*info.LastCheck) < s.ttl {
		s.mu.Unlock()
		return info, true
	}
	s.mu.Unlock()

	devices := s.Scan(ctx, deviceType, true)
	info, ok := devices[deviceID]
	return info, ok
}

// CheckConnection force-refreshes and reports whether a usable device
// is present. With no deviceID it triages in a fixed priority order:
// connected, then unauthorized, then offline, then a generic failure.
func (s *Scanner) CheckConnection(ctx context.Context, deviceID string, deviceType model.DeviceType) (bool, string, *model.DeviceInfo) {
	devices := s.Scan(ctx, deviceType, true)

	if len(devices) == 0 {
		return false, "no devices detected", nil
	}

	if deviceID != "" {
		info, ok := devices[deviceID]
		if !ok {
			return false, fmt.Sprintf("device %s is not connected", deviceID), nil
		}
		switch info.Status {
		case model.DeviceConnected:
			return true, fmt.Sprintf("device %s is connected", deviceID), &info
		case model.DeviceUnauthorized:
			return false, fmt.Sprintf("device %s is unauthorized; allow USB debugging on the device", deviceID), &info
		case model.DeviceOffline:
			return false, fmt.Sprintf("device %s is offline", deviceID), &info
		default:
			return false, fmt.Sprintf("device %s has status %s", deviceID, info.Status), &info
		}
	}

	var connected, unauthorized, offline []model.DeviceInfo
	for _, id := range sortedKeys(devices) {
		info := devices[id]
		switch info.Status {
		case model.DeviceConnected:
			connected = append(connected, info)
		case model.DeviceUnauthorized:
			unauthorized = append(unauthorized, info)
		case model.DeviceOffline:
			offline = append(offline, info)
		}
	}
	switch {
	case len(connected) > 0:
		info := connected[0]
		return true, fmt.Sprintf("%d device(s) available, using %s", len(connected), info.DeviceID), &info
	case len(unauthorized) > 0:
		return false, fmt.Sprintf("found %d unauthorized device(s); allow USB debugging on the device", len(unauthorized)), nil
	case len(offline) > 0:
		return false, fmt.Sprintf("found %d offline device(s)", len(offline)), nil
	default:
		return false, fmt.Sprintf("found %d device(s), none usable", len(devices)), nil
	}
}

// Available returns the connected device IDs, sorted.
func (s *Scanner) Available(ctx context.Context, deviceType model.DeviceType) []string {
	devices := s.Scan(ctx, deviceType, false)
	ids := make([]string, 0, len(devices))
	for id, info := range devices {
		if info.Status == model.DeviceConnected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Summary renders a one-line aggregate of device counts per status.
func (s *Scanner) Summary(ctx context.Context, deviceType model.DeviceType) string {
	devices := s.Scan(ctx, deviceType, false)
	if len(devices) == 0 {
		return "❌ no devices detected"
	}
	counts := map[model.DeviceStatus]int{}
	for _, info := range devices {
		counts[info.Status]++
	}
	parts := make([]string, 0, 4)
	if n := counts[model.DeviceConnected]; n > 0 {
		parts = append(parts, fmt.Sprintf("✅ %d connected", n))
	}
	if n := counts[model.DeviceUnauthorized]; n > 0 {
		parts = append(parts, fmt.Sprintf("🔒 %d unauthorized", n))
	}
	if n := counts[model.DeviceOffline]; n > 0 {
		parts = append(parts, fmt.Sprintf("📴 %d offline", n))
	}
	if n := counts[model.DeviceDisconnected]; n > 0 {
		parts = append(parts, fmt.Sprintf("❌ %d disconnected", n))
	}
	if len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("❓ %d unknown", len(devices)))
	}
	return "📱 devices: " + strings.Join(parts, ", ")
}

// Subscribe registers a callback invoked with a cache snapshot whenever
// the set of device keys changes between scans. The returned function
// removes the subscription.
func (s *Scanner) Subscribe(fn func(map[string]model.DeviceInfo)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// notify runs outside the scanner lock; each callback gets its own
// snapshot and a panicking callback cannot affect the others.
func (s *Scanner) notify(subs []func(map[string]model.DeviceInfo)) {
	for _, fn := range subs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					s.logf("device status callback failed: %v", rec)
				}
			}()
			s.mu.Lock()
			snapshot := cloneCache(s.cache)
			s.mu.Unlock()
			fn(snapshot)
		}()
	}
}

// Health reports the listing-call health, not any device's status.
func (s *Scanner) Health() model.ScanHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.health.Current == "" {
		return model.ScanHealthOK
	}
	return s.health.Current
}

// Clear drops the whole cache. The next Scan starts from scratch.
func (s *Scanner) Clear() {
	s.mu.Lock()
	s.cache = make(map[string]model.DeviceInfo)
	s.lastScan = time.Time{}
	s.mu.Unlock()
}

// StartMonitoring launches the background loop that force-refreshes on
// a fixed interval. Starting while active is a no-op. The interval
// also becomes the cache TTL, so passive monitoring keeps interactive
// reads fresh.
func (s *Scanner) StartMonitoring(deviceType model.DeviceType, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s.mu.Lock()
	if s.monitorCancel != nil {
		s.mu.Unlock()
		return
	}
	s.ttl = interval
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.monitorCancel = cancel
	s.monitorDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			s.monitorScan(ctx, deviceType)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *Scanner) monitorScan(ctx context.Context, deviceType model.DeviceType) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logf("device monitor iteration failed: %v", rec)
		}
	}()
	s.Scan(ctx, deviceType, true)
}

// StopMonitoring signals the loop and waits for it with a bounded
// timeout; it never blocks indefinitely. Safe to call when idle.
func (s *Scanner) StopMonitoring() {
	s.mu.Lock()
	cancel := s.monitorCancel
	done := s.monitorDone
	s.monitorCancel = nil
	s.monitorDone = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(s.stopJoin):
		s.logf("device monitor did not stop within %s", s.stopJoin)
	}
}

func statusFromNative(state string) model.DeviceStatus {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "device", "connected":
		return model.DeviceConnected
	case "unauthorized", "unauthorised":
		return model.DeviceUnauthorized
	case "offline":
		return model.DeviceOffline
	default:
		return model.DeviceUnknown
	}
}

func cloneCache(cache map[string]model.DeviceInfo) map[string]model.DeviceInfo {
	out := make(map[string]model.DeviceInfo, len(cache))
	for id, info := range cache {
		if info.LastCheck != nil {
			checked := *info.LastCheck
			info.LastCheck = &checked
		}
		out[id] = info
	}
	return out
}

func sameKeySet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func sortedKeys(devices map[string]model.DeviceInfo) []string {
	keys := make([]string, 0, len(devices))
	for id := range devices {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys
}

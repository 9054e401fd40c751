package gateway

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const clientsLogPrefix = "gateway:clients"

// ClientRecord is the activity summary of one remote address.
type ClientRecord struct {
	Key          string    `json:"key"`
	UserAgent    string    `json:"userAgent"`
	FirstSeen    time.Time `json:"firstSeen"`
	LastSeen     time.Time `json:"lastSeen"`
	RequestCount int64     `json:"requestCount"`
	LastMethod   string    `json:"lastMethod"`
}

// ClientTableConfig bounds the client table.
type ClientTableConfig struct {
	MaxEntries   int
	IdleTTL      time.Duration
	ReapInterval time.Duration
}

// DefaultClientTableConfig returns the default bounds.
func DefaultClientTableConfig() ClientTableConfig {
	return ClientTableConfig{
		MaxEntries:   256,
		IdleTTL:      5 * time.Minute,
		ReapInterval: 30 * time.Second,
	}
}

// ClientTable tracks client activity by remote address. Entries are kept in
// recency order so both LRU eviction and idle sweeps work from the back of
// the list and stop at the first fresh entry.
type ClientTable struct {
	cfg ClientTableConfig
	now func() time.Time

	mu    sync.Mutex
	order *list.List // front = most recently seen
	byKey map[string]*list.Element

	reapMu   sync.Mutex
	stopReap chan struct{}
	reapDone chan struct{}
}

// NewClientTable creates an empty table. Zero config fields fall back to
// DefaultClientTableConfig.
func NewClientTable(cfg ClientTableConfig) *ClientTable {
	def := DefaultClientTableConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}
	return &ClientTable{
		cfg:   cfg,
		now:   time.Now,
		order: list.New(),
		byKey: make(map[string]*list.Element),
	}
}

// Touch records one request from key.
func (t *ClientTable) Touch(key, userAgent, method string) {
	if key == "" {
		key = "unknown"
	}
	if userAgent == "" {
		userAgent = "unknown"
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.byKey[key]; ok {
		rec := el.Value.(*ClientRecord)
		rec.LastSeen = now
		rec.RequestCount++
		rec.LastMethod = method
		rec.UserAgent = userAgent
		t.order.MoveToFront(el)
		return
	}

	rec := &ClientRecord{
		Key:          key,
		UserAgent:    userAgent,
		FirstSeen:    now,
		LastSeen:     now,
		RequestCount: 1,
		LastMethod:   method,
	}
	t.byKey[key] = t.order.PushFront(rec)
	slog.Debug(fmt.Sprintf("%s - new client %s (%s)", clientsLogPrefix, key, userAgent))

	for t.order.Len() > t.cfg.MaxEntries {
		oldest := t.order.Back()
		evicted := t.order.Remove(oldest).(*ClientRecord)
		delete(t.byKey, evicted.Key)
		slog.Debug(fmt.Sprintf("%s - evicted client %s", clientsLogPrefix, evicted.Key))
	}
}

// Get returns a copy of the record for key.
func (t *ClientTable) Get(key string) (ClientRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.byKey[key]
	if !ok {
		return ClientRecord{}, false
	}
	return *el.Value.(*ClientRecord), true
}

// Snapshot returns copies of every record, most recently seen first.
func (t *ClientTable) Snapshot() []ClientRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ClientRecord, 0, t.order.Len())
	for el := t.order.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*ClientRecord))
	}
	return out
}

// Len returns the number of tracked clients.
func (t *ClientTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}

// Sweep removes clients idle for longer than maxIdle and returns how many
// were removed.
func (t *ClientTable) Sweep(maxIdle time.Duration) int {
	cutoff := t.now().Add(-maxIdle)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for el := t.order.Back(); el != nil; {
		rec := el.Value.(*ClientRecord)
		if !rec.LastSeen.Before(cutoff) {
			break
		}
		prev := el.Prev()
		t.order.Remove(el)
		delete(t.byKey, rec.Key)
		removed++
		el = prev
	}
	if removed > 0 {
		slog.Debug(fmt.Sprintf("%s - swept %d idle clients", clientsLogPrefix, removed))
	}
	return removed
}

// StartReaper runs Sweep(IdleTTL) every ReapInterval until StopReaper.
// Calling it twice is a no-op.
func (t *ClientTable) StartReaper() {
	t.reapMu.Lock()
	defer t.reapMu.Unlock()
	if t.stopReap != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	t.stopReap, t.reapDone = stop, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(t.cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.Sweep(t.cfg.IdleTTL)
			}
		}
	}()
}

// StopReaper stops the reaper goroutine and waits for it to exit.
func (t *ClientTable) StopReaper() {
	t.reapMu.Lock()
	stop, done := t.stopReap, t.reapDone
	t.stopReap, t.reapDone = nil, nil
	t.reapMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

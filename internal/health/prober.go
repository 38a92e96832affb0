// Package health probes registered destinations on a per-destination
// period and tracks their availability. It is the control loop built on
// the entity action scheduler: one scheduled entity per destination.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/RelayCore/internal/scheduler"
)

// State is a destination's probed availability.
type State int

const (
	StateUnknown State = iota
	StateHealthy
	StateUnhealthy
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	}
	return "unknown"
}

// probeTimeout bounds a single probe request.
const probeTimeout = 10 * time.Second

// maxProbeBody caps how much of a health body is read for inspection.
const maxProbeBody = 64 * 1024

type target struct {
	id       string
	url      string
	period   time.Duration
	state    State
	failures int
	lastSeen time.Time
}

// Prober owns the probe schedule and the per-destination state table.
type Prober struct {
	client *http.Client
	sched  *scheduler.Scheduler[string]

	mu      sync.RWMutex
	targets map[string]*target
}

// NewProber builds a prober sending probes through transport.
func NewProber(transport http.RoundTripper) *Prober {
	p := &Prober{
		client:  &http.Client{Transport: transport},
		targets: make(map[string]*target),
	}
	p.sched = scheduler.New(p.probe, scheduler.Infinite)
	return p
}

// Register adds a destination: probes hit baseURL joined with path every
// period once Start ran. Registering an existing ID is a no-op.
func (p *Prober) Register(id, baseURL, path string, period time.Duration) {
	u := strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(path, "/")

	p.mu.Lock()
	if _, exists := p.targets[id]; exists {
		p.mu.Unlock()
		return
	}
	p.targets[id] = &target{id: id, url: u, period: period}
	p.mu.Unlock()

	p.sched.Schedule(id, period)
}

// SetPeriod changes a destination's probe period at runtime.
func (p *Prober) SetPeriod(id string, period time.Duration) {
	p.mu.Lock()
	t, ok := p.targets[id]
	if ok {
		t.period = period
	}
	p.mu.Unlock()
	if ok {
		p.sched.ChangePeriod(id, period)
	}
}

// Remove unregisters a destination and stops probing it.
func (p *Prober) Remove(id string) {
	p.mu.Lock()
	delete(p.targets, id)
	p.mu.Unlock()
	p.sched.Unschedule(id)
}

// Start begins probing every registered destination.
func (p *Prober) Start() {
	p.sched.Start()
}

// Close stops all probing.
func (p *Prober) Close() {
	p.sched.Close()
}

// StateOf returns the destination's current state.
func (p *Prober) StateOf(id string) State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if t, ok := p.targets[id]; ok {
		return t.state
	}
	return StateUnknown
}

// probe is the scheduled action. Probe failures are recorded as state,
// not returned: returning an error would evict the entity, and an
// unhealthy destination must keep being probed so it can recover. Only
// a target that vanished from the table is surfaced as an error.
func (p *Prober) probe(id string) error {
	p.mu.RLock()
	t, ok := p.targets[id]
	url := ""
	if ok {
		url = t.url
	}
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("health: probe fired for unregistered destination %s", id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	healthy, detail := p.check(ctx, url)

	p.mu.Lock()
	if t, ok = p.targets[id]; ok {
		previous := t.state
		t.lastSeen = time.Now()
		if healthy {
			t.state = StateHealthy
			t.failures = 0
		} else {
			t.state = StateUnhealthy
			t.failures++
		}
		if t.state != previous {
			log.WithFields(log.Fields{
				"destination": id,
				"state":       t.state.String(),
			}).Infof("destination health changed: %s", detail)
		}
	}
	p.mu.Unlock()
	return nil
}

// check runs one probe round trip. A 2xx status is healthy unless the
// body is JSON carrying a status field that says otherwise.
func (p *Prober) check(ctx context.Context, url string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err.Error()
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Sprintf("status %d", resp.StatusCode)
	}
	if status := gjson.GetBytes(body, "status"); status.Exists() {
		switch strings.ToLower(status.String()) {
		case "ok", "up", "pass", "healthy":
			return true, "status " + status.String()
		default:
			return false, "status " + status.String()
		}
	}
	return true, fmt.Sprintf("status %d", resp.StatusCode)
}

// Report renders the current state table as JSON.
func (p *Prober) Report() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := []byte(`{"destinations":[]}`)
	i := 0
	for _, t := range p.targets {
		prefix := fmt.Sprintf("destinations.%d", i)
		out, _ = sjson.SetBytes(out, prefix+".id", t.id)
		out, _ = sjson.SetBytes(out, prefix+".state", t.state.String())
		out, _ = sjson.SetBytes(out, prefix+".consecutive_failures", t.failures)
		if !t.lastSeen.IsZero() {
			out, _ = sjson.SetBytes(out, prefix+".last_checked", t.lastSeen.UTC().Format(time.RFC3339))
		}
		i++
	}
	return out
}

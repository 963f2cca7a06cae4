// Package poller reads the configured tags of many devices periodically.
package poller

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/speters/ecotouchd/pkg/ecotouch"
)

// ErrPollFailed is returned for a device whose poll cycle did not produce values
var ErrPollFailed = errors.New("poll failed")

// DeviceClient is the part of ecotouch.Client the poller needs
type DeviceClient interface {
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	ReadValues(ctx context.Context, tags ...*ecotouch.Tag) (map[*ecotouch.Tag]ecotouch.TagResult, error)
}

// Publisher receives every polled tag result
type Publisher interface {
	Publish(device string, t *ecotouch.Tag, r ecotouch.TagResult, ts time.Time) error
}

// Snapshot is the outcome of the last poll of one device
type Snapshot struct {
	Time   time.Time                     `json:"time"`
	Values map[string]ecotouch.TagResult `json:"values,omitempty"`
	Error  string                        `json:"error,omitempty"`
}

type device struct {
	name   string
	client DeviceClient
	tags   []*ecotouch.Tag
}

// Poller polls devices concurrently, each device sequentially
type Poller struct {
	interval time.Duration
	backoff  time.Duration

	devices    []device
	publishers []Publisher

	mu   sync.RWMutex
	last map[string]Snapshot

	// sleep waits for d or until ctx is done
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a poller. backoff is the pause after a device reported too many users.
func New(interval, backoff time.Duration, pubs ...Publisher) *Poller {
	return &Poller{
		interval:   interval,
		backoff:    backoff,
		publishers: pubs,
		last:       make(map[string]Snapshot),
		sleep:      sleep,
		now:        time.Now,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Add registers a device with the tags to poll
func (p *Poller) Add(name string, c DeviceClient, tags []*ecotouch.Tag) {
	p.devices = append(p.devices, device{name: name, client: c, tags: tags})
}

// Devices returns the names of all devices in sorted order
func (p *Poller) Devices() []string {
	names := make([]string, 0, len(p.devices))
	for _, d := range p.devices {
		names = append(names, d.name)
	}
	sort.Strings(names)
	return names
}

// Last returns the snapshot of the latest poll of a device
func (p *Poller) Last(name string) (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.last[name]
	return s, ok
}

// Run logs in to all devices and polls until ctx is done. Devices are logged out on return.
func (p *Poller) Run(ctx context.Context) error {
	for _, d := range p.devices {
		if err := d.client.Login(ctx); err != nil {
			log.WithField("device", d.name).Errorf("Login failed: %v", err)
		}
	}
	defer func() {
		for _, d := range p.devices {
			if err := d.client.Logout(context.Background()); err != nil {
				log.WithField("device", d.name).Debugf("Logout: %v", err)
			}
		}
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.PollOnce(ctx); err != nil {
			log.Warnf("Poll cycle: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce polls all devices concurrently and returns the first device error
func (p *Poller) PollOnce(ctx context.Context) error {
	var g errgroup.Group
	for _, d := range p.devices {
		d := d
		g.Go(func() error {
			return p.poll(ctx, d)
		})
	}
	return g.Wait()
}

func (p *Poller) poll(ctx context.Context, d device) error {
	logger := log.WithField("device", d.name)
	start := p.now()
	res, err := d.client.ReadValues(ctx, d.tags...)
	if err != nil {
		if errors.Is(err, ecotouch.ErrTooManyUsers) {
			logger.Warnf("Too many users logged in, backing off for %v", p.backoff)
			if serr := p.sleep(ctx, p.backoff); serr != nil {
				err = serr
			}
		}
		p.store(d.name, Snapshot{Time: start, Error: err.Error()})
		return errors.Wrapf(ErrPollFailed, "device %s: %v", d.name, err)
	}

	snap := Snapshot{Time: start, Values: make(map[string]ecotouch.TagResult, len(res))}
	for t, r := range res {
		snap.Values[t.Name] = r
	}
	p.store(d.name, snap)
	logger.Debugf("Polled %v tags in %v", len(res), p.now().Sub(start))

	for _, pub := range p.publishers {
		for _, t := range d.tags {
			r, ok := res[t]
			if !ok {
				continue
			}
			if err := pub.Publish(d.name, t, r, start); err != nil {
				logger.Debugf("Publishing %v: %v", t.Name, err)
			}
		}
	}
	return nil
}

func (p *Poller) store(name string, s Snapshot) {
	p.mu.Lock()
	p.last[name] = s
	p.mu.Unlock()
}

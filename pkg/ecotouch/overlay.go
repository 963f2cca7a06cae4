package ecotouch

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"
)

// pruneOverlay records addresses of variable width bitfields a connected device does not know.
// It is layered over the shared immutable Registry, so two devices with different
// firmware revisions never interfere with each other.
type pruneOverlay struct {
	registry *Registry

	mu     sync.RWMutex
	pruned sets.Set[Address]
}

func newPruneOverlay(r *Registry) *pruneOverlay {
	return &pruneOverlay{registry: r, pruned: sets.New[Address]()}
}

// addresses flattens tags and drops pruned addresses
func (o *pruneOverlay) addresses(tags []*Tag) []Address {
	o.mu.RLock()
	defer o.mu.RUnlock()
	all := Flatten(tags)
	addrs := make([]Address, 0, len(all))
	for _, a := range all {
		if !o.pruned.Has(a) {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

// missing handles an address the device did not answer for
func (o *pruneOverlay) missing(a Address, fields log.Fields) {
	if o.registry.IsAlarmAddress(a) {
		return
	}
	if !o.registry.IsVariableAddress(a) {
		log.WithFields(fields).Warnf("No response for address %v", a)
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.pruned.Has(a) {
		log.WithFields(fields).Infof("Device does not know bitfield address %v, removing it from further requests", a)
		o.pruned.Insert(a)
	}
}

// Pruned returns the removed addresses in sorted order
func (o *pruneOverlay) Pruned() []Address {
	o.mu.RLock()
	defer o.mu.RUnlock()
	addrs := o.pruned.UnsortedList()
	sort.Slice(addrs, func(i, j int) bool {
		if addrs[i].Kind != addrs[j].Kind {
			return addrs[i].Kind < addrs[j].Kind
		}
		return addrs[i].Index < addrs[j].Index
	})
	return addrs
}

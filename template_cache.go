/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ipfix

import (
	"sync"
	"time"
)

// UDPExpiryPolicy carries the reap_udp knobs from spec.md §6: how long, or
// how many messages, a UDP-learned template may go unused before the
// dictionary's reaper withdraws it. A zero duration/count means "no limit on
// that axis" (ipfixcol's template_life_packet default of 0 means off).
type UDPExpiryPolicy struct {
	TemplateLifeTime          time.Duration
	TemplateLifePacket        uint64
	OptionsTemplateLifeTime   time.Duration
	OptionsTemplateLifePacket uint64
}

// TemplateIDAllocator mints the collector-unique AssignedId a template is
// given at creation time. The dictionary depends only on this interface, not
// on the concrete SourceRegistry, so C2 and C3 stay decoupled (spec.md §2).
type TemplateIDAllocator interface {
	AllocateTemplateId(sourceKey SourceKey, observationDomainId uint32) (uint16, error)
}

// TemplateDictionary is the Template Dictionary (C2): a keyed, reference
// counted, expiry-aware template store with a single publication point per
// key. Readers take the dictionary's RWMutex for a lookup; writers
// (Add/Update/Withdraw/ReapUDP) take it exclusively, but hold it only for the
// cost of a map operation — no I/O ever happens under the lock.
type TemplateDictionary struct {
	mu        sync.RWMutex
	templates map[TemplateKey]*Template
	clock     func() time.Time
}

func NewTemplateDictionary() *TemplateDictionary {
	return &TemplateDictionary{
		templates: make(map[TemplateKey]*Template),
		clock:     time.Now,
	}
}

// Get performs the codec's non-acquiring lookup: it does not touch the
// refcount. Used when a caller only needs to inspect a template's shape.
func (d *TemplateDictionary) Get(key TemplateKey) (*Template, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.templates[key]
	return t, ok
}

// Acquire performs the preprocessor's acquiring lookup: on success the
// returned Template's refcount has been incremented on the caller's behalf;
// the caller must eventually call Release exactly once.
func (d *TemplateDictionary) Acquire(key TemplateKey) (*Template, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.templates[key]
	if !ok || t.State() != TemplateLive {
		// A Withdrawn/Reclaimable entry may still be physically present in the
		// map (kept alive by outstanding views) but is no longer resolvable
		// for new data sets, per spec.md §3: a withdrawn template reads back
		// as unknown to anything that didn't already hold a reference.
		return nil, false
	}
	t.acquire()
	return t, true
}

// Add inserts a newly-seen template, or — tolerating non-conformant
// exporters that re-announce a template without withdrawing it first —
// behaves as Update when the key is already present (spec.md §4.2's
// "re-adding a Live template ... is tolerated").
func (d *TemplateDictionary) Add(key TemplateKey, kind TemplateKind, fields []FieldSpec, scopeFieldCount uint16, allocator TemplateIDAllocator) (*Template, error) {
	if key.TemplateId < MinDataSetID {
		return nil, ReservedTemplateID(key.ObservationDomainId, key.TemplateId)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.templates[key]; ok {
		return d.updateLocked(existing, kind, fields, scopeFieldCount, allocator)
	}
	return d.createLocked(key, kind, fields, scopeFieldCount, allocator)
}

// Update is equivalent to a withdrawal followed by an add in the same
// atomic step (spec.md §4.2): the existing AssignedId is preserved when the
// existing entry is still Live and the new field layout is structurally
// identical, otherwise a new one is minted and the old generation is withdrawn (its existing views keep their
// reference via refcount). If key isn't present yet, Update falls back to
// creating it, mirroring Add's own tolerance in the other direction.
func (d *TemplateDictionary) Update(key TemplateKey, kind TemplateKind, fields []FieldSpec, scopeFieldCount uint16, allocator TemplateIDAllocator) (*Template, error) {
	if key.TemplateId < MinDataSetID {
		return nil, ReservedTemplateID(key.ObservationDomainId, key.TemplateId)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.templates[key]; ok {
		return d.updateLocked(existing, kind, fields, scopeFieldCount, allocator)
	}
	return d.createLocked(key, kind, fields, scopeFieldCount, allocator)
}

func (d *TemplateDictionary) createLocked(key TemplateKey, kind TemplateKind, fields []FieldSpec, scopeFieldCount uint16, allocator TemplateIDAllocator) (*Template, error) {
	assignedID, err := allocator.AllocateTemplateId(key.SourceKey, key.ObservationDomainId)
	if err != nil {
		return nil, err
	}
	t := &Template{
		Key:              key,
		Kind:             kind,
		Fields:           fields,
		ScopeFieldCount:  scopeFieldCount,
		AssignedId:       assignedID,
		refcount:         1,
		lastSeenWallTime: d.clock(),
	}
	t.setState(TemplateLive)
	d.templates[key] = t
	TemplatesAdded.WithLabelValues(kind.String()).Inc()
	TemplatesActive.Set(float64(len(d.templates)))
	return t, nil
}

func (d *TemplateDictionary) updateLocked(existing *Template, kind TemplateKind, fields []FieldSpec, scopeFieldCount uint16, allocator TemplateIDAllocator) (*Template, error) {
	if existing.State() == TemplateLive && kind == existing.Kind && scopeFieldCount == existing.ScopeFieldCount && fieldsEqual(fields, existing.Fields) {
		TemplatesAdded.WithLabelValues(kind.String()).Inc()
		return existing, nil
	}
	d.withdrawLocked(existing)
	return d.createLocked(existing.Key, kind, fields, scopeFieldCount, allocator)
}

// Withdraw removes the dictionary's own reference to key's template; the
// object survives until every outstanding view holding a reference releases
// it. Valid only for reliable transports (the preprocessor enforces that
// UDP withdrawal is a protocol violation before calling this).
func (d *TemplateDictionary) Withdraw(key TemplateKey) (removed bool, unknown bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.templates[key]
	if !ok {
		return false, true
	}
	d.withdrawLocked(t)
	TemplatesWithdrawn.WithLabelValues("explicit").Inc()
	return true, false
}

func (d *TemplateDictionary) withdrawLocked(t *Template) {
	if s := t.State(); s == TemplateWithdrawn || s == TemplateReclaimable {
		return
	}
	t.setState(TemplateWithdrawn)
	if t.release() <= 0 {
		t.setState(TemplateReclaimable)
		if cur, ok := d.templates[t.Key]; ok && cur == t {
			delete(d.templates, t.Key)
		}
	}
	TemplatesActive.Set(float64(len(d.templates)))
}

// Release drops the caller's reference to an acquired template, reclaiming
// it once the last reference (dictionary's own, plus every outstanding view)
// is gone and it has already been withdrawn.
func (d *TemplateDictionary) Release(t *Template) {
	if t == nil {
		return
	}
	if t.release() > 0 {
		return
	}
	if t.State() != TemplateWithdrawn {
		return
	}
	d.mu.Lock()
	t.setState(TemplateReclaimable)
	if cur, ok := d.templates[t.Key]; ok && cur == t {
		delete(d.templates, t.Key)
		TemplatesActive.Set(float64(len(d.templates)))
	}
	d.mu.Unlock()
}

// RegisterSource is the C2 half of a SOURCE_STATUS_NEW lifecycle hook. The
// dictionary itself needs no per-source state (templates are already keyed by
// SourceKey); the method exists for symmetry with C3 and as the extension
// point should per-source indexing ever be added.
func (d *TemplateDictionary) RegisterSource(sourceKey SourceKey, observationDomainId uint32) {}

// UnregisterSource withdraws every template belonging to (sourceKey, odid),
// as required on SOURCE_STATUS_CLOSED (spec.md §4.2). It returns the number
// of templates withdrawn.
func (d *TemplateDictionary) UnregisterSource(sourceKey SourceKey, observationDomainId uint32) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	withdrawn := 0
	for key, t := range d.templates {
		if key.SourceKey == sourceKey && key.ObservationDomainId == observationDomainId {
			d.withdrawLocked(t)
			withdrawn++
		}
	}
	return withdrawn
}

// ReapUDP withdraws every Live template whose liveness has expired under
// policy, as of now and currentMsgCounter. It returns the number reaped.
// Templates record no transport, so it does not tell UDP-learned templates
// apart from ones learned over TCP, SCTP or a file: every Live template in
// the dictionary is checked and may be reaped.
func (d *TemplateDictionary) ReapUDP(now time.Time, currentMsgCounter uint64, policy UDPExpiryPolicy) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	reaped := 0
	for _, t := range d.templates {
		if t.State() != TemplateLive {
			continue
		}
		if t.expired(now, currentMsgCounter, policy) {
			d.withdrawLocked(t)
			TemplatesWithdrawn.WithLabelValues("udp-reap").Inc()
			TemplatesReaped.Inc()
			reaped++
		}
	}
	return reaped
}

// Len reports the number of templates currently tracked, live or awaiting
// reclamation by an outstanding view.
func (d *TemplateDictionary) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.templates)
}

func fieldsEqual(a, b []FieldSpec) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

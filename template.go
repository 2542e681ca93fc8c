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
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// TemplateKey identifies a template's scope: the exporter it came from, the
// observation domain it was defined in, and the (possibly exporter-local)
// template id it was defined under.
type TemplateKey struct {
	SourceKey           SourceKey
	ObservationDomainId uint32
	TemplateId          uint16
}

func (k TemplateKey) String() string {
	return fmt.Sprintf("%d-%d-%d", k.SourceKey, k.ObservationDomainId, k.TemplateId)
}

// TemplateKind distinguishes a regular Template Set record from an Options
// Template Set record; the two differ only in whether a scope-field prefix is
// present.
type TemplateKind int

const (
	KindTemplate TemplateKind = iota
	KindOptionsTemplate
)

func (k TemplateKind) String() string {
	if k == KindOptionsTemplate {
		return "options"
	}
	return "template"
}

// TemplateState is the per-template lifecycle state (spec.md §4.2):
// Fresh -> Live -> Withdrawn -> Reclaimable.
type TemplateState int32

const (
	TemplateFresh TemplateState = iota
	TemplateLive
	TemplateWithdrawn
	TemplateReclaimable
)

func (s TemplateState) String() string {
	switch s {
	case TemplateFresh:
		return "fresh"
	case TemplateLive:
		return "live"
	case TemplateWithdrawn:
		return "withdrawn"
	case TemplateReclaimable:
		return "reclaimable"
	default:
		return "unknown"
	}
}

// Template is immutable after creation except for its refcount, UDP liveness
// counters, state, and the rewritten AssignedId (spec.md §3). All mutation
// happens through atomics or under the owning TemplateDictionary's lock, so a
// Template may be read concurrently by many goroutines holding a reference.
type Template struct {
	Key             TemplateKey
	Kind            TemplateKind
	Fields          []FieldSpec
	ScopeFieldCount uint16 // only meaningful when Kind == KindOptionsTemplate

	// AssignedId is the collector-unique id substituted for the exporter's
	// local TemplateId in every downstream-visible byte.
	AssignedId uint16

	refcount int32 // atomic
	state    int32 // atomic TemplateState

	mu                    sync.Mutex
	lastSeenMessageNumber uint64
	lastSeenWallTime      time.Time
}

func (t *Template) State() TemplateState {
	return TemplateState(atomic.LoadInt32(&t.state))
}

func (t *Template) setState(s TemplateState) {
	atomic.StoreInt32(&t.state, int32(s))
}

// Refcount reports the template's current reference count.
func (t *Template) Refcount() int32 {
	return atomic.LoadInt32(&t.refcount)
}

// acquire increments the refcount and returns the new value.
func (t *Template) acquire() int32 {
	return atomic.AddInt32(&t.refcount, 1)
}

// release decrements the refcount and returns the new value.
func (t *Template) release() int32 {
	return atomic.AddInt32(&t.refcount, -1)
}

// touch records that this template was used to resolve a data set in message
// number msgNumber at wall-clock time now, for the UDP reaper's benefit.
func (t *Template) touch(msgNumber uint64, now time.Time) {
	t.mu.Lock()
	t.lastSeenMessageNumber = msgNumber
	t.lastSeenWallTime = now
	t.mu.Unlock()
}

func (t *Template) liveness() (msgNumber uint64, wallTime time.Time) {
	t.mu.Lock()
	msgNumber, wallTime = t.lastSeenMessageNumber, t.lastSeenWallTime
	t.mu.Unlock()
	return
}

// expired reports whether this template is stale under the given UDP expiry
// policy, measured against the current message counter and wall clock.
func (t *Template) expired(now time.Time, currentMsgCounter uint64, policy UDPExpiryPolicy) bool {
	lastMsg, lastWall := t.liveness()

	lifeTime := policy.TemplateLifeTime
	lifePacket := policy.TemplateLifePacket
	if t.Kind == KindOptionsTemplate {
		lifeTime = policy.OptionsTemplateLifeTime
		lifePacket = policy.OptionsTemplateLifePacket
	}

	if lifeTime > 0 && now.Sub(lastWall) > lifeTime {
		return true
	}
	if lifePacket > 0 && currentMsgCounter > lastMsg && currentMsgCounter-lastMsg > lifePacket {
		return true
	}
	return false
}

func (t *Template) String() string {
	return fmt.Sprintf("Template{key:%s kind:%s assignedId:%d fields:%d refcount:%d state:%s}",
		t.Key, t.Kind, t.AssignedId, len(t.Fields), t.Refcount(), t.State())
}

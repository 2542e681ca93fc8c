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
	"context"
	"errors"
	"time"
)

// Preprocessor is the Preprocessor (C4): it drives C1 through C3 for every
// inbound event, rewrites exporter-local ids into collector-unique ones in
// place, repairs per-source sequence numbers, and hands the result to C5.
// Process is a line-for-line generalization of preprocessor.c's
// preprocessor_parse_msg and preprocessor_process_templates, preserving their
// exact order of operations.
type Preprocessor struct {
	dict     *TemplateDictionary
	registry *SourceRegistry
	ring     *Ring
	clock    func() time.Time
}

func NewPreprocessor(dict *TemplateDictionary, registry *SourceRegistry, ring *Ring) *Preprocessor {
	return &Preprocessor{dict: dict, registry: registry, ring: ring, clock: time.Now}
}

// Process handles one inbound event. Multiple listener goroutines may call
// Process concurrently; per-source ordering is guaranteed by locking that
// source's SourceCounters across template processing, sequence repair, and
// enqueue (spec.md §5).
func (p *Preprocessor) Process(ctx context.Context, ev Event) error {
	sourceKey := ComputeSourceKey(ev.InputInfo)

	if ev.SourceStatus == SourceClosed {
		return p.processClosed(ctx, sourceKey, ev)
	}

	if ev.Packet == nil {
		FromContext(ctx).Info("discarding event with nil packet", "sourceKey", sourceKey)
		PreprocessorMessagesTotal.WithLabelValues("discarded-nil-packet").Inc()
		return nil
	}

	decodeStart := p.clock()
	raw, err := ParseMessage(ev.Packet)
	DurationMicroseconds.Observe(float64(p.clock().Sub(decodeStart).Nanoseconds()) / 1000)
	if err != nil {
		ErrorsTotal.Inc()
		PreprocessorMessagesTotal.WithLabelValues("parse-error").Inc()
		FromContext(ctx).Error(err, "failed to parse message", "sourceKey", sourceKey)
		return err
	}
	if raw.TrailingGarbage > 0 {
		FromContext(ctx).Info("trailing garbage after declared message length", "bytes", raw.TrailingGarbage, "sourceKey", sourceKey)
	}

	odid := raw.Header.ObservationDomainId

	if ev.SourceStatus == SourceNew {
		p.dict.RegisterSource(sourceKey, odid)
	}
	counters := p.registry.Register(sourceKey, odid)

	counters.Lock()
	defer counters.Unlock()

	counters.MessageCounter++
	msgNumber := counters.MessageCounter
	now := p.clock()

	reliable := true
	policy := UDPExpiryPolicy{TemplateLifeTime: DefaultTemplateLifeTime, OptionsTemplateLifeTime: DefaultTemplateLifeTime}
	if ev.InputInfo != nil {
		reliable = ev.InputInfo.Kind.Reliable()
		policy = ev.InputInfo.udpPolicy()
	}

	msg := &Message{
		Header:       raw.Header,
		InputInfo:    ev.InputInfo,
		SourceStatus: ev.SourceStatus,
		dict:         p.dict,
	}

	for i := range raw.Sets {
		set := &raw.Sets[i]
		switch set.Kind {
		case RawSetTemplate:
			records, derr := DecodeTemplateRecords(set.Body)
			if derr != nil {
				FromContext(ctx).Error(derr, "error decoding template set", "observationDomainId", odid)
			}
			exhausted := p.processTemplateRecords(ctx, sourceKey, odid, records, reliable)
			msg.TemplateSets = append(msg.TemplateSets, records...)
			if exhausted {
				p.unregisterExhaustedSource(ctx, sourceKey, odid)
			}
		case RawSetOptionsTemplate:
			records, derr := DecodeOptionsTemplateRecords(set.Body)
			if derr != nil {
				FromContext(ctx).Error(derr, "error decoding options template set", "observationDomainId", odid)
			}
			exhausted := p.processOptionsTemplateRecords(ctx, sourceKey, odid, records, reliable)
			msg.OptionsTemplateSets = append(msg.OptionsTemplateSets, records...)
			if exhausted {
				p.unregisterExhaustedSource(ctx, sourceKey, odid)
			}
		}
	}

	p.resolveDataSets(ctx, sourceKey, odid, raw.Sets, reliable, msgNumber, now, policy, msg)

	p.repairSequence(ctx, sourceKey, odid, counters, raw, uint32(len(msg.Metadata)))
	msg.Header = raw.Header

	PreprocessorMessagesTotal.WithLabelValues("processed").Inc()
	return p.enqueue(ctx, msg)
}

func (p *Preprocessor) processClosed(ctx context.Context, sourceKey SourceKey, ev Event) error {
	var odid uint32
	if ev.InputInfo != nil {
		odid = ev.InputInfo.ODIDHint
	}
	p.dict.UnregisterSource(sourceKey, odid)
	p.registry.Unregister(sourceKey, odid)
	PreprocessorMessagesTotal.WithLabelValues("closed").Inc()
	return p.enqueue(ctx, &Message{Closed: true, InputInfo: ev.InputInfo, SourceStatus: ev.SourceStatus})
}

// processTemplateRecords implements spec.md §4.4 step 6 for a Template Set:
// a zero field count withdraws (or, if the record's own id names the set
// itself, signals the not-implemented "withdraw all" case); otherwise the
// record is added (or, if already present, tolerated as an update) and its
// id is rewritten in place to the collector-assigned one. It reports whether
// this source's template id space is exhausted (SPEC_FULL.md §11 decision
// (d)): the caller then unregisters the source so that the next message for
// it starts over, as if it had been closed and reopened.
func (p *Preprocessor) processTemplateRecords(ctx context.Context, sourceKey SourceKey, odid uint32, records []TemplateRecordView, reliable bool) bool {
	for i := range records {
		rec := &records[i]
		key := TemplateKey{SourceKey: sourceKey, ObservationDomainId: odid, TemplateId: rec.TemplateId}

		if rec.IsWithdrawal() {
			if !reliable {
				FromContext(ctx).Info("template withdrawal over UDP is a protocol violation, ignoring", "templateId", rec.TemplateId, "observationDomainId", odid)
				DroppedRecords.WithLabelValues(RawSetTemplate.String()).Inc()
				continue
			}
			if rec.TemplateId == TemplateSetID {
				FromContext(ctx).Info("withdraw-all templates is not implemented, ignoring", "observationDomainId", odid)
				DroppedRecords.WithLabelValues(RawSetTemplate.String()).Inc()
				continue
			}
			_, unknown := p.dict.Withdraw(key)
			if unknown {
				FromContext(ctx).Info("withdrawal of unknown template", "templateId", rec.TemplateId, "observationDomainId", odid)
			}
			DecodedRecords.WithLabelValues(RawSetTemplate.String()).Inc()
			continue
		}

		if rec.TemplateId < MinDataSetID {
			FromContext(ctx).Info("rejecting reserved template id", "templateId", rec.TemplateId, "observationDomainId", odid)
			DroppedRecords.WithLabelValues(RawSetTemplate.String()).Inc()
			continue
		}

		tmpl, err := p.dict.Add(key, KindTemplate, rec.Fields, 0, p.registry)
		if err != nil {
			if errors.Is(err, ErrTemplateIDExhausted) {
				FromContext(ctx).Error(err, "template id space exhausted, source will be reset", "templateId", rec.TemplateId, "observationDomainId", odid)
				return true
			}
			FromContext(ctx).Error(err, "failed to add template", "templateId", rec.TemplateId, "observationDomainId", odid)
			DroppedRecords.WithLabelValues(RawSetTemplate.String()).Inc()
			continue
		}
		rec.RewriteTemplateID(tmpl.AssignedId)
		DecodedRecords.WithLabelValues(RawSetTemplate.String()).Inc()
	}
	return false
}

// processOptionsTemplateRecords is the Options Template analogue of
// processTemplateRecords.
func (p *Preprocessor) processOptionsTemplateRecords(ctx context.Context, sourceKey SourceKey, odid uint32, records []OptionsTemplateRecordView, reliable bool) bool {
	for i := range records {
		rec := &records[i]
		key := TemplateKey{SourceKey: sourceKey, ObservationDomainId: odid, TemplateId: rec.TemplateId}

		if rec.IsWithdrawal() {
			if !reliable {
				FromContext(ctx).Info("options template withdrawal over UDP is a protocol violation, ignoring", "templateId", rec.TemplateId, "observationDomainId", odid)
				DroppedRecords.WithLabelValues(RawSetOptionsTemplate.String()).Inc()
				continue
			}
			if rec.TemplateId == OptionsTemplateSetID {
				FromContext(ctx).Info("withdraw-all options templates is not implemented, ignoring", "observationDomainId", odid)
				DroppedRecords.WithLabelValues(RawSetOptionsTemplate.String()).Inc()
				continue
			}
			_, unknown := p.dict.Withdraw(key)
			if unknown {
				FromContext(ctx).Info("withdrawal of unknown options template", "templateId", rec.TemplateId, "observationDomainId", odid)
			}
			DecodedRecords.WithLabelValues(RawSetOptionsTemplate.String()).Inc()
			continue
		}

		if rec.TemplateId < MinDataSetID {
			FromContext(ctx).Info("rejecting reserved options template id", "templateId", rec.TemplateId, "observationDomainId", odid)
			DroppedRecords.WithLabelValues(RawSetOptionsTemplate.String()).Inc()
			continue
		}

		tmpl, err := p.dict.Add(key, KindOptionsTemplate, rec.Fields, rec.ScopeFieldCount, p.registry)
		if err != nil {
			if errors.Is(err, ErrTemplateIDExhausted) {
				FromContext(ctx).Error(err, "template id space exhausted, source will be reset", "templateId", rec.TemplateId, "observationDomainId", odid)
				return true
			}
			FromContext(ctx).Error(err, "failed to add options template", "templateId", rec.TemplateId, "observationDomainId", odid)
			DroppedRecords.WithLabelValues(RawSetOptionsTemplate.String()).Inc()
			continue
		}
		rec.RewriteTemplateID(tmpl.AssignedId)
		DecodedRecords.WithLabelValues(RawSetOptionsTemplate.String()).Inc()
	}
	return false
}

// unregisterExhaustedSource implements SPEC_FULL.md §11 decision (d): once a
// source's 16-bit template id space overflows, that source is treated as
// fatally broken and is unregistered from both C2 and C3, so that the very
// next message for it is bootstrapped as if it were brand new.
func (p *Preprocessor) unregisterExhaustedSource(ctx context.Context, sourceKey SourceKey, odid uint32) {
	p.dict.UnregisterSource(sourceKey, odid)
	p.registry.Unregister(sourceKey, odid)
	FromContext(ctx).Info("source reset after template id exhaustion", "sourceKey", sourceKey, "observationDomainId", odid)
}

// resolveDataSets implements spec.md §4.4 step 7: for every Data Set, look up
// its template, acquire a reference on the message's behalf, rewrite the
// set's flowset id, and build the metadata array by walking its records. A
// set with a reserved id (0, 1, 4-255) can never name a dictionary template,
// so it is carried as an unresolved DataCouple, like an unknown template.
func (p *Preprocessor) resolveDataSets(ctx context.Context, sourceKey SourceKey, odid uint32, sets []RawSet, reliable bool, msgNumber uint64, now time.Time, policy UDPExpiryPolicy, msg *Message) {
	for i := range sets {
		set := &sets[i]
		if set.Kind == RawSetReserved {
			FromContext(ctx).Info("set with reserved id, skipping", "setId", set.Header.Id, "observationDomainId", odid)
			DroppedRecords.WithLabelValues(RawSetReserved.String()).Inc()
			msg.DataCouples = append(msg.DataCouples, DataCouple{Header: set.Header, Body: set.Body})
			continue
		}
		if set.Kind != RawSetData {
			continue
		}

		key := TemplateKey{SourceKey: sourceKey, ObservationDomainId: odid, TemplateId: set.Header.Id}
		tmpl, ok := p.dict.Acquire(key)
		if !ok {
			FromContext(ctx).Info("data set references unknown template, skipping", "templateId", set.Header.Id, "observationDomainId", odid)
			PreprocessorUnknownTemplateTotal.Inc()
			// The set's record count can't be known without its template, so the
			// whole unresolved set counts as a single dropped unit rather than a
			// per-record tally (unlike the counted case below).
			DroppedRecords.WithLabelValues(RawSetData.String()).Inc()
			msg.DataCouples = append(msg.DataCouples, DataCouple{Header: set.Header, Body: set.Body})
			continue
		}

		set.RewriteFlowSetID(tmpl.AssignedId)

		if !reliable && tmpl.expired(now, msgNumber, policy) {
			FromContext(ctx).Info("using expired template", "templateId", tmpl.AssignedId, "observationDomainId", odid)
		}
		tmpl.touch(msgNumber, now)

		spans, err := WalkDataRecords(set.Body, tmpl.Fields)
		if err != nil {
			FromContext(ctx).Error(err, "error walking data set", "templateId", tmpl.AssignedId, "observationDomainId", odid)
		}
		DecodedRecords.WithLabelValues(RawSetData.String()).Add(float64(len(spans)))
		for _, span := range spans {
			msg.Metadata = append(msg.Metadata, RecordMetadata{Record: span.Bytes(set.Body), Template: tmpl})
		}

		msg.DataCouples = append(msg.DataCouples, DataCouple{Header: set.Header, Body: set.Body, Template: tmpl})
	}
}

// repairSequence implements spec.md §4.4 step 8, using wrapping 32-bit
// arithmetic throughout (Go's uint32 subtraction and addition already wrap,
// matching the original's unsigned arithmetic exactly).
func (p *Preprocessor) repairSequence(ctx context.Context, sourceKey SourceKey, odid uint32, counters *SourceCounters, raw *RawMessage, dataRecordCount uint32) {
	pktSeq := raw.Header.SequenceNumber

	if pktSeq != counters.ExpectedSequence && !counters.FirstMessage {
		FromContext(ctx).Info("sequence number mismatch", "expected", counters.ExpectedSequence, "actual", pktSeq, "sourceKey", sourceKey, "observationDomainId", odid)
		SourceSequenceRepairs.Inc()
	}

	counters.NormalizedSequence += pktSeq - counters.ExpectedSequence
	raw.RewriteSequenceNumber(counters.NormalizedSequence)

	counters.ExpectedSequence = pktSeq + dataRecordCount
	counters.NormalizedSequence += dataRecordCount
	counters.FirstMessage = false
}

func (p *Preprocessor) enqueue(ctx context.Context, msg *Message) error {
	if err := p.ring.Write(ctx, msg, false); err != nil {
		FromContext(ctx).Info("skipping data, ring refused write", "error", err.Error())
		msg.Release()
		return err
	}
	return nil
}

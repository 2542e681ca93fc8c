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
	"testing"
)

func newTestPreprocessor() (*Preprocessor, *TemplateDictionary, *SourceRegistry, *Ring) {
	dict := NewTemplateDictionary()
	registry := NewSourceRegistry()
	ring := NewRing(10)
	return NewPreprocessor(dict, registry, ring), dict, registry, ring
}

// S1: a single template set followed by one matching data record over TCP.
func TestPreprocessorScenarioS1(t *testing.T) {
	pp, _, registry, ring := newTestPreprocessor()
	ctx := context.Background()
	info := &InputInfo{Kind: InputTCP, SrcAddr: "10.0.0.1", SrcPort: 1234}

	templateSet := buildTemplateSet(256, [][2]uint16{{8, 4}, {7, 2}})
	dataRecord := []byte{0xC0, 0xA8, 0x00, 0x01, 0x1F, 0x90}
	dataSet := buildDataSet(256, dataRecord)
	packet := buildMessage(1, 0, 1, templateSet, dataSet)

	if err := pp.Process(ctx, Event{Packet: packet, InputInfo: info, SourceStatus: SourceNew}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	msg, err := ring.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer msg.Release()

	if len(msg.Metadata) != 1 {
		t.Fatalf("len(Metadata) = %d, want 1", len(msg.Metadata))
	}
	if msg.Metadata[0].Template.AssignedId != 256 {
		t.Errorf("AssignedId = %d, want 256", msg.Metadata[0].Template.AssignedId)
	}
	if string(msg.Metadata[0].Record) != string(dataRecord) {
		t.Errorf("record = %v, want %v", msg.Metadata[0].Record, dataRecord)
	}

	sourceKey := ComputeSourceKey(info)
	counters, ok := registry.Get(sourceKey, 1)
	if !ok {
		t.Fatalf("expected registered source counters")
	}
	if counters.ExpectedSequence != 1 {
		t.Errorf("ExpectedSequence = %d, want 1", counters.ExpectedSequence)
	}
	if counters.NormalizedSequence != 1 {
		t.Errorf("NormalizedSequence = %d, want 1", counters.NormalizedSequence)
	}
}

// S2: a sequence-number gap arrives on an already-established source and the
// preprocessor rebases it onto the collector-owned normalized counter.
func TestPreprocessorScenarioS2(t *testing.T) {
	pp, _, registry, ring := newTestPreprocessor()
	ctx := context.Background()
	info := &InputInfo{Kind: InputTCP, SrcAddr: "10.0.0.1", SrcPort: 1234}

	templateSet := buildTemplateSet(256, [][2]uint16{{8, 4}, {7, 2}})
	dataRecord := []byte{0xC0, 0xA8, 0x00, 0x01, 0x1F, 0x90}
	first := buildMessage(1, 0, 1, templateSet, buildDataSet(256, dataRecord))
	if err := pp.Process(ctx, Event{Packet: first, InputInfo: info, SourceStatus: SourceNew}); err != nil {
		t.Fatalf("Process(first): %v", err)
	}
	msg1, err := ring.Read(ctx)
	if err != nil {
		t.Fatalf("Read(first): %v", err)
	}
	msg1.Release()

	// header.sequence_number jumps to 5 and carries two data records.
	dataSet := buildDataSet(256, dataRecord, dataRecord)
	second := buildMessage(2, 5, 1, dataSet)
	if err := pp.Process(ctx, Event{Packet: second, InputInfo: info, SourceStatus: SourceOpened}); err != nil {
		t.Fatalf("Process(second): %v", err)
	}
	msg2, err := ring.Read(ctx)
	if err != nil {
		t.Fatalf("Read(second): %v", err)
	}
	defer msg2.Release()

	if msg2.Header.SequenceNumber != 5 {
		t.Errorf("outgoing header sequence number = %d, want 5", msg2.Header.SequenceNumber)
	}

	sourceKey := ComputeSourceKey(info)
	counters, ok := registry.Get(sourceKey, 1)
	if !ok {
		t.Fatalf("expected registered source counters")
	}
	if counters.NormalizedSequence != 7 {
		t.Errorf("NormalizedSequence = %d, want 7", counters.NormalizedSequence)
	}
	if counters.ExpectedSequence != 7 {
		t.Errorf("ExpectedSequence = %d, want 7", counters.ExpectedSequence)
	}
}

// S3: withdrawing a template over a reliable transport makes it unresolvable
// to any subsequently arriving data set.
func TestPreprocessorScenarioS3(t *testing.T) {
	pp, dict, _, ring := newTestPreprocessor()
	ctx := context.Background()
	info := &InputInfo{Kind: InputTCP, SrcAddr: "10.0.0.1", SrcPort: 1234}

	templateSet := buildTemplateSet(256, [][2]uint16{{8, 4}, {7, 2}})
	first := buildMessage(1, 0, 1, templateSet)
	if err := pp.Process(ctx, Event{Packet: first, InputInfo: info, SourceStatus: SourceNew}); err != nil {
		t.Fatalf("Process(template): %v", err)
	}
	msg1, err := ring.Read(ctx)
	if err != nil {
		t.Fatalf("Read(template): %v", err)
	}
	msg1.Release()

	withdrawal := buildWithdrawalSet(TemplateSetID, 256)
	second := buildMessage(2, 0, 1, withdrawal)
	if err := pp.Process(ctx, Event{Packet: second, InputInfo: info, SourceStatus: SourceOpened}); err != nil {
		t.Fatalf("Process(withdrawal): %v", err)
	}
	msg2, err := ring.Read(ctx)
	if err != nil {
		t.Fatalf("Read(withdrawal): %v", err)
	}
	msg2.Release()

	sourceKey := ComputeSourceKey(info)
	key := TemplateKey{SourceKey: sourceKey, ObservationDomainId: 1, TemplateId: 256}
	if tmpl, ok := dict.Get(key); ok && tmpl.State() == TemplateLive {
		t.Fatalf("template should no longer be live after withdrawal")
	}

	dataSet := buildDataSet(256, []byte{0xC0, 0xA8, 0x00, 0x01, 0x1F, 0x90})
	third := buildMessage(3, 0, 1, dataSet)
	if err := pp.Process(ctx, Event{Packet: third, InputInfo: info, SourceStatus: SourceOpened}); err != nil {
		t.Fatalf("Process(data after withdrawal): %v", err)
	}
	msg3, err := ring.Read(ctx)
	if err != nil {
		t.Fatalf("Read(data after withdrawal): %v", err)
	}
	defer msg3.Release()

	if len(msg3.DataCouples) != 1 || msg3.DataCouples[0].Template != nil {
		t.Fatalf("expected an unresolved DataCouple, got %+v", msg3.DataCouples)
	}
	if len(msg3.Metadata) != 0 {
		t.Errorf("len(Metadata) = %d, want 0 for an unresolved data set", len(msg3.Metadata))
	}
}

// S4: the same withdrawal, but over UDP, must be ignored — a protocol
// violation the dictionary must not act on.
func TestPreprocessorScenarioS4(t *testing.T) {
	pp, dict, _, ring := newTestPreprocessor()
	ctx := context.Background()
	info := &InputInfo{Kind: InputUDP, SrcAddr: "10.0.0.2", SrcPort: 2055}

	templateSet := buildTemplateSet(256, [][2]uint16{{8, 4}, {7, 2}})
	first := buildMessage(1, 0, 1, templateSet)
	if err := pp.Process(ctx, Event{Packet: first, InputInfo: info, SourceStatus: SourceNew}); err != nil {
		t.Fatalf("Process(template): %v", err)
	}
	msg1, err := ring.Read(ctx)
	if err != nil {
		t.Fatalf("Read(template): %v", err)
	}
	originalAssignedId := msg1.TemplateSets[0].TemplateId
	msg1.Release()

	withdrawal := buildWithdrawalSet(TemplateSetID, 256)
	second := buildMessage(2, 0, 1, withdrawal)
	if err := pp.Process(ctx, Event{Packet: second, InputInfo: info, SourceStatus: SourceOpened}); err != nil {
		t.Fatalf("Process(withdrawal): %v", err)
	}
	msg2, err := ring.Read(ctx)
	if err != nil {
		t.Fatalf("Read(withdrawal): %v", err)
	}
	msg2.Release()

	sourceKey := ComputeSourceKey(info)
	key := TemplateKey{SourceKey: sourceKey, ObservationDomainId: 1, TemplateId: 256}
	tmpl, ok := dict.Get(key)
	if !ok {
		t.Fatalf("template must still be present, UDP withdrawal is ignored")
	}
	if tmpl.State() != TemplateLive {
		t.Fatalf("state = %s, want live", tmpl.State())
	}
	if tmpl.AssignedId != originalAssignedId {
		t.Errorf("AssignedId changed from %d to %d", originalAssignedId, tmpl.AssignedId)
	}
}

// S5: a reserved template id (below the Data Set range) is rejected and
// never reaches the dictionary.
func TestPreprocessorScenarioS5(t *testing.T) {
	pp, dict, _, ring := newTestPreprocessor()
	ctx := context.Background()
	info := &InputInfo{Kind: InputTCP, SrcAddr: "10.0.0.3", SrcPort: 4444}

	templateSet := buildTemplateSet(100, [][2]uint16{{8, 4}})
	packet := buildMessage(1, 0, 1, templateSet)
	if err := pp.Process(ctx, Event{Packet: packet, InputInfo: info, SourceStatus: SourceNew}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	msg, err := ring.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer msg.Release()

	sourceKey := ComputeSourceKey(info)
	key := TemplateKey{SourceKey: sourceKey, ObservationDomainId: 1, TemplateId: 100}
	if _, ok := dict.Get(key); ok {
		t.Fatalf("a reserved template id must never be added to the dictionary")
	}

	dataSet := buildDataSet(100, []byte{0, 0, 0, 1})
	second := buildMessage(2, 1, 1, dataSet)
	if err := pp.Process(ctx, Event{Packet: second, InputInfo: info, SourceStatus: SourceOpened}); err != nil {
		t.Fatalf("Process(data): %v", err)
	}
	msg2, err := ring.Read(ctx)
	if err != nil {
		t.Fatalf("Read(data): %v", err)
	}
	defer msg2.Release()
	if len(msg2.DataCouples) != 1 || msg2.DataCouples[0].Template != nil {
		t.Fatalf("expected an unresolved DataCouple, got %+v", msg2.DataCouples)
	}
}

// S6: closing a source withdraws its templates and discards its counters;
// a subsequent re-appearance starts fresh, reallocating AssignedIds from 256.
func TestPreprocessorScenarioS6(t *testing.T) {
	pp, _, registry, ring := newTestPreprocessor()
	ctx := context.Background()
	info := &InputInfo{Kind: InputTCP, SrcAddr: "10.0.0.4", SrcPort: 5555}

	templateSet := buildTemplateSet(256, [][2]uint16{{8, 4}})
	packet := buildMessage(1, 0, 1, templateSet)
	if err := pp.Process(ctx, Event{Packet: packet, InputInfo: info, SourceStatus: SourceNew}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	msg, err := ring.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	msg.Release()

	closeInfo := &InputInfo{Kind: InputTCP, SrcAddr: "10.0.0.4", SrcPort: 5555, ODIDHint: 1}
	if err := pp.Process(ctx, Event{InputInfo: closeInfo, SourceStatus: SourceClosed}); err != nil {
		t.Fatalf("Process(close): %v", err)
	}
	closedMsg, err := ring.Read(ctx)
	if err != nil {
		t.Fatalf("Read(close): %v", err)
	}
	if !closedMsg.Closed {
		t.Fatalf("expected a Closed sentinel message")
	}
	closedMsg.Release()

	sourceKey := ComputeSourceKey(info)
	if _, ok := registry.Get(sourceKey, 1); ok {
		t.Fatalf("source counters must be discarded on close")
	}

	second := buildMessage(1, 0, 1, templateSet)
	if err := pp.Process(ctx, Event{Packet: second, InputInfo: info, SourceStatus: SourceNew}); err != nil {
		t.Fatalf("Process(after reconnect): %v", err)
	}
	msg2, err := ring.Read(ctx)
	if err != nil {
		t.Fatalf("Read(after reconnect): %v", err)
	}
	defer msg2.Release()
	if msg2.TemplateSets[0].TemplateId != 256 {
		t.Errorf("AssignedId after reconnect = %d, want 256 (allocation restarts)", msg2.TemplateSets[0].TemplateId)
	}
}

// Template id exhaustion is treated as fatal for the source (SPEC_FULL.md
// §11 decision (d)): the source is reset, and the next message for it is
// bootstrapped as if it were brand new.
func TestPreprocessorTemplateIDExhaustionResetsSource(t *testing.T) {
	pp, _, registry, ring := newTestPreprocessor()
	ctx := context.Background()
	info := &InputInfo{Kind: InputTCP, SrcAddr: "10.0.0.9", SrcPort: 9999}

	sourceKey := ComputeSourceKey(info)
	counters := registry.Register(sourceKey, 1)
	counters.idMu.Lock()
	counters.nextAssignedId = 0x10000
	counters.idMu.Unlock()

	templateSet := buildTemplateSet(256, [][2]uint16{{8, 4}})
	packet := buildMessage(1, 0, 1, templateSet)
	if err := pp.Process(ctx, Event{Packet: packet, InputInfo: info, SourceStatus: SourceOpened}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	msg, err := ring.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	msg.Release()

	if _, ok := registry.Get(sourceKey, 1); ok {
		t.Fatalf("source must be unregistered once its template id space is exhausted")
	}

	second := buildMessage(1, 0, 1, templateSet)
	if err := pp.Process(ctx, Event{Packet: second, InputInfo: info, SourceStatus: SourceNew}); err != nil {
		t.Fatalf("Process(after reset): %v", err)
	}
	msg2, err := ring.Read(ctx)
	if err != nil {
		t.Fatalf("Read(after reset): %v", err)
	}
	defer msg2.Release()
	if msg2.TemplateSets[0].TemplateId != 256 {
		t.Errorf("AssignedId after reset = %d, want 256 (allocation restarts)", msg2.TemplateSets[0].TemplateId)
	}
}

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
	"encoding/binary"
	"fmt"
)

// FieldSpec is the structural description of one field in a template: which
// information element it names (enterprise id + element id) and how long its
// encoded value is (or VariableLength if the length is carried in-line on
// every data record). This package never decodes the value itself, only uses
// Length to know how many bytes to skip, per spec.md's Non-goals.
type FieldSpec struct {
	EnterpriseId uint32
	ElementId    uint16
	Length       uint16
}

func (f FieldSpec) Enterprise() bool { return f.EnterpriseId != 0 }

func (f FieldSpec) String() string {
	if f.Enterprise() {
		return fmt.Sprintf("%d/%d(%d)", f.EnterpriseId, f.ElementId, f.Length)
	}
	return fmt.Sprintf("%d(%d)", f.ElementId, f.Length)
}

// TemplateRecordView is a single template record as decoded off the wire,
// still pointing into the caller's packet buffer (allocation-light, per
// spec.md §4.1). FieldCount == 0 means this record is a withdrawal.
type TemplateRecordView struct {
	TemplateId uint16
	FieldCount uint16
	Fields     []FieldSpec

	raw []byte // this record's own bytes (header + fields) within the packet buffer
}

func (t *TemplateRecordView) IsWithdrawal() bool { return t.FieldCount == 0 }

// RewriteTemplateID overwrites this record's TemplateId field in place in the
// original packet buffer, so that a downstream consumer reading raw bytes
// sees the collector-assigned id instead of the exporter-local one.
func (t *TemplateRecordView) RewriteTemplateID(id uint16) {
	binary.BigEndian.PutUint16(t.raw[0:2], id)
	t.TemplateId = id
}

// OptionsTemplateRecordView is the Options Template analogue of
// TemplateRecordView. Fields holds scope fields followed by option fields;
// ScopeFieldCount says where the split is.
type OptionsTemplateRecordView struct {
	TemplateId      uint16
	FieldCount      uint16
	ScopeFieldCount uint16
	Fields          []FieldSpec

	raw []byte
}

func (t *OptionsTemplateRecordView) IsWithdrawal() bool { return t.FieldCount == 0 }

func (t *OptionsTemplateRecordView) RewriteTemplateID(id uint16) {
	binary.BigEndian.PutUint16(t.raw[0:2], id)
	t.TemplateId = id
}

func (t *OptionsTemplateRecordView) Scopes() []FieldSpec {
	return t.Fields[:t.ScopeFieldCount]
}

func (t *OptionsTemplateRecordView) Options() []FieldSpec {
	return t.Fields[t.ScopeFieldCount:]
}

// RawSetKind classifies a set by its header id.
type RawSetKind int

const (
	RawSetReserved RawSetKind = iota
	RawSetTemplate
	RawSetOptionsTemplate
	RawSetData
)

// String labels a RawSetKind for the DecodedSets/DecodedRecords/DroppedRecords
// metric vectors (metrics.go), following the teacher's KindTemplateSet /
// KindOptionsTemplateSet / KindDataSet label strings in sets.go.
func (k RawSetKind) String() string {
	switch k {
	case RawSetTemplate:
		return "template"
	case RawSetOptionsTemplate:
		return "options"
	case RawSetData:
		return "data"
	default:
		return "reserved"
	}
}

// RawSet is one set as produced by the structural parse pass: its header, a
// classification, and its body still unresolved against any template.
type RawSet struct {
	Header SetHeader
	Body   []byte
	Kind   RawSetKind

	headerBytes []byte // 4-octet slice into the packet buffer, for flowset-id rewrite
}

// RewriteFlowSetID overwrites this (data) set's flowset id in place. Used by
// the preprocessor once it has resolved the set's template and minted or
// looked up its collector-assigned id.
func (s *RawSet) RewriteFlowSetID(id uint16) {
	rewriteFlowSetID(s.headerBytes, id)
	s.Header.Id = id
}

// RawMessage is the pure, template-ignorant parse of one IPFIX message: a
// header and a sequence of classified-but-unresolved sets. It owns no copies
// of the packet; every []byte it holds or hands out is a sub-slice of the
// buffer passed to ParseMessage.
type RawMessage struct {
	Header MessageHeader
	Sets   []RawSet

	// TrailingGarbage is the number of bytes trimmed off the end of the
	// supplied buffer because the header declared a shorter message than was
	// delivered (spec.md §4.1: "longer buffers are trailing-garbage warnings").
	TrailingGarbage int

	buf         []byte
	headerBytes []byte
}

// RewriteSequenceNumber overwrites the message header's sequence number field
// in place, used by the preprocessor's sequence-repair step (spec.md §4.4.8).
func (m *RawMessage) RewriteSequenceNumber(seq uint32) {
	rewriteSequenceNumber(m.headerBytes, seq)
	m.Header.SequenceNumber = seq
}

// ParseMessage is the Wire Codec (C1) entry point: it validates and walks one
// complete IPFIX message, yielding classified sets ready for template
// resolution. It performs no template lookups and mutates nothing beyond what
// ParseMessage itself needs to detect trailing garbage.
func ParseMessage(buf []byte) (*RawMessage, error) {
	header, err := decodeMessageHeader(buf)
	if err != nil {
		return nil, err
	}

	msg := &RawMessage{Header: header}

	declared := int(header.Length)
	if declared > len(buf) {
		return nil, fmt.Errorf("%w: header declares %d bytes, buffer has %d", ErrTruncatedPayload, declared, len(buf))
	}
	if declared < len(buf) {
		msg.TrailingGarbage = len(buf) - declared
		buf = buf[:declared]
	}

	msg.buf = buf
	msg.headerBytes = buf[0:MessageHeaderLength]

	rest := buf[MessageHeaderLength:]
	for len(rest) > 0 {
		if len(rest) < SetHeaderLength {
			// fewer than 4 octets remain: padding, skip silently (spec.md §4.1)
			break
		}
		sh, err := decodeSetHeader(rest)
		if err != nil {
			return msg, err
		}
		total := int(sh.Length)
		if total > len(rest) {
			return msg, fmt.Errorf("%w: set declares length %d, only %d bytes remain in message", ErrMalformedSet, total, len(rest))
		}

		setBytes := rest[:total]
		body := setBytes[SetHeaderLength:]

		var kind RawSetKind
		switch {
		case sh.Id == TemplateSetID:
			kind = RawSetTemplate
		case sh.Id == OptionsTemplateSetID:
			kind = RawSetOptionsTemplate
		case sh.Id >= MinDataSetID:
			kind = RawSetData
		default:
			kind = RawSetReserved
		}
		DecodedSets.WithLabelValues(kind.String()).Inc()

		msg.Sets = append(msg.Sets, RawSet{
			Header:      sh,
			Body:        body,
			Kind:        kind,
			headerBytes: setBytes[:SetHeaderLength],
		})

		rest = rest[total:]
	}

	return msg, nil
}

// DecodeTemplateRecords walks a Template Set's body and yields its template
// records (withdrawals included, as zero-FieldCount records). A record whose
// declared field count would run past the set's bounds is a malformed-set
// error; the records already decoded are still returned (spec.md §4.1: "the
// codec stops at that record and emits what it has").
func DecodeTemplateRecords(body []byte) ([]TemplateRecordView, error) {
	var records []TemplateRecordView
	offset := 0
	for offset < len(body) {
		remaining := body[offset:]
		if len(remaining) < 4 {
			break
		}
		view, consumed, err := decodeOneTemplateRecord(remaining)
		if err != nil {
			return records, err
		}
		records = append(records, view)
		offset += consumed
	}
	return records, nil
}

func decodeOneTemplateRecord(b []byte) (TemplateRecordView, int, error) {
	templateID := binary.BigEndian.Uint16(b[0:2])
	fieldCount := binary.BigEndian.Uint16(b[2:4])
	if fieldCount == 0 {
		return TemplateRecordView{TemplateId: templateID, raw: b[0:4]}, 4, nil
	}

	fields, offset, err := decodeFieldSpecs(b, 4, int(fieldCount))
	if err != nil {
		return TemplateRecordView{}, 0, err
	}
	return TemplateRecordView{TemplateId: templateID, FieldCount: fieldCount, Fields: fields, raw: b[:offset]}, offset, nil
}

// DecodeOptionsTemplateRecords is the Options Template analogue of
// DecodeTemplateRecords.
func DecodeOptionsTemplateRecords(body []byte) ([]OptionsTemplateRecordView, error) {
	var records []OptionsTemplateRecordView
	offset := 0
	for offset < len(body) {
		remaining := body[offset:]
		if len(remaining) < 4 {
			break
		}
		view, consumed, err := decodeOneOptionsTemplateRecord(remaining)
		if err != nil {
			return records, err
		}
		records = append(records, view)
		offset += consumed
	}
	return records, nil
}

func decodeOneOptionsTemplateRecord(b []byte) (OptionsTemplateRecordView, int, error) {
	templateID := binary.BigEndian.Uint16(b[0:2])
	fieldCount := binary.BigEndian.Uint16(b[2:4])
	if fieldCount == 0 {
		return OptionsTemplateRecordView{TemplateId: templateID, raw: b[0:4]}, 4, nil
	}
	if len(b) < 6 {
		return OptionsTemplateRecordView{}, 0, fmt.Errorf("%w: options template record truncated before scope field count", ErrMalformedSet)
	}
	scopeFieldCount := binary.BigEndian.Uint16(b[4:6])

	fields, offset, err := decodeFieldSpecs(b, 6, int(fieldCount))
	if err != nil {
		return OptionsTemplateRecordView{}, 0, err
	}
	if int(scopeFieldCount) > len(fields) {
		return OptionsTemplateRecordView{}, 0, fmt.Errorf("%w: scope field count %d exceeds field count %d", ErrMalformedSet, scopeFieldCount, fieldCount)
	}
	return OptionsTemplateRecordView{
		TemplateId:      templateID,
		FieldCount:      fieldCount,
		ScopeFieldCount: scopeFieldCount,
		Fields:          fields,
		raw:             b[:offset],
	}, offset, nil
}

// decodeFieldSpecs decodes count field specifiers starting at offset start in
// b, returning the specs and the total number of bytes consumed from the
// start of b (i.e. including the header bytes before start).
func decodeFieldSpecs(b []byte, start int, count int) ([]FieldSpec, int, error) {
	offset := start
	fields := make([]FieldSpec, 0, count)
	for i := 0; i < count; i++ {
		if offset+4 > len(b) {
			return nil, 0, fmt.Errorf("%w: field specifier runs past set bounds", ErrMalformedSet)
		}
		rawElementID := binary.BigEndian.Uint16(b[offset : offset+2])
		length := binary.BigEndian.Uint16(b[offset+2 : offset+4])
		offset += 4

		var pen uint32
		if isEnterpriseElementID(rawElementID) {
			if offset+4 > len(b) {
				return nil, 0, fmt.Errorf("%w: enterprise field specifier runs past set bounds", ErrMalformedSet)
			}
			pen = binary.BigEndian.Uint32(b[offset : offset+4])
			offset += 4
		}

		fields = append(fields, FieldSpec{
			EnterpriseId: pen,
			ElementId:    rawElementID &^ enterpriseBit,
			Length:       length,
		})
	}
	return fields, offset, nil
}

// RecordSpan locates one data record within a data set's body.
type RecordSpan struct {
	Offset int
	Length int
}

func (s RecordSpan) Bytes(body []byte) []byte {
	return body[s.Offset : s.Offset+s.Length]
}

// WalkDataRecords walks a Data Set's body using the field layout of the
// template it was encoded against, yielding one RecordSpan per data record.
// Variable-length fields use IPFIX's 1- or 3-octet length prefix: a leading
// byte of 255 means "the real length follows as a big-endian uint16"
// (spec.md §4.4.7).
func WalkDataRecords(body []byte, fields []FieldSpec) ([]RecordSpan, error) {
	spans := make([]RecordSpan, 0, estimateRecordCount(body, fields))
	offset := 0
	for offset < len(body) {
		consumed, err := walkOneRecord(body[offset:], fields)
		if err != nil {
			if len(body)-offset < 4 {
				// trailing padding, not a real record
				break
			}
			return spans, err
		}
		if consumed == 0 {
			break
		}
		spans = append(spans, RecordSpan{Offset: offset, Length: consumed})
		offset += consumed
	}
	return spans, nil
}

func walkOneRecord(b []byte, fields []FieldSpec) (int, error) {
	offset := 0
	for _, f := range fields {
		if isVariableLength(f.Length) {
			if offset >= len(b) {
				return 0, fmt.Errorf("%w: data record truncated before variable-length prefix", ErrMalformedSet)
			}
			first := b[offset]
			offset++
			var flen int
			if first == 0xFF {
				if offset+2 > len(b) {
					return 0, fmt.Errorf("%w: data record truncated in 3-octet length prefix", ErrMalformedSet)
				}
				flen = int(binary.BigEndian.Uint16(b[offset : offset+2]))
				offset += 2
			} else {
				flen = int(first)
			}
			if offset+flen > len(b) {
				return 0, fmt.Errorf("%w: variable-length field runs past data set bounds", ErrMalformedSet)
			}
			offset += flen
		} else {
			flen := int(f.Length)
			if offset+flen > len(b) {
				return 0, fmt.Errorf("%w: fixed-length field runs past data set bounds", ErrMalformedSet)
			}
			offset += flen
		}
	}
	return offset, nil
}

func estimateRecordCount(body []byte, fields []FieldSpec) int {
	min := 0
	for _, f := range fields {
		if isVariableLength(f.Length) {
			min++
		} else {
			min += int(f.Length)
		}
	}
	if min == 0 {
		return 0
	}
	return len(body) / min
}

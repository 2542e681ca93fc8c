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

// MessageHeader is the 16-octet IPFIX message header (RFC 7011 §3.1).
type MessageHeader struct {
	Version             uint16
	Length              uint16
	ExportTime          uint32
	SequenceNumber      uint32
	ObservationDomainId uint32
}

func (h MessageHeader) String() string {
	return fmt.Sprintf("{version:%d length:%d exportTime:%d sequenceNumber:%d observationDomainId:%d}",
		h.Version, h.Length, h.ExportTime, h.SequenceNumber, h.ObservationDomainId)
}

// decodeMessageHeader reads the 16-octet message header from the front of buf.
// It does not copy: the returned header's values are read out of buf directly,
// but rewrites (sequence number normalization) go back through buf via
// rewriteSequenceNumber so that the packet buffer remains the single source of
// truth downstream consumers see.
func decodeMessageHeader(buf []byte) (MessageHeader, error) {
	if len(buf) < MessageHeaderLength {
		return MessageHeader{}, ErrTruncatedHeader
	}
	h := MessageHeader{
		Version:             binary.BigEndian.Uint16(buf[0:2]),
		Length:              binary.BigEndian.Uint16(buf[2:4]),
		ExportTime:          binary.BigEndian.Uint32(buf[4:8]),
		SequenceNumber:      binary.BigEndian.Uint32(buf[8:12]),
		ObservationDomainId: binary.BigEndian.Uint32(buf[12:16]),
	}
	if h.Version != ProtocolVersion {
		return h, UnknownVersion(h.Version)
	}
	return h, nil
}

// rewriteSequenceNumber overwrites the sequence number field of a message
// header in place. headerBytes must be the 16-octet slice into the original
// packet buffer returned alongside the parsed header.
func rewriteSequenceNumber(headerBytes []byte, seq uint32) {
	binary.BigEndian.PutUint32(headerBytes[8:12], seq)
}

// SetHeader is the 4-octet header prefixing every set in an IPFIX message.
type SetHeader struct {
	// Id is 2 for a Template Set, 3 for an Options Template Set, 4-255 reserved,
	// and >= 256 for a Data Set (in which case Id doubles as the TemplateId the
	// data in the set was encoded against).
	Id     uint16
	Length uint16
}

func decodeSetHeader(buf []byte) (SetHeader, error) {
	if len(buf) < SetHeaderLength {
		return SetHeader{}, fmt.Errorf("%w: %d bytes remaining, need %d for a set header", ErrMalformedSet, len(buf), SetHeaderLength)
	}
	h := SetHeader{
		Id:     binary.BigEndian.Uint16(buf[0:2]),
		Length: binary.BigEndian.Uint16(buf[2:4]),
	}
	if h.Length < SetHeaderLength {
		return h, fmt.Errorf("%w: set length %d shorter than header", ErrMalformedSet, h.Length)
	}
	return h, nil
}

// rewriteFlowSetID overwrites the Id field of a set header in place.
// headerBytes must be the 4-octet slice into the original packet buffer.
func rewriteFlowSetID(headerBytes []byte, id uint16) {
	binary.BigEndian.PutUint16(headerBytes[0:2], id)
}

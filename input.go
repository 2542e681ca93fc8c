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
	"time"
)

// InputKind identifies the transport a message arrived over. Transport matters
// to the preprocessor because template withdrawal and expiry semantics differ
// between reliable transports (TCP, SCTP) and UDP.
type InputKind int

const (
	InputUnknown InputKind = iota
	InputFile
	InputUDP
	InputTCP
	InputSCTP
)

func (k InputKind) String() string {
	switch k {
	case InputFile:
		return "file"
	case InputUDP:
		return "udp"
	case InputTCP:
		return "tcp"
	case InputSCTP:
		return "sctp"
	default:
		return "unknown"
	}
}

// Reliable reports whether the transport guarantees in-order, exactly-once
// delivery, i.e. whether template withdrawal is meaningful on it.
func (k InputKind) Reliable() bool {
	return k == InputTCP || k == InputSCTP || k == InputFile
}

// SourceStatus mirrors the lifecycle notifications an input plugin emits about
// an exporter: NEW on first sight, OPENED on subsequent messages, CLOSED when
// the exporter session (TCP connection, UDP idle timeout, ...) ends.
type SourceStatus int

const (
	SourceOpened SourceStatus = iota
	SourceNew
	SourceClosed
)

func (s SourceStatus) String() string {
	switch s {
	case SourceNew:
		return "new"
	case SourceClosed:
		return "closed"
	default:
		return "opened"
	}
}

// InputInfo is the transport-typed record a listener plugin attaches to every
// delivered packet (spec.md §6). It carries everything the preprocessor needs
// to compute a SourceKey and to apply UDP-specific expiry policy.
type InputInfo struct {
	Kind InputKind

	// FilePath identifies a file-sourced input; only meaningful when Kind == InputFile.
	FilePath string

	// SrcAddr/SrcPort identify a network-sourced input; only meaningful for
	// InputUDP/InputTCP/InputSCTP. SrcAddr is the textual form (dotted quad or
	// canonical IPv6) to match the original's inet_ntop-then-hash approach.
	SrcAddr string
	SrcPort uint16

	// ODIDHint names the observation domain a SourceClosed event applies to:
	// a close event carries no packet header, so Preprocessor.Process
	// unregisters (SourceKey, ODIDHint) from the dictionary and the registry.
	// It is not consulted for any other event.
	ODIDHint uint32

	// TemplateLifeTime/TemplateLifePacket and their Options* counterparts are the
	// UDP expiry knobs from spec.md §6, with ipfixcol's defaults.
	TemplateLifeTime          time.Duration
	TemplateLifePacket        uint64
	OptionsTemplateLifeTime   time.Duration
	OptionsTemplateLifePacket uint64
}

// udpPolicy extracts the dictionary's expiry policy from the knobs carried on
// InputInfo, filling in ipfixcol's defaults for zero values.
func (i *InputInfo) udpPolicy() UDPExpiryPolicy {
	p := UDPExpiryPolicy{
		TemplateLifeTime:          i.TemplateLifeTime,
		TemplateLifePacket:        i.TemplateLifePacket,
		OptionsTemplateLifeTime:   i.OptionsTemplateLifeTime,
		OptionsTemplateLifePacket: i.OptionsTemplateLifePacket,
	}
	if p.TemplateLifeTime == 0 {
		p.TemplateLifeTime = DefaultTemplateLifeTime
	}
	if p.OptionsTemplateLifeTime == 0 {
		p.OptionsTemplateLifeTime = DefaultTemplateLifeTime
	}
	return p
}

func (i *InputInfo) String() string {
	if i.Kind == InputFile {
		return fmt.Sprintf("file:%s", i.FilePath)
	}
	return fmt.Sprintf("%s:%s:%d", i.Kind, i.SrcAddr, i.SrcPort)
}

// Event is what a listener plugin hands to Preprocessor.Process: an optional
// packet buffer (nil for a CLOSED notification), the input's identity, and its
// lifecycle status.
type Event struct {
	Packet       []byte
	InputInfo    *InputInfo
	SourceStatus SourceStatus
}

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
	"errors"
	"fmt"
)

var (
	ErrTemplateNotFound      error = errors.New("template not found")
	ErrUnknownVersion        error = errors.New("unknown version")
	ErrUnknownFlowID         error = errors.New("unknown flow id")
	ErrTruncatedHeader       error = errors.New("truncated message header")
	ErrTruncatedPayload      error = errors.New("message shorter than declared length")
	ErrMalformedSet          error = errors.New("malformed set")
	ErrReservedTemplateID    error = errors.New("reserved template id")
	ErrWithdrawAll           error = errors.New("withdraw-all templates is not implemented")
	ErrWithdrawOverUDP       error = errors.New("template withdrawal over UDP is a protocol violation")
	ErrRingFull              error = errors.New("ring full")
	ErrRingClosed            error = errors.New("ring closed")
	ErrTemplateIDExhausted   error = errors.New("template id space exhausted for source")
	ErrNoTemplateBound       error = errors.New("no template bound to data set")
	ErrSourceNotRegistered   error = errors.New("source not registered")
	ErrEmptyTemplateTooShort error = errors.New("template record too short for declared field count")
)

func TemplateNotFound(sourceKey SourceKey, observationDomainID uint32, templateID uint16) error {
	return fmt.Errorf("%w for %d in source %d, observation domain %d", ErrTemplateNotFound, templateID, sourceKey, observationDomainID)
}

func UnknownVersion(v uint16) error {
	return fmt.Errorf("%w %d (%s), only version %d (IPFIX) is supported", ErrUnknownVersion, v, versionLabel(v), ProtocolVersion)
}

// versionLabel names the protocol a wire version number belongs to, for
// UnknownVersion's error message.
func versionLabel(v uint16) string {
	if v == ProtocolVersion {
		return "IPFIX"
	}
	return "Unknown"
}

func UnknownFlowID(id uint16) error {
	return fmt.Errorf("%w %d", ErrUnknownFlowID, id)
}

func ReservedTemplateID(observationDomainID uint32, templateID uint16) error {
	return fmt.Errorf("%w: template id %d in observation domain %d is reserved (< 256)", ErrReservedTemplateID, templateID, observationDomainID)
}

func TemplateIDExhausted(sourceKey SourceKey, observationDomainID uint32) error {
	return fmt.Errorf("%w: source %d, observation domain %d", ErrTemplateIDExhausted, sourceKey, observationDomainID)
}

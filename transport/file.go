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

package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"

	"github.com/cesnet-collab/ipfixcore"
)

// ReadFile drains an IPFIX File Format stream (a flat concatenation of
// standard IPFIX messages, framed only by each message's own header length
// field) and feeds every message to pp as a file-sourced event. File inputs
// are treated as a reliable transport, so template withdrawal is honored.
func ReadFile(ctx context.Context, path string, r io.Reader, pp *ipfix.Preprocessor) error {
	logger := ipfix.FromContext(ctx)
	info := &ipfix.InputInfo{Kind: ipfix.InputFile, FilePath: path}
	status := ipfix.SourceNew

	for {
		msg, err := readFileMessage(r)
		if msg != nil {
			ipfix.PacketsTotal.Inc()
			if perr := pp.Process(ctx, ipfix.Event{Packet: msg, InputInfo: info, SourceStatus: status}); perr != nil {
				logger.Error(perr, "preprocessor rejected file message", "path", path)
			}
			status = ipfix.SourceOpened
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
	}

	return pp.Process(ctx, ipfix.Event{InputInfo: info, SourceStatus: ipfix.SourceClosed})
}

// readFileMessage reads the 4-octet version+length prefix shared by every
// IPFIX message, then the remaining declared-length bytes, grounded in the
// teacher's ipfixFileReader.readMessage.
func readFileMessage(r io.Reader) ([]byte, error) {
	prefix := make([]byte, 4)
	n, err := io.ReadFull(r, prefix)
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}

	length := binary.BigEndian.Uint16(prefix[2:4])
	if int(length) < 4 {
		return nil, errors.New("transport: file message declares length shorter than its own prefix")
	}

	msg := make([]byte, length)
	copy(msg, prefix)
	if _, err := io.ReadFull(r, msg[4:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return msg, io.EOF
		}
		return nil, err
	}
	return msg, nil
}

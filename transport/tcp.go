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
	"net"
	"strconv"

	"github.com/cesnet-collab/ipfixcore"
)

const ipfixMessageHeaderLength = 16

// TCPListener accepts IPFIX-over-TCP connections. Each connection is framed
// by the message header's own length field: a session reads 16 octets,
// learns the declared total length, then reads the remainder before handing
// the whole buffer to the Preprocessor. TCP is a reliable transport, so
// template withdrawal is meaningful on it (spec.md §4.2).
type TCPListener struct {
	bindAddr     string
	preprocessor *ipfix.Preprocessor

	listener net.Listener
}

func NewTCPListener(bindAddr string, pp *ipfix.Preprocessor) *TCPListener {
	return &TCPListener{bindAddr: bindAddr, preprocessor: pp}
}

func (l *TCPListener) Listen(ctx context.Context) error {
	logger := ipfix.FromContext(ctx)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", l.bindAddr)
	if err != nil {
		logger.Error(err, "failed to bind TCP listener", "addr", l.bindAddr)
		return err
	}
	l.listener = listener

	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	logger.Info("started TCP listener", "addr", l.bindAddr)

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			ipfix.TCPErrorsTotal.Inc()
			logger.Error(err, "failed to accept TCP connection")
			continue
		}
		ipfix.TCPActiveConnections.Inc()
		go l.handle(ctx, conn)
	}

	logger.Info("shutting down TCP listener", "addr", l.bindAddr)
	return nil
}

func (l *TCPListener) handle(ctx context.Context, conn net.Conn) {
	logger := ipfix.FromContext(ctx)
	defer ipfix.TCPActiveConnections.Dec()
	defer conn.Close()

	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		logger.Error(err, "failed to split TCP peer address", "addr", conn.RemoteAddr().String())
		return
	}
	port, _ := strconv.ParseUint(portStr, 10, 16)
	info := &ipfix.InputInfo{Kind: ipfix.InputTCP, SrcAddr: host, SrcPort: uint16(port)}

	status := ipfix.SourceNew
	for {
		msg, err := readMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				ipfix.TCPErrorsTotal.Inc()
				logger.Error(err, "error reading TCP session", "addr", conn.RemoteAddr().String())
			}
			break
		}

		ipfix.PacketsTotal.Inc()
		ipfix.TCPReceivedBytes.Add(float64(len(msg)))

		if perr := l.preprocessor.Process(ctx, ipfix.Event{Packet: msg, InputInfo: info, SourceStatus: status}); perr != nil {
			logger.Error(perr, "preprocessor rejected TCP message", "addr", conn.RemoteAddr().String())
		}
		status = ipfix.SourceOpened
	}

	if cerr := l.preprocessor.Process(ctx, ipfix.Event{InputInfo: info, SourceStatus: ipfix.SourceClosed}); cerr != nil {
		logger.Error(cerr, "preprocessor rejected TCP close notification", "addr", conn.RemoteAddr().String())
	}
}

// readMessage reads one complete IPFIX message from r: 16 octets of header,
// then whatever remainder the header's length field declares.
func readMessage(r io.Reader) ([]byte, error) {
	header := make([]byte, ipfixMessageHeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint16(header[2:4])
	if int(length) < ipfixMessageHeaderLength {
		return nil, errors.New("transport: declared message length shorter than header")
	}

	buf := make([]byte, length)
	copy(buf, header)
	if _, err := io.ReadFull(r, buf[ipfixMessageHeaderLength:]); err != nil {
		return nil, err
	}
	return buf, nil
}

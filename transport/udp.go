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

// Package transport holds reference listener implementations that turn raw
// network or file input into ipfix.Event values and drive an
// ipfix.Preprocessor with them. They are not part of the core's tested
// surface (spec.md's core has no notion of sockets or files) but exercise
// the exact input contract spec.md §6 describes.
package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"syscall"

	"github.com/cesnet-collab/ipfixcore"
	"golang.org/x/sys/unix"
)

var (
	// UDPPacketBufferSize bounds a single read. IPFIX messages are capped at
	// 2^16-1 octets by the header's length field; 1500 keeps typical
	// exporters (which stay under common path MTUs) from ever truncating.
	UDPPacketBufferSize = 1500
	// UDPChannelBufferSize is unused directly here (Process is called inline
	// per packet) but documents the burst-absorption budget a caller wiring
	// this listener's output into its own channel should plan for.
	UDPChannelBufferSize = 50
)

// UDPListener receives IPFIX-over-UDP datagrams and feeds them to a
// Preprocessor, one Event per datagram. Every distinct source address is
// reported as SourceNew exactly once, SourceOpened thereafter; UDP carries no
// connection-level close signal, so SourceClosed is never emitted here (the
// dictionary's UDP reaper is what reclaims templates from sources that go
// quiet, per spec.md §4.2's reap_udp).
type UDPListener struct {
	bindAddr     string
	preprocessor *ipfix.Preprocessor

	addr     *net.UDPAddr
	listener net.PacketConn

	mu   sync.Mutex
	seen map[string]bool
}

func NewUDPListener(bindAddr string, pp *ipfix.Preprocessor) *UDPListener {
	return &UDPListener{
		bindAddr:     bindAddr,
		preprocessor: pp,
		seen:         make(map[string]bool),
	}
}

// Listen binds the socket and reads datagrams until ctx is cancelled or a
// fatal socket error occurs.
func (l *UDPListener) Listen(ctx context.Context) error {
	logger := ipfix.FromContext(ctx)

	addr, err := net.ResolveUDPAddr("udp", l.bindAddr)
	if err != nil {
		logger.Error(err, "failed to resolve UDP address", "addr", l.bindAddr)
		return err
	}
	l.addr = addr

	listenConfig := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			controlErr := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if sockErr != nil {
					return
				}
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if controlErr != nil {
				return controlErr
			}
			return sockErr
		},
	}

	l.listener, err = listenConfig.ListenPacket(ctx, "udp", l.bindAddr)
	if err != nil {
		logger.Error(err, "failed to bind udp listener", "addr", l.bindAddr)
		return err
	}
	defer l.listener.Close()

	var readErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		buffer := make([]byte, UDPPacketBufferSize)
		for {
			n, from, err := l.listener.ReadFrom(buffer)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				ipfix.ErrorsTotal.Inc()
				ipfix.UDPErrorsTotal.Inc()
				readErr = err
				logger.Error(err, "failed to read from UDP socket")
				return
			}
			ipfix.PacketsTotal.Inc()
			ipfix.UDPPacketsTotal.Inc()
			ipfix.UDPPacketBytes.Add(float64(n))

			packet := make([]byte, n)
			copy(packet, buffer[:n])

			host, portStr, splitErr := net.SplitHostPort(from.String())
			if splitErr != nil {
				logger.Error(splitErr, "failed to split UDP source address", "addr", from.String())
				continue
			}
			port, _ := strconv.ParseUint(portStr, 10, 16)

			info := &ipfix.InputInfo{
				Kind:    ipfix.InputUDP,
				SrcAddr: host,
				SrcPort: uint16(port),
			}
			status := l.statusFor(from.String())

			if err := l.preprocessor.Process(ctx, ipfix.Event{Packet: packet, InputInfo: info, SourceStatus: status}); err != nil {
				logger.Error(err, "preprocessor rejected UDP datagram", "addr", from.String())
			}
		}
	}()

	logger.Info("started UDP listener", "addr", l.bindAddr)
	select {
	case <-ctx.Done():
	case <-done:
	}
	logger.Info("shutting down UDP listener", "addr", l.bindAddr)
	l.listener.Close()
	<-done

	return readErr
}

func (l *UDPListener) statusFor(addr string) ipfix.SourceStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen[addr] {
		return ipfix.SourceOpened
	}
	l.seen[addr] = true
	return ipfix.SourceNew
}

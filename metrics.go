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

import "github.com/prometheus/client_golang/prometheus"

var (
	PacketsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "decoder_decoded_packets_total",
		Help: "Total number of decoded packets in decoder",
	})
	ErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "decoder_errors_total",
		Help: "Total number of errors in decoder",
	})
	DurationMicroseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "decoder_duration_microseconds",
		Help:    "Duration of decoding one message in microseconds",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})
	DecodedSets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "decoder_decoded_sets_total",
		Help: "Total number of decoded sets per type",
	}, []string{"type"})
	DecodedRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector",
		Name:      "decoder_decoded_records_total",
		Help:      "Total number of decoded records per type",
	}, []string{"type"})
	DroppedRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector",
		Name:      "decoder_dropped_records_total",
		Help:      "Total number of records dropped per type",
	}, []string{"type"})
)

var (
	TCPActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tcp_listener_active_connections_total",
		Help: "Total number of active connections currently maintained by the TCP listener",
	})
	TCPErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tcp_listener_errors_total",
		Help: "Total number of errors encountered in the TCP listener",
	})
	TCPReceivedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tcp_listener_received_bytes",
		Help: "Total number of bytes read in the TCP listener",
	})
)

var (
	UDPPacketsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "udp_listener_packets_total",
		Help: "Total number of packets received via UDP listener",
	})
	UDPErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "udp_listener_errors_total",
		Help: "Total number of errors encountered in the UDP listener",
	})
	UDPPacketBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "udp_listener_packet_bytes",
		Help: "Total number of bytes read in the UDP listener",
	})
)

var (
	TemplatesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "template_dictionary_active_templates",
		Help: "Number of templates currently live in the template dictionary",
	})
	TemplatesAdded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "template_dictionary_added_total",
		Help: "Total number of templates added or updated per kind",
	}, []string{"kind"})
	TemplatesWithdrawn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "template_dictionary_withdrawn_total",
		Help: "Total number of templates withdrawn per reason",
	}, []string{"reason"})
	TemplatesReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "template_dictionary_reaped_total",
		Help: "Total number of UDP templates expired by the reaper",
	})
)

var (
	SourcesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "source_registry_active_sources",
		Help: "Number of (SourceKey, ObservationDomainId) pairs currently registered",
	})
	SourceTemplateIdsExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "source_registry_template_id_exhaustion_total",
		Help: "Total number of times a source ran out of assignable template ids",
	})
	SourceSequenceRepairs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "source_registry_sequence_repairs_total",
		Help: "Total number of times an exporter's sequence number did not match the expected value",
	})
)

var (
	RingDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ring_depth",
		Help: "Current number of messages queued in the ring hand-off",
	})
	RingWritesRefused = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ring_writes_refused_total",
		Help: "Total number of messages dropped because the ring was full or closed",
	})
)

var (
	PreprocessorMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "preprocessor_messages_total",
		Help: "Total number of events handled by the preprocessor per outcome",
	}, []string{"outcome"})
	PreprocessorUnknownTemplateTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "preprocessor_unknown_template_total",
		Help: "Total number of data sets dropped because their template was not found",
	})
)

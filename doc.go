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

/*
Package ipfix implements the preprocessing core of an IPFIX (RFC 7011)
collector: a wire codec, a reference-counted template dictionary, a
per-exporter source registry, and the preprocessor that ties them
together before handing annotated messages to downstream consumers.

# Historical background

This package generalizes ipfixcol's C preprocessor (CESNET) into Go.
ipfixcol kept a global template manager and a linked list of per-source
sequence counters; here those become an explicit, constructor-created
TemplateDictionary and SourceRegistry, passed by handle rather than
reached through package globals, so that more than one collector
instance can run in the same process and tests can build their own.

# Data structures

An IPFIX message carries one or more sets: template sets (id 2), options
template sets (id 3), and data sets (id >= 256, identified by the
template id they were encoded against). This package does not decode
the values inside data records — only the field layout (lengths) needed
to walk them — so it has no notion of Information Element semantics,
types, or units. Callers that need typed values are expected to layer
that on top of the record spans this package yields.

# Concurrency

Preprocessor.Process is designed to be called concurrently from many
listener goroutines, one per exporter connection or one per UDP socket.
The TemplateDictionary is safe for concurrent use (RWMutex, atomic
refcounts); the SourceRegistry guards each source's counters with its
own per-source mutex so that sequence-number rebasing is serialized per
(SourceKey, ObservationDomainId) without serializing unrelated sources
against each other.
*/
package ipfix

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
	"hash/crc32"
	"strconv"
)

// SourceKey is a 32-bit fingerprint of an exporter endpoint (spec.md §3),
// grounded in ipfixcol's preprocessor_compute_crc: CRC-32/IEEE of the file
// path for file inputs, or of "<ip>:<port>" for network inputs. Collisions
// are treated as identity (accepted risk, per spec.md §3); this is exactly
// the original's behavior, which never checked for them either.
type SourceKey uint32

// ComputeSourceKey derives the SourceKey for an input. It is stable across a
// session for the same endpoint, matching spec.md §3's invariant.
func ComputeSourceKey(info *InputInfo) SourceKey {
	if info == nil {
		return 0
	}
	if info.Kind == InputFile {
		return SourceKey(crc32.ChecksumIEEE([]byte(info.FilePath)))
	}
	buf := make([]byte, 0, len(info.SrcAddr)+6)
	buf = append(buf, info.SrcAddr...)
	buf = append(buf, ':')
	buf = strconv.AppendUint(buf, uint64(info.SrcPort), 10)
	return SourceKey(crc32.ChecksumIEEE(buf))
}

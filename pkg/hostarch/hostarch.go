// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hostarch describes the enclave's view of virtual addresses: the
// address type, address ranges, and page-size helpers.
package hostarch

const (
	// PageShift is the binary log of the enclave page size. EPC pages are
	// always 4K, independent of the host configuration.
	PageShift = 12

	// PageSize is the enclave page size.
	PageSize = 1 << PageShift

	// PageMask is the mask of the in-page offset bits.
	PageMask = PageSize - 1
)

// PagesToBytes returns the number of bytes in n pages.
func PagesToBytes(n uint64) uint64 {
	return n << PageShift
}

// BytesToPages returns the number of whole pages in n bytes.
func BytesToPages(n uint64) uint64 {
	return n >> PageShift
}

// Copyright 2024 The meshanina Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package datafile manages the single append-only file backing a
// meshanina database: the 4-KiB file header, the memory mapping used
// for reads, and the framing of individual records.
//
// A database file looks like:
//
//	┌───────────────────┐
//	│ file header (4KiB)│
//	├───────────────────┤
//	│ repeated records  │
//	│ (data + HAMT      │
//	│  nodes), each     │
//	│  8-byte aligned   │
//	│                   │
//	├───────────────────┤
//	│ newest root       │
//	└───────────────────┘
//
// Every record starts with the database's 16-byte magic divider, a
// per-file random value written once into the header at creation time.
// Recovery locates records by scanning for divider occurrences, so the
// divider doubles as a framing marker:
//
//	 0        16       24   28   32
//	+--------+--------+----+----+------------+
//	| divider|checksum|kind|len | content... |
//	+--------+--------+----+----+------------+
//
// The checksum is SipHash-1-3 over (kind || len || content), keyed by
// the divider itself, so a stray divider-shaped byte pattern inside
// record content is rejected with overwhelming probability.
//
// Data record content is the 32-byte key followed by the value,
// LZ4-block-compressed with the uncompressed length prepended as a
// little-endian u64.  If LZ4 cannot shrink the value, the raw bytes are
// stored instead and the stored length equals the uncompressed length.
// HAMT node content is a 64-bit child-occupancy bitmap followed by one
// little-endian u64 absolute file offset per set bit.
package datafile

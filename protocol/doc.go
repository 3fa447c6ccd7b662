// Copyright (c) 2023 The TeXpresso Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package protocol implements the TeXpresso channel protocol, the wire
// format spoken between a TeX engine and the proxy forwarding its
// filesystem and process operations.
//
// The protocol is a small RPC scheme over any duplex byte stream (an
// AF_UNIX socketpair in practice). Traffic starts with a fixed 12-byte
// handshake in each direction, after which the initiator sends queries and
// the responder replies with answers. Small out-of-band asks can flow at
// any point, independent of the query/answer pairing.
//
// Every message starts with a 32-bit tag identifying its variant. The tag
// value is the variant's four-letter mnemonic packed little-endian, so a
// frame starts with the mnemonic in readable ASCII. Queries additionally
// carry a 32-bit relative timestamp right after the tag. The remaining
// fields follow in a fixed per-variant order:
//
//   - 32-bit integers and 32-bit floats are transmitted little-endian.
//   - strings are NUL-terminated.
//   - raw byte payloads are preceded by an explicit 32-bit size.
//
// There is no outer length prefix: message boundaries are determined
// entirely by the per-variant field layouts, so an unknown tag is an
// unrecoverable protocol error.
//
// A Channel owns fixed-size input and output staging buffers and a single
// growable scratch buffer used to materialize variable-length payloads.
// Decoded strings are copied out of the scratch buffer and are safe to
// retain. Decoded byte payloads (QWrit.Data, ARead.Data, AOpen.Data) alias
// the scratch buffer and are only valid until the next decode or encode
// call on the same channel; callers must consume them before issuing the
// next protocol call.
package protocol

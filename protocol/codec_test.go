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

package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func roundTripQuery(t *testing.T, q Query) Query {
	lb := &loopback{}
	enc := NewChannel(lb)
	dec := NewChannel(lb)

	assert.Nil(t, enc.WriteQuery(q))
	assert.Nil(t, enc.Flush())

	out, err := dec.ReadQuery()
	assert.Nil(t, err)
	return out
}

func roundTripAnswer(t *testing.T, a Answer) Answer {
	lb := &loopback{}
	enc := NewChannel(lb)
	dec := NewChannel(lb)

	assert.Nil(t, enc.WriteAnswer(a))
	assert.Nil(t, enc.Flush())

	out, err := dec.ReadAnswer()
	assert.Nil(t, err)
	return out
}

func TestQueryRoundTrips(t *testing.T) {
	queries := []QueryBody{
		QOpen{Fid: 3, Path: "/tmp/a", Mode: "r"},
		QOpen{Fid: 0, Path: "", Mode: ""},
		QRead{Fid: 1, Pos: 100, Size: 4096},
		QWrit{Fid: 9, Pos: 8, Data: []byte("payload")},
		QWrit{Fid: WritStdout, Pos: 0, Data: []byte{}},
		QClos{Fid: 12},
		QSize{Fid: 5},
		QSeen{Fid: 5, Pos: 777},
		QChld{Pid: 4242},
		QBack{Pid: 4242, Cid: 4243, Exitcode: 1},
		QAccs{Path: "/etc/texmf.cnf", Flags: AccessRead | AccessExists},
		QStat{Path: "/var/lib/texmf"},
		QGpic{Path: "figure.png", Type: 1, Page: 0},
		QSpic{Path: "figure.pdf", Type: 3, Page: 2,
			Bounds: [4]float32{0.5, 1.25, -7, 1e6}},
	}

	for _, body := range queries {
		in := Query{Time: 42, Body: body}
		out := roundTripQuery(t, in)
		assert.Equal(t, uint32(42), out.Time)

		// WRIT payloads alias the decoder's scratch buffer, so compare
		// contents rather than identity.
		if w, ok := body.(QWrit); ok {
			got := out.Body.(QWrit)
			assert.Equal(t, w.Fid, got.Fid)
			assert.Equal(t, w.Pos, got.Pos)
			assert.Equal(t, []byte(w.Data), append([]byte{}, got.Data...))
			continue
		}
		assert.Equal(t, body, out.Body)
	}
}

func TestAnswerRoundTrips(t *testing.T) {
	record := StatRecord{
		Dev: 1, Ino: 2, Mode: 0644, Nlink: 1, UID: 1000, GID: 100,
		Rdev: 0, Size: 4096, Blksize: 512, Blocks: 8,
		Atime: Timespec{Sec: 100, Nsec: 1},
		Ctime: Timespec{Sec: 200, Nsec: 2},
		Mtime: Timespec{Sec: 300, Nsec: 3},
	}
	answers := []Answer{
		ADone{},
		APass{},
		AFork{},
		AAccs{Flag: AccessOK},
		AAccs{Flag: AccessENOENT},
		AStat{Flag: AccessOK, Stat: record},
		AStat{Flag: AccessEACCES},
		ASize{Size: 123456},
		AGpic{Bounds: [4]float32{1, 2, 3, 4}},
	}

	for _, in := range answers {
		assert.Equal(t, in, roundTripAnswer(t, in))
	}

	// Blob answers alias the decoder's scratch buffer.
	out := roundTripAnswer(t, ARead{Data: []byte{1, 2, 3, 4, 5}})
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, append([]byte{}, out.(ARead).Data...))

	out = roundTripAnswer(t, AOpen{Data: []byte("/resolved/path")})
	assert.Equal(t, []byte("/resolved/path"), append([]byte{}, out.(AOpen).Data...))
}

func TestAskRoundTrips(t *testing.T) {
	lb := &loopback{}
	enc := NewChannel(lb)
	dec := NewChannel(lb)

	assert.Nil(t, enc.WriteAsk(CTerm{Pid: 99}))
	assert.Nil(t, enc.WriteAsk(CFlsh{}))
	assert.Nil(t, enc.Flush())

	a, err := dec.ReadAsk()
	assert.Nil(t, err)
	assert.Equal(t, CTerm{Pid: 99}, a)

	a, err = dec.ReadAsk()
	assert.Nil(t, err)
	assert.Equal(t, CFlsh{}, a)
}

// The OPEN scenario pinned by the protocol description: tag, timestamp,
// fid, then the two NUL-terminated strings.
func TestOpenQueryWireLayout(t *testing.T) {
	lb := &loopback{}
	enc := NewChannel(lb)

	assert.Nil(t, enc.WriteQuery(Query{Time: 42,
		Body: QOpen{Fid: 3, Path: "/tmp/a", Mode: "r"}}))
	assert.Nil(t, enc.Flush())

	frame := lb.Bytes()
	assert.Equal(t, []byte("OPEN"), frame[0:4])
	assert.Equal(t, uint32(42), binary.LittleEndian.Uint32(frame[4:8]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(frame[8:12]))
	assert.Equal(t, []byte("/tmp/a\x00r\x00"), frame[12:])
}

// An A_READ frame of 5 bytes is exactly tag + size + payload: 12 bytes.
func TestReadAnswerWireLayout(t *testing.T) {
	lb := &loopback{}
	enc := NewChannel(lb)

	assert.Nil(t, enc.WriteAnswer(ARead{Data: []byte{1, 2, 3, 4, 5}}))
	assert.Nil(t, enc.Flush())

	frame := lb.Bytes()
	assert.Equal(t, 12, len(frame))
	assert.Equal(t, []byte("READ"), frame[0:4])
	assert.Equal(t, uint32(5), binary.LittleEndian.Uint32(frame[4:8]))
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, frame[8:12])
}

// A failed STAT answer carries no record at all: the frame is 8 bytes.
func TestStatAnswerOmitsRecordOnFailure(t *testing.T) {
	lb := &loopback{}
	enc := NewChannel(lb)

	assert.Nil(t, enc.WriteAnswer(AStat{Flag: AccessENOENT}))
	assert.Nil(t, enc.Flush())
	assert.Equal(t, 8, lb.Len())

	lb.Reset()
	enc = NewChannel(lb)
	assert.Nil(t, enc.WriteAnswer(AStat{Flag: AccessOK}))
	assert.Nil(t, enc.Flush())
	assert.Equal(t, 8+13*4+3*4, lb.Len())
}

func TestConsecutiveStringsShareScratch(t *testing.T) {
	lb := &loopback{}
	enc := NewChannel(lb)
	dec := NewChannel(lb)

	// Path long enough to force growth while mode is decoded after it.
	path := string(bytes.Repeat([]byte{'x'}, 300))
	assert.Nil(t, enc.WriteQuery(Query{Body: QOpen{Fid: 1, Path: path, Mode: "w"}}))
	assert.Nil(t, enc.Flush())

	q, err := dec.ReadQuery()
	assert.Nil(t, err)
	open := q.Body.(QOpen)
	assert.Equal(t, path, open.Path)
	assert.Equal(t, "w", open.Mode)
}

func TestDescribeCoversEveryVariant(t *testing.T) {
	assert.Equal(t, `0042ms: open(3, "/tmp/a", "r")`,
		Query{Time: 42, Body: QOpen{Fid: 3, Path: "/tmp/a", Mode: "r"}}.String())
	assert.Equal(t, "read(1, 2, 3)", QRead{Fid: 1, Pos: 2, Size: 3}.String())
	assert.Equal(t, "write(1, 2, 3)", QWrit{Fid: 1, Pos: 2, Data: []byte("abc")}.String())
	assert.Equal(t, "close(7)", QClos{Fid: 7}.String())
	assert.Equal(t, "size(7)", QSize{Fid: 7}.String())
	assert.Equal(t, "seen(7, 9)", QSeen{Fid: 7, Pos: 9}.String())
	assert.Equal(t, "child(11)", QChld{Pid: 11}.String())
	assert.Equal(t, "back(11, 12, 0)", QBack{Pid: 11, Cid: 12}.String())
	assert.Equal(t, `access("/a", 9)`, QAccs{Path: "/a", Flags: AccessRead | AccessExists}.String())
	assert.Equal(t, `stat("/a")`, QStat{Path: "/a"}.String())
	assert.Equal(t, `gpic("f", 1, 2)`, QGpic{Path: "f", Type: 1, Page: 2}.String())
	assert.Equal(t, `spic("f", 1, 2, 0.50, 1.00, 1.50, 2.00)`,
		QSpic{Path: "f", Type: 1, Page: 2, Bounds: [4]float32{0.5, 1, 1.5, 2}}.String())

	assert.Equal(t, "DONE", ADone{}.String())
	assert.Equal(t, "PASS", APass{}.String())
	assert.Equal(t, "FORK", AFork{}.String())
	assert.Equal(t, "READ 5", ARead{Data: []byte{1, 2, 3, 4, 5}}.String())
	assert.Equal(t, "ACCS ACCS_OK", AAccs{Flag: AccessOK}.String())
	assert.Equal(t, "STAT ACCS_ENOENT", AStat{Flag: AccessENOENT}.String())
	assert.Equal(t, "SIZE 9", ASize{Size: 9}.String())
	assert.Equal(t, "OPEN 2", AOpen{Data: []byte("ab")}.String())
	assert.Equal(t, "GPIC 1.00, 2.00, 3.00, 4.00", AGpic{Bounds: [4]float32{1, 2, 3, 4}}.String())

	assert.Equal(t, "TERM 3", CTerm{Pid: 3}.String())
	assert.Equal(t, "FLSH", CFlsh{}.String())
}

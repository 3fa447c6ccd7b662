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
	"fmt"
)

// QueryTag identifies a query variant on the wire.
type QueryTag uint32

// AnswerTag identifies an answer variant on the wire.
type AnswerTag uint32

// AskTag identifies an ask variant on the wire.
type AskTag uint32

// Tags are the variant mnemonics packed little-endian, so the first four
// bytes of a frame spell the mnemonic in ASCII.
const (
	QueryOpen QueryTag = 'O' | 'P'<<8 | 'E'<<16 | 'N'<<24
	QueryRead QueryTag = 'R' | 'E'<<8 | 'A'<<16 | 'D'<<24
	QueryWrit QueryTag = 'W' | 'R'<<8 | 'I'<<16 | 'T'<<24
	QueryClos QueryTag = 'C' | 'L'<<8 | 'O'<<16 | 'S'<<24
	QuerySize QueryTag = 'S' | 'I'<<8 | 'Z'<<16 | 'E'<<24
	QuerySeen QueryTag = 'S' | 'E'<<8 | 'E'<<16 | 'N'<<24
	QueryChld QueryTag = 'C' | 'H'<<8 | 'L'<<16 | 'D'<<24
	QueryBack QueryTag = 'B' | 'A'<<8 | 'C'<<16 | 'K'<<24
	QueryAccs QueryTag = 'A' | 'C'<<8 | 'C'<<16 | 'S'<<24
	QueryStat QueryTag = 'S' | 'T'<<8 | 'A'<<16 | 'T'<<24
	QueryGpic QueryTag = 'G' | 'P'<<8 | 'I'<<16 | 'C'<<24
	QuerySpic QueryTag = 'S' | 'P'<<8 | 'I'<<16 | 'C'<<24
)

const (
	AnswerDone AnswerTag = 'D' | 'O'<<8 | 'N'<<16 | 'E'<<24
	AnswerPass AnswerTag = 'P' | 'A'<<8 | 'S'<<16 | 'S'<<24
	AnswerSize AnswerTag = 'S' | 'I'<<8 | 'Z'<<16 | 'E'<<24
	AnswerRead AnswerTag = 'R' | 'E'<<8 | 'A'<<16 | 'D'<<24
	AnswerFork AnswerTag = 'F' | 'O'<<8 | 'R'<<16 | 'K'<<24
	AnswerAccs AnswerTag = 'A' | 'C'<<8 | 'C'<<16 | 'S'<<24
	AnswerStat AnswerTag = 'S' | 'T'<<8 | 'A'<<16 | 'T'<<24
	AnswerOpen AnswerTag = 'O' | 'P'<<8 | 'E'<<16 | 'N'<<24
	AnswerGpic AnswerTag = 'G' | 'P'<<8 | 'I'<<16 | 'C'<<24
)

const (
	AskTerm AskTag = 'T' | 'E'<<8 | 'R'<<16 | 'M'<<24
	AskFlsh AskTag = 'F' | 'L'<<8 | 'S'<<16 | 'H'<<24
)

// AccessMode is the set of access bits carried by an ACCS query.
type AccessMode uint32

const (
	AccessRead AccessMode = 1 << iota
	AccessWrite
	AccessExec
	AccessExists
)

// AccessResult is the verdict carried by ACCS and STAT answers.
type AccessResult uint32

const (
	// AccessPass means the responder does not handle the path and the
	// querier should fall back to its own filesystem.
	AccessPass AccessResult = iota
	AccessOK
	AccessENOENT
	AccessEACCES
)

func (r AccessResult) String() string {
	switch r {
	case AccessPass:
		return "ACCS_PASS"
	case AccessOK:
		return "ACCS_OK"
	case AccessENOENT:
		return "ACCS_ENOENT"
	case AccessEACCES:
		return "ACCS_EACCES"
	default:
		return fmt.Sprintf("AccessResult(%d)", uint32(r))
	}
}

// WritStdout is the fid a WRIT query uses to address the engine's standard
// output instead of an opened file.
const WritStdout = ^uint32(0)

// Timespec is one of the three timestamps of a StatRecord.
type Timespec struct {
	Sec  uint32
	Nsec uint32
}

// StatRecord mirrors the fixed-layout file status record transmitted in a
// successful STAT answer. Field order is wire order.
type StatRecord struct {
	Dev     uint32
	Ino     uint32
	Mode    uint32
	Nlink   uint32
	UID     uint32
	GID     uint32
	Rdev    uint32
	Size    uint32
	Blksize uint32
	Blocks  uint32
	Atime   Timespec
	Ctime   Timespec
	Mtime   Timespec
}

// Query is a request frame: the relative timestamp every query carries,
// plus the variant payload.
type Query struct {
	// Time is the sender's relative timestamp, in milliseconds.
	Time uint32
	Body QueryBody
}

func (q Query) String() string {
	return fmt.Sprintf("%04dms: %s", q.Time, q.Body)
}

// QueryBody is implemented by all query variants.
type QueryBody interface {
	Tag() QueryTag
	fmt.Stringer
	queryBody()
}

// Answer is implemented by all answer variants.
type Answer interface {
	Tag() AnswerTag
	fmt.Stringer
	answerBody()
}

// Ask is implemented by all ask variants.
type Ask interface {
	Tag() AskTag
	fmt.Stringer
	askBody()
}

// QOpen asks the responder to open a file under a fresh fid. Mode is a
// stdio-style mode string; a '?' after the initial letter makes the open
// optional (the responder answers PASS instead of failing).
type QOpen struct {
	Fid  uint32
	Path string
	Mode string
}

// QRead asks for Size bytes at offset Pos of the file opened as Fid.
type QRead struct {
	Fid  uint32
	Pos  uint32
	Size uint32
}

// QWrit writes bytes at offset Pos of the file opened as Fid, or appends
// to standard output when Fid is WritStdout.
//
// On decode, Data aliases the channel's scratch buffer and is only valid
// until the next call on the channel.
type QWrit struct {
	Fid  uint32
	Pos  uint32
	Data []byte
}

// QClos releases a fid.
type QClos struct {
	Fid uint32
}

// QSize asks for the current size of the file opened as Fid.
type QSize struct {
	Fid uint32
}

// QSeen tells the responder the querier consumed the file contents up to
// Pos.
type QSeen struct {
	Fid uint32
	Pos uint32
}

// QChld announces a forked child process.
type QChld struct {
	Pid uint32
}

// QBack reports that control returned from child Cid to process Pid with
// the given exit code.
type QBack struct {
	Pid      uint32
	Cid      uint32
	Exitcode uint32
}

// QAccs checks whether Path is accessible with the given mode bits.
type QAccs struct {
	Path  string
	Flags AccessMode
}

// QStat asks for the status of Path.
type QStat struct {
	Path string
}

// QGpic queries the picture cache for the bounds of page Page of Path,
// rendered as Type.
type QGpic struct {
	Path string
	Type uint32
	Page uint32
}

// QSpic stores picture bounds in the picture cache.
type QSpic struct {
	Path   string
	Type   uint32
	Page   uint32
	Bounds [4]float32
}

func (QOpen) Tag() QueryTag { return QueryOpen }
func (QRead) Tag() QueryTag { return QueryRead }
func (QWrit) Tag() QueryTag { return QueryWrit }
func (QClos) Tag() QueryTag { return QueryClos }
func (QSize) Tag() QueryTag { return QuerySize }
func (QSeen) Tag() QueryTag { return QuerySeen }
func (QChld) Tag() QueryTag { return QueryChld }
func (QBack) Tag() QueryTag { return QueryBack }
func (QAccs) Tag() QueryTag { return QueryAccs }
func (QStat) Tag() QueryTag { return QueryStat }
func (QGpic) Tag() QueryTag { return QueryGpic }
func (QSpic) Tag() QueryTag { return QuerySpic }

func (QOpen) queryBody() {}
func (QRead) queryBody() {}
func (QWrit) queryBody() {}
func (QClos) queryBody() {}
func (QSize) queryBody() {}
func (QSeen) queryBody() {}
func (QChld) queryBody() {}
func (QBack) queryBody() {}
func (QAccs) queryBody() {}
func (QStat) queryBody() {}
func (QGpic) queryBody() {}
func (QSpic) queryBody() {}

func (q QOpen) String() string {
	return fmt.Sprintf("open(%d, %q, %q)", q.Fid, q.Path, q.Mode)
}
func (q QRead) String() string {
	return fmt.Sprintf("read(%d, %d, %d)", q.Fid, q.Pos, q.Size)
}
func (q QWrit) String() string {
	return fmt.Sprintf("write(%d, %d, %d)", q.Fid, q.Pos, len(q.Data))
}
func (q QClos) String() string { return fmt.Sprintf("close(%d)", q.Fid) }
func (q QSize) String() string { return fmt.Sprintf("size(%d)", q.Fid) }
func (q QSeen) String() string {
	return fmt.Sprintf("seen(%d, %d)", q.Fid, q.Pos)
}
func (q QChld) String() string { return fmt.Sprintf("child(%d)", q.Pid) }
func (q QBack) String() string {
	return fmt.Sprintf("back(%d, %d, %d)", q.Pid, q.Cid, q.Exitcode)
}
func (q QAccs) String() string {
	return fmt.Sprintf("access(%q, %d)", q.Path, q.Flags)
}
func (q QStat) String() string { return fmt.Sprintf("stat(%q)", q.Path) }
func (q QGpic) String() string {
	return fmt.Sprintf("gpic(%q, %d, %d)", q.Path, q.Type, q.Page)
}
func (q QSpic) String() string {
	return fmt.Sprintf("spic(%q, %d, %d, %.02f, %.02f, %.02f, %.02f)",
		q.Path, q.Type, q.Page,
		q.Bounds[0], q.Bounds[1], q.Bounds[2], q.Bounds[3])
}

// ADone acknowledges a query with no result data.
type ADone struct{}

// APass tells the querier the responder does not handle the request and it
// should fall back to its own implementation.
type APass struct{}

// AFork instructs the querier to fork at the current read position.
type AFork struct{}

// ARead carries the bytes produced by a READ query.
//
// On decode, Data aliases the channel's scratch buffer and is only valid
// until the next call on the channel. On encode, Data is typically a slice
// returned by Channel.WriteBuffer.
type ARead struct {
	Data []byte
}

// AAccs carries the verdict of an ACCS query.
type AAccs struct {
	Flag AccessResult
}

// AStat carries the verdict of a STAT query, and the file status record
// when the verdict is AccessOK. The record is not transmitted at all
// otherwise.
type AStat struct {
	Flag AccessResult
	Stat StatRecord
}

// ASize carries the result of a SIZE query.
type ASize struct {
	Size uint32
}

// AOpen confirms an OPEN query, echoing the path the responder resolved
// the file to. The same scratch aliasing rules as ARead apply to Data.
type AOpen struct {
	Data []byte
}

// AGpic carries the cached picture bounds answering a GPIC query.
type AGpic struct {
	Bounds [4]float32
}

func (ADone) Tag() AnswerTag { return AnswerDone }
func (APass) Tag() AnswerTag { return AnswerPass }
func (AFork) Tag() AnswerTag { return AnswerFork }
func (ARead) Tag() AnswerTag { return AnswerRead }
func (AAccs) Tag() AnswerTag { return AnswerAccs }
func (AStat) Tag() AnswerTag { return AnswerStat }
func (ASize) Tag() AnswerTag { return AnswerSize }
func (AOpen) Tag() AnswerTag { return AnswerOpen }
func (AGpic) Tag() AnswerTag { return AnswerGpic }

func (ADone) answerBody() {}
func (APass) answerBody() {}
func (AFork) answerBody() {}
func (ARead) answerBody() {}
func (AAccs) answerBody() {}
func (AStat) answerBody() {}
func (ASize) answerBody() {}
func (AOpen) answerBody() {}
func (AGpic) answerBody() {}

func (ADone) String() string   { return "DONE" }
func (APass) String() string   { return "PASS" }
func (AFork) String() string   { return "FORK" }
func (a ARead) String() string { return fmt.Sprintf("READ %d", len(a.Data)) }
func (a AAccs) String() string { return fmt.Sprintf("ACCS %s", a.Flag) }
func (a AStat) String() string { return fmt.Sprintf("STAT %s", a.Flag) }
func (a ASize) String() string { return fmt.Sprintf("SIZE %d", a.Size) }
func (a AOpen) String() string { return fmt.Sprintf("OPEN %d", len(a.Data)) }
func (a AGpic) String() string {
	return fmt.Sprintf("GPIC %.02f, %.02f, %.02f, %.02f",
		a.Bounds[0], a.Bounds[1], a.Bounds[2], a.Bounds[3])
}

// CTerm requests termination of the process identified by Pid.
type CTerm struct {
	Pid uint32
}

// CFlsh requests the peer to flush any buffered output.
type CFlsh struct{}

func (CTerm) Tag() AskTag { return AskTerm }
func (CFlsh) Tag() AskTag { return AskFlsh }

func (CTerm) askBody() {}
func (CFlsh) askBody() {}

func (a CTerm) String() string { return fmt.Sprintf("TERM %d", a.Pid) }
func (CFlsh) String() string   { return "FLSH" }

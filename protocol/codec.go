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
	"encoding/hex"
	"fmt"

	"github.com/golang/glog"
)

// ReadQuery decodes the next query frame. When the stream has no data
// staged and none immediately available it returns ErrNoQuery; callers
// poll with HasPending first to avoid blocking here. A partial frame
// blocks until completion instead.
func (c *Channel) ReadQuery() (Query, error) {
	if c.err != nil {
		return Query{}, c.err
	}

	tag, ok := c.tryReadU32()
	if !ok {
		if c.err != nil {
			return Query{}, c.err
		}
		return Query{}, ErrNoQuery
	}

	q := Query{Time: c.readU32()}
	pos := 0
	switch QueryTag(tag) {
	case QueryOpen:
		fid := c.readU32()
		path := c.readZString(&pos)
		mode := c.readZString(&pos)
		q.Body = QOpen{Fid: fid, Path: path, Mode: mode}
	case QueryRead:
		q.Body = QRead{Fid: c.readU32(), Pos: c.readU32(), Size: c.readU32()}
	case QueryWrit:
		fid := c.readU32()
		wpos := c.readU32()
		size := c.readU32()
		// The payload always lands at scratch offset 0: WRIT is the only
		// variant combining a blob with no preceding strings.
		c.readBytes(0, int(size))
		if c.err != nil {
			return Query{}, c.err
		}
		q.Body = QWrit{Fid: fid, Pos: wpos, Data: c.scratch[:size]}
	case QueryClos:
		q.Body = QClos{Fid: c.readU32()}
	case QuerySize:
		q.Body = QSize{Fid: c.readU32()}
	case QuerySeen:
		q.Body = QSeen{Fid: c.readU32(), Pos: c.readU32()}
	case QueryChld:
		q.Body = QChld{Pid: c.readU32()}
	case QueryBack:
		q.Body = QBack{Pid: c.readU32(), Cid: c.readU32(), Exitcode: c.readU32()}
	case QueryAccs:
		path := c.readZString(&pos)
		q.Body = QAccs{Path: path, Flags: AccessMode(c.readU32())}
	case QueryStat:
		q.Body = QStat{Path: c.readZString(&pos)}
	case QueryGpic:
		path := c.readZString(&pos)
		q.Body = QGpic{Path: path, Type: c.readU32(), Page: c.readU32()}
	case QuerySpic:
		body := QSpic{Path: c.readZString(&pos)}
		body.Type = c.readU32()
		body.Page = c.readU32()
		for i := range body.Bounds {
			body.Bounds[i] = c.readF32()
		}
		q.Body = body
	default:
		return Query{}, c.fail(fmt.Errorf("%w: unknown query tag %#08x", ErrProtocol, tag))
	}
	if c.err != nil {
		return Query{}, c.err
	}

	if glog.V(1) {
		glog.Infof("[channel] %s", q)
	}
	return q, nil
}

// WriteQuery encodes a query frame into the output staging buffer. The
// caller flushes when the exchange requires it.
func (c *Channel) WriteQuery(q Query) error {
	if c.err != nil {
		return c.err
	}
	c.writeU32(uint32(q.Body.Tag()))
	c.writeU32(q.Time)
	switch b := q.Body.(type) {
	case QOpen:
		c.writeU32(b.Fid)
		c.writeZString(b.Path)
		c.writeZString(b.Mode)
	case QRead:
		c.writeU32(b.Fid)
		c.writeU32(b.Pos)
		c.writeU32(b.Size)
	case QWrit:
		c.writeU32(b.Fid)
		c.writeU32(b.Pos)
		c.writeU32(uint32(len(b.Data)))
		c.writeBytes(b.Data)
	case QClos:
		c.writeU32(b.Fid)
	case QSize:
		c.writeU32(b.Fid)
	case QSeen:
		c.writeU32(b.Fid)
		c.writeU32(b.Pos)
	case QChld:
		c.writeU32(b.Pid)
	case QBack:
		c.writeU32(b.Pid)
		c.writeU32(b.Cid)
		c.writeU32(b.Exitcode)
	case QAccs:
		c.writeZString(b.Path)
		c.writeU32(uint32(b.Flags))
	case QStat:
		c.writeZString(b.Path)
	case QGpic:
		c.writeZString(b.Path)
		c.writeU32(b.Type)
		c.writeU32(b.Page)
	case QSpic:
		c.writeZString(b.Path)
		c.writeU32(b.Type)
		c.writeU32(b.Page)
		for _, f := range b.Bounds {
			c.writeF32(f)
		}
	default:
		return c.fail(fmt.Errorf("%w: unknown query variant %T", ErrProtocol, q.Body))
	}
	return c.err
}

// ReadAnswer decodes the next answer frame, blocking until complete.
func (c *Channel) ReadAnswer() (Answer, error) {
	if c.err != nil {
		return nil, c.err
	}
	tag := c.readU32()
	if c.err != nil {
		return nil, c.err
	}

	var a Answer
	switch AnswerTag(tag) {
	case AnswerDone:
		a = ADone{}
	case AnswerPass:
		a = APass{}
	case AnswerFork:
		a = AFork{}
	case AnswerRead:
		size := c.readU32()
		c.readBytes(0, int(size))
		if c.err != nil {
			return nil, c.err
		}
		a = ARead{Data: c.scratch[:size]}
	case AnswerAccs:
		a = AAccs{Flag: AccessResult(c.readU32())}
	case AnswerStat:
		body := AStat{Flag: AccessResult(c.readU32())}
		if body.Flag == AccessOK {
			body.Stat = c.readStatRecord()
		}
		a = body
	case AnswerSize:
		a = ASize{Size: c.readU32()}
	case AnswerOpen:
		size := c.readU32()
		c.readBytes(0, int(size))
		if c.err != nil {
			return nil, c.err
		}
		a = AOpen{Data: c.scratch[:size]}
	case AnswerGpic:
		var body AGpic
		for i := range body.Bounds {
			body.Bounds[i] = c.readF32()
		}
		a = body
	default:
		return nil, c.fail(fmt.Errorf("%w: unknown answer tag %#08x", ErrProtocol, tag))
	}
	if c.err != nil {
		return nil, c.err
	}
	return a, nil
}

// WriteAnswer encodes an answer frame into the output staging buffer.
// ARead and AOpen payloads are typically staged in the scratch buffer via
// WriteBuffer before this call.
func (c *Channel) WriteAnswer(a Answer) error {
	if c.err != nil {
		return c.err
	}
	if glog.V(1) {
		glog.Infof("[channel] -> %s", a)
	}
	c.writeU32(uint32(a.Tag()))
	switch b := a.(type) {
	case ADone, APass, AFork:
	case ARead:
		if glog.V(2) {
			glog.Infof("[channel]\n%s", hex.Dump(b.Data))
		}
		c.writeU32(uint32(len(b.Data)))
		c.writeBytes(b.Data)
	case AAccs:
		c.writeU32(uint32(b.Flag))
	case AStat:
		c.writeU32(uint32(b.Flag))
		if b.Flag == AccessOK {
			c.writeStatRecord(b.Stat)
		}
	case ASize:
		c.writeU32(b.Size)
	case AOpen:
		c.writeU32(uint32(len(b.Data)))
		c.writeBytes(b.Data)
	case AGpic:
		for _, f := range b.Bounds {
			c.writeF32(f)
		}
	default:
		return c.fail(fmt.Errorf("%w: unknown answer variant %T", ErrProtocol, a))
	}
	return c.err
}

// ReadAsk decodes the next out-of-band control frame.
func (c *Channel) ReadAsk() (Ask, error) {
	if c.err != nil {
		return nil, c.err
	}
	tag := c.readU32()
	if c.err != nil {
		return nil, c.err
	}

	var a Ask
	switch AskTag(tag) {
	case AskTerm:
		a = CTerm{Pid: c.readU32()}
	case AskFlsh:
		a = CFlsh{}
	default:
		return nil, c.fail(fmt.Errorf("%w: unknown ask tag %#08x", ErrProtocol, tag))
	}
	if c.err != nil {
		return nil, c.err
	}
	return a, nil
}

// WriteAsk encodes an out-of-band control frame.
func (c *Channel) WriteAsk(a Ask) error {
	if c.err != nil {
		return c.err
	}
	if glog.V(1) {
		glog.Infof("[channel] -> %s", a)
	}
	c.writeU32(uint32(a.Tag()))
	switch b := a.(type) {
	case CTerm:
		c.writeU32(b.Pid)
	case CFlsh:
	default:
		return c.fail(fmt.Errorf("%w: unknown ask variant %T", ErrProtocol, a))
	}
	return c.err
}

func (c *Channel) readTimespec() Timespec {
	return Timespec{Sec: c.readU32(), Nsec: c.readU32()}
}

func (c *Channel) writeTimespec(tm Timespec) {
	c.writeU32(tm.Sec)
	c.writeU32(tm.Nsec)
}

// Wire order of the three timestamps is atime, ctime, mtime.
func (c *Channel) readStatRecord() StatRecord {
	return StatRecord{
		Dev:     c.readU32(),
		Ino:     c.readU32(),
		Mode:    c.readU32(),
		Nlink:   c.readU32(),
		UID:     c.readU32(),
		GID:     c.readU32(),
		Rdev:    c.readU32(),
		Size:    c.readU32(),
		Blksize: c.readU32(),
		Blocks:  c.readU32(),
		Atime:   c.readTimespec(),
		Ctime:   c.readTimespec(),
		Mtime:   c.readTimespec(),
	}
}

func (c *Channel) writeStatRecord(st StatRecord) {
	c.writeU32(st.Dev)
	c.writeU32(st.Ino)
	c.writeU32(st.Mode)
	c.writeU32(st.Nlink)
	c.writeU32(st.UID)
	c.writeU32(st.GID)
	c.writeU32(st.Rdev)
	c.writeU32(st.Size)
	c.writeU32(st.Blksize)
	c.writeU32(st.Blocks)
	c.writeTimespec(st.Atime)
	c.writeTimespec(st.Ctime)
	c.writeTimespec(st.Mtime)
}

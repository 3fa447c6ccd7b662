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

package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/haselwarter/texpresso/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// session is the per-connection state the query handlers operate on. It is
// owned by the session goroutine; only the shared proxy state behind it is
// synchronized.
type session struct {
	proxy   *proxy
	channel *protocol.Channel
	conn    net.Conn
	log     *logrus.Entry

	// files maps the fids the peer opened to their backing files.
	files map[uint32]*sessionFile

	// children holds the pids this session announced and that have not
	// reported back, so termination asks go to the right peer.
	children map[uint32]struct{}

	// stdout receives WRIT payloads addressed to protocol.WritStdout.
	stdout io.Writer

	// quit is closed by terminate; the serve loop checks it once its poll
	// wakes up.
	quit     chan struct{}
	quitOnce sync.Once
}

type sessionFile struct {
	file *os.File
	path string

	// seen is the furthest position the peer reported consuming.
	seen uint32
}

func newSession(proxy *proxy, channel *protocol.Channel, conn net.Conn, log *logrus.Entry) *session {
	return &session{
		proxy:    proxy,
		channel:  channel,
		conn:     conn,
		log:      log,
		files:    make(map[uint32]*sessionFile),
		children: make(map[uint32]struct{}),
		stdout:   os.Stdout,
		quit:     make(chan struct{}),
	}
}

// Close releases every file the peer left open.
func (session *session) Close() {
	for fid, f := range session.files {
		session.log.WithFields(logrus.Fields{
			"fid":  fid,
			"path": f.path,
			"seen": f.seen,
		}).Debug("file left open by peer")
		f.file.Close()
		delete(session.files, fid)
	}
}

// terminate winds the session down from outside its goroutine. It shuts
// down the read side of the connection only, so the serve loop wakes from
// its poll and still gets to send the termination asks before the stream
// goes away for good.
func (session *session) terminate() {
	session.quitOnce.Do(func() {
		close(session.quit)
		type readCloser interface {
			CloseRead() error
		}
		if rc, ok := session.conn.(readCloser); ok {
			rc.CloseRead()
			return
		}
		session.conn.Close()
	})
}

// terminating reports whether terminate was called on this session.
func (session *session) terminating() bool {
	select {
	case <-session.quit:
		return true
	default:
		return false
	}
}

// askTermination is the last exchange of a session ended by the proxy: the
// peer is asked to flush its buffered output, then to terminate the
// children it announced that never reported back.
func (session *session) askTermination() {
	if session.channel.WriteAsk(protocol.CFlsh{}) != nil {
		return
	}
	for pid := range session.children {
		if _, exited := session.proxy.children.Exitcode(pid); exited {
			continue
		}
		session.log.WithField("pid", pid).Info("asking peer to terminate child")
		if session.channel.WriteAsk(protocol.CTerm{Pid: pid}) != nil {
			return
		}
	}
	if err := session.channel.Flush(); err != nil {
		session.log.WithError(err).Debug("couldn't send termination asks")
	}
}

// resolvePath confines relative paths to the configured root directory.
// Absolute paths are used as the peer sent them.
func (session *session) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(session.proxy.cfg.RootDir, path)
}

func (session *session) lookupFid(fid uint32) (*sessionFile, error) {
	f := session.files[fid]
	if f == nil {
		return nil, fmt.Errorf("unknown fid %d", fid)
	}
	return f, nil
}

// openFile handles OPEN. The mode string is stdio-like: the first letter
// selects reading or writing, a following '?' makes the open optional, in
// which case a missing file answers PASS instead of failing the session.
// A successful open echoes the resolved path back.
func openFile(session *session, body protocol.QueryBody) (protocol.Answer, error) {
	q := body.(protocol.QOpen)

	if session.files[q.Fid] != nil {
		return nil, fmt.Errorf("fid %d already open", q.Fid)
	}
	if q.Mode == "" {
		return nil, fmt.Errorf("empty open mode for %q", q.Path)
	}

	path := session.resolvePath(q.Path)
	optional := len(q.Mode) > 1 && q.Mode[1] == '?'

	var file *os.File
	var err error
	switch q.Mode[0] {
	case 'r':
		file, err = os.Open(path)
	case 'w':
		file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	case 'a':
		// WRIT carries explicit offsets, so append mode only means "do not
		// truncate"; O_APPEND would fight the positioned writes.
		file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	default:
		return nil, fmt.Errorf("unsupported open mode %q", q.Mode)
	}
	if err != nil {
		if optional {
			return protocol.APass{}, nil
		}
		return nil, err
	}

	session.files[q.Fid] = &sessionFile{file: file, path: path}
	session.log.WithFields(logrus.Fields{
		"fid":  q.Fid,
		"path": path,
	}).Debug("opened")

	buf, err := session.channel.WriteBuffer(len(path))
	if err != nil {
		return nil, err
	}
	copy(buf, path)
	return protocol.AOpen{Data: buf}, nil
}

// readFile handles READ, clamping at end of file. Reading at or past the
// end yields an empty READ answer.
func readFile(session *session, body protocol.QueryBody) (protocol.Answer, error) {
	q := body.(protocol.QRead)

	f, err := session.lookupFid(q.Fid)
	if err != nil {
		return nil, err
	}

	buf, err := session.channel.WriteBuffer(int(q.Size))
	if err != nil {
		return nil, err
	}
	n, err := f.file.ReadAt(buf, int64(q.Pos))
	if err != nil && err != io.EOF {
		return nil, err
	}
	return protocol.ARead{Data: buf[:n]}, nil
}

func writeFile(session *session, body protocol.QueryBody) (protocol.Answer, error) {
	q := body.(protocol.QWrit)

	if q.Fid == protocol.WritStdout {
		if _, err := session.stdout.Write(q.Data); err != nil {
			return nil, err
		}
		return protocol.ADone{}, nil
	}

	f, err := session.lookupFid(q.Fid)
	if err != nil {
		return nil, err
	}
	if _, err := f.file.WriteAt(q.Data, int64(q.Pos)); err != nil {
		return nil, err
	}
	return protocol.ADone{}, nil
}

func closeFile(session *session, body protocol.QueryBody) (protocol.Answer, error) {
	q := body.(protocol.QClos)

	f, err := session.lookupFid(q.Fid)
	if err != nil {
		return nil, err
	}
	delete(session.files, q.Fid)
	if err := f.file.Close(); err != nil {
		return nil, err
	}
	return protocol.ADone{}, nil
}

func sizeFile(session *session, body protocol.QueryBody) (protocol.Answer, error) {
	q := body.(protocol.QSize)

	f, err := session.lookupFid(q.Fid)
	if err != nil {
		return nil, err
	}
	info, err := f.file.Stat()
	if err != nil {
		return nil, err
	}
	return protocol.ASize{Size: uint32(info.Size())}, nil
}

func seenFile(session *session, body protocol.QueryBody) (protocol.Answer, error) {
	q := body.(protocol.QSeen)

	f, err := session.lookupFid(q.Fid)
	if err != nil {
		return nil, err
	}
	if q.Pos > f.seen {
		f.seen = q.Pos
	}
	return protocol.ADone{}, nil
}

func childSpawned(session *session, body protocol.QueryBody) (protocol.Answer, error) {
	q := body.(protocol.QChld)

	session.proxy.children.Announce(q.Pid)
	session.children[q.Pid] = struct{}{}
	session.log.WithField("pid", q.Pid).Debug("child spawned")
	return protocol.ADone{}, nil
}

func childReturned(session *session, body protocol.QueryBody) (protocol.Answer, error) {
	q := body.(protocol.QBack)

	session.proxy.children.Completed(q.Pid, q.Cid, q.Exitcode)
	delete(session.children, q.Cid)
	session.log.WithFields(logrus.Fields{
		"pid":      q.Pid,
		"cid":      q.Cid,
		"exitcode": q.Exitcode,
	}).Debug("child returned")
	return protocol.ADone{}, nil
}

// accessVerdict maps an access(2)-style error to the wire verdict.
func accessVerdict(err error) protocol.AccessResult {
	switch {
	case err == nil:
		return protocol.AccessOK
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENOENT):
		return protocol.AccessENOENT
	default:
		return protocol.AccessEACCES
	}
}

func accessPath(session *session, body protocol.QueryBody) (protocol.Answer, error) {
	q := body.(protocol.QAccs)

	var mode uint32 = unix.F_OK
	if q.Flags&protocol.AccessRead != 0 {
		mode |= unix.R_OK
	}
	if q.Flags&protocol.AccessWrite != 0 {
		mode |= unix.W_OK
	}
	if q.Flags&protocol.AccessExec != 0 {
		mode |= unix.X_OK
	}

	err := unix.Access(session.resolvePath(q.Path), mode)
	return protocol.AAccs{Flag: accessVerdict(err)}, nil
}

func statPath(session *session, body protocol.QueryBody) (protocol.Answer, error) {
	q := body.(protocol.QStat)

	var st unix.Stat_t
	err := unix.Stat(session.resolvePath(q.Path), &st)
	flag := accessVerdict(err)
	if flag != protocol.AccessOK {
		return protocol.AStat{Flag: flag}, nil
	}

	return protocol.AStat{
		Flag: protocol.AccessOK,
		Stat: protocol.StatRecord{
			Dev:     uint32(st.Dev),
			Ino:     uint32(st.Ino),
			Mode:    uint32(st.Mode),
			Nlink:   uint32(st.Nlink),
			UID:     st.Uid,
			GID:     st.Gid,
			Rdev:    uint32(st.Rdev),
			Size:    uint32(st.Size),
			Blksize: uint32(st.Blksize),
			Blocks:  uint32(st.Blocks),
			Atime: protocol.Timespec{
				Sec:  uint32(st.Atim.Sec),
				Nsec: uint32(st.Atim.Nsec),
			},
			Ctime: protocol.Timespec{
				Sec:  uint32(st.Ctim.Sec),
				Nsec: uint32(st.Ctim.Nsec),
			},
			Mtime: protocol.Timespec{
				Sec:  uint32(st.Mtim.Sec),
				Nsec: uint32(st.Mtim.Nsec),
			},
		},
	}, nil
}

// getPicture answers GPIC from the picture cache; a miss is PASS, telling
// the peer to render and store the bounds itself.
func getPicture(session *session, body protocol.QueryBody) (protocol.Answer, error) {
	q := body.(protocol.QGpic)

	bounds, ok := session.proxy.cache.lookup(q.Path, q.Type, q.Page)
	if !ok {
		return protocol.APass{}, nil
	}
	return protocol.AGpic{Bounds: bounds}, nil
}

func setPicture(session *session, body protocol.QueryBody) (protocol.Answer, error) {
	q := body.(protocol.QSpic)

	session.proxy.cache.store(q.Path, q.Type, q.Page, q.Bounds)
	return protocol.ADone{}, nil
}

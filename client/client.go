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

// Package client provides the initiator side of the TeXpresso channel
// protocol with a convenient high level API: one method per query, taking
// care of timestamps, flushing and answer decoding.
package client

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/haselwarter/texpresso/protocol"
)

// ErrPass is returned when the responder does not handle a request and the
// caller should fall back to its own filesystem.
var ErrPass = errors.New("client: request passed back")

// ErrFork is returned by Read when the responder asks the caller to fork
// at the current read position.
var ErrFork = errors.New("client: fork requested")

// The Client struct can be used to issue protocol queries with a
// convenient high level API.
type Client struct {
	channel *protocol.Channel
	started time.Time
}

// NewClient creates a new client communicating over conn. The client owns
// conn; call Close once finished with it. Timestamps attached to queries
// are relative to this call.
func NewClient(conn io.ReadWriteCloser) *Client {
	return &Client{
		channel: protocol.NewChannel(conn),
		started: time.Now(),
	}
}

// Close the client, closing the underlying stream.
func (client *Client) Close() error {
	return client.channel.Close()
}

// Handshake performs the initiator side of the protocol handshake. It must
// be called once, before any query.
func (client *Client) Handshake() error {
	ok, err := client.channel.HandshakeInitiator()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("client: protocol version mismatch")
	}
	return nil
}

func (client *Client) now() uint32 {
	return uint32(time.Since(client.started) / time.Millisecond)
}

func (client *Client) roundTrip(body protocol.QueryBody) (protocol.Answer, error) {
	q := protocol.Query{Time: client.now(), Body: body}
	if err := client.channel.WriteQuery(q); err != nil {
		return nil, err
	}
	if err := client.channel.Flush(); err != nil {
		return nil, err
	}
	return client.channel.ReadAnswer()
}

func unexpectedAnswer(q protocol.QueryBody, a protocol.Answer) error {
	return fmt.Errorf("client: unexpected answer %s to %s", a, q)
}

func (client *Client) expectDone(q protocol.QueryBody) error {
	a, err := client.roundTrip(q)
	if err != nil {
		return err
	}
	if _, ok := a.(protocol.ADone); !ok {
		return unexpectedAnswer(q, a)
	}
	return nil
}

// Open asks the responder to open path under fid with the given mode
// string. It returns the path the responder resolved the file to, or
// ErrPass when an optional open was declined.
func (client *Client) Open(fid uint32, path, mode string) (string, error) {
	q := protocol.QOpen{Fid: fid, Path: path, Mode: mode}
	a, err := client.roundTrip(q)
	if err != nil {
		return "", err
	}
	switch a := a.(type) {
	case protocol.AOpen:
		// The blob aliases the channel scratch buffer; converting to a
		// string copies it out before the next call invalidates it.
		return string(a.Data), nil
	case protocol.APass:
		return "", ErrPass
	default:
		return "", unexpectedAnswer(q, a)
	}
}

// Read returns up to size bytes at offset pos of the file opened as fid.
// The result is an owned copy. At a fork point it returns ErrFork.
func (client *Client) Read(fid, pos, size uint32) ([]byte, error) {
	q := protocol.QRead{Fid: fid, Pos: pos, Size: size}
	a, err := client.roundTrip(q)
	if err != nil {
		return nil, err
	}
	switch a := a.(type) {
	case protocol.ARead:
		return append([]byte{}, a.Data...), nil
	case protocol.AFork:
		return nil, ErrFork
	default:
		return nil, unexpectedAnswer(q, a)
	}
}

// Write sends data to be written at offset pos of the file opened as fid.
// Use protocol.WritStdout as fid to append to the responder's notion of
// standard output.
func (client *Client) Write(fid, pos uint32, data []byte) error {
	return client.expectDone(protocol.QWrit{Fid: fid, Pos: pos, Data: data})
}

// CloseFile releases fid on the responder.
func (client *Client) CloseFile(fid uint32) error {
	return client.expectDone(protocol.QClos{Fid: fid})
}

// Size returns the current size of the file opened as fid.
func (client *Client) Size(fid uint32) (uint32, error) {
	q := protocol.QSize{Fid: fid}
	a, err := client.roundTrip(q)
	if err != nil {
		return 0, err
	}
	size, ok := a.(protocol.ASize)
	if !ok {
		return 0, unexpectedAnswer(q, a)
	}
	return size.Size, nil
}

// Seen tells the responder the caller consumed fid's contents up to pos.
func (client *Client) Seen(fid, pos uint32) error {
	return client.expectDone(protocol.QSeen{Fid: fid, Pos: pos})
}

// Child announces a forked child process.
func (client *Client) Child(pid uint32) error {
	return client.expectDone(protocol.QChld{Pid: pid})
}

// Back reports that control returned from child cid to pid with the given
// exit code.
func (client *Client) Back(pid, cid, exitcode uint32) error {
	return client.expectDone(protocol.QBack{Pid: pid, Cid: cid, Exitcode: exitcode})
}

// Access checks whether path is accessible with the given mode bits.
func (client *Client) Access(path string, flags protocol.AccessMode) (protocol.AccessResult, error) {
	q := protocol.QAccs{Path: path, Flags: flags}
	a, err := client.roundTrip(q)
	if err != nil {
		return 0, err
	}
	accs, ok := a.(protocol.AAccs)
	if !ok {
		return 0, unexpectedAnswer(q, a)
	}
	return accs.Flag, nil
}

// Stat returns the status record of path. A non-OK verdict comes back as
// (flag, zero record, nil).
func (client *Client) Stat(path string) (protocol.AccessResult, protocol.StatRecord, error) {
	q := protocol.QStat{Path: path}
	a, err := client.roundTrip(q)
	if err != nil {
		return 0, protocol.StatRecord{}, err
	}
	stat, ok := a.(protocol.AStat)
	if !ok {
		return 0, protocol.StatRecord{}, unexpectedAnswer(q, a)
	}
	return stat.Flag, stat.Stat, nil
}

// Gpic queries the responder's picture cache. A cache miss is reported as
// ErrPass.
func (client *Client) Gpic(path string, typ, page uint32) ([4]float32, error) {
	q := protocol.QGpic{Path: path, Type: typ, Page: page}
	a, err := client.roundTrip(q)
	if err != nil {
		return [4]float32{}, err
	}
	switch a := a.(type) {
	case protocol.AGpic:
		return a.Bounds, nil
	case protocol.APass:
		return [4]float32{}, ErrPass
	default:
		return [4]float32{}, unexpectedAnswer(q, a)
	}
}

// Spic stores picture bounds in the responder's picture cache.
func (client *Client) Spic(path string, typ, page uint32, bounds [4]float32) error {
	return client.expectDone(protocol.QSpic{Path: path, Type: typ, Page: page, Bounds: bounds})
}

// Term sends an out-of-band termination request for pid.
func (client *Client) Term(pid uint32) error {
	if err := client.channel.WriteAsk(protocol.CTerm{Pid: pid}); err != nil {
		return err
	}
	return client.channel.Flush()
}

// FlushRequest sends an out-of-band flush request.
func (client *Client) FlushRequest() error {
	if err := client.channel.WriteAsk(protocol.CFlsh{}); err != nil {
		return err
	}
	return client.channel.Flush()
}

// ReadAsk decodes the next out-of-band control message sent by the peer.
func (client *Client) ReadAsk() (protocol.Ask, error) {
	return client.channel.ReadAsk()
}

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
	"net"
	"sync"

	"github.com/haselwarter/texpresso/protocol"
	"github.com/sirupsen/logrus"
)

// A queryHandler processes one decoded query and produces the answer to
// encode back.
type queryHandler func(session *session, body protocol.QueryBody) (protocol.Answer, error)

// dispatcher routes decoded queries to their handlers.
type dispatcher struct {
	handlers map[protocol.QueryTag]queryHandler
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		handlers: make(map[protocol.QueryTag]queryHandler),
	}
}

// Handle registers a handler for a query tag.
func (d *dispatcher) Handle(tag protocol.QueryTag, handler queryHandler) {
	d.handlers[tag] = handler
}

func defaultDispatcher() *dispatcher {
	d := newDispatcher()
	d.Handle(protocol.QueryOpen, openFile)
	d.Handle(protocol.QueryRead, readFile)
	d.Handle(protocol.QueryWrit, writeFile)
	d.Handle(protocol.QueryClos, closeFile)
	d.Handle(protocol.QuerySize, sizeFile)
	d.Handle(protocol.QuerySeen, seenFile)
	d.Handle(protocol.QueryChld, childSpawned)
	d.Handle(protocol.QueryBack, childReturned)
	d.Handle(protocol.QueryAccs, accessPath)
	d.Handle(protocol.QueryStat, statPath)
	d.Handle(protocol.QueryGpic, getPicture)
	d.Handle(protocol.QuerySpic, setPicture)
	return d
}

// proxy is the daemon state shared by all client sessions.
type proxy struct {
	sync.Mutex

	cfg proxyConfig

	cache    *picCache
	children *childTable

	// sessions tracks the live sessions so shutdown can wind them down.
	sessions map[uint64]*session

	listener net.Listener

	// Used to wait for all session goroutines on shutdown.
	wg sync.WaitGroup

	nextSessionID uint64
}

func newProxy(cfg proxyConfig) *proxy {
	return &proxy{
		cfg:      cfg,
		cache:    newPicCache(cfg.StateDir),
		children: newChildTable(),
		sessions: make(map[uint64]*session),
	}
}

func (proxy *proxy) init() error {
	restored, err := proxy.cache.restore()
	if err != nil {
		return fmt.Errorf("couldn't restore picture cache: %v", err)
	}
	if restored {
		proxyLog.WithField("entries", proxy.cache.len()).
			Info("restored picture cache")
	}

	listener, err := net.Listen("unix", proxy.cfg.SocketPath)
	if err != nil {
		return err
	}
	proxy.listener = listener

	return nil
}

// serve accepts client connections until the listener is closed.
func (proxy *proxy) serve(disp *dispatcher) {
	for {
		conn, err := proxy.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				proxyLog.WithError(err).Error("couldn't accept connection")
			}
			return
		}

		proxy.wg.Add(1)
		go func() {
			proxy.serveNewClient(disp, conn)
			proxy.wg.Done()
		}()
	}
}

func (proxy *proxy) allocSessionID() uint64 {
	proxy.Lock()
	defer proxy.Unlock()

	proxy.nextSessionID++
	return proxy.nextSessionID
}

func (proxy *proxy) addSession(id uint64, session *session) {
	proxy.Lock()
	defer proxy.Unlock()

	proxy.sessions[id] = session
}

func (proxy *proxy) removeSession(id uint64) {
	proxy.Lock()
	defer proxy.Unlock()

	delete(proxy.sessions, id)
}

// serveNewClient drives one channel: responder handshake, then the
// poll/decode/handle/encode loop, single-threaded per channel. Transport
// and protocol errors terminate the session; there is no resynchronization.
func (proxy *proxy) serveNewClient(disp *dispatcher, conn net.Conn) {
	channel := protocol.NewChannel(conn)
	defer channel.Close()

	id := proxy.allocSessionID()
	log := proxyLog.WithField("session", id)

	ok, err := channel.Handshake()
	if err != nil {
		log.WithError(err).Error("handshake failed")
		return
	}
	if !ok {
		log.Error("protocol version mismatch")
		return
	}

	session := newSession(proxy, channel, conn, log)
	defer session.Close()

	proxy.addSession(id, session)
	defer proxy.removeSession(id)

	var wd *watchdog
	if proxy.cfg.WatchdogGrace > 0 {
		wd = newWatchdog(proxy.cfg.WatchdogGrace, func() {
			log.Warn("peer unresponsive, terminating session")
			session.terminate()
		})
		wd.watch()
		defer wd.stop()
	}

	for {
		if _, err := channel.HasPending(-1); err != nil {
			log.WithError(err).Info("session ended")
			return
		}

		q, err := channel.ReadQuery()
		if err == protocol.ErrNoQuery {
			if session.terminating() {
				// Wound down by the watchdog or shutdown: the read side is
				// gone but asks still reach the peer.
				log.Info("terminating session")
				session.askTermination()
				return
			}
			// The peer closed the stream between two frames.
			log.Info("peer disconnected")
			return
		}
		if err != nil {
			log.WithError(err).Error("couldn't read query")
			return
		}
		if wd != nil {
			wd.kick()
		}

		handler := disp.handlers[q.Body.Tag()]
		if handler == nil {
			log.WithField("query", q.String()).Error("no handler for query")
			return
		}

		answer, err := handler(session, q.Body)
		if err != nil {
			log.WithError(err).WithField("query", q.String()).
				Error("couldn't handle query")
			return
		}

		if channel.WriteAnswer(answer) != nil || channel.Flush() != nil {
			log.WithError(channel.Err()).Error("couldn't write answer")
			return
		}
	}
}

// shutdown stops accepting connections, winds down the live sessions and
// persists the picture cache once they are gone.
func (proxy *proxy) shutdown() {
	if proxy.listener != nil {
		proxy.listener.Close()
	}

	proxy.Lock()
	for _, session := range proxy.sessions {
		session.terminate()
	}
	proxy.Unlock()

	proxy.wg.Wait()
	proxy.children.Close()

	if err := proxy.cache.save(); err != nil {
		proxyLog.WithError(err).Error("couldn't save picture cache")
	}
}

var proxyLog = logrus.WithField("source", "proxy")

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
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Socketpair returns both ends of a connected AF_UNIX stream socketpair as
// net.Conns. Used to hand one end to a spawned engine and keep the other.
func Socketpair() (net.Conn, net.Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, err
	}

	fileA := os.NewFile(uintptr(fds[0]), "socketpair-a")
	fileB := os.NewFile(uintptr(fds[1]), "socketpair-b")
	defer fileA.Close()
	defer fileB.Close()

	connA, err := net.FileConn(fileA)
	if err != nil {
		return nil, nil, err
	}
	connB, err := net.FileConn(fileB)
	if err != nil {
		connA.Close()
		return nil, nil, err
	}

	return connA, connB, nil
}

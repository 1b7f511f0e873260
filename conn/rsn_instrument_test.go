/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package conn

import (
	"bufio"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

// digiMock is a minimal stand-in for a DIGI's data+command sockets.
type digiMock struct {
	dataPort, cmdPort int
	sendBanner        bool
}

func startDigiMock(t *testing.T, sendBanner bool) *digiMock {
	t.Helper()
	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cmdLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		c, err := dataLn.Accept()
		if err != nil {
			return
		}
		// data socket just stays open, echoing nothing.
		_ = c
	}()

	go func() {
		c, err := cmdLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		if sendBanner {
			_, _ = c.Write([]byte(digiBanner))
		}
		r := bufio.NewReader(c)
		line, err := r.ReadString('\n')
		if err != nil || line != timestampingCmd {
			return
		}
		_, _ = c.Write([]byte(timestampingAck))
	}()

	_, dp, _ := net.SplitHostPort(dataLn.Addr().String())
	_, cp, _ := net.SplitHostPort(cmdLn.Addr().String())
	dataPort, _ := strconv.Atoi(dp)
	cmdPort, _ := strconv.Atoi(cp)

	t.Cleanup(func() {
		dataLn.Close()
		cmdLn.Close()
	})

	return &digiMock{dataPort: dataPort, cmdPort: cmdPort}
}

// TestS2RSNBannerGating exercises scenario S2 from spec §8.
func TestS2RSNBannerGating(t *testing.T) {
	d := startDigiMock(t, true)

	c := NewRSNInstrument()
	c.Configure("127.0.0.1", d.dataPort, "127.0.0.1", d.cmdPort)

	err := c.Initialize()
	require.NoError(t, err)
	require.True(t, c.Connected())
	require.True(t, c.BinaryTimestampingOn())
}

func TestS2RSNMissingBannerFailsInitialize(t *testing.T) {
	d := startDigiMock(t, false)

	c := NewRSNInstrument()
	c.Configure("127.0.0.1", d.dataPort, "127.0.0.1", d.cmdPort)

	err := c.Initialize()
	require.Error(t, err)
	require.False(t, c.Connected())
}

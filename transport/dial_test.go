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

package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facebook/coresim/wire"
)

func TestListenLimitedResolvesKernelAssignedPort(t *testing.T) {
	ln, resolved, err := ListenLimited(wire.Acceptor{Host: "127.0.0.1", Port: 0}, 1)
	require.NoError(t, err)
	defer ln.Close()
	assert.Equal(t, "127.0.0.1", resolved.Host)
	assert.NotZero(t, resolved.Port)
}

func TestListenLimitedZeroMeansUnlimited(t *testing.T) {
	ln, _, err := ListenLimited(wire.Acceptor{Host: "127.0.0.1", Port: 0}, 0)
	require.NoError(t, err)
	defer ln.Close()

	a, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer a.Close()
	b, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer b.Close()
}

func TestListenLimitedIgnoresCapForLocalAcceptor(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/sock"
	ln, resolved, err := ListenLimited(wire.Acceptor{Path: path}, 1)
	require.NoError(t, err)
	defer ln.Close()
	assert.Equal(t, path, resolved.Path)
}

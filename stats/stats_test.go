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

package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestSessionCountersSnapshot(t *testing.T) {
	c := &SessionCounters{}
	c.FramesSent.Add(3)
	c.PktsBuilt.Add(12960)
	c.EnqueueBusy.Add(1)

	snap := c.Snapshot()
	require.Equal(t, uint64(3), snap.FramesSent)
	require.Equal(t, uint64(12960), snap.PktsBuilt)
	require.Equal(t, uint64(1), snap.EnqueueBusy)
	require.Equal(t, uint64(0), snap.FramesReceived)
}

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	c.ObservePort("0000:af:00.1", PortRates{TxMbps: 2589, Oerrors: 0})
	c.ObserveSession("tx_video_0", SessionSnapshot{FramesSent: 7193})

	mf, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mf)

	// double registration fails
	_, err = NewCollector(reg)
	require.Error(t, err)
}

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

package engine

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/openmediakit/st2110/device"
	"github.com/openmediakit/st2110/lcore"
	"github.com/openmediakit/st2110/rfc4175"
	"github.com/openmediakit/st2110/session"
)

func testLcoreConfig(t *testing.T) lcore.Config {
	t.Helper()
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key")
	require.NoError(t, os.WriteFile(keyPath, nil, 0666))
	return lcore.Config{
		KeyPath:   keyPath,
		KeyProj:   os.Getpid()%250 + 1,
		LockPath:  filepath.Join(dir, "lock"),
		NumLcores: 8,
	}
}

func testConfig(t *testing.T, drv device.Driver) Config {
	return Config{
		Ports: []PortConfig{{
			Name:   "0000:af:00.1",
			Driver: drv,
			SIP:    net.IPv4(192, 168, 0, 2),
		}},
		LogLevel:      "error",
		TxSessionsMax: 2,
		RxSessionsMax: 2,
		DumpPeriod:    time.Hour, // keep the reporter quiet in tests
		Lcore:         testLcoreConfig(t),
	}
}

func testTxOps(idx int) session.TxOps {
	return session.TxOps{
		Name:    "tx_video_test",
		Idx:     idx,
		Width:   64,
		Height:  8,
		Format:  rfc4175.FormatYUV422_10Bit,
		FPS:     rfc4175.FPS_P59_94,
		DIP:     net.IPv4(239, 168, 0, 1).To4(),
		UDPPort: uint16(10000 + idx),
	}
}

func testRxOps(idx int) session.RxOps {
	return session.RxOps{
		Name:         "rx_video_test",
		Idx:          idx,
		Width:        64,
		Height:       8,
		Format:       rfc4175.FormatYUV422_10Bit,
		IP:           net.IPv4(239, 168, 0, 1).To4(),
		UDPPort:      uint16(10000 + idx),
		FramebuffCnt: 8,
	}
}

func TestEngineLifecycle(t *testing.T) {
	e, err := New(testConfig(t, device.NewLoopDriver(device.LoopConfig{})))
	require.NoError(t, err)
	require.NoError(t, e.Start())
	require.Equal(t, PacingRL, e.Pacing())
	require.NoError(t, e.Stop())
	require.NoError(t, e.Close())
}

func TestEnginePacingFallback(t *testing.T) {
	drv := device.NewLoopDriver(device.LoopConfig{TMUnsupported: true})
	e, err := New(testConfig(t, drv))
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()

	// the commit fails: the engine latches tsc and keeps going
	require.NoError(t, e.Start())
	require.Equal(t, PacingTSC, e.Pacing())

	_, err = e.CreateTxSession(0, testTxOps(0))
	require.NoError(t, err)
}

func TestEnginePacingRLExplicitFails(t *testing.T) {
	drv := device.NewLoopDriver(device.LoopConfig{TMUnsupported: true})
	cfg := testConfig(t, drv)
	cfg.Pacing = PacingRL
	e, err := New(cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()

	// explicitly requested hardware pacing does not fall back
	require.Error(t, e.Start())
}

func TestEngineLoopback(t *testing.T) {
	e, err := New(testConfig(t, device.NewLoopDriver(device.LoopConfig{})))
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()

	tx, err := e.CreateTxSession(0, testTxOps(0))
	require.NoError(t, err)
	rx, err := e.CreateRxSession(0, testRxOps(0))
	require.NoError(t, err)

	require.NoError(t, e.Start())

	const frameCnt = 5
	var produced [][]byte

	recvDone := make(chan [][]byte)
	go func() {
		var got [][]byte
		for len(got) < frameCnt {
			f, ok := rx.GetFrame()
			if !ok {
				break
			}
			got = append(got, append([]byte(nil), f.Data...))
			rx.PutFrame(f)
		}
		recvDone <- got
	}()

	for i := 0; i < frameCnt; i++ {
		slot, ok := tx.NextFreeSlot()
		require.True(t, ok)
		fb := tx.Framebuffer(slot)
		for j := range fb {
			fb[j] = byte(i*7 + j%13)
		}
		produced = append(produced, append([]byte(nil), fb...))
		tx.MarkReady(slot)
	}

	select {
	case got := <-recvDone:
		require.Len(t, got, frameCnt)
		for i := range got {
			require.Equal(t, produced[i], got[i], "frame %d differs", i)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("frames did not cross the loopback")
	}

	require.Eventually(t, func() bool {
		return tx.Counters().FramesSent.Load() == frameCnt
	}, time.Second, time.Millisecond)
	require.Equal(t, uint64(frameCnt), rx.Counters().FramesReceived.Load())

	require.NoError(t, e.FreeTxSession(tx))
	require.NoError(t, e.FreeRxSession(rx))
}

func TestEngineSessionLimits(t *testing.T) {
	cfg := testConfig(t, device.NewLoopDriver(device.LoopConfig{}))
	cfg.TxSessionsMax = 1
	e, err := New(cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()

	s, err := e.CreateTxSession(0, testTxOps(0))
	require.NoError(t, err)
	_, err = e.CreateTxSession(0, testTxOps(1))
	require.Error(t, err)

	require.NoError(t, e.FreeTxSession(s))
	_, err = e.CreateTxSession(0, testTxOps(1))
	require.NoError(t, err)
}

func TestEngineSchedulerFanOut(t *testing.T) {
	cfg := testConfig(t, device.NewLoopDriver(device.LoopConfig{}))
	cfg.DataQuotaMbsPerSch = 1 // one tiny session fills a scheduler
	e, err := New(cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()

	s1, err := e.CreateTxSession(0, testTxOps(0))
	require.NoError(t, err)
	s2, err := e.CreateTxSession(0, testTxOps(1))
	require.NoError(t, err)

	at1, at2 := e.txSessions[s1], e.txSessions[s2]
	require.NotSame(t, at1.sch, at2.sch)
	require.Equal(t, 1, at1.sch.RefCnt())
}

func TestEngineDynamicSessionAfterStart(t *testing.T) {
	e, err := New(testConfig(t, device.NewLoopDriver(device.LoopConfig{})))
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()

	require.NoError(t, e.Start())
	s, err := e.CreateTxSession(0, testTxOps(0))
	require.NoError(t, err)

	// the on-demand scheduler must be live
	require.True(t, e.txSessions[s].sch.Running())
	require.NoError(t, e.FreeTxSession(s))
}

func TestEngineResetPort(t *testing.T) {
	e, err := New(testConfig(t, device.NewLoopDriver(device.LoopConfig{})))
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()

	require.NoError(t, e.Start())
	// reset only with the engine stopped
	require.Error(t, e.ResetPort(0))
	require.NoError(t, e.Stop())
	require.NoError(t, e.ResetPort(0))
	require.NoError(t, e.Start())
}

func TestEngineMetrics(t *testing.T) {
	e, err := New(testConfig(t, device.NewLoopDriver(device.LoopConfig{})))
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()

	reg := prometheus.NewRegistry()
	require.NoError(t, e.RegisterMetrics(reg))
	e.reporter.dump()
	mf, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mf)
}

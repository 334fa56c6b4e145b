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

// st2110 is the sample sender/receiver: it wires YAML-described video
// sessions into the engine and runs producer/consumer threads the way
// a real media application would.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	yaml "gopkg.in/yaml.v2"

	"github.com/openmediakit/st2110/device"
	"github.com/openmediakit/st2110/engine"
	"github.com/openmediakit/st2110/rfc4175"
	"github.com/openmediakit/st2110/session"
)

type sessionConfig struct {
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	FPS         string `yaml:"fps"`
	Format      string `yaml:"format"`
	IP          string `yaml:"ip"`
	UDPPort     uint16 `yaml:"udp_port"`
	PayloadType uint8  `yaml:"payload_type"`
	FbCnt       int    `yaml:"fb_cnt"`
}

type appConfig struct {
	Port     string          `yaml:"port"`
	SIP      string          `yaml:"sip"`
	LogLevel string          `yaml:"log_level"`
	QuotaMbs int             `yaml:"quota_mbs"`
	Sessions []sessionConfig `yaml:"sessions"`
}

func readConfig(path string) (*appConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := &appConfig{}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(c.Sessions) == 0 {
		return nil, fmt.Errorf("%s: no sessions configured", path)
	}
	return c, nil
}

func parseFPS(s string) (rfc4175.FrameRate, error) {
	switch s {
	case "p23.98":
		return rfc4175.FPS_P23_98, nil
	case "p24":
		return rfc4175.FPS_P24, nil
	case "p25":
		return rfc4175.FPS_P25, nil
	case "p29.97":
		return rfc4175.FPS_P29_97, nil
	case "p50":
		return rfc4175.FPS_P50, nil
	case "", "p59.94":
		return rfc4175.FPS_P59_94, nil
	case "p60":
		return rfc4175.FPS_P60, nil
	}
	return rfc4175.FrameRate{}, fmt.Errorf("unknown frame rate %q", s)
}

func parseFormat(s string) (rfc4175.Format, error) {
	switch s {
	case "", "yuv_422_10bit":
		return rfc4175.FormatYUV422_10Bit, nil
	case "yuv_422_8bit":
		return rfc4175.FormatYUV422_8Bit, nil
	case "yuv_420_8bit":
		return rfc4175.FormatYUV420_8Bit, nil
	case "rgb_8bit":
		return rfc4175.FormatRGB_8Bit, nil
	}
	return 0, fmt.Errorf("unknown pixel format %q", s)
}

var (
	configPath string
	driverName string
	duration   time.Duration
)

func newEngine(cfg *appConfig) (*engine.Engine, error) {
	if driverName != "loop" {
		return nil, fmt.Errorf("unknown driver %q: the PMD binding ships separately, only the loop driver is built in", driverName)
	}
	sip := net.ParseIP(cfg.SIP)
	if sip == nil {
		return nil, fmt.Errorf("bad source IP %q", cfg.SIP)
	}
	return engine.New(engine.Config{
		Ports: []engine.PortConfig{{
			Name:   cfg.Port,
			Driver: device.NewLoopDriver(device.LoopConfig{}),
			SIP:    sip,
		}},
		LogLevel:           cfg.LogLevel,
		TxSessionsMax:      len(cfg.Sessions),
		RxSessionsMax:      len(cfg.Sessions),
		DataQuotaMbsPerSch: cfg.QuotaMbs,
	})
}

// runTxProducer is the per-session application thread: drain the ready
// slots, fill the next free one, hand it back
func runTxProducer(s *session.TxSession, stop <-chan struct{}) {
	seq := byte(0)
	for {
		select {
		case <-stop:
			return
		default:
		}
		slot, ok := s.NextFreeSlot()
		if !ok {
			return
		}
		fb := s.Framebuffer(slot)
		for i := range fb {
			fb[i] = seq
		}
		seq++
		s.MarkReady(slot)
	}
}

func runTx(cmd *cobra.Command, args []string) error {
	cfg, err := readConfig(configPath)
	if err != nil {
		return err
	}
	e, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.Errorf("engine close: %v", err)
		}
	}()

	stop := make(chan struct{})
	var g errgroup.Group
	var sessions []*session.TxSession
	for i, sc := range cfg.Sessions {
		fps, err := parseFPS(sc.FPS)
		if err != nil {
			return err
		}
		format, err := parseFormat(sc.Format)
		if err != nil {
			return err
		}
		s, err := e.CreateTxSession(0, session.TxOps{
			Name:         fmt.Sprintf("app_tx_video_%d", i),
			Idx:          i,
			Width:        sc.Width,
			Height:       sc.Height,
			Format:       format,
			FPS:          fps,
			PayloadType:  sc.PayloadType,
			DIP:          net.ParseIP(sc.IP),
			UDPPort:      sc.UDPPort,
			FramebuffCnt: sc.FbCnt,
		})
		if err != nil {
			return err
		}
		sessions = append(sessions, s)
		g.Go(func() error {
			runTxProducer(s, stop)
			return nil
		})
	}

	if err := e.Start(); err != nil {
		return err
	}
	log.Infof("transmitting %d sessions for %s", len(sessions), duration)
	time.Sleep(duration)

	close(stop)
	for _, s := range sessions {
		s.Stop()
	}
	_ = g.Wait()
	return e.Stop()
}

// runRxConsumer drains delivered frames into the rolling dump file
func runRxConsumer(s *session.RxSession, w *session.FrameWriter) {
	for {
		f, ok := s.GetFrame()
		if !ok {
			return
		}
		if err := w.WriteFrame(f.Data); err != nil {
			log.Errorf("rx %s: %v", s.Name(), err)
		}
		s.PutFrame(f)
	}
}

func runRx(cmd *cobra.Command, args []string) error {
	cfg, err := readConfig(configPath)
	if err != nil {
		return err
	}
	e, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.Errorf("engine close: %v", err)
		}
	}()

	var g errgroup.Group
	var writers []*session.FrameWriter
	var sessions []*session.RxSession
	for i, sc := range cfg.Sessions {
		format, err := parseFormat(sc.Format)
		if err != nil {
			return err
		}
		fbCnt := sc.FbCnt
		if fbCnt == 0 {
			fbCnt = 4
		}
		s, err := e.CreateRxSession(0, session.RxOps{
			Name:         fmt.Sprintf("app_rx_video_%d", i),
			Idx:          i,
			Width:        sc.Width,
			Height:       sc.Height,
			Format:       format,
			IP:           net.ParseIP(sc.IP),
			UDPPort:      sc.UDPPort,
			FramebuffCnt: fbCnt,
		})
		if err != nil {
			return err
		}
		frameSize, err := rfc4175.FrameSize(format, sc.Width, sc.Height)
		if err != nil {
			return err
		}
		w, err := session.NewFrameWriter(
			session.DumpFileName(i, sc.Width, sc.Height, cfg.Port), frameSize, fbCnt)
		if err != nil {
			return err
		}
		writers = append(writers, w)
		sessions = append(sessions, s)
		g.Go(func() error {
			runRxConsumer(s, w)
			return nil
		})
	}

	if err := e.Start(); err != nil {
		return err
	}
	log.Infof("receiving %d sessions for %s", len(cfg.Sessions), duration)
	time.Sleep(duration)

	if err := e.Stop(); err != nil {
		return err
	}
	for _, s := range sessions {
		s.Stop()
	}
	_ = g.Wait()
	for _, w := range writers {
		if err := w.Close(); err != nil {
			log.Errorf("dump close: %v", err)
		}
	}
	return nil
}

func main() {
	root := &cobra.Command{
		Use:   "st2110",
		Short: "Uncompressed video over IP sender/receiver",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "st2110.yaml", "session config file")
	root.PersistentFlags().StringVar(&driverName, "driver", "loop", "NIC driver binding")
	root.PersistentFlags().DurationVar(&duration, "duration", 120*time.Second, "run time")

	root.AddCommand(&cobra.Command{
		Use:   "tx",
		Short: "Transmit the configured sessions",
		RunE:  runTx,
	})
	root.AddCommand(&cobra.Command{
		Use:   "rx",
		Short: "Receive the configured sessions",
		RunE:  runRx,
	})

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

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
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openmediakit/st2110/device"
	"github.com/openmediakit/st2110/lcore"
)

// Flags adjust engine-wide behavior
type Flags uint32

// engine flags
const (
	// FlagBindNuma restricts lcore selection to the primary port's
	// NUMA socket
	FlagBindNuma Flags = 1 << iota
	// FlagNicRxPromiscuous puts every port in promiscuous mode
	FlagNicRxPromiscuous
	// FlagUserPTxMac uses the configured destination MAC on the
	// primary port instead of resolving it
	FlagUserPTxMac
	// FlagUserRTxMac likewise for the redundant port
	FlagUserRTxMac
	// FlagRxVideoEbu is accepted as an init flag; no RX session reads
	// it, so no EBU timing measurement is made
	FlagRxVideoEbu
)

// PacingWay selects the TX timing discipline
type PacingWay int

// pacing ways
const (
	// PacingAuto tries the NIC rate limiter and falls back to TSC
	PacingAuto PacingWay = iota
	// PacingRL shapes egress in NIC hardware
	PacingRL
	// PacingTSC spaces packets with a software busy-wait
	PacingTSC
)

func (w PacingWay) String() string {
	switch w {
	case PacingAuto:
		return "auto"
	case PacingRL:
		return "rl"
	case PacingTSC:
		return "tsc"
	default:
		return "unknown"
	}
}

// PortConfig binds one NIC port into the engine
type PortConfig struct {
	// Name is the bus address, e.g. 0000:af:00.1
	Name string
	// Driver is the poll-mode binding for this port
	Driver device.Driver
	// SIP is the port's source IP address
	SIP net.IP
	// TxDstMAC is used with FlagUserPTxMac / FlagUserRTxMac
	TxDstMAC net.HardwareAddr
}

// Config are the engine init parameters
type Config struct {
	Ports []PortConfig
	Flags Flags
	// LogLevel is one of debug, info, warning, error
	LogLevel string

	TxSessionsMax int
	RxSessionsMax int

	// DataQuotaMbsPerSch is the per-scheduler bandwidth quota,
	// sched.DefaultQuotaMbs when 0
	DataQuotaMbsPerSch int
	// DumpPeriod is the stat reporting interval, 10s when 0
	DumpPeriod time.Duration
	// StatDumpCb, when set, runs after every stat snapshot
	StatDumpCb func()

	// PtpGetTime overrides the PTP time source; the PTP slave itself
	// is an external collaborator
	PtpGetTime func() time.Time

	// Pacing is latched to RL or TSC at Start
	Pacing PacingWay

	// Lcore overrides the shared registry keying, for tests and
	// multi-tenant hosts
	Lcore lcore.Config
}

// DefaultDumpPeriod is the stat reporting interval
const DefaultDumpPeriod = 10 * time.Second

// reserved hardware queues beside the per-session ones: TX keeps one
// system queue, RX keeps slots for CNI/ARP, PTP, multicast and KNI
const (
	reservedTxQueues = 1
	reservedRxQueues = 4
)

func (c *Config) validate() error {
	if len(c.Ports) == 0 {
		return fmt.Errorf("%w: no ports configured", ErrInvalidArgument)
	}
	for i := range c.Ports {
		if c.Ports[i].Driver == nil {
			return fmt.Errorf("%w: port %d has no driver", ErrInvalidArgument, i)
		}
		if c.Ports[i].SIP.To4() == nil {
			return fmt.Errorf("%w: port %d source IP %v is not IPv4", ErrInvalidArgument, i, c.Ports[i].SIP)
		}
	}
	if c.TxSessionsMax < 0 || c.RxSessionsMax < 0 {
		return fmt.Errorf("%w: negative session limits", ErrInvalidArgument)
	}
	return nil
}

func (c *Config) applyLogLevel() {
	switch c.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "", "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Warningf("unknown log level %q, using info", c.LogLevel)
		log.SetLevel(log.InfoLevel)
	}
}

// PtpTime returns PTP time from the user source, or system time when
// none is registered
func (c *Config) PtpTime() time.Time {
	if c.PtpGetTime != nil {
		return c.PtpGetTime()
	}
	return time.Now()
}

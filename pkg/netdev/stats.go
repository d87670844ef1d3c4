/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package netdev

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

var (
	socketsInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "atsock",
		Subsystem: "netdev",
		Name:      "sockets_in_use",
		Help:      "Socket pool slots currently allocated.",
	})
	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "atsock",
		Subsystem: "netdev",
		Name:      "retries_total",
		Help:      "Attempts made under the connect/close/DNS retry policy.",
	})
	shortWritesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "atsock",
		Subsystem: "netdev",
		Name:      "short_writes_total",
		Help:      "Write commands the module accepted fewer bytes than offered.",
	})
	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "atsock",
		Subsystem: "netdev",
		Name:      "events_dropped_total",
		Help:      "Notifications naming no live socket, dropped silently.",
	})
	cleanupReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "atsock",
		Subsystem: "netdev",
		Name:      "cleanup_reclaimed_total",
		Help:      "Peer-closed slots reclaimed by Cleanup.",
	})
)

func init() {
	prometheus.MustRegister(
		socketsInUse,
		retriesTotal,
		shortWritesTotal,
		eventsDropped,
		cleanupReclaimed,
	)
}

// Diagnostics is a point-in-time snapshot logged by gateways on fault:
// pool occupancy next to the host pressure that usually explains it.
type Diagnostics struct {
	SocketsInUse int
	Capacity     int
	HexMode      bool

	HostMemUsedPercent float64
	HostLoad1          float64
}

// Diagnostics samples the pool and the host.
func (d *Device) Diagnostics() Diagnostics {
	d.mod.Lock()
	diag := Diagnostics{
		SocketsInUse: d.tab.used(),
		Capacity:     len(d.tab.slots),
		HexMode:      d.hexMode,
	}
	d.mod.Unlock()

	if vm, err := mem.VirtualMemory(); err == nil {
		diag.HostMemUsedPercent = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		diag.HostLoad1 = avg.Load1
	}
	return diag
}

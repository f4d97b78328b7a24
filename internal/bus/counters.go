// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package bus

import (
	"log/slog"
	"sync/atomic"
)

type counters struct {
	requests       atomic.Uint64
	responses      atomic.Uint64
	exceptions     atomic.Uint64
	timeouts       atomic.Uint64
	retries        atomic.Uint64
	checksumErrors atomic.Uint64
	discarded      atomic.Uint64
	dropped        atomic.Uint64
	linkErrors     atomic.Uint64
}

// Stats is a snapshot of the bus counters.
type Stats struct {
	Requests       uint64 // exchanges started on the bus
	Responses      uint64 // valid responses, exceptions included
	Exceptions     uint64 // exception responses from slaves
	Timeouts       uint64 // exchanges that failed after all retries
	Retries        uint64 // re-sent requests
	ChecksumErrors uint64
	Discarded      uint64 // bytes or frames not matching the request in flight
	Dropped        uint64 // requests cancelled before their bus turn
	LinkErrors     uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Requests:       c.requests.Load(),
		Responses:      c.responses.Load(),
		Exceptions:     c.exceptions.Load(),
		Timeouts:       c.timeouts.Load(),
		Retries:        c.retries.Load(),
		ChecksumErrors: c.checksumErrors.Load(),
		Discarded:      c.discarded.Load(),
		Dropped:        c.dropped.Load(),
		LinkErrors:     c.linkErrors.Load(),
	}
}

// LogValue implements slog.LogValuer.
func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("requests", s.Requests),
		slog.Uint64("responses", s.Responses),
		slog.Uint64("exceptions", s.Exceptions),
		slog.Uint64("timeouts", s.Timeouts),
		slog.Uint64("retries", s.Retries),
		slog.Uint64("checksumErrors", s.ChecksumErrors),
		slog.Uint64("discarded", s.Discarded),
		slog.Uint64("dropped", s.Dropped),
		slog.Uint64("linkErrors", s.LinkErrors),
	)
}

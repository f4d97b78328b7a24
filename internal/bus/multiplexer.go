// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package bus owns the serial link. RTU is half-duplex with a single
// master, so the Multiplexer queues requests from any number of callers
// and puts exactly one of them on the wire at a time, in arrival order.
package bus

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JannikBirn/modbus-gateway/internal/config"
	"github.com/JannikBirn/modbus-gateway/modbus"
	rtuframe "github.com/JannikBirn/modbus-gateway/modbus/rtu"
	"github.com/JannikBirn/modbus-gateway/transport/rtu"
)

var (
	ErrTimeout = errors.New("bus: no response from slave")
	ErrClosed  = errors.New("bus: multiplexer closed")
)

// LinkError is an I/O failure of the serial channel itself.
type LinkError struct {
	Op  string
	Err error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("bus: link %s: %v", e.Op, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// Options tune the exchange on the bus.
type Options struct {
	// Retries is the number of re-sends after the first attempt.
	Retries int
	// Timeout bounds one attempt, from the write until a complete response.
	Timeout time.Duration
	// Pause is the minimum bus idle time between two exchanges.
	Pause time.Duration
	// MaxLinkErrors consecutive I/O errors close the multiplexer for good.
	MaxLinkErrors int
	// Classifier frames passthrough responses. May be nil.
	Classifier rtuframe.Classifier
}

// OptionsFromConfig derives Options from the serial client settings.
func OptionsFromConfig(cfg config.ClientConfig, c rtuframe.Classifier) Options {
	pause := cfg.RqstPause
	if pause <= 0 {
		pause = frameDelay(cfg.Baudrate)
	}
	return Options{
		Retries:       cfg.Retries,
		Timeout:       cfg.Timeout,
		Pause:         pause,
		MaxLinkErrors: cfg.MaxLinkErrors,
		Classifier:    c,
	}
}

// frameDelay is the 3.5 character silent interval that separates RTU
// frames. Above 19200 baud the fixed 1750us applies.
func frameDelay(baudRate int) time.Duration {
	if baudRate <= 0 || baudRate > 19200 {
		return 1750 * time.Microsecond
	}
	return time.Duration(35000000/baudRate) * time.Microsecond
}

type request struct {
	ctx     context.Context
	adu     rtu.ApplicationDataUnit
	timeout time.Duration
	done    chan result
}

type result struct {
	pdu modbus.ProtocolDataUnit
	err error
}

// Multiplexer serialises access to one Channel. It is safe for concurrent use.
type Multiplexer struct {
	ch   rtu.Channel
	opts Options

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*request
	closed bool
	err    error

	stopped   chan struct{}
	closeOnce sync.Once

	// Owned by the worker goroutine.
	seq          uint64
	failures     int // consecutive link errors
	lastExchange time.Time
	dirty        bool

	busy atomic.Bool
	counters
}

// New takes ownership of ch and starts the bus worker.
func New(ch rtu.Channel, opts Options) *Multiplexer {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	if opts.MaxLinkErrors <= 0 {
		opts.MaxLinkErrors = 1
	}
	m := &Multiplexer{
		ch:      ch,
		opts:    opts,
		stopped: make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

// Execute sends pdu to unitID and waits for the response. A non-positive
// timeout uses the configured per-attempt timeout. Exception responses
// from the slave are returned as PDUs, not errors.
//
// If ctx ends while the request is queued it never reaches the bus. If it
// ends while the request is on the wire, the exchange still completes and
// its result is discarded.
func (m *Multiplexer) Execute(ctx context.Context, unitID byte, pdu modbus.ProtocolDataUnit, timeout time.Duration) (modbus.ProtocolDataUnit, error) {
	if timeout <= 0 {
		timeout = m.opts.Timeout
	}
	req := &request{
		ctx:     ctx,
		adu:     rtu.ApplicationDataUnit{SlaveID: unitID, Pdu: pdu},
		timeout: timeout,
		done:    make(chan result, 1),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return modbus.ProtocolDataUnit{}, m.closedErr()
	}
	m.queue = append(m.queue, req)
	m.cond.Signal()
	m.mu.Unlock()

	select {
	case r := <-req.done:
		return r.pdu, r.err
	case <-ctx.Done():
		if m.remove(req) {
			m.dropped.Add(1)
			slog.Debug("Dropped queued request", "unit", unitID, "func", pdu.FunctionCode, "err", ctx.Err())
		}
		return modbus.ProtocolDataUnit{}, ctx.Err()
	}
}

// remove takes req out of the queue. It reports false if the worker already took it.
func (m *Multiplexer) remove(req *request) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.queue {
		if r == req {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Pending returns the number of requests waiting for the bus.
func (m *Multiplexer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Busy reports whether an exchange is on the wire.
func (m *Multiplexer) Busy() bool {
	return m.busy.Load()
}

// Stats returns a snapshot of the bus counters.
func (m *Multiplexer) Stats() Stats {
	return m.snapshot()
}

// Done is closed when the worker has stopped, after Close or a fatal link failure.
func (m *Multiplexer) Done() <-chan struct{} {
	return m.stopped
}

// Err returns the fatal link error that stopped the multiplexer, if any.
func (m *Multiplexer) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close stops accepting requests, lets the exchange on the wire finish,
// fails the queued ones with ErrClosed and closes the channel.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()

	<-m.stopped
	return m.closeChannel()
}

func (m *Multiplexer) closeChannel() (err error) {
	m.closeOnce.Do(func() {
		err = m.ch.Close()
	})
	return
}

func (m *Multiplexer) closedErr() error {
	if m.err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, m.err)
	}
	return ErrClosed
}

// next blocks until a request is queued. It returns nil once closed, after
// failing everything still queued.
func (m *Multiplexer) next() *request {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.queue) == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		err := m.closedErr()
		for _, r := range m.queue {
			r.done <- result{err: err}
		}
		m.queue = nil
		return nil
	}
	req := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return req
}

// run is the bus worker. It processes requests serially.
func (m *Multiplexer) run() {
	defer close(m.stopped)
	slog.Debug("Bus worker started")
	for {
		req := m.next()
		if req == nil {
			slog.Debug("Bus worker stopped")
			return
		}
		if err := req.ctx.Err(); err != nil {
			m.dropped.Add(1)
			req.done <- result{err: err}
			continue
		}

		m.busy.Store(true)
		pdu, err := m.exchange(req)
		m.busy.Store(false)
		req.done <- result{pdu: pdu, err: err}

		var linkErr *LinkError
		if errors.As(err, &linkErr) && m.failures >= m.opts.MaxLinkErrors {
			m.fail(err)
		}
	}
}

// fail shuts the multiplexer down after an unrecoverable link error.
func (m *Multiplexer) fail(err error) {
	slog.Error("Serial link failed, closing", "err", err, "consecutiveErrors", m.failures)
	m.mu.Lock()
	m.err = err
	m.closed = true
	m.mu.Unlock()
	m.closeChannel()
}

// exchange writes the request and waits for its response, retrying on
// timeout or a corrupted response.
func (m *Multiplexer) exchange(req *request) (modbus.ProtocolDataUnit, error) {
	raw, err := req.adu.Encode()
	if err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to encode ADU: %w", err)
	}

	m.seq++
	seq := m.seq
	m.requests.Add(1)
	log := slog.With("seq", seq, "unit", req.adu.SlaveID, "func", req.adu.Pdu.FunctionCode)

	var lastErr error
	for attempt := 0; attempt <= m.opts.Retries; attempt++ {
		if attempt > 0 {
			m.retries.Add(1)
			log.Debug("Retrying request", "attempt", attempt, "err", lastErr)
		}
		m.waitPause()
		if m.dirty {
			m.drain()
		}

		log.Debug("send to modbus slave", "attempt", attempt, "request", hex.EncodeToString(raw))
		if _, err := m.ch.Write(raw); err != nil {
			return modbus.ProtocolDataUnit{}, m.linkFailure("write", err)
		}

		resp, err := m.readResponse(&req.adu, req.timeout)
		m.lastExchange = time.Now()
		if err == nil {
			m.failures = 0
			m.responses.Add(1)
			if resp.Pdu.IsException() {
				m.exceptions.Add(1)
			}
			return resp.Pdu, nil
		}

		var linkErr *LinkError
		if errors.As(err, &linkErr) {
			return modbus.ProtocolDataUnit{}, err
		}
		m.failures = 0
		m.dirty = true
		if errors.Is(err, modbus.ErrChecksumInvalid) {
			m.checksumErrors.Add(1)
		}
		lastErr = err
	}

	m.timeouts.Add(1)
	log.Warn("No valid response from slave", "attempts", m.opts.Retries+1, "err", lastErr)
	if errors.Is(lastErr, ErrTimeout) {
		return modbus.ProtocolDataUnit{}, lastErr
	}
	return modbus.ProtocolDataUnit{}, fmt.Errorf("%w: %v", ErrTimeout, lastErr)
}

func (m *Multiplexer) linkFailure(op string, err error) error {
	m.failures++
	m.linkErrors.Add(1)
	m.dirty = true
	return &LinkError{Op: op, Err: err}
}

// readResponse accumulates bytes until they form the response to req.
// Frames from other slaves or for other functions are skipped.
func (m *Multiplexer) readResponse(req *rtu.ApplicationDataUnit, timeout time.Duration) (*rtu.ApplicationDataUnit, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 0, 2*rtuframe.MaxSize)
	chunk := make([]byte, rtuframe.MaxSize)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		n, err := m.ch.ReadAvailable(chunk, remaining)
		if err != nil {
			return nil, m.linkFailure("read", err)
		}
		buf = append(buf, chunk[:n]...)

		for len(buf) > 0 {
			// Resync on the expected slave address.
			if buf[0] != req.SlaveID {
				buf = buf[1:]
				m.discarded.Add(1)
				continue
			}
			resp, used, err := rtu.DecodeResponse(buf, m.opts.Classifier)
			if errors.Is(err, modbus.ErrNeedMoreBytes) {
				break
			}
			if errors.Is(err, modbus.ErrChecksumInvalid) {
				return nil, err
			}
			if err != nil {
				// No framing rule for this byte sequence.
				buf = buf[1:]
				m.discarded.Add(1)
				continue
			}
			buf = buf[used:]
			if err := req.Verify(resp); err != nil {
				m.discarded.Add(1)
				slog.Debug("Discarded unrelated frame", "err", err)
				continue
			}
			slog.Debug("recv from modbus slave", "unit", resp.SlaveID, "func", resp.Pdu.FunctionCode, "data", hex.EncodeToString(resp.Pdu.Data))
			return resp, nil
		}
	}
}

// waitPause keeps the bus idle for the inter-frame interval.
func (m *Multiplexer) waitPause() {
	if m.lastExchange.IsZero() {
		return
	}
	if idle := time.Since(m.lastExchange); idle < m.opts.Pause {
		time.Sleep(m.opts.Pause - idle)
	}
}

// drain discards late bytes left over from a failed attempt.
func (m *Multiplexer) drain() {
	chunk := make([]byte, rtuframe.MaxSize)
	for i := 0; i < 16; i++ {
		n, err := m.ch.ReadAvailable(chunk, 0)
		if err != nil || n == 0 {
			break
		}
		m.discarded.Add(uint64(n))
	}
	m.dirty = false
}

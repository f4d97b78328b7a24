// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package gateway answers Modbus/TCP requests by relaying them to the
// configured RTU units.
package gateway

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/JannikBirn/modbus-gateway/internal/config"
	"github.com/JannikBirn/modbus-gateway/internal/registry"
	"github.com/JannikBirn/modbus-gateway/modbus"
	"github.com/JannikBirn/modbus-gateway/transport"
)

// Gateway bridges its Upstreams (TCP masters) to the serial units known
// to its Router.
type Gateway struct {
	Name      string
	Upstreams []transport.Upstream

	router   *Router
	registry *registry.Registry
	bounds   config.BoundsConfig
}

// NewGateway creates a new Gateway instance. A nil registry knows only
// the standard function codes.
func NewGateway(name string, upstreams []transport.Upstream, router *Router, reg *registry.Registry, bounds config.BoundsConfig) *Gateway {
	return &Gateway{
		Name:      name,
		Upstreams: upstreams,
		router:    router,
		registry:  reg,
		bounds:    bounds,
	}
}

// Start runs all upstream servers until ctx is done or one of them fails.
func (g *Gateway) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for i, us := range g.Upstreams {
		eg.Go(func() error {
			slog.Info("Starting upstream", "gateway", g.Name, "index", i)
			if err := us.Start(ctx, g.HandleRequest); err != nil {
				slog.Error("Upstream stopped with error", "gateway", g.Name, "index", i, "err", err)
				return err
			}
			return nil
		})
	}
	eg.Go(func() error {
		<-ctx.Done()
		for _, us := range g.Upstreams {
			us.Close()
		}
		return nil
	})
	return eg.Wait()
}

// HandleRequest is the central dispatch function. Failures that concern
// only this request are answered with an exception PDU. An error is
// returned only when ctx ended, in which case nobody reads the answer.
func (g *Gateway) HandleRequest(ctx context.Context, unitID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	log := slog.With("gateway", g.Name, "unit", unitID, "func", pdu.FunctionCode)

	slave, err := g.router.Resolve(unitID)
	if err != nil {
		log.Warn("No route found for unit")
		return modbus.NewException(pdu.FunctionCode, modbus.ExceptionCodeGatewayTargetDeviceFailedToRespond), nil
	}

	class := g.registry.Classify(pdu.FunctionCode)
	switch class.Kind {
	case registry.Unknown:
		log.Debug("Rejecting unregistered function code")
		return modbus.NewException(pdu.FunctionCode, modbus.ExceptionCodeIllegalFunction), nil
	case registry.Standard:
		if code := validate(pdu, g.bounds); code != 0 {
			log.Debug("Rejecting invalid request", "exception", code)
			return modbus.NewException(pdu.FunctionCode, code), nil
		}
	case registry.Passthrough:
		log.Debug("Relaying passthrough request", "byteCountPos", class.ByteCountPos)
	}

	resp, err := slave.Execute(ctx, pdu)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return modbus.ProtocolDataUnit{}, err
		}
		log.Warn("Downstream request failed", "err", err)
		return modbus.NewException(pdu.FunctionCode, modbus.ExceptionCodeGatewayTargetDeviceFailedToRespond), nil
	}
	return resp, nil
}

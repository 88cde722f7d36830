// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rina

import (
	"sync"
	"time"

	"grimm.is/rinasim/internal/errors"
	"grimm.is/rinasim/internal/logging"
)

// allocationRetryDelay spaces SendReliable's allocation attempts.
var allocationRetryDelay = time.Second

// Application is a port-bound endpoint receiving delivered payloads
// from its IPCP. Payloads accumulate in a receive buffer; an optional
// handler is invoked for each delivery.
type Application struct {
	name string
	ipcp *IPCP

	mu      sync.Mutex
	port    uint16
	bound   bool
	buf     [][]byte
	handler func(data []byte)

	logger *logging.Logger
}

// NewApplication creates an application attached to an IPCP. It is not
// reachable until Bind is called.
func NewApplication(name string, ip *IPCP) *Application {
	return &Application{
		name:   name,
		ipcp:   ip,
		logger: logging.WithComponent("app"),
	}
}

// Name returns the application name.
func (a *Application) Name() string { return a.name }

// IPCP returns the owning IPCP.
func (a *Application) IPCP() *IPCP { return a.ipcp }

// Port returns the bound port (zero until Bind succeeds).
func (a *Application) Port() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.port
}

// SetHandler installs a per-delivery callback invoked from OnData.
func (a *Application) SetHandler(fn func(data []byte)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = fn
}

// Bind registers the application at the given port of its IPCP. A
// second bind to an occupied port fails.
func (a *Application) Bind(port uint16) error {
	a.mu.Lock()
	if a.bound {
		cur := a.port
		a.mu.Unlock()
		return errors.Errorf(errors.KindConflict,
			"application %s already bound to port %d", a.name, cur)
	}
	a.mu.Unlock()

	if err := a.ipcp.bindApplication(port, a); err != nil {
		return err
	}

	a.mu.Lock()
	a.port = port
	a.bound = true
	a.mu.Unlock()
	return nil
}

// Unbind releases the port binding.
func (a *Application) Unbind() {
	a.mu.Lock()
	if !a.bound {
		a.mu.Unlock()
		return
	}
	port := a.port
	a.bound = false
	a.port = 0
	a.mu.Unlock()

	a.ipcp.unbindApplication(port)
}

// OnData is the delivery upcall. It appends to the receive buffer and
// invokes the handler when one is installed.
func (a *Application) OnData(data []byte) {
	a.mu.Lock()
	a.buf = append(a.buf, data)
	fn := a.handler
	a.mu.Unlock()

	if fn != nil {
		fn(data)
	}
}

// Received returns a copy of the receive buffer.
func (a *Application) Received() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]byte, len(a.buf))
	copy(out, a.buf)
	return out
}

// ReceivedCount returns the number of delivered payloads.
func (a *Application) ReceivedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// Send sends one payload over the first active flow of the owning
// IPCP.
func (a *Application) Send(data []byte) error {
	for _, f := range a.ipcp.Flows() {
		if f.State() == StateActive {
			_, err := a.ipcp.SendData(f.ID(), data)
			return err
		}
	}
	return errors.Errorf(errors.KindNotFound,
		"application %s: no active flows available", a.name)
}

// SendReliable ensures a flow to the destination application exists —
// reusing one with a matching destination IPCP and port, or allocating
// with up to `retries` attempts — and sends one payload over it.
func (a *Application) SendReliable(dest *Application, data []byte, qos *QoS, retries int) error {
	if retries <= 0 {
		retries = 1
	}
	destIPCP := dest.IPCP()
	destPort := dest.Port()

	var flowID string
	for _, f := range a.ipcp.Flows() {
		if f.Dest() == destIPCP && f.Port() == destPort && f.State() == StateActive {
			flowID = f.ID()
			break
		}
	}

	if flowID == "" {
		var lastErr error
		for attempt := 0; attempt < retries; attempt++ {
			id, err := a.ipcp.AllocateFlow(destIPCP, destPort, qos)
			if err == nil {
				flowID = id
				break
			}
			lastErr = err
			a.logger.Warn("flow allocation attempt failed",
				"app", a.name,
				"dest", dest.Name(),
				"attempt", attempt+1,
				"error", err)
			time.Sleep(allocationRetryDelay)
		}
		if flowID == "" {
			return errors.Wrapf(lastErr, errors.GetKind(lastErr),
				"failed to establish flow after %d attempts", retries)
		}
	}

	_, err := a.ipcp.SendData(flowID, data)
	return err
}

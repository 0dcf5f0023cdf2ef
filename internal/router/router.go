// Package router implements the DIAG command dispatch registry, the
// client (DM) registry, the peripheral model, the CNTL control protocol,
// and the filter-mask state tables. All routing state lives on a single
// Router value constructed once in main and passed to every handler;
// there are no package-level tables.
package router

import (
	"errors"

	"github.com/charmbracelet/log"

	"github.com/linux-msm/diag/internal/watch"
)

// Router is the single owner of dispatch state, the client and peripheral
// lists, and the filter-mask tables. It is not safe for concurrent use;
// every method is expected to run from the reactor's single goroutine.
type Router struct {
	Reactor *watch.Reactor

	registry    Registry
	clients     []*Client
	peripherals []*Peripheral

	Masks Masks
}

// New constructs an empty router bound to reactor and registers the
// built-in common and fallback command handlers.
func New(reactor *watch.Reactor) *Router {
	r := &Router{
		Reactor: reactor,
		Masks:   newMasks(),
	}

	r.registerBuiltins()

	return r
}

// Dispatch routes one decoded command frame originating from a client.
// Precedence is three-tier: a common handler wins outright, then every
// matching peripheral is asked to handle it, and only if none matched
// does a fallback handler run.
func (r *Router) Dispatch(from *Client, frame []byte) {
	key := CommandKey(frame)

	if reg := r.registry.matchCommon(key); reg != nil {
		resp, err := reg.Handler(r, frame)
		r.reply(from, frame, resp, err)

		return
	}

	matched := false

	for _, reg := range r.registry.peripheral {
		if !reg.Range.Contains(key) {
			continue
		}

		matched = true

		if reg.Handler != nil {
			resp, err := reg.Handler(r, frame)
			r.reply(from, frame, resp, err)
		} else if reg.Peripheral != nil {
			if err := reg.Peripheral.Send(frame); err != nil {
				log.Error("peripheral send failed", "peripheral", reg.Peripheral.Name, "err", err)
			}
		}
	}

	if matched {
		return
	}

	if reg := r.registry.matchFallback(key); reg != nil {
		resp, err := reg.Handler(r, frame)
		r.reply(from, frame, resp, err)

		return
	}

	r.reply(from, frame, nil, &DispatchError{Kind: ErrNotFound})
}

func (r *Router) reply(from *Client, req []byte, resp []byte, err error) {
	if err != nil {
		var derr *DispatchError
		if errors.As(err, &derr) {
			out := make([]byte, 0, len(req)+1)
			out = append(out, wireCode(derr.Kind))
			out = append(out, req...)

			if sendErr := from.Send(out); sendErr != nil {
				log.Error("error response send failed", "client", from.name, "err", sendErr)
			}

			return
		}

		log.Error("dispatch handler failed", "err", err)

		return
	}

	if resp == nil {
		return
	}

	if sendErr := from.Send(resp); sendErr != nil {
		log.Error("response send failed", "client", from.name, "err", sendErr)
	}
}

// Broadcast sends data to every registered client; enabled clients
// enqueue it on their write queue, disabled ones drop it. flow, if non-nil, is the peripheral's flow token shared across every
// outbound copy.
func (r *Router) Broadcast(data []byte, flow *watch.Flow) {
	for _, c := range r.clients {
		c.sendWithFlow(data, flow)
	}
}

func (r *Router) addPeripheral(p *Peripheral) {
	r.peripherals = append(r.peripherals, p)
}

func (r *Router) removePeripheral(p *Peripheral) {
	for i, e := range r.peripherals {
		if e == p {
			r.peripherals = append(r.peripherals[:i], r.peripherals[i+1:]...)
			return
		}
	}
}

// diagIDTable renders the live per-process diag-id table across every
// peripheral: one row per unique process name, {id, name_len, name\0},
// plus the row count.
func (r *Router) diagIDTable() ([]byte, int) {
	var out []byte
	var rows int

	for _, p := range r.peripherals {
		for _, name := range p.processOrder {
			id := p.processNames[name]
			out = append(out, id, byte(len(name)+1))
			out = append(out, name...)
			out = append(out, 0)
			rows++
		}
	}

	return out, rows
}

func (r *Router) broadcastLogMask() {
	for _, p := range r.peripherals {
		r.Masks.sendLogMask(p)
	}
}

func (r *Router) broadcastMsgMask() {
	for _, p := range r.peripherals {
		r.Masks.sendMsgMask(p)
	}
}

func (r *Router) broadcastEventMask() {
	for _, p := range r.peripherals {
		r.Masks.sendEventMask(p)
	}
}

package router

// Range is a closed interval of command keys, the unit a dispatch
// registration covers.
type Range struct {
	First uint32
	Last  uint32
}

// Contains reports whether key falls within the closed range.
func (r Range) Contains(key uint32) bool {
	return key >= r.First && key <= r.Last
}

// Handler is a locally-installed command callback (common or fallback
// tier). It returns the response body to enqueue on the originating
// client, or a *DispatchError for one of the wire-representable failure
// kinds.
type Handler func(r *Router, req []byte) ([]byte, error)

// Registration is {range, owner}: owner is exactly one of Handler (a
// local callback) or Peripheral (raw forwarding), never both.
type Registration struct {
	Range      Range
	Handler    Handler
	Peripheral *Peripheral
}

// Registry holds the three ordered dispatch tiers: common, peripheral,
// fallback.
type Registry struct {
	common     []*Registration
	peripheral []*Registration
	fallback   []*Registration
}

func (reg *Registry) RegisterCommon(rng Range, h Handler) {
	reg.common = append(reg.common, &Registration{Range: rng, Handler: h})
}

func (reg *Registry) RegisterFallback(rng Range, h Handler) {
	reg.fallback = append(reg.fallback, &Registration{Range: rng, Handler: h})
}

func (reg *Registry) RegisterPeripheral(rng Range, p *Peripheral) {
	reg.peripheral = append(reg.peripheral, &Registration{Range: rng, Peripheral: p})
}

// DeregisterPeripheral removes peripheral-owned entries whose range
// exactly matches rng, for the DEREGISTER CNTL command.
func (reg *Registry) DeregisterPeripheral(p *Peripheral, rng Range) {
	out := reg.peripheral[:0]

	for _, e := range reg.peripheral {
		if e.Peripheral == p && e.Range == rng {
			continue
		}

		out = append(out, e)
	}

	reg.peripheral = out
}

// RemoveAllForPeripheral drops every peripheral-owned registration for p,
// regardless of range, on peripheral teardown.
func (reg *Registry) RemoveAllForPeripheral(p *Peripheral) {
	out := reg.peripheral[:0]

	for _, e := range reg.peripheral {
		if e.Peripheral == p {
			continue
		}

		out = append(out, e)
	}

	reg.peripheral = out
}

func (reg *Registry) matchCommon(key uint32) *Registration {
	for _, e := range reg.common {
		if e.Range.Contains(key) {
			return e
		}
	}

	return nil
}

func (reg *Registry) matchFallback(key uint32) *Registration {
	for _, e := range reg.fallback {
		if e.Range.Contains(key) {
			return e
		}
	}

	return nil
}

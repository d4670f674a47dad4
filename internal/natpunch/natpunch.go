// Package natpunch is the engine's optional best-effort UPnP helper: on
// SERVER it asks the router to forward the external application port and
// every relay slot port inbound to this host, on CLIENT every egress slot
// port, and it removes the mappings again on shutdown. It is never required for correct operation (the relay works
// fine behind a manually forwarded router), only for --upnp convenience.
package natpunch

import (
	"context"
	"fmt"
	"time"

	"github.com/NebulousLabs/go-upnp"
	"github.com/sirupsen/logrus"

	"github.com/WinterSnowfall/wookiee-unicaster/build"
)

const discoverTimeout = 10 * time.Second

// Forwarder owns the set of ports this process has asked the router to
// forward, so they can be cleared symmetrically at shutdown.
type Forwarder struct {
	log       *logrus.Entry
	device    *upnp.IGD
	forwarded []uint16
}

// Discover locates a UPnP-capable Internet Gateway Device on the LAN. It
// logs a warning and returns a nil Forwarder if discovery times out or fails, so
// callers can treat "no UPnP router" as a silent no-op rather than an
// engine-fatal condition.
func Discover(ctx context.Context, log *logrus.Entry) *Forwarder {
	dctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	d, err := upnp.DiscoverCtx(dctx)
	if err != nil {
		log.Warnf("upnp: no gateway device found, skipping automatic port forwarding: %v", err)
		return nil
	}
	return &Forwarder{log: log, device: d}
}

// Forward requests an inbound mapping for port, labeled with the given
// description in the router's UI. Failures are logged and otherwise
// ignored: a failed mapping degrades to "operator must forward manually",
// not a fatal error.
func (f *Forwarder) Forward(port int, description string) {
	if f == nil {
		return
	}
	if err := f.device.Forward(uint16(port), description); err != nil {
		f.log.Warnf("upnp: could not forward port %d: %v", port, err)
		return
	}
	f.forwarded = append(f.forwarded, uint16(port))
	f.log.Infof("upnp: forwarded port %d", port)
}

// ForwardRange forwards [base, base+count) under a shared description
// suffix distinguishing each slot.
func (f *Forwarder) ForwardRange(base, count int, description string) {
	if f == nil {
		return
	}
	for i := 0; i < count; i++ {
		f.Forward(base+i, fmt.Sprintf("%s slot %d", description, i))
	}
}

// Clear removes every mapping this Forwarder created. Called once, from
// the engine's shutdown sequence, after every worker goroutine has exited
// and before the engine closes its sockets. It keeps trying every remaining port even after one
// fails, and returns every failure joined into a single error for the
// caller to log.
func (f *Forwarder) Clear() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, port := range f.forwarded {
		if err := f.device.Clear(port); err != nil {
			errs = append(errs, fmt.Errorf("port %d: %w", port, err))
			continue
		}
		f.log.Infof("upnp: cleared forwarded port %d", port)
	}
	f.forwarded = nil
	return build.JoinErrors(errs, "; ")
}

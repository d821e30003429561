package netevent

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// LinkProbe reports whether the named interface is usable.
type LinkProbe func(iface string) (bool, error)

// Watcher polls one network interface and publishes Connected once it is up
// with an IPv4 address, Disconnected when that stops being true. Only
// changes are published.
type Watcher struct {
	iface    string
	interval time.Duration
	bus      *Bus
	probe    LinkProbe
	log      zerolog.Logger
}

// NewWatcher creates a watcher for iface using the host's interface table.
func NewWatcher(iface string, interval time.Duration, bus *Bus, log zerolog.Logger) *Watcher {
	return &Watcher{
		iface:    iface,
		interval: interval,
		bus:      bus,
		probe:    interfaceHasIPv4,
		log:      log.With().Str("component", "netwatch").Str("iface", iface).Logger(),
	}
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var last Kind
	for {
		up, err := w.probe(w.iface)
		if err != nil {
			w.log.Debug().Err(err).Msg("link probe failed")
		}
		kind := Disconnected
		if up {
			kind = Connected
		}
		if kind != last {
			w.log.Info().Str("state", kind.String()).Msg("link state changed")
			w.bus.Publish(Event{Kind: kind, Source: "netwatch:" + w.iface})
			last = kind
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func interfaceHasIPv4(name string) (bool, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", name, err)
	}
	if ifi.Flags&net.FlagUp == 0 {
		return false, nil
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return false, fmt.Errorf("addresses of %s: %w", name, err)
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
			return true, nil
		}
	}
	return false, nil
}

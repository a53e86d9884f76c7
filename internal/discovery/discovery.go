// Package discovery advertises sync servers on the local network over mDNS
// and finds them from agents.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	Service = "_collabtext._tcp"
	Domain  = "local."
)

var ErrNotFound = errors.New("discovery: no server found")

// Peer is a server found on the network.
type Peer struct {
	Instance string
	Host     string
	Port     int
	Path     string
}

// URL is the websocket endpoint of the peer.
func (p Peer) URL() string {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   p.Path,
	}
	return u.String()
}

// Advertise registers the server under the host name and keeps the record
// alive until ctx is done.
func Advertise(ctx context.Context, log *zap.Logger, port int) error {
	host, _ := os.Hostname()
	instance := fmt.Sprintf("CollabText-%s", host)
	server, err := zeroconf.Register(instance, Service, Domain, port, []string{"txtv=1", "path=/ws"}, nil)
	if err != nil {
		return fmt.Errorf("discovery: register %s: %w", instance, err)
	}
	defer server.Shutdown()
	log.Info("mdns service registered", zap.String("instance", instance), zap.Int("port", port))
	<-ctx.Done()
	return nil
}

// Lookup browses until the first server answers or ctx is done.
func Lookup(ctx context.Context) (Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return Peer{}, fmt.Errorf("discovery: resolver: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return Peer{}, fmt.Errorf("discovery: browse: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return Peer{}, ErrNotFound
		case e, ok := <-entries:
			if !ok {
				return Peer{}, ErrNotFound
			}
			if p, ok := peerFromEntry(e); ok {
				return p, nil
			}
		}
	}
}

func peerFromEntry(e *zeroconf.ServiceEntry) (Peer, bool) {
	var host string
	switch {
	case len(e.AddrIPv4) > 0:
		host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		host = e.AddrIPv6[0].String()
	default:
		return Peer{}, false
	}
	path := "/ws"
	for _, txt := range e.Text {
		if v, ok := strings.CutPrefix(txt, "path="); ok && v != "" {
			path = v
		}
	}
	return Peer{Instance: e.Instance, Host: host, Port: e.Port, Path: path}, true
}

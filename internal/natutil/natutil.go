// Package natutil provides the pluggable NAT-traversal helper referenced
// in spec.md §1 ("NAT-traversal discovery... treated as pluggable
// helpers"). It is never required by the core: a Pool that can't map a
// port simply stays inbound-less and keeps dialing out.
package natutil

import (
	"context"
	"fmt"
	"net"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/huin/goupnp/dcps/internetgateway1"

	"github.com/lcoin-project/lcoin-node/log"
)

// Mapper maps an external port to a local listening port on the gateway,
// and can be asked to tear the mapping down again.
type Mapper interface {
	// AddMapping requests an external->internal port forward; lifetime
	// is passed to the gateway in whole seconds. Mapper has no renew
	// operation.
	AddMapping(ctx context.Context, internalPort, externalPort int, lifetime time.Duration) error
	// ExternalIP returns the gateway's public IP, if discoverable.
	ExternalIP(ctx context.Context) (net.IP, error)
	// DeleteMapping removes a previously added mapping.
	DeleteMapping(ctx context.Context, externalPort int) error
}

// Discover probes the LAN for a UPnP IGDv1 gateway first, falling back to
// NAT-PMP. The NAT-PMP fallback is not probed: it targets the guessed
// x.x.x.1 gateway of the first local IPv4 address, so a NAT-PMP Mapper
// is returned whenever such an address exists. It returns nil, nil only
// when neither helper can be built — callers should treat that as "no
// NAT helper available", not an error.
func Discover(ctx context.Context) (Mapper, error) {
	l := log.Root().New("component", "natutil")

	if m, err := discoverUPnP(ctx); err == nil && m != nil {
		l.Info("using UPnP for port mapping")
		return m, nil
	}
	if m, err := discoverNATPMP(); err == nil && m != nil {
		l.Info("using NAT-PMP for port mapping")
		return m, nil
	}
	l.Debug("no NAT gateway discovered")
	return nil, nil
}

type upnpMapper struct {
	client *internetgateway1.WANIPConnection1
}

func discoverUPnP(ctx context.Context) (Mapper, error) {
	clients, errs, err := internetgateway1.NewWANIPConnection1Clients()
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 && len(clients) == 0 {
		return nil, fmt.Errorf("natutil: upnp discovery failed: %v", errs[0])
	}
	if len(clients) == 0 {
		return nil, nil
	}
	return &upnpMapper{client: clients[0]}, nil
}

func (m *upnpMapper) AddMapping(ctx context.Context, internalPort, externalPort int, lifetime time.Duration) error {
	localIP, err := localAddrIP()
	if err != nil {
		return err
	}
	return m.client.AddPortMapping(
		"", uint16(externalPort), "TCP", uint16(internalPort), localIP.String(),
		true, "lcoin-node", uint32(lifetime/time.Second),
	)
}

func (m *upnpMapper) DeleteMapping(ctx context.Context, externalPort int) error {
	return m.client.DeletePortMapping("", uint16(externalPort), "TCP")
}

func (m *upnpMapper) ExternalIP(ctx context.Context) (net.IP, error) {
	ipStr, err := m.client.GetExternalIPAddress()
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, fmt.Errorf("natutil: gateway returned unparseable IP %q", ipStr)
	}
	return ip, nil
}

type natPMPMapper struct {
	client *natpmp.Client
}

func discoverNATPMP() (Mapper, error) {
	gatewayIP, err := defaultGateway()
	if err != nil {
		return nil, err
	}
	return &natPMPMapper{client: natpmp.NewClient(gatewayIP)}, nil
}

func (m *natPMPMapper) AddMapping(ctx context.Context, internalPort, externalPort int, lifetime time.Duration) error {
	_, err := m.client.AddPortMapping("tcp", internalPort, externalPort, int(lifetime/time.Second))
	return err
}

func (m *natPMPMapper) DeleteMapping(ctx context.Context, externalPort int) error {
	_, err := m.client.AddPortMapping("tcp", 0, externalPort, 0)
	return err
}

func (m *natPMPMapper) ExternalIP(ctx context.Context) (net.IP, error) {
	resp, err := m.client.GetExternalAddress()
	if err != nil {
		return nil, err
	}
	return net.IP(resp.ExternalIPAddress[:]), nil
}

func localAddrIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

func defaultGateway() (net.IP, error) {
	ip, err := localAddrIP()
	if err != nil {
		return nil, err
	}
	gw := ip.To4()
	if gw == nil {
		return nil, fmt.Errorf("natutil: only IPv4 gateways are supported")
	}
	return net.IPv4(gw[0], gw[1], gw[2], 1), nil
}

// Package netstack provides the unprivileged network back-end for the
// virtio-net device: a user-mode TCP/IP stack that NATs guest connections
// onto ordinary host sockets, with a small DNS forwarder on the virtual
// resolver address.
package netstack

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const nicID tcpip.NICID = 1

// The conventional user-mode NAT layout.
var (
	HostIP     = net.IPv4(10, 0, 2, 2)
	GuestIP    = net.IPv4(10, 0, 2, 15)
	ResolverIP = net.IPv4(10, 0, 2, 3)

	HostMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

func addrFrom4(ip net.IP) tcpip.Address {
	var b [4]byte
	copy(b[:], ip.To4())
	return tcpip.AddrFrom4(b)
}

// NetStack is the host side of the guest's network link. Frames from the
// guest are injected into a gVisor stack whose forwarders terminate the
// connections and redial them on the host.
type NetStack struct {
	log *slog.Logger

	gs *stack.Stack
	ch *channel.Endpoint

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	receive func(frame []byte)

	dns *dnsServer
}

// New builds the stack and starts its forwarders.
func New(logger *slog.Logger) (*NetStack, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	ns := &NetStack{
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
	}

	// channel.Endpoint.MTU is the L2 MTU; ethernet.Endpoint subtracts the
	// header to get 1500 at L3.
	ns.ch = channel.New(512, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(string(HostMAC)))
	ep := ethernet.New(ns.ch)

	ns.gs = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	if err := ns.gs.CreateNIC(nicID, ep); err != nil {
		cancel()
		return nil, fmt.Errorf("netstack: create NIC: %s", err)
	}
	if err := ns.gs.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   addrFrom4(HostIP),
			PrefixLen: 24,
		},
	}, stack.AddressProperties{}); err != nil {
		cancel()
		return nil, fmt.Errorf("netstack: add address: %s", err)
	}

	// Accept traffic for any destination so guest connections to the wider
	// world land in the forwarders.
	if err := ns.gs.SetPromiscuousMode(nicID, true); err != nil {
		cancel()
		return nil, fmt.Errorf("netstack: promiscuous mode: %s", err)
	}
	if err := ns.gs.SetSpoofing(nicID, true); err != nil {
		cancel()
		return nil, fmt.Errorf("netstack: spoofing: %s", err)
	}

	ns.gs.SetRouteTable([]tcpip.Route{{
		Destination: header.IPv4EmptySubnet,
		NIC:         nicID,
	}})

	ns.startTCPForwarder()
	ns.startUDPForwarder()

	dns, err := newDNSServer(logger, ns.gs)
	if err != nil {
		cancel()
		return nil, err
	}
	ns.dns = dns
	ns.dns.start()

	go ns.pumpOutbound()

	return ns, nil
}

// SetReceive registers the sink for host-to-guest frames.
func (ns *NetStack) SetReceive(fn func(frame []byte)) {
	ns.mu.Lock()
	ns.receive = fn
	ns.mu.Unlock()
}

// Transmit injects one guest ethernet frame into the stack.
func (ns *NetStack) Transmit(frame []byte) error {
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	// The ethernet link endpoint parses the L2 header itself; the protocol
	// argument is ignored.
	ns.ch.InjectInbound(0, pkt)
	pkt.DecRef()
	return nil
}

// pumpOutbound moves frames from the stack to the registered receiver.
func (ns *NetStack) pumpOutbound() {
	for {
		pkt := ns.ch.ReadContext(ns.ctx)
		if pkt == nil {
			return
		}
		frame := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()

		ns.mu.Lock()
		receive := ns.receive
		ns.mu.Unlock()
		if receive != nil {
			receive(frame)
		}
	}
}

func (ns *NetStack) startTCPForwarder() {
	fwd := tcp.NewForwarder(ns.gs, 0, 512, func(r *tcp.ForwarderRequest) {
		id := r.ID()
		dest := net.JoinHostPort(
			net.IP(id.LocalAddress.AsSlice()).String(),
			strconv.Itoa(int(id.LocalPort)),
		)

		host, err := net.Dial("tcp", dest)
		if err != nil {
			ns.log.Debug("netstack: tcp dial", "dest", dest, "err", err)
			r.Complete(true)
			return
		}

		var wq waiter.Queue
		ep, tcpipErr := r.CreateEndpoint(&wq)
		if tcpipErr != nil {
			ns.log.Debug("netstack: tcp create endpoint", "dest", dest, "err", tcpipErr)
			host.Close()
			r.Complete(true)
			return
		}
		r.Complete(false)

		guest := gonet.NewTCPConn(&wq, ep)
		go proxy(guest, host)
	})
	ns.gs.SetTransportProtocolHandler(tcp.ProtocolNumber, fwd.HandlePacket)
}

func (ns *NetStack) startUDPForwarder() {
	fwd := udp.NewForwarder(ns.gs, func(r *udp.ForwarderRequest) bool {
		id := r.ID()

		// The resolver address is served in-process.
		if net.IP(id.LocalAddress.AsSlice()).Equal(ResolverIP) && id.LocalPort == 53 {
			return true
		}

		dest := net.JoinHostPort(
			net.IP(id.LocalAddress.AsSlice()).String(),
			strconv.Itoa(int(id.LocalPort)),
		)

		var wq waiter.Queue
		ep, tcpipErr := r.CreateEndpoint(&wq)
		if tcpipErr != nil {
			ns.log.Debug("netstack: udp create endpoint", "dest", dest, "err", tcpipErr)
			return false
		}

		host, err := net.Dial("udp", dest)
		if err != nil {
			ns.log.Debug("netstack: udp dial", "dest", dest, "err", err)
			ep.Close()
			return false
		}

		guest := gonet.NewUDPConn(&wq, ep)
		go proxy(guest, host)
		return true
	})
	ns.gs.SetTransportProtocolHandler(udp.ProtocolNumber, fwd.HandlePacket)
}

func proxy(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(a, b)
		a.Close()
	}()
	go func() {
		defer wg.Done()
		io.Copy(b, a)
		b.Close()
	}()
	wg.Wait()
}

// CmdlineParams returns the kernel parameters that configure the guest's
// interface statically.
func (ns *NetStack) CmdlineParams() []string {
	return []string{
		fmt.Sprintf("ip=%s::%s:255.255.255.0::eth0:off", GuestIP, HostIP),
	}
}

// Close stops the forwarders and the DNS server.
func (ns *NetStack) Close() error {
	ns.cancel()
	if ns.dns != nil {
		ns.dns.stop()
	}
	ns.ch.Close()
	return nil
}

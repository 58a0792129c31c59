package netstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// dnsServer answers the guest's queries on the virtual resolver address by
// delegating to the host's resolver.
type dnsServer struct {
	log    *slog.Logger
	server *dns.Server
}

func newDNSServer(logger *slog.Logger, gs *stack.Stack) (*dnsServer, error) {
	packetConn, err := gonet.DialUDP(gs, &tcpip.FullAddress{
		NIC:  nicID,
		Addr: addrFrom4(ResolverIP),
		Port: 53,
	}, nil, ipv4.ProtocolNumber)
	if err != nil {
		return nil, fmt.Errorf("netstack: bind resolver address: %w", err)
	}

	srv := &dnsServer{log: logger}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", srv.handleDNSRequest)

	srv.server = &dns.Server{
		Net:        "udp",
		Handler:    mux,
		PacketConn: packetConn,
	}
	return srv, nil
}

func (s *dnsServer) start() {
	go func() {
		if err := s.server.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Error("dns: server exited", "err", err)
		}
	}()
}

func (s *dnsServer) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = s.server.ShutdownContext(ctx)
	if s.server.PacketConn != nil {
		_ = s.server.PacketConn.Close()
	}
}

func (s *dnsServer) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Compress = false
	m.RecursionAvailable = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", q.Name)
		cancel()
		if err != nil || len(ips) == 0 {
			s.log.Debug("dns: lookup failed", "name", q.Name, "err", err)
			m.SetRcode(r, dns.RcodeNameError)
			continue
		}

		for _, ip := range ips {
			rr, err := dns.NewRR(fmt.Sprintf("%s A %s", q.Name, ip))
			if err != nil {
				s.log.Debug("dns: create rr", "err", err)
				continue
			}
			m.Answer = append(m.Answer, rr)
		}
	}

	_ = w.WriteMsg(m)
}

// Command tcpdemo drives a loopback client/server exchange over the tcp
// package's in-memory transport, for smoke-testing the FSM end to end
// and exercising the Prometheus metrics surface outside of a test binary.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/gnrctcp/gnrctcp/tcp"
)

func main() {
	root := &cobra.Command{
		Use:   "tcpdemo",
		Short: "Run a loopback TCP handshake and data exchange over the gnrctcp FSM.",
	}

	var (
		metricsAddr string
		pcapPath    string
		payload     string
	)
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9100)")
	root.PersistentFlags().StringVar(&pcapPath, "pcap", "", "if set, write the loopback exchange to this pcap file")
	root.PersistentFlags().StringVar(&payload, "payload", "hello, gnrctcp", "bytes to send from client to server")

	loopback := &cobra.Command{
		Use:   "loopback",
		Short: "Run a client and server TCB pair over an in-memory network, completing a handshake and one data exchange.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoopback(metricsAddr, pcapPath, []byte(payload))
		},
	}
	root.AddCommand(loopback)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runLoopback(metricsAddr, pcapPath string, payload []byte) error {
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelDebug}))

	reg := prometheus.NewRegistry()
	metrics := tcp.NewMetrics(reg, "gnrctcp_demo")
	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			logger.Info("serving metrics", slog.String("addr", metricsAddr))
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error("metrics server exited", slog.String("err", err.Error()))
			}
		}()
	}

	var capture *pcapWriter
	if pcapPath != "" {
		var err error
		capture, err = newPcapWriter(pcapPath)
		if err != nil {
			return fmt.Errorf("open pcap: %w", err)
		}
		defer capture.Close()
	}

	clock := clockwork.NewRealClock()
	sched := tcp.NewScheduler(clock)
	go sched.Run()
	defer sched.Stop()

	net := newLoopbackNetwork(capture)
	cfg := tcp.DefaultConfig()
	pool := tcp.NewBufferPool(8, 4096)

	serverStack := tcp.NewStack(sched, net.serverSender(), pool, metrics, logger.With("role", "server"))
	clientStack := tcp.NewStack(sched, net.clientSender(), pool, metrics, logger.With("role", "client"))
	net.wire(serverStack, clientStack)

	serverAddr := tcp.Endpoint{Addr: loopbackAddr(1), Port: 7777}
	clientAddr := tcp.Endpoint{Addr: loopbackAddr(2), Port: 0}

	serverTCB := tcp.NewTCB(cfg, pool, metrics, logger.With("side", "server"))
	clientTCB := tcp.NewTCB(cfg, pool, metrics, logger.With("side", "client"))

	listener, err := serverStack.Listen(serverAddr, []*tcp.TCB{serverTCB})
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	clientConn := clientStack.NewConn(clientTCB)

	var wg sync.WaitGroup
	var acceptedConn *tcp.Conn
	wg.Add(1)
	go func() {
		defer wg.Done()
		poll := make(chan struct{}, 1)
		go func() {
			for i := 0; i < 200; i++ {
				time.Sleep(5 * time.Millisecond)
				select {
				case poll <- struct{}{}:
				default:
				}
			}
		}()
		c, err := listener.Accept(serverStack, poll)
		if err != nil {
			logger.Error("accept failed", slog.String("err", err.Error()))
			return
		}
		acceptedConn = c
		logger.Info("server accepted connection")
	}()

	logger.Info("client dialing", slog.String("peer", serverAddr.String()))
	if err := clientConn.OpenActive(clientAddr, serverAddr); err != nil {
		return fmt.Errorf("open active: %w", err)
	}
	logger.Info("client established")

	wg.Wait()
	if acceptedConn == nil {
		return fmt.Errorf("server never accepted a connection")
	}

	n, err := clientConn.Send(payload, 2*time.Second)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	logger.Info("client sent", slog.Int("bytes", n))

	buf := make([]byte, 4096)
	n, err = acceptedConn.Recv(buf, 2*time.Second)
	if err != nil {
		return fmt.Errorf("recv: %w", err)
	}
	logger.Info("server received", slog.String("data", string(buf[:n])))

	if err := clientConn.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	logger.Info("client closed", slog.Any("stats", clientTCB.Stats()))
	return nil
}

func loopbackAddr(n byte) [16]byte {
	var a [16]byte
	a[15] = n
	return a
}

// loopbackNetwork wires two Stacks together, standing in for the
// link-layer/netface collaborator spec.md places out of the TCP core's
// scope. Each side's deliveries run on their own goroutine: delivering
// inline from inside the sender's own step() call would let a reply loop
// back and re-enter that same TCB's FSM lock before the original call
// returns, the way a real NIC's receive path never does.
type loopbackNetwork struct {
	mu       sync.Mutex
	server   *tcp.Stack
	client   *tcp.Stack
	capture  *pcapWriter
	toServer chan func()
	toClient chan func()
}

func newLoopbackNetwork(capture *pcapWriter) *loopbackNetwork {
	n := &loopbackNetwork{capture: capture, toServer: make(chan func(), 64), toClient: make(chan func(), 64)}
	go drainInbound(n.toServer)
	go drainInbound(n.toClient)
	return n
}

func drainInbound(ch chan func()) {
	for fn := range ch {
		fn()
	}
}

func (n *loopbackNetwork) wire(server, client *tcp.Stack) {
	n.mu.Lock()
	n.server, n.client = server, client
	n.mu.Unlock()
}

func (n *loopbackNetwork) serverSender() tcp.Sender { return loopbackSender{net: n, from: 1} }
func (n *loopbackNetwork) clientSender() tcp.Sender { return loopbackSender{net: n, from: 2} }

type loopbackSender struct {
	net  *loopbackNetwork
	from byte
}

func (s loopbackSender) Send(dst tcp.Endpoint, netif uint32, seg []byte) error {
	src := loopbackAddr(s.from)
	if s.net.capture != nil {
		s.net.capture.Write(src, dst.Addr, seg)
	}
	var target *tcp.Stack
	var inbound chan func()
	if s.from == 1 {
		target, inbound = s.net.client, s.net.toClient
	} else {
		target, inbound = s.net.server, s.net.toServer
	}
	f, err := tcp.NewFrame(seg)
	if err != nil {
		return err
	}
	srcPort, dstPort := f.SourcePort(), f.DestinationPort()
	inbound <- func() { target.Deliver(seg, src, srcPort, dst.Addr, dstPort, netif) }
	return nil
}

// pcapWriter captures the loopback exchange with synthetic Ethernet+IPv6
// framing, for inspection with Wireshark, adapted from the teacher's
// packet-capture pattern.
type pcapWriter struct {
	f *os.File
	w *pcapgo.Writer
}

func newPcapWriter(path string) (*pcapWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, err
	}
	return &pcapWriter{f: f, w: w}, nil
}

func (p *pcapWriter) Write(src, dst [16]byte, tcpSeg []byte) {
	eth := layers.Ethernet{EthernetType: layers.EthernetTypeIPv6}
	ip6 := layers.IPv6{Version: 6, NextHeader: layers.IPProtocolTCP, HopLimit: 64, SrcIP: src[:], DstIP: dst[:]}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	payload := gopacket.Payload(tcpSeg)
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip6, payload); err != nil {
		return
	}
	ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(buf.Bytes()), Length: len(buf.Bytes())}
	p.w.WritePacket(ci, buf.Bytes())
}

func (p *pcapWriter) Close() error { return p.f.Close() }

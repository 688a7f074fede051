// internal/poller/icmp.go
package poller

import (
    "context"
    "errors"
    "fmt"
    "net"
    "os"
    "sync/atomic"
    "time"

    "golang.org/x/net/icmp"
    "golang.org/x/net/ipv4"
    "netwatch/internal/config"
    "netwatch/internal/models"
)

const protocolICMP = 1

var echoID atomic.Uint32

func init() {
    echoID.Store(uint32(os.Getpid() & 0xffff))
}

// ICMPProber sends echo requests. Privileged mode uses a raw socket; the
// default datagram socket works without CAP_NET_RAW where
// net.ipv4.ping_group_range allows it.
type ICMPProber struct {
    count      int
    timeout    time.Duration
    interval   time.Duration
    privileged bool
}

func NewICMPProber(cfg config.ICMPConfig) *ICMPProber {
    p := &ICMPProber{
        count:      cfg.Count,
        timeout:    cfg.Timeout,
        interval:   cfg.Interval,
        privileged: cfg.Privileged,
    }
    if p.count <= 0 {
        p.count = 2
    }
    if p.timeout <= 0 {
        p.timeout = time.Second
    }
    return p
}

func (p *ICMPProber) listen() (*icmp.PacketConn, error) {
    if p.privileged {
        return icmp.ListenPacket("ip4:icmp", "0.0.0.0")
    }
    return icmp.ListenPacket("udp4", "0.0.0.0")
}

func (p *ICMPProber) Probe(ctx context.Context, device models.Device) (models.PollResult, error) {
    result := models.PollResult{DeviceID: device.ID, Kind: models.ProbeICMP}

    ipAddr, err := net.DefaultResolver.LookupIPAddr(ctx, device.Address)
    if err != nil {
        if ctx.Err() != nil {
            return result, ctx.Err()
        }
        return result, fmt.Errorf("resolve %s: %w", device.Address, err)
    }
    var dst net.IP
    for _, a := range ipAddr {
        if v4 := a.IP.To4(); v4 != nil {
            dst = v4
            break
        }
    }
    if dst == nil {
        return result, fmt.Errorf("no IPv4 address for %s", device.Address)
    }

    conn, err := p.listen()
    if err != nil {
        return result, fmt.Errorf("open icmp socket: %w", err)
    }
    defer conn.Close()

    var target net.Addr = &net.IPAddr{IP: dst}
    if !p.privileged {
        target = &net.UDPAddr{IP: dst}
    }

    id := int(echoID.Add(1) & 0xffff)
    var (
        received int
        total    time.Duration
    )
    for seq := 1; seq <= p.count; seq++ {
        if ctx.Err() != nil {
            return result, ctx.Err()
        }
        rtt, ok, err := p.echo(ctx, conn, target, dst, id, seq)
        if err != nil {
            return result, err
        }
        if ok {
            received++
            total += rtt
        }
        if seq < p.count && p.interval > 0 {
            select {
            case <-ctx.Done():
                return result, ctx.Err()
            case <-time.After(p.interval):
            }
        }
    }

    result.PacketLoss = float64(p.count-received) / float64(p.count)
    result.Reachable = received > 0
    if received > 0 {
        avg := total / time.Duration(received)
        result.Latency = &avg
    }
    return result, nil
}

// echo sends one request and waits up to the per-packet timeout for the
// matching reply. A timeout is reported as ok=false, not an error.
func (p *ICMPProber) echo(ctx context.Context, conn *icmp.PacketConn, target net.Addr, dst net.IP, id, seq int) (time.Duration, bool, error) {
    msg := icmp.Message{
        Type: ipv4.ICMPTypeEcho,
        Code: 0,
        Body: &icmp.Echo{
            ID:   id,
            Seq:  seq,
            Data: []byte("netwatch"),
        },
    }
    wb, err := msg.Marshal(nil)
    if err != nil {
        return 0, false, fmt.Errorf("marshal echo: %w", err)
    }

    deadline := time.Now().Add(p.timeout)
    if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
        deadline = d
    }
    if err := conn.SetReadDeadline(deadline); err != nil {
        return 0, false, fmt.Errorf("set deadline: %w", err)
    }

    sent := time.Now()
    if _, err := conn.WriteTo(wb, target); err != nil {
        // EHOSTUNREACH and friends are an answer about the device
        var netErr net.Error
        if errors.As(err, &netErr) {
            return 0, false, nil
        }
        return 0, false, fmt.Errorf("send echo: %w", err)
    }

    rb := make([]byte, 1500)
    for {
        n, peer, err := conn.ReadFrom(rb)
        if err != nil {
            var netErr net.Error
            if errors.As(err, &netErr) && netErr.Timeout() {
                return 0, false, nil
            }
            return 0, false, fmt.Errorf("read reply: %w", err)
        }
        if !sameHost(peer, dst) {
            continue
        }
        reply, err := icmp.ParseMessage(protocolICMP, rb[:n])
        if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
            continue
        }
        echo, ok := reply.Body.(*icmp.Echo)
        if !ok || echo.Seq != seq {
            continue
        }
        // the kernel rewrites the id on datagram sockets
        if p.privileged && echo.ID != id {
            continue
        }
        return time.Since(sent), true, nil
    }
}

func sameHost(addr net.Addr, ip net.IP) bool {
    switch a := addr.(type) {
    case *net.IPAddr:
        return a.IP.Equal(ip)
    case *net.UDPAddr:
        return a.IP.Equal(ip)
    }
    return false
}

// cmd/netwatch-probe/main.go
package main

import (
    "context"
    "flag"
    "fmt"
    "io"
    "net"
    "net/netip"
    "os"
    "sort"
    "strings"
    "time"

    "github.com/sirupsen/logrus"
    "gopkg.in/yaml.v3"
    "netwatch/internal/config"
    "netwatch/internal/inventory"
    "netwatch/internal/models"
    "netwatch/internal/poller"
)

// maxSweepHosts bounds a network sweep to a /20.
const maxSweepHosts = 4096

type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

// Report is what a probe run prints.
type Report struct {
    GeneratedAt time.Time      `yaml:"generated_at"`
    Probe       string         `yaml:"probe"`
    Targets     int            `yaml:"targets"`
    Reachable   int            `yaml:"reachable"`
    Results     []ResultReport `yaml:"results"`
}

type ResultReport struct {
    ID         string             `yaml:"id"`
    Address    string             `yaml:"address"`
    Reachable  bool               `yaml:"reachable"`
    LatencyMS  float64            `yaml:"latency_ms,omitempty"`
    PacketLoss float64            `yaml:"packet_loss"`
    Error      string             `yaml:"error,omitempty"`
    Values     map[string]float64 `yaml:"values,omitempty"`
    Interfaces []InterfaceReport  `yaml:"interfaces,omitempty"`
}

type InterfaceReport struct {
    Index   int    `yaml:"index"`
    Name    string `yaml:"name,omitempty"`
    OperUp  bool   `yaml:"oper_up"`
    AdminUp bool   `yaml:"admin_up"`
}

func main() {
    var addresses stringList
    var (
        configFile  = flag.String("config", "", "Probe every device in this netwatch configuration")
        network     = flag.String("network", "", "CIDR network to sweep with ICMP (e.g., 192.168.1.0/24)")
        output      = flag.String("output", "", "Write reachable sweep hosts as an inventory file")
        group       = flag.String("group", "discovered", "Group name for swept hosts")
        probe       = flag.String("probe", "icmp", "Probe kind: icmp or snmp")
        community   = flag.String("community", "public", "SNMP v2c community")
        timeout     = flag.Duration("timeout", 3*time.Second, "Per-device probe timeout")
        count       = flag.Int("count", 2, "ICMP echo requests per device")
        privileged  = flag.Bool("privileged", false, "Use raw ICMP sockets (requires root)")
        concurrency = flag.Int("concurrency", 64, "Devices probed at once")
        verbose     = flag.Bool("verbose", false, "Verbose output")
    )
    flag.Var(&addresses, "address", "Device address to probe (repeatable)")
    flag.Parse()

    if *verbose {
        logrus.SetLevel(logrus.DebugLevel)
    }

    kind := models.ProbeKind(strings.ToLower(*probe))
    if kind != models.ProbeICMP && kind != models.ProbeSNMP {
        logrus.Fatalf("Unknown probe %q", *probe)
    }

    var devices []models.Device
    switch {
    case *configFile != "":
        cfg, err := config.Load(*configFile)
        if err != nil {
            logrus.Fatalf("Failed to load config: %v", err)
        }
        devices, err = inventory.FromConfig(cfg).Devices(context.Background())
        if err != nil {
            logrus.Fatalf("Failed to read inventory: %v", err)
        }
    case *network != "" || (len(addresses) == 0 && *output != ""):
        cidr := *network
        if cidr == "" {
            cidr = detectLocalNetwork()
            if cidr == "" {
                logrus.Fatal("No network specified and couldn't detect local network. Use -network flag.")
            }
            fmt.Fprintf(os.Stderr, "Auto-detected network: %s\n", cidr)
        }
        hosts, err := hostsInNetwork(cidr)
        if err != nil {
            logrus.Fatalf("Invalid network: %v", err)
        }
        kind = models.ProbeICMP
        devices = sweepDevices(hosts, *group)
    case len(addresses) > 0:
        for _, addr := range addresses {
            devices = append(devices, models.Device{
                ID:      generateDeviceID(addr, ""),
                Name:    addr,
                Address: addr,
                Enabled: true,
                Probe:   kind,
            })
        }
    default:
        fmt.Fprintln(os.Stderr, "Nothing to probe: use -address, -network or -config")
        flag.Usage()
        os.Exit(2)
    }

    if kind == models.ProbeSNMP {
        for i := range devices {
            if devices[i].SNMP == nil {
                devices[i].SNMP = &models.SNMPCredentials{Version: "2c", Community: *community}
            }
        }
    }

    p := poller.New(map[models.ProbeKind]poller.Prober{
        models.ProbeICMP: poller.NewICMPProber(config.ICMPConfig{
            Count:      *count,
            Timeout:    *timeout,
            Interval:   100 * time.Millisecond,
            Privileged: *privileged,
        }),
        models.ProbeSNMP: poller.NewSNMPProber(config.SNMPConfig{
            Timeout:        *timeout,
            Retries:        1,
            MaxRepetitions: 25,
        }),
    }, poller.Options{ProbeTimeout: *timeout + time.Second, Concurrency: *concurrency}, nil)

    fmt.Fprintf(os.Stderr, "Probing %d devices with %s\n", len(devices), kind)
    results := p.PollBatch(context.Background(), devices, kind)
    report := buildReport(devices, results, kind, time.Now())

    if *output != "" {
        found := reachableDevices(devices, results, *group)
        if err := inventory.WriteFile(*output, found); err != nil {
            logrus.Fatalf("Failed to write inventory: %v", err)
        }
        fmt.Fprintf(os.Stderr, "\nInventory written to: %s\n", *output)
        fmt.Fprintf(os.Stderr, "Discovered %d reachable devices\n", len(found))
    }

    if err := writeReport(os.Stdout, report); err != nil {
        logrus.Fatalf("Failed to write report: %v", err)
    }
}

func detectLocalNetwork() string {
    interfaces, err := net.Interfaces()
    if err != nil {
        return ""
    }

    for _, iface := range interfaces {
        if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
            continue
        }

        addrs, err := iface.Addrs()
        if err != nil {
            continue
        }

        for _, addr := range addrs {
            if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
                if ipnet.IP.IsGlobalUnicast() {
                    return ipnet.String()
                }
            }
        }
    }
    return ""
}

// hostsInNetwork lists the usable IPv4 host addresses of a CIDR.
func hostsInNetwork(cidr string) ([]string, error) {
    prefix, err := netip.ParsePrefix(cidr)
    if err != nil {
        return nil, err
    }
    prefix = prefix.Masked()
    if !prefix.Addr().Is4() {
        return nil, fmt.Errorf("only IPv4 networks can be swept")
    }
    if bits := 32 - prefix.Bits(); bits > 12 {
        return nil, fmt.Errorf("network %s is larger than %d hosts", cidr, maxSweepHosts)
    }

    var hosts []string
    for addr := prefix.Addr(); prefix.Contains(addr); addr = addr.Next() {
        hosts = append(hosts, addr.String())
    }
    // drop network and broadcast addresses
    if len(hosts) > 2 {
        hosts = hosts[1 : len(hosts)-1]
    }
    return hosts, nil
}

func sweepDevices(hosts []string, group string) []models.Device {
    devices := make([]models.Device, 0, len(hosts))
    for _, h := range hosts {
        devices = append(devices, models.Device{
            ID:      generateDeviceID(h, ""),
            Name:    h,
            Address: h,
            Enabled: true,
            Group:   group,
            Probe:   models.ProbeICMP,
        })
    }
    return devices
}

func generateDeviceID(ipv4, hostname string) string {
    if hostname != "" {
        parts := strings.Split(strings.TrimSuffix(hostname, "."), ".")
        return strings.ToLower(parts[0])
    }
    return "host-" + strings.ReplaceAll(ipv4, ".", "-")
}

func buildReport(devices []models.Device, results []models.PollResult, kind models.ProbeKind, now time.Time) Report {
    addresses := make(map[string]string, len(devices))
    for _, d := range devices {
        addresses[d.ID] = d.Address
    }

    report := Report{GeneratedAt: now, Probe: string(kind), Targets: len(devices)}
    for _, r := range results {
        rr := ResultReport{
            ID:         r.DeviceID,
            Address:    addresses[r.DeviceID],
            Reachable:  r.Reachable,
            PacketLoss: r.PacketLoss,
            Error:      r.ProbeError,
            Values:     r.Values,
        }
        if r.Latency != nil {
            rr.LatencyMS = float64(*r.Latency) / float64(time.Millisecond)
        }
        for _, iface := range r.Interfaces {
            rr.Interfaces = append(rr.Interfaces, InterfaceReport{
                Index:   iface.Index,
                Name:    iface.Name,
                OperUp:  iface.OperUp,
                AdminUp: iface.AdminUp,
            })
        }
        if r.Reachable {
            report.Reachable++
        }
        report.Results = append(report.Results, rr)
    }
    sort.Slice(report.Results, func(i, j int) bool { return report.Results[i].ID < report.Results[j].ID })
    return report
}

// reachableDevices turns responding hosts into inventory entries, named by
// reverse DNS where available.
func reachableDevices(devices []models.Device, results []models.PollResult, group string) []config.DeviceConfig {
    byID := make(map[string]models.Device, len(devices))
    for _, d := range devices {
        byID[d.ID] = d
    }

    var out []config.DeviceConfig
    for _, r := range results {
        if !r.Reachable {
            continue
        }
        d := byID[r.DeviceID]
        entry := config.DeviceConfig{
            ID:      d.ID,
            Name:    d.Name,
            Address: d.Address,
            Group:   group,
            Probe:   string(models.ProbeICMP),
        }
        if names, err := net.LookupAddr(d.Address); err == nil && len(names) > 0 {
            entry.ID = generateDeviceID(d.Address, names[0])
            entry.Name = strings.TrimSuffix(names[0], ".")
        }
        out = append(out, entry)
    }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return dedupeIDs(out)
}

// dedupeIDs suffixes repeated ids, two hosts can share a short hostname.
func dedupeIDs(devices []config.DeviceConfig) []config.DeviceConfig {
    seen := make(map[string]int)
    for i := range devices {
        id := devices[i].ID
        seen[id]++
        if n := seen[id]; n > 1 {
            devices[i].ID = fmt.Sprintf("%s-%d", id, n)
        }
    }
    return devices
}

func writeReport(w io.Writer, report Report) error {
    header := fmt.Sprintf("# netwatch-probe report\n# Generated on %s\n\n", report.GeneratedAt.Format("2006-01-02 15:04:05"))
    if _, err := io.WriteString(w, header); err != nil {
        return err
    }
    enc := yaml.NewEncoder(w)
    enc.SetIndent(2)
    if err := enc.Encode(report); err != nil {
        return fmt.Errorf("failed to marshal YAML: %w", err)
    }
    return enc.Close()
}

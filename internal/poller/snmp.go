// internal/poller/snmp.go
package poller

import (
    "context"
    "errors"
    "fmt"
    "sort"
    "strconv"
    "strings"
    "time"

    "github.com/gosnmp/gosnmp"
    "netwatch/internal/config"
    "netwatch/internal/models"
)

const (
    oidSysUpTime     = "1.3.6.1.2.1.1.3.0"
    oidIfAdminStatus = "1.3.6.1.2.1.2.2.1.7"
    oidIfOperStatus  = "1.3.6.1.2.1.2.2.1.8"
    oidIfInErrors    = "1.3.6.1.2.1.2.2.1.14"
    oidIfOutErrors   = "1.3.6.1.2.1.2.2.1.20"
    oidIfHCInOctets  = "1.3.6.1.2.1.31.1.1.1.6"
    oidIfHCOutOctets = "1.3.6.1.2.1.31.1.1.1.10"

    ValueSysUpTime = "sys_uptime_seconds"
)

var ifColumns = []string{
    oidIfOperStatus,
    oidIfAdminStatus,
    oidIfHCInOctets,
    oidIfHCOutOctets,
    oidIfInErrors,
    oidIfOutErrors,
}

var ErrUnsupportedSNMPVersion = errors.New("unsupported SNMP version")

// bulkGetter is the part of *gosnmp.GoSNMP the prober uses.
type bulkGetter interface {
    GetBulk(oids []string, nonRepeaters uint8, maxRepetitions uint32) (*gosnmp.SnmpPacket, error)
}

// SNMPProber collects sysUpTime and the interface status and counter
// columns with GETBULK, paging all columns together so a device with a few
// dozen interfaces costs one or two round trips.
type SNMPProber struct {
    cfg     config.SNMPConfig
    connect func(ctx context.Context, device models.Device) (bulkGetter, func(), error)
}

func NewSNMPProber(cfg config.SNMPConfig) *SNMPProber {
    if cfg.MaxRepetitions == 0 {
        cfg.MaxRepetitions = 25
    }
    if cfg.Timeout <= 0 {
        cfg.Timeout = 2 * time.Second
    }
    p := &SNMPProber{cfg: cfg}
    p.connect = p.dial
    return p
}

func (p *SNMPProber) dial(ctx context.Context, device models.Device) (bulkGetter, func(), error) {
    client, err := p.newClient(ctx, device)
    if err != nil {
        return nil, nil, err
    }
    if err := client.Connect(); err != nil {
        return nil, nil, fmt.Errorf("connect: %w", err)
    }
    return client, func() { client.Conn.Close() }, nil
}

func (p *SNMPProber) newClient(ctx context.Context, device models.Device) (*gosnmp.GoSNMP, error) {
    creds := device.SNMP
    if creds == nil {
        return nil, fmt.Errorf("device %s has no SNMP credentials", device.ID)
    }

    port := creds.Port
    if port == 0 {
        port = 161
    }
    timeout := creds.Timeout
    if timeout <= 0 {
        timeout = p.cfg.Timeout
    }

    client := &gosnmp.GoSNMP{
        Context:        ctx,
        Target:         device.Address,
        Port:           port,
        Timeout:        timeout,
        Retries:        p.cfg.Retries,
        MaxOids:        gosnmp.MaxOids,
        MaxRepetitions: p.cfg.MaxRepetitions,
    }

    switch creds.Version {
    case "2c", "":
        client.Version = gosnmp.Version2c
        client.Community = creds.Community
    case "3":
        client.Version = gosnmp.Version3
        client.SecurityModel = gosnmp.UserSecurityModel
        usm := &gosnmp.UsmSecurityParameters{UserName: creds.Username}
        configureV3Auth(usm, creds)
        configureV3Privacy(usm, creds)
        client.SecurityParameters = usm
        client.MsgFlags = msgFlags(creds.SecurityLevel)
    default:
        return nil, fmt.Errorf("%w: %s", ErrUnsupportedSNMPVersion, creds.Version)
    }
    return client, nil
}

func msgFlags(level string) gosnmp.SnmpV3MsgFlags {
    switch strings.ToLower(level) {
    case "noauthnopriv":
        return gosnmp.NoAuthNoPriv
    case "authnopriv":
        return gosnmp.AuthNoPriv
    default:
        return gosnmp.AuthPriv
    }
}

func configureV3Auth(usm *gosnmp.UsmSecurityParameters, creds *models.SNMPCredentials) {
    switch strings.ToUpper(creds.AuthProtocol) {
    case "MD5":
        usm.AuthenticationProtocol = gosnmp.MD5
    case "SHA":
        usm.AuthenticationProtocol = gosnmp.SHA
    case "SHA224":
        usm.AuthenticationProtocol = gosnmp.SHA224
    case "SHA256":
        usm.AuthenticationProtocol = gosnmp.SHA256
    case "SHA384":
        usm.AuthenticationProtocol = gosnmp.SHA384
    case "SHA512":
        usm.AuthenticationProtocol = gosnmp.SHA512
    default:
        return
    }
    usm.AuthenticationPassphrase = creds.AuthPassword
}

func configureV3Privacy(usm *gosnmp.UsmSecurityParameters, creds *models.SNMPCredentials) {
    switch strings.ToUpper(creds.PrivProtocol) {
    case "DES":
        usm.PrivacyProtocol = gosnmp.DES
    case "AES":
        usm.PrivacyProtocol = gosnmp.AES
    case "AES192":
        usm.PrivacyProtocol = gosnmp.AES192
    case "AES256":
        usm.PrivacyProtocol = gosnmp.AES256
    default:
        return
    }
    usm.PrivacyPassphrase = creds.PrivPassword
}

func (p *SNMPProber) Probe(ctx context.Context, device models.Device) (models.PollResult, error) {
    result := models.PollResult{DeviceID: device.ID, Kind: models.ProbeSNMP}

    client, closeFn, err := p.connect(ctx, device)
    if err != nil {
        return result, err
    }
    defer closeFn()

    start := time.Now()
    values, ifaces, err := p.collect(client, device)
    if err != nil {
        if ctx.Err() != nil {
            return result, ctx.Err()
        }
        if isTimeout(err) {
            result.PacketLoss = 1
            return result, nil
        }
        return result, err
    }
    latency := time.Since(start)

    result.Reachable = true
    result.Latency = &latency
    result.Values = values
    result.Interfaces = ifaces
    return result, nil
}

// isTimeout reports whether gosnmp gave up waiting for the agent.
func isTimeout(err error) bool {
    if errors.Is(err, context.DeadlineExceeded) {
        return true
    }
    return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// collect pages the interface columns with GETBULK until every column has
// walked past its subtree.
func (p *SNMPProber) collect(client bulkGetter, device models.Device) (map[string]float64, []models.InterfaceSample, error) {
    values := make(map[string]float64)
    byIndex := make(map[int]*models.InterfaceSample)

    cursors := make(map[string]string, len(ifColumns))
    active := make([]string, 0, len(ifColumns))
    for _, col := range ifColumns {
        cursors[col] = col
        active = append(active, col)
    }

    first := true
    for len(active) > 0 {
        oids := make([]string, 0, len(active)+1)
        var nonRepeaters uint8
        if first {
            oids = append(oids, oidSysUpTime)
            nonRepeaters = 1
        }
        for _, col := range active {
            oids = append(oids, cursors[col])
        }

        pkt, err := client.GetBulk(oids, nonRepeaters, p.cfg.MaxRepetitions)
        if err != nil {
            return nil, nil, err
        }
        if pkt.Error != gosnmp.NoError {
            return nil, nil, fmt.Errorf("snmp error status %s at index %d", pkt.Error, pkt.ErrorIndex)
        }

        vars := pkt.Variables
        if first {
            if len(vars) > 0 {
                if v := vars[0]; v.Type == gosnmp.TimeTicks {
                    values[ValueSysUpTime] = float64(gosnmp.ToBigInt(v.Value).Uint64()) / 100
                }
                vars = vars[1:]
            }
            first = false
        }

        finished := make(map[string]bool)
        progressed := false
        for i, v := range vars {
            col := active[i%len(active)]
            if finished[col] {
                continue
            }
            name := strings.TrimPrefix(v.Name, ".")
            if v.Type == gosnmp.EndOfMibView || v.Type == gosnmp.NoSuchObject || !strings.HasPrefix(name, col+".") {
                finished[col] = true
                continue
            }
            index, err := strconv.Atoi(strings.TrimPrefix(name, col+"."))
            if err != nil {
                finished[col] = true
                continue
            }
            if name == cursors[col] {
                continue
            }
            cursors[col] = name
            progressed = true

            iface, ok := byIndex[index]
            if !ok {
                iface = &models.InterfaceSample{Index: index}
                if meta, found := device.InterfaceByIndex(index); found {
                    iface.Name = meta.Name
                }
                byIndex[index] = iface
            }
            applyColumn(iface, col, v)
        }

        next := active[:0]
        for _, col := range active {
            if !finished[col] {
                next = append(next, col)
            }
        }
        active = next
        if !progressed {
            break
        }
    }

    ifaces := make([]models.InterfaceSample, 0, len(byIndex))
    for _, iface := range byIndex {
        ifaces = append(ifaces, *iface)
    }
    sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Index < ifaces[j].Index })
    return values, ifaces, nil
}

func applyColumn(iface *models.InterfaceSample, col string, v gosnmp.SnmpPDU) {
    n := gosnmp.ToBigInt(v.Value).Uint64()
    switch col {
    case oidIfOperStatus:
        iface.OperUp = n == 1
    case oidIfAdminStatus:
        iface.AdminUp = n == 1
    case oidIfHCInOctets:
        iface.InOctets = n
    case oidIfHCOutOctets:
        iface.OutOctets = n
    case oidIfInErrors:
        iface.InErrors = n
    case oidIfOutErrors:
        iface.OutErrors = n
    }
}

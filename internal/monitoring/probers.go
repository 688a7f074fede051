// internal/monitoring/probers.go
package monitoring

import (
    "github.com/sirupsen/logrus"
    "netwatch/internal/config"
    "netwatch/internal/models"
    "netwatch/internal/poller"
)

func loadProbers(cfg *config.Config) map[models.ProbeKind]poller.Prober {
    probers := map[models.ProbeKind]poller.Prober{
        models.ProbeICMP: poller.NewICMPProber(cfg.Poller.ICMP),
        models.ProbeSNMP: poller.NewSNMPProber(cfg.Poller.SNMP),
    }
    logrus.WithField("probers", len(probers)).Info("Loaded probers")
    return probers
}

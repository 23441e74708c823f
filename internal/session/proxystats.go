package session

import (
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/browserctl/internal/proxy"
)

// ProxyStatsAggregator folds the per-connection counters of a tunnel into the
// session that owned the tunnel when the aggregator was subscribed. Reports
// arriving after that session left the active slot are dropped.
type ProxyStatsAggregator struct {
	m     *Manager
	owner *activeSession
}

func newProxyStatsAggregator(m *Manager, owner *activeSession) *ProxyStatsAggregator {
	return &ProxyStatsAggregator{m: m, owner: owner}
}

// Observe is registered as the tunnel's connection-closed callback.
func (a *ProxyStatsAggregator) Observe(s proxy.ConnStats) {
	if !a.m.addProxyBytes(a.owner, s.TxBytes, s.RxBytes) {
		a.m.log.WithFields(logrus.Fields{
			"session_id": a.owner.info.ID,
			"conn_id":    s.ConnID,
		}).Debug("Dropping proxy stats of inactive session")
		return
	}
	a.m.metrics.AddProxyBytes(s.TxBytes, s.RxBytes)
}

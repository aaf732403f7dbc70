package daemon

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/websoft9/sshbridge/internal/pool"
)

// Diagnostics periodically logs pool occupancy, a supplemental feature for
// operators watching a long-lived daemon (not part of the wire protocol).
type Diagnostics struct {
	cron *cron.Cron
}

// StartDiagnostics schedules a pool-occupancy log line every minute and
// returns a handle whose Stop ends it.
func StartDiagnostics(p *pool.Pool, log zerolog.Logger) *Diagnostics {
	c := cron.New()
	log = log.With().Str("component", "diagnostics").Logger()
	_, _ = c.AddFunc("@every 1m", func() {
		log.Info().Int("idle_sessions", p.Size()).Msg("pool occupancy")
	})
	c.Start()
	return &Diagnostics{cron: c}
}

// Stop ends the scheduled job and waits for any in-flight run to finish.
func (d *Diagnostics) Stop() {
	if d == nil || d.cron == nil {
		return
	}
	<-d.cron.Stop().Done()
}

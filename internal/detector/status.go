// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package detector

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/traylinx/loopguard/internal/fingerprint"
)

// Monitor is the live state of one (agent, fingerprint) pair.
type Monitor struct {
	Count            int       `json:"count"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	ThresholdReached bool      `json:"threshold_reached"`
}

// Status is the read-only view over every live record.
type Status struct {
	// ActiveMonitors maps agent to fingerprint to monitor.
	ActiveMonitors map[string]map[string]Monitor `json:"active_monitors"`
	TotalErrors    int                           `json:"total_errors"`
	Threshold      int                           `json:"threshold"`
	WindowSeconds  float64                       `json:"window_seconds"`
}

// Status computes the live state against the detector's clock, window and
// threshold. It never records an occurrence.
func (d *Detector) Status() Status {
	s := Status{
		ActiveMonitors: make(map[string]map[string]Monitor),
		Threshold:      d.threshold,
		WindowSeconds:  d.window.Seconds(),
	}
	for key, st := range d.store.Snapshot(d.clock(), d.window) {
		byFP, ok := s.ActiveMonitors[key.Agent]
		if !ok {
			byFP = make(map[string]Monitor)
			s.ActiveMonitors[key.Agent] = byFP
		}
		byFP[string(key.Fingerprint)] = Monitor{
			Count:            st.Count,
			FirstSeen:        st.FirstSeen,
			LastSeen:         st.LastSeen,
			ThresholdReached: st.Count >= d.threshold,
		}
		s.TotalErrors += st.Count
	}
	return s
}

// FormatStatus renders s for terminals. Fingerprints are shortened to eight
// characters.
func FormatStatus(s Status) string {
	var sb strings.Builder
	sb.WriteString("Error loop monitor\n")
	fmt.Fprintf(&sb, "Total errors in window: %d\n", s.TotalErrors)

	if len(s.ActiveMonitors) == 0 {
		sb.WriteString("No active monitors\n")
		return sb.String()
	}

	agents := make([]string, 0, len(s.ActiveMonitors))
	for agent := range s.ActiveMonitors {
		agents = append(agents, agent)
	}
	sort.Strings(agents)

	for _, agent := range agents {
		fmt.Fprintf(&sb, "\n%s:\n", agent)
		byFP := s.ActiveMonitors[agent]
		fps := make([]string, 0, len(byFP))
		for fp := range byFP {
			fps = append(fps, fp)
		}
		sort.Strings(fps)
		for _, fp := range fps {
			m := byFP[fp]
			marker := ""
			if m.ThresholdReached {
				marker = " LOOP"
			}
			fmt.Fprintf(&sb, "  %s: %d/%d%s (last %s)\n",
				fingerprint.Fingerprint(fp).Short(8), m.Count, s.Threshold, marker,
				m.LastSeen.Format(time.RFC3339))
		}
	}
	return sb.String()
}

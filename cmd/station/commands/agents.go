package commands

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stationhq/station/internal/printer"
	"github.com/stationhq/station/pkg/statestore"
)

var agentsJSON bool

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Show configured agents and their liveness",
	Long: `Show every agent declared in station.yml alongside its last reported
heartbeat. Agents with a heartbeat inside the liveness window are ONLINE;
configured agents with no recent heartbeat are OFFLINE.`,
	Args: cobra.NoArgs,
	RunE: runAgents,
}

func init() {
	agentsCmd.Flags().BoolVar(&agentsJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(agentsCmd)
}

// agentRow merges a configured descriptor with its runtime liveness record.
type agentRow struct {
	ID           string     `json:"agent_id"`
	Name         string     `json:"name"`
	Capabilities []string   `json:"capabilities"`
	Online       bool       `json:"online"`
	Status       string     `json:"status,omitempty"`
	Workload     float64    `json:"workload"`
	LastSeen     *time.Time `json:"last_heartbeat,omitempty"`
}

func runAgents(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	s, err := connect(ctx)
	if err != nil {
		return printer.Error("Cannot connect to instance", err.Error(),
			[]string{"Check that Redis is running and station.yml points at it"})
	}
	defer s.close()

	window := s.cfg.HeartbeatTTLDuration()
	active, err := s.store.GetActiveAgents(ctx, window)
	if err != nil {
		return printer.Error("Failed to read agent states", err.Error(), nil)
	}
	live := make(map[string]*statestore.AgentState, len(active))
	for _, st := range active {
		live[st.AgentID] = st
	}

	rows := make([]agentRow, 0, len(s.cfg.Agents))
	for _, d := range s.cfg.Descriptors() {
		caps := make([]string, len(d.Capabilities))
		for i, c := range d.Capabilities {
			caps[i] = string(c)
		}
		row := agentRow{ID: d.ID, Name: d.Name, Capabilities: caps}
		if st, ok := live[d.ID]; ok {
			hb := st.LastHeartbeat
			row.Online = true
			row.Status = st.Status
			row.Workload = st.Workload
			row.LastSeen = &hb
			delete(live, d.ID)
		}
		rows = append(rows, row)
	}
	// Agents heartbeating without a config entry still show up; they joined
	// through the bus rather than station.yml.
	for _, st := range active {
		if _, unconfigured := live[st.AgentID]; unconfigured {
			hb := st.LastHeartbeat
			rows = append(rows, agentRow{
				ID:       st.AgentID,
				Name:     st.AgentID,
				Online:   true,
				Status:   st.Status,
				Workload: st.Workload,
				LastSeen: &hb,
			})
		}
	}

	if agentsJSON {
		return printJSON(rows)
	}

	if len(rows) == 0 {
		printer.Info("No agents configured\n")
		return nil
	}
	printer.Printf("%-16s %-8s %-10s %-9s %s\n", "AGENT", "STATE", "STATUS", "WORKLOAD", "CAPABILITIES")
	for _, r := range rows {
		state := "OFFLINE"
		if r.Online {
			state = "ONLINE"
		}
		printer.Printf("%-16s %-8s %-10s %8.0f%% %s\n",
			r.ID, state, r.Status, r.Workload*100, strings.Join(r.Capabilities, ", "))
	}
	return nil
}

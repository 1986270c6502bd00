package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/stationhq/station/internal/printer"
	"github.com/stationhq/station/internal/resolver"
	"github.com/stationhq/station/internal/timespec"
	"github.com/stationhq/station/internal/watch"
	"github.com/stationhq/station/pkg/eventbus"
	"github.com/stationhq/station/pkg/statestore"
)

var (
	missionDescription string
	missionPriority    string
	missionCreatedBy   string
	missionDeadline    string
	missionWait        bool
	missionWaitTimeout time.Duration
	missionStatus      string
	missionJSON        bool
)

var missionCmd = &cobra.Command{
	Use:   "mission",
	Short: "Create and inspect missions",
}

var missionCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a new mission",
	Long: `Create a new mission and announce it on the event bus. The running
stationd instance picks the announcement up, decomposes the mission into
capability-tagged tasks, and assigns them to agents.`,
	Args: cobra.ExactArgs(1),
	RunE: runMissionCreate,
}

var missionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List missions",
	Args:  cobra.NoArgs,
	RunE:  runMissionList,
}

var missionShowCmd = &cobra.Command{
	Use:   "show <mission-id>",
	Short: "Show one mission in full",
	Long:  "Show one mission in full. The id may be shortened to any unique prefix.",
	Args:  cobra.ExactArgs(1),
	RunE:  runMissionShow,
}

var missionCancelCmd = &cobra.Command{
	Use:   "cancel <mission-id>",
	Short: "Cancel a mission that has not started",
	Long: `Cancel a mission. Only missions that are pending, assigned or blocked
can be cancelled; work already in progress must finish or fail first.`,
	Args: cobra.ExactArgs(1),
	RunE: runMissionCancel,
}

func init() {
	missionCreateCmd.Flags().StringVar(&missionDescription, "description", "", "Mission description used for task decomposition")
	missionCreateCmd.Flags().StringVar(&missionPriority, "priority", "normal", "Priority: low, normal, high or critical")
	missionCreateCmd.Flags().StringVar(&missionCreatedBy, "created-by", "cli", "Originator recorded on the mission")
	missionCreateCmd.Flags().StringVar(&missionDeadline, "deadline", "", "Deadline as a duration ('2h') or RFC3339 timestamp")
	missionCreateCmd.Flags().BoolVar(&missionWait, "wait", false, "Block until the mission completes, fails or is cancelled")
	missionCreateCmd.Flags().DurationVar(&missionWaitTimeout, "timeout", 10*time.Minute, "How long --wait blocks before giving up")
	missionCreateCmd.Flags().BoolVar(&missionJSON, "json", false, "Output in JSON format")

	missionListCmd.Flags().StringVar(&missionStatus, "status", "", "Only show missions in this status")
	missionListCmd.Flags().BoolVar(&missionJSON, "json", false, "Output in JSON format")

	missionShowCmd.Flags().BoolVar(&missionJSON, "json", false, "Output in JSON format")

	missionCancelCmd.Flags().BoolVar(&missionJSON, "json", false, "Output in JSON format")

	missionCmd.AddCommand(missionCreateCmd)
	missionCmd.AddCommand(missionListCmd)
	missionCmd.AddCommand(missionShowCmd)
	missionCmd.AddCommand(missionCancelCmd)
	rootCmd.AddCommand(missionCmd)
}

func runMissionCreate(cmd *cobra.Command, args []string) error {
	title := args[0]
	priority := statestore.MissionPriority(strings.ToLower(missionPriority))
	if err := priority.Validate(); err != nil {
		return printer.Error("Invalid priority", err.Error(),
			[]string{"Use one of: low, normal, high, critical"})
	}

	deadline, err := timespec.ParseDeadline(missionDeadline)
	if err != nil {
		return printer.Error("Invalid deadline", err.Error(),
			[]string{"Use a duration like '2h' or an RFC3339 timestamp"})
	}

	ctx, cancel := commandContext()
	defer cancel()

	s, err := connect(ctx)
	if err != nil {
		return printer.Error("Cannot connect to instance", err.Error(),
			[]string{"Check that Redis is running and station.yml points at it"})
	}
	defer s.close()

	description := missionDescription
	if description == "" {
		description = title
	}

	m := statestore.NewMission("mission-"+uuid.New().String()[:8], title, description, priority)
	m.CreatedBy = missionCreatedBy
	m.Deadline = deadline
	if err := s.store.CreateMission(ctx, m); err != nil {
		return printer.Error("Failed to create mission", err.Error(), nil)
	}

	if _, err := s.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventMissionCreated, "cli", map[string]any{
		"mission_id": m.ID,
		"title":      m.Title,
		"priority":   string(m.Priority),
		"created_by": m.CreatedBy,
	})); err != nil {
		return printer.Error("Mission stored but not announced", err.Error(),
			[]string{"The tracking loop will still pick the mission up on its next pass"})
	}

	if !missionWait {
		if missionJSON {
			return printJSON(m)
		}
		printer.Success("Created mission %s (%s)\n", m.ID, m.Priority)
		return nil
	}

	if !missionJSON {
		printer.Success("Created mission %s (%s)\n", m.ID, m.Priority)
		printer.Step("Waiting for mission to finish...\n")
	}

	// Waiting can outlive the short per-command context.
	waitCtx, cancelWait := context.WithTimeout(context.Background(), missionWaitTimeout+time.Second)
	defer cancelWait()

	final, err := watch.PollForOutcome(waitCtx, s.store, m.ID, missionWaitTimeout)
	if err != nil {
		return printer.Error("Gave up waiting for mission", err.Error(),
			[]string{fmt.Sprintf("Run 'station mission show %s' to check on it later", m.ID)})
	}

	if missionJSON {
		return printJSON(final)
	}
	switch final.Status {
	case statestore.StatusCompleted:
		printer.Success("Mission %s completed\n", final.ID)
	case statestore.StatusFailed:
		printer.Warning("Mission %s failed: %s\n", final.ID, final.Error)
	default:
		printer.Warning("Mission %s was cancelled\n", final.ID)
	}
	return nil
}

func runMissionList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	s, err := connect(ctx)
	if err != nil {
		return printer.Error("Cannot connect to instance", err.Error(), nil)
	}
	defer s.close()

	var missions []*statestore.Mission
	if missionStatus != "" {
		status := statestore.MissionStatus(strings.ToLower(missionStatus))
		if err := status.Validate(); err != nil {
			return printer.Error("Invalid status filter", err.Error(), nil)
		}
		missions, err = s.store.MissionsByStatus(ctx, status)
	} else {
		missions, err = s.store.ListMissions(ctx)
	}
	if err != nil {
		return printer.Error("Failed to list missions", err.Error(), nil)
	}

	sort.Slice(missions, func(i, j int) bool {
		return missions[i].CreatedAt.Before(missions[j].CreatedAt)
	})

	if missionJSON {
		return printJSON(missions)
	}

	if len(missions) == 0 {
		printer.Info("No missions\n")
		return nil
	}
	printer.Printf("%-20s %-12s %-10s %-9s %s\n", "ID", "STATUS", "PRIORITY", "PROGRESS", "TITLE")
	for _, m := range missions {
		printer.Printf("%-20s %-12s %-10s %8.0f%% %s\n",
			m.ID, m.Status, m.Priority, m.Progress*100, m.Title)
	}
	return nil
}

func runMissionShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	s, err := connect(ctx)
	if err != nil {
		return printer.Error("Cannot connect to instance", err.Error(), nil)
	}
	defer s.close()

	id, err := resolveMission(ctx, s, args[0])
	if err != nil {
		return err
	}

	m, err := s.store.GetMission(ctx, id)
	if err != nil {
		return printer.Error("Failed to read mission", err.Error(), nil)
	}

	if missionJSON {
		return printJSON(m)
	}

	printer.Printf("Mission:   %s\n", m.ID)
	printer.Printf("Title:     %s\n", m.Title)
	printer.Printf("Status:    %s\n", printer.Status(string(m.Status)))
	printer.Printf("Priority:  %s\n", m.Priority)
	printer.Printf("Progress:  %.0f%%\n", m.Progress*100)
	if len(m.AssignedAgents) > 0 {
		printer.Printf("Agents:    %s\n", strings.Join(m.AssignedAgents, ", "))
	}
	if m.Error != "" {
		printer.Printf("Error:     %s\n", m.Error)
	}
	if len(m.Checkpoints) > 0 {
		printer.Println()
		printer.Printf("%-24s %-22s %-10s %s\n", "TASK", "CAPABILITY", "STATUS", "AGENT")
		for _, t := range m.Checkpoints {
			printer.Printf("%-24s %-22s %-10s %s\n",
				t.TaskID, t.RequiredCapability, t.Status, t.AssignedAgent)
		}
	}
	return nil
}

func runMissionCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	s, err := connect(ctx)
	if err != nil {
		return printer.Error("Cannot connect to instance", err.Error(), nil)
	}
	defer s.close()

	id, err := resolveMission(ctx, s, args[0])
	if err != nil {
		return err
	}

	m, err := s.store.TransitionMission(ctx, id, statestore.StatusCancelled, "cancelled from cli")
	if err != nil {
		if errors.Is(err, statestore.ErrInvalidTransition) {
			return printer.Error("Mission cannot be cancelled",
				fmt.Sprintf("Mission %s is %s; only pending, assigned or blocked missions can be cancelled.", id, missionStatusOf(ctx, s, id)),
				[]string{"Wait for in-progress work to finish or fail"})
		}
		return printer.Error("Failed to cancel mission", err.Error(), nil)
	}

	if _, err := s.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventMissionCancelled, "cli", map[string]any{
		"mission_id": m.ID,
		"reason":     "cancelled from cli",
	})); err != nil {
		printer.Warning("Mission cancelled but not announced: %v\n", err)
	}

	if missionJSON {
		return printJSON(m)
	}
	printer.Success("Cancelled mission %s\n", m.ID)
	return nil
}

// resolveMission turns a possibly shortened id into a full one, rendering
// resolver errors in CLI form.
func resolveMission(ctx context.Context, s *session, input string) (string, error) {
	id, err := resolver.ResolveMissionID(ctx, s.store, input)
	if err == nil {
		return id, nil
	}
	if resolver.IsNotFoundError(err) {
		return "", printer.Error("Mission not found", err.Error(),
			[]string{"Run 'station mission list' to see known missions"})
	}
	var ambig *resolver.AmbiguousError
	if errors.As(err, &ambig) {
		return "", printer.Error("Ambiguous mission id", resolver.FormatAmbiguousError(ambig), nil)
	}
	return "", printer.Error("Failed to resolve mission id", err.Error(), nil)
}

func missionStatusOf(ctx context.Context, s *session, id string) statestore.MissionStatus {
	m, err := s.store.GetMission(ctx, id)
	if err != nil {
		return "unknown"
	}
	return m.Status
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	printer.Println(string(out))
	return nil
}

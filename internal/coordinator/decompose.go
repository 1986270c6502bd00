package coordinator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stationhq/station/internal/agent"
	"github.com/stationhq/station/pkg/statestore"
)

// Task statuses as stored on mission checkpoints.
const (
	TaskPending   = "pending"
	TaskAssigned  = "assigned"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// capabilityRule maps description keywords to a required capability. Rules
// are checked in order; each matching rule contributes one sub-task.
type capabilityRule struct {
	capability agent.Capability
	keywords   []string
}

var decompositionRules = []capabilityRule{
	{agent.CapWebSearch, []string{"research", "find", "search", "lookup"}},
	{agent.CapDocumentProcessing, []string{"document", "pdf", "file", "read"}},
	{agent.CapImageAnalysis, []string{"image", "photo", "picture", "screenshot"}},
	{agent.CapAudioTranscription, []string{"audio", "voice", "sound", "transcribe"}},
	{agent.CapLegalAnalysis, []string{"legal", "law", "contract", "compliance"}},
	{agent.CapCodeGeneration, []string{"code", "programming", "debug", "implement"}},
}

// decompose derives sub-tasks from a mission description. Every mission
// yields at least one task: when no keywords match, a single CONVERSATION
// task carries the whole request.
func decompose(missionID, description string) []statestore.Checkpoint {
	lowered := strings.ToLower(description)
	now := time.Now().UTC()

	var tasks []statestore.Checkpoint
	for _, rule := range decompositionRules {
		for _, kw := range rule.keywords {
			if !strings.Contains(lowered, kw) {
				continue
			}
			tasks = append(tasks, statestore.Checkpoint{
				TaskID:             fmt.Sprintf("%s-task-%d", missionID, len(tasks)+1),
				Title:              fmt.Sprintf("%s work", strings.ToLower(string(rule.capability))),
				Description:        description,
				RequiredCapability: rule.capability.String(),
				Status:             TaskPending,
				CreatedAt:          now,
			})
			break
		}
	}

	if len(tasks) == 0 {
		tasks = append(tasks, statestore.Checkpoint{
			TaskID:             missionID + "-task-1",
			Title:              "conversation work",
			Description:        description,
			RequiredCapability: agent.CapConversation.String(),
			Status:             TaskPending,
			CreatedAt:          now,
		})
	}
	return tasks
}

// topoSort orders task ids so dependencies come before dependents. Cycles
// are broken by picking any remaining task, so the result is best-effort
// rather than a correctness guarantee.
func topoSort(tasks []statestore.Checkpoint) []string {
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string)
	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		known[t.TaskID] = true
	}
	order := make([]string, 0, len(tasks))

	for _, t := range tasks {
		count := 0
		for _, dep := range t.Dependencies {
			if known[dep] {
				count++
				dependents[dep] = append(dependents[dep], t.TaskID)
			}
		}
		indegree[t.TaskID] = count
	}

	remaining := make([]string, 0, len(tasks))
	for _, t := range tasks {
		remaining = append(remaining, t.TaskID)
	}

	done := make(map[string]bool, len(tasks))
	for len(order) < len(tasks) {
		picked := ""
		for _, id := range remaining {
			if !done[id] && indegree[id] == 0 {
				picked = id
				break
			}
		}
		if picked == "" {
			// cycle: take any remaining task to keep making progress
			for _, id := range remaining {
				if !done[id] {
					picked = id
					break
				}
			}
		}
		done[picked] = true
		order = append(order, picked)
		for _, dep := range dependents[picked] {
			indegree[dep]--
		}
	}
	return order
}

// parallelGroups batches tasks that share the same dependency set, keeping
// the topological order between batches.
func parallelGroups(tasks []statestore.Checkpoint, order []string) [][]string {
	byID := make(map[string]statestore.Checkpoint, len(tasks))
	for _, t := range tasks {
		byID[t.TaskID] = t
	}

	depKey := func(id string) string {
		deps := append([]string(nil), byID[id].Dependencies...)
		sort.Strings(deps)
		return strings.Join(deps, ",")
	}

	var groups [][]string
	lastKey := ""
	for i, id := range order {
		key := depKey(id)
		if i == 0 || key != lastKey {
			groups = append(groups, []string{id})
		} else {
			groups[len(groups)-1] = append(groups[len(groups)-1], id)
		}
		lastKey = key
	}
	return groups
}

package statestore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Serialization helpers for converting between Go structs and Redis hashes.
//
// Redis stores data as string-to-string maps (hashes). Complex fields like
// slices and maps are JSON-encoded into single hash fields, which keeps the
// scalar fields individually readable while preserving structure.

// MissionToHash converts a Mission to its Redis hash representation.
func MissionToHash(m *Mission) (map[string]interface{}, error) {
	agentsJSON, err := json.Marshal(m.AssignedAgents)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal assigned_agents: %w", err)
	}
	checkpointsJSON, err := json.Marshal(m.Checkpoints)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoints: %w", err)
	}
	contextJSON, err := json.Marshal(m.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal context: %w", err)
	}
	resultJSON, err := json.Marshal(m.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	hash := map[string]interface{}{
		"mission_id":      m.ID,
		"title":           m.Title,
		"description":     m.Description,
		"status":          string(m.Status),
		"priority":        string(m.Priority),
		"assigned_agents": string(agentsJSON),
		"created_by":      m.CreatedBy,
		"created_at":      formatTime(m.CreatedAt),
		"updated_at":      formatTime(m.UpdatedAt),
		"started_at":      formatTimePtr(m.StartedAt),
		"completed_at":    formatTimePtr(m.CompletedAt),
		"deadline":        formatTimePtr(m.Deadline),
		"progress":        strconv.FormatFloat(m.Progress, 'f', -1, 64),
		"checkpoints":     string(checkpointsJSON),
		"context":         string(contextJSON),
		"result":          string(resultJSON),
		"error":           m.Error,
	}

	return hash, nil
}

// HashToMission converts a Redis hash back to a Mission.
func HashToMission(hash map[string]string) (*Mission, error) {
	progress, err := strconv.ParseFloat(hash["progress"], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid progress field: %w", err)
	}

	createdAt, err := parseTime(hash["created_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid created_at field: %w", err)
	}
	updatedAt, err := parseTime(hash["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid updated_at field: %w", err)
	}

	startedAt, err := parseTimePtr(hash["started_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid started_at field: %w", err)
	}
	completedAt, err := parseTimePtr(hash["completed_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid completed_at field: %w", err)
	}
	deadline, err := parseTimePtr(hash["deadline"])
	if err != nil {
		return nil, fmt.Errorf("invalid deadline field: %w", err)
	}

	var assignedAgents []string
	if s := hash["assigned_agents"]; s != "" {
		if err := json.Unmarshal([]byte(s), &assignedAgents); err != nil {
			return nil, fmt.Errorf("failed to unmarshal assigned_agents: %w", err)
		}
	}
	if assignedAgents == nil {
		assignedAgents = []string{}
	}

	var checkpoints []Checkpoint
	if s := hash["checkpoints"]; s != "" {
		if err := json.Unmarshal([]byte(s), &checkpoints); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoints: %w", err)
		}
	}
	if checkpoints == nil {
		checkpoints = []Checkpoint{}
	}

	var missionContext map[string]any
	if s := hash["context"]; s != "" {
		if err := json.Unmarshal([]byte(s), &missionContext); err != nil {
			return nil, fmt.Errorf("failed to unmarshal context: %w", err)
		}
	}
	if missionContext == nil {
		missionContext = map[string]any{}
	}

	var result map[string]any
	if s := hash["result"]; s != "" && s != "null" {
		if err := json.Unmarshal([]byte(s), &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}

	return &Mission{
		ID:             hash["mission_id"],
		Title:          hash["title"],
		Description:    hash["description"],
		Status:         MissionStatus(hash["status"]),
		Priority:       MissionPriority(hash["priority"]),
		AssignedAgents: assignedAgents,
		CreatedBy:      hash["created_by"],
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
		StartedAt:      startedAt,
		CompletedAt:    completedAt,
		Deadline:       deadline,
		Progress:       progress,
		Checkpoints:    checkpoints,
		Context:        missionContext,
		Result:         result,
		Error:          hash["error"],
	}, nil
}

// AgentStateToJSON encodes an agent state for storage.
func AgentStateToJSON(s *AgentState) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal agent state: %w", err)
	}
	return string(data), nil
}

// JSONToAgentState decodes a stored agent state.
func JSONToAgentState(data string) (*AgentState, error) {
	var s AgentState
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent state: %w", err)
	}
	return &s, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseTime(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

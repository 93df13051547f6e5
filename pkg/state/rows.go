package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opengrove/opengrove/pkg/engine"
)

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// encodeJSON renders a value as a JSON string for storage. Nil maps and
// slices encode as their empty literal so columns never hold SQL NULL.
func encodeJSON(v interface{}) (string, error) {
	if v == nil {
		return "{}", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	text := string(data)
	if text == "null" {
		switch v.(type) {
		case []string:
			return "[]", nil
		default:
			return "{}", nil
		}
	}
	return text, nil
}

func scanResource(row scanner) (*engine.ResourceState, error) {
	var (
		st           engine.ResourceState
		kind         string
		status       string
		outputs      string
		labels       string
		dependencies string
	)

	err := row.Scan(
		&st.DeploymentID,
		&st.ResourceID,
		&kind,
		&status,
		&st.Fingerprint,
		&outputs,
		&labels,
		&dependencies,
		&st.PlanPosition,
		&st.Error,
		&st.VerifyDetail,
		&st.LastRunID,
		&st.CreatedAt,
		&st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	st.Kind = engine.ResourceKind(kind)
	st.Status = engine.ResourceStatus(status)
	if err := json.Unmarshal([]byte(outputs), &st.Outputs); err != nil {
		return nil, fmt.Errorf("decoding outputs: %w", err)
	}
	if err := json.Unmarshal([]byte(labels), &st.Labels); err != nil {
		return nil, fmt.Errorf("decoding labels: %w", err)
	}
	if err := json.Unmarshal([]byte(dependencies), &st.Dependencies); err != nil {
		return nil, fmt.Errorf("decoding dependencies: %w", err)
	}

	return &st, nil
}

func scanRun(row scanner) (*engine.Run, error) {
	var (
		run        engine.Run
		runType    string
		status     string
		summary    string
		finishedAt sql.NullTime
	)

	err := row.Scan(
		&run.ID,
		&run.DeploymentID,
		&runType,
		&status,
		&summary,
		&run.Error,
		&run.StartedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Type = engine.RunType(runType)
	run.Status = engine.RunStatus(status)
	if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
		return nil, fmt.Errorf("decoding summary: %w", err)
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}

	return &run, nil
}

func scanEvent(row scanner) (*engine.Event, error) {
	var (
		ev        engine.Event
		eventType string
		details   string
	)

	err := row.Scan(
		&ev.ID,
		&ev.RunID,
		&ev.DeploymentID,
		&ev.ResourceID,
		&eventType,
		&ev.Message,
		&details,
		&ev.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	ev.Type = engine.EventType(eventType)
	if err := json.Unmarshal([]byte(details), &ev.Details); err != nil {
		return nil, fmt.Errorf("decoding details: %w", err)
	}

	return &ev, nil
}

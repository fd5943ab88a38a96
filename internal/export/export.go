// Package export converts query meta model records to plain maps and JSON
// documents, and reads connection descriptions back.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"querymeta/internal/domain"
	"querymeta/internal/qmm"
)

// ConnectionInfoToMap serializes the descriptive fields of a connection.
// Endpoint keys are present only when an endpoint is known; "project" is
// always present and empty when there is no project.
func ConnectionInfoToMap(info domain.ConnectionInfo) map[string]any {
	m := map[string]any{
		"containerId":   info.ContainerID,
		"containerName": info.ContainerName,
		"driverId":      info.DriverID,
		"instanceId":    info.InstanceID,
		"contextName":   info.ContextName,
	}
	if info.Dialect != "" {
		m["dialect"] = info.Dialect
	}
	if info.Endpoint != nil {
		m["connectionUserName"] = info.Endpoint.UserName
		m["connectionURL"] = info.Endpoint.URL
	}
	project := map[string]any{}
	if p := info.Project; p != nil {
		project["id"] = p.ID
		project["name"] = p.Name
		project["path"] = p.Path
		project["isAnonymous"] = p.Anonymous
	}
	m["project"] = project
	return m
}

// ConnectionInfoFromMap is the inverse of ConnectionInfoToMap. Missing keys
// become empty values; a project id that is not a UUID is rejected.
func ConnectionInfoFromMap(m map[string]any) (domain.ConnectionInfo, error) {
	info := domain.ConnectionInfo{
		ContainerID:   toString(m["containerId"]),
		ContainerName: toString(m["containerName"]),
		DriverID:      toString(m["driverId"]),
		InstanceID:    toString(m["instanceId"]),
		ContextName:   toString(m["contextName"]),
		Dialect:       toString(m["dialect"]),
	}
	user, url := toString(m["connectionUserName"]), toString(m["connectionURL"])
	if user != "" || url != "" {
		info.Endpoint = &domain.Endpoint{UserName: user, URL: url}
	}
	project, _ := m["project"].(map[string]any)
	if len(project) > 0 {
		ref := &domain.ProjectRef{
			Name:      toString(project["name"]),
			Path:      toString(project["path"]),
			Anonymous: toBool(project["isAnonymous"]),
		}
		if id := toString(project["id"]); id != "" {
			parsed, err := uuid.Parse(id)
			if err != nil {
				return domain.ConnectionInfo{}, domain.ErrValidation("invalid project id %q: %v", id, err)
			}
			ref.ID = parsed.String()
		}
		info.Project = ref
	}
	return info, nil
}

// RecordToMap serializes one record. Links to other records are exported as
// their object ids.
func RecordToMap(rec qmm.Record) map[string]any {
	meta := rec.Meta()
	m := map[string]any{
		"id":       meta.ID,
		"kind":     meta.Kind.String(),
		"text":     rec.Text(),
		"openTime": formatTime(meta.OpenTime),
	}
	if meta.IsClosed() {
		m["closeTime"] = formatTime(meta.CloseTime)
		if d, ok := meta.Duration(); ok {
			m["durationMs"] = d.Milliseconds()
		}
	}

	switch r := rec.(type) {
	case qmm.ConnectionState:
		m["transactional"] = r.Transactional
		m["info"] = ConnectionInfoToMap(r.Info)
	case qmm.Transaction:
		m["committed"] = tristate(r.Committed)
		if prev, ok := r.Previous(); ok {
			m["previousId"] = prev.ID
		}
		if sp, ok := r.CurrentSavepoint(); ok {
			m["savepointId"] = sp.ID
		}
	case qmm.Savepoint:
		m["name"] = r.Name
		m["committed"] = tristate(r.Committed)
		m["transactionId"] = r.Transaction().ID
		if prev, ok := r.Previous(); ok {
			m["previousId"] = prev.ID
		}
		if e, ok := r.LastExecution(); ok {
			m["lastExecutionId"] = e.ID
		}
	case qmm.Statement:
		m["purpose"] = r.Purpose.String()
		if prev, ok := r.Previous(); ok {
			m["previousId"] = prev.ID
		}
	case qmm.Execution:
		m["statementId"] = r.Statement().ID
		m["queryText"] = r.QueryText
		m["updateRowCount"] = r.UpdateRowCount
		m["fetchRowCount"] = r.FetchRowCount
		m["transactional"] = r.Transactional
		if sp, ok := r.Savepoint(); ok {
			m["savepointId"] = sp.ID
		}
		if prev, ok := r.Previous(); ok {
			m["previousId"] = prev.ID
		}
		if r.ErrorCode != nil {
			m["errorCode"] = *r.ErrorCode
		}
		if r.ErrorMessage != nil {
			m["errorMessage"] = *r.ErrorMessage
		}
		if !r.FetchBeginTime.IsZero() {
			m["fetchBeginTime"] = formatTime(r.FetchBeginTime)
		}
		if !r.FetchEndTime.IsZero() {
			m["fetchEndTime"] = formatTime(r.FetchEndTime)
		}
	default:
		panic(fmt.Sprintf("export: unexpected record type %T", rec))
	}
	return m
}

// SnapshotToMap serializes a connection with its full history, records
// ordered by object id.
func SnapshotToMap(s qmm.Snapshot) map[string]any {
	recs := s.Records()
	out := make([]map[string]any, 0, len(recs))
	for _, r := range recs {
		out = append(out, RecordToMap(r))
	}
	return map[string]any{
		"connection": RecordToMap(s.Connection),
		"records":    out,
	}
}

// WriteJSON writes the snapshots as one indented JSON document.
func WriteJSON(w io.Writer, snapshots []qmm.Snapshot) error {
	conns := make([]map[string]any, 0, len(snapshots))
	for _, s := range snapshots {
		conns = append(conns, SnapshotToMap(s))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{"connections": conns}); err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func tristate(t domain.Tristate) any {
	if v, ok := t.Bool(); ok {
		return v
	}
	return nil
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func toBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(x))
		return b
	default:
		return false
	}
}

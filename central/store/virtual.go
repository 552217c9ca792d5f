package store

import (
	"database/sql"
	"encoding/json"
)

// virtualFields mirrors just the bits of collector.Payload that ExtractVirtual
// needs, avoiding an import of agent/collector from the central server (the
// central component only ever sees a payload as opaque JSON on the wire).
type virtualFields struct {
	Request struct {
		URI    string `json:"uri"`
		Method string `json:"method"`
	} `json:"request"`
	Response struct {
		StatusCode int `json:"status_code"`
	} `json:"response"`
}

// ExtractVirtual pulls url, http_method, and status_code out of a payload's
// JSON for the indexed derived columns spec.md §3 calls "virtual fields".
// A payload that doesn't parse, or one missing these fields (database-agent
// payloads have none), yields null columns rather than an error — these
// fields are a read convenience, never a write precondition.
func ExtractVirtual(payload string) (url, method sql.NullString, status sql.NullInt64) {
	var v virtualFields
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return
	}
	if v.Request.URI != "" {
		url = sql.NullString{String: v.Request.URI, Valid: true}
	}
	if v.Request.Method != "" {
		method = sql.NullString{String: v.Request.Method, Valid: true}
	}
	if v.Response.StatusCode != 0 {
		status = sql.NullInt64{Int64: int64(v.Response.StatusCode), Valid: true}
	}
	return
}

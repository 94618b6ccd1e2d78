package rainmachine

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/sprinkler/rainmachine-weewx/internal/weather"
)

// ContentType is the media type of encoded payloads.
const ContentType = "application/json"

// Entry is one weather observation in the controller's format.
type Entry map[string]float64

// Payload is the request body for /api/4/parser/data.
type Payload struct {
	Weather []Entry `json:"weather"`
}

// Transform maps rec through table into a single-entry Payload. Null, absent
// and non-finite values are left out.
func Transform(rec weather.Record, table Table) Payload {
	entry := make(Entry, len(table))
	for dest, m := range table {
		v, ok := lookup(rec, m.Source)
		if !ok {
			continue
		}
		out := m.Apply(v)
		if math.IsNaN(out) || math.IsInf(out, 0) {
			continue
		}
		entry[dest] = out
	}
	return Payload{Weather: []Entry{entry}}
}

// lookup resolves a source field, including the record's dateTime.
func lookup(rec weather.Record, field string) (float64, bool) {
	if field == "dateTime" {
		return float64(rec.DateTime), true
	}
	return rec.Get(field)
}

// Encode transforms rec and serializes it. Output for the same record and
// table is byte-identical across calls since entry keys are emitted sorted.
func Encode(rec weather.Record, table Table) ([]byte, error) {
	body, err := json.Marshal(Transform(rec, table))
	if err != nil {
		return nil, fmt.Errorf("rainmachine: encode payload: %w", err)
	}
	return body, nil
}

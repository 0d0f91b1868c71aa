package tool

import (
	"context"
	"time"

	"github.com/theuselessai/pipelit/flow"
)

// DateTime answers time questions: current time, formatting, parsing, and
// offset arithmetic. The clock is injectable for tests.
type DateTime struct {
	now func() time.Time
}

// NewDateTime creates the datetime tool on the wall clock.
func NewDateTime() *DateTime {
	return &DateTime{now: time.Now}
}

func (d *DateTime) Name() string { return "datetime" }

func (d *DateTime) Description() string {
	return "Returns the current date and time, converts between timezones, " +
		"and adds or subtracts durations. Times are RFC 3339."
}

func (d *DateTime) Schema() map[string]any {
	return objectSchema(map[string]any{
		"operation": map[string]any{
			"type":        "string",
			"description": "One of: now, parse, add.",
		},
		"time": map[string]any{
			"type":        "string",
			"description": "RFC 3339 timestamp for parse/add. Defaults to now.",
		},
		"timezone": map[string]any{
			"type":        "string",
			"description": "IANA timezone name, e.g. \"Europe/Berlin\". Defaults to UTC.",
		},
		"duration": map[string]any{
			"type":        "string",
			"description": "Go duration for add, e.g. \"90m\", \"-24h\".",
		},
	})
}

// Call resolves the requested operation. Unknown operations behave as "now"
// so a loosely prompted model still gets a useful answer.
func (d *DateTime) Call(_ context.Context, input map[string]any) (map[string]any, error) {
	loc := time.UTC
	if tz := stringInput(input, "timezone"); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return nil, flow.Wrap(flow.CodeValidation, "unknown timezone "+tz, err)
		}
		loc = parsed
	}

	at := d.now()
	if raw := stringInput(input, "time"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, flow.Wrap(flow.CodeValidation, "time must be RFC 3339", err)
		}
		at = parsed
	}

	if stringInput(input, "operation") == "add" {
		dur, err := time.ParseDuration(stringInput(input, "duration"))
		if err != nil {
			return nil, flow.Wrap(flow.CodeValidation, "invalid duration", err)
		}
		at = at.Add(dur)
	}

	at = at.In(loc)
	return map[string]any{
		"time":      at.Format(time.RFC3339),
		"unix":      at.Unix(),
		"weekday":   at.Weekday().String(),
		"timezone":  loc.String(),
		"date":      at.Format("2006-01-02"),
		"time_only": at.Format("15:04:05"),
	}, nil
}

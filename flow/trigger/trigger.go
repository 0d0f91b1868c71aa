// Package trigger resolves inbound events to workflow trigger nodes and
// dispatches executions. Resolution walks candidate triggers in priority
// order and takes the first whose filters accept the event; telegram events
// can fall back to the default workflow when nothing matches.
package trigger

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/store"
)

// Event source names accepted by Dispatch.
const (
	SourceManual   = "manual"
	SourceTelegram = "telegram"
	SourceWebhook  = "webhook"
	SourceWorkflow = "workflow"
	SourceError    = "error"
)

// Event is one inbound occurrence looking for a workflow to run.
type Event struct {
	// Source names the surface the event came from; see the Source
	// constants.
	Source string

	// Payload becomes the execution's trigger payload. Well-known keys:
	// "text", "external_user_id", "external_chat_id", "path",
	// "source_workflow_slug".
	Payload map[string]any

	UserProfileID *int64
}

// Starter fires one execution; the engine provides it.
type Starter func(ctx context.Context, w *flow.Workflow, triggerNodeID string, payload map[string]any, userID *int64) (string, error)

// Resolver matches events against trigger nodes.
type Resolver struct {
	store store.Store
	start Starter
}

// New builds a resolver.
func New(st store.Store, start Starter) *Resolver {
	return &Resolver{store: st, start: start}
}

// Dispatch resolves the event and starts the matched workflow, returning the
// new execution id. A TRIGGER_NOT_MATCHED error means no trigger accepted
// the event; callers treat it as a quiet drop, not a failure.
func (r *Resolver) Dispatch(ctx context.Context, ev Event) (string, error) {
	w, nodeID, err := r.Resolve(ctx, ev)
	if err != nil {
		return "", err
	}
	return r.start(ctx, w, nodeID, ev.Payload, ev.UserProfileID)
}

// Resolve finds the workflow and trigger node for an event without starting
// anything.
func (r *Resolver) Resolve(ctx context.Context, ev Event) (*flow.Workflow, string, error) {
	ct, ok := componentTypeFor(ev.Source)
	if !ok {
		return nil, "", flow.Errf(flow.CodeValidation, "unknown event source %q", ev.Source)
	}

	bindings, err := r.store.ListTriggerNodes(ctx, ct)
	if err != nil {
		return nil, "", err
	}
	for _, b := range bindings {
		if !triggerActive(b.Node) {
			continue
		}
		if matches(ct, b.Node, ev) {
			return b.Workflow, b.Node.NodeID, nil
		}
	}

	// Conversational surfaces fall back to the default workflow so a bare
	// installation still answers.
	if ev.Source == SourceTelegram || ev.Source == SourceManual {
		if w, err := r.store.DefaultWorkflow(ctx); err == nil {
			return w, "", nil
		}
	}
	return nil, "", flow.Errf(flow.CodeTriggerNotMatched, "no trigger matched %s event", ev.Source)
}

func componentTypeFor(source string) (flow.ComponentType, bool) {
	switch source {
	case SourceManual:
		return flow.TypeTriggerManual, true
	case SourceTelegram:
		return flow.TypeTriggerTelegram, true
	case SourceWebhook:
		return flow.TypeTriggerWebhook, true
	case SourceWorkflow:
		return flow.TypeTriggerWorkflow, true
	case SourceError:
		return flow.TypeTriggerError, true
	}
	return "", false
}

// triggerActive reports whether the trigger node accepts events at all. A
// node without config is active by default.
func triggerActive(n *flow.Node) bool {
	if n.Config == nil {
		return true
	}
	return n.Config.IsActive
}

// matches applies the per-type filters of one trigger node to the event.
func matches(ct flow.ComponentType, n *flow.Node, ev Event) bool {
	cfg := map[string]any{}
	if n.Config != nil && n.Config.TriggerConfig != nil {
		cfg = n.Config.TriggerConfig
	}

	switch ct {
	case flow.TypeTriggerTelegram:
		return matchTelegram(cfg, ev)
	case flow.TypeTriggerWebhook:
		return matchWebhook(cfg, ev)
	case flow.TypeTriggerWorkflow, flow.TypeTriggerError:
		return matchSource(cfg, ev)
	default:
		return true
	}
}

// matchTelegram applies the telegram filters: allowed user ids, a /command
// prefix, and a regexp over the message text. Absent filters accept
// everything.
func matchTelegram(cfg map[string]any, ev Event) bool {
	if allowed := stringList(cfg["allowed_user_ids"]); len(allowed) > 0 {
		userID := payloadString(ev.Payload, "external_user_id")
		if !contains(allowed, userID) {
			return false
		}
	}

	text := payloadString(ev.Payload, "text")
	if command, _ := cfg["command"].(string); command != "" {
		want := "/" + strings.TrimPrefix(command, "/")
		if !strings.HasPrefix(text, want) {
			return false
		}
	}
	if pattern, _ := cfg["pattern"].(string); pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil || !re.MatchString(text) {
			return false
		}
	}
	return true
}

// matchWebhook requires the configured path when one is set.
func matchWebhook(cfg map[string]any, ev Event) bool {
	path, _ := cfg["path"].(string)
	if path == "" {
		return true
	}
	return strings.Trim(path, "/") == strings.Trim(payloadString(ev.Payload, "path"), "/")
}

// matchSource binds workflow/error triggers to a specific source workflow
// when configured.
func matchSource(cfg map[string]any, ev Event) bool {
	slug, _ := cfg["source_workflow"].(string)
	if slug == "" {
		return true
	}
	return slug == payloadString(ev.Payload, "source_workflow_slug")
}

func payloadString(payload map[string]any, key string) string {
	switch v := payload[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// stringList coerces a config value into strings, tolerating the mixed
// numeric forms stored configs produce.
func stringList(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		if ss, ok := raw.([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case float64:
			out = append(out, strconv.FormatFloat(v, 'f', -1, 64))
		default:
			out = append(out, fmt.Sprint(v))
		}
	}
	return out
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// Package integration defines the pluggable trigger-message builder and a
// default implementation.
package integration

import (
	"fmt"
	"strings"

	"github.com/pulsedaemon/pulse/internal/evaluator"
)

// Integration builds the webhook request body for a fired trigger. It is
// the sole external collaborator the Trigger Dispatcher depends on, and
// new integrations self-register by name at init time.
type Integration interface {
	Name() string
	BuildTriggerMessage(decision evaluator.Decision, opts Options) (string, error)
}

// Options carries the webhook configuration and per-tick context an
// Integration may need to shape its message.
type Options struct {
	MessagePrefix string
	SessionMode   string // webhook.session_mode: "isolated" asks for a fresh session
	IsolatedModel string // webhook.isolated_model: model to run the isolated session on
	ToneHint      string // optional, from a nervous-system subsystem
	RecentHistory []string
}

var registry = map[string]Integration{}

func init() {
	Register(&Default{})
}

// Register adds an Integration to the named registry.
func Register(i Integration) {
	registry[i.Name()] = i
}

// Lookup resolves a named integration. An empty name resolves to
// "default"; an unknown name returns ok == false.
func Lookup(name string) (Integration, bool) {
	if name == "" {
		name = "default"
	}
	i, ok := registry[name]
	return i, ok
}

// Default is the built-in plain-text integration.
type Default struct{}

func (*Default) Name() string { return "default" }

// BuildTriggerMessage composes a readable prompt: prefix, reason, drive
// context, optional tone hint, and a short tail of recent trigger
// history for continuity.
func (*Default) BuildTriggerMessage(decision evaluator.Decision, opts Options) (string, error) {
	var b strings.Builder

	if opts.MessagePrefix != "" {
		fmt.Fprintf(&b, "%s ", opts.MessagePrefix)
	}

	fmt.Fprintf(&b, "Trigger: %s (total_pressure=%.2f)", decision.Reason, decision.TotalPressure)
	if decision.TopDrive != nil {
		fmt.Fprintf(&b, ", top_drive=%s (pressure=%.2f, weight=%.2f)", decision.TopDrive.Name, decision.TopDrive.Pressure, decision.TopDrive.Weight)
	}
	b.WriteString(".\n")

	if opts.ToneHint != "" {
		fmt.Fprintf(&b, "Tone: %s\n", opts.ToneHint)
	}

	if len(opts.RecentHistory) > 0 {
		b.WriteString("Recent activity:\n")
		for _, h := range opts.RecentHistory {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}

	if opts.SessionMode == "isolated" {
		b.WriteString("Handle this in a fresh isolated session")
		if opts.IsolatedModel != "" {
			fmt.Fprintf(&b, " on %s", opts.IsolatedModel)
		}
		b.WriteString("; do not resume an existing conversation.\n")
	}

	return b.String(), nil
}

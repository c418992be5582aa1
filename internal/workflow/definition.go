package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	NodeTrigger       = "trigger"
	NodeCondition     = "condition"
	NodeSet           = "set"
	NodeHTTPRequest   = "http_request"
	NodeSendEmail     = "send_email"
	NodeDelay         = "delay"
	NodeUpdateContact = "update_contact"
	NodeNoop          = "noop"
)

const (
	TriggerManual   = "manual"
	TriggerWebhook  = "webhook"
	TriggerEvent    = "event"
	TriggerSchedule = "schedule"
)

var ErrInvalidDefinition = errors.New("invalid workflow definition")

var knownNodeTypes = map[string]bool{
	NodeTrigger:       true,
	NodeCondition:     true,
	NodeSet:           true,
	NodeHTTPRequest:   true,
	NodeSendEmail:     true,
	NodeDelay:         true,
	NodeUpdateContact: true,
	NodeNoop:          true,
}

type Node struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Connection links two nodes. Output selects the branch of a condition node
// ("true" or "false") and is empty for every other node type.
type Connection struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Output string `json:"output,omitempty"`
}

type Definition struct {
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
}

// TriggerConfig is the decoded trigger_config column.
type TriggerConfig struct {
	Event    string `json:"event,omitempty"`
	Cron     string `json:"cron,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	SiteID   string `json:"siteId,omitempty"`
}

func ParseDefinition(raw []byte) (Definition, error) {
	var def Definition
	if len(raw) == 0 {
		return def, fmt.Errorf("%w: empty definition", ErrInvalidDefinition)
	}
	if err := json.Unmarshal(raw, &def); err != nil {
		return def, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return def, nil
}

func ParseTriggerConfig(raw []byte) (TriggerConfig, error) {
	var cfg TriggerConfig
	if len(raw) == 0 || string(raw) == "null" {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: trigger config: %v", ErrInvalidDefinition, err)
	}
	return cfg, nil
}

func (d Definition) node(id string) (Node, bool) {
	for _, node := range d.Nodes {
		if node.ID == id {
			return node, true
		}
	}
	return Node{}, false
}

func (d Definition) triggerNode() (Node, bool) {
	for _, node := range d.Nodes {
		if node.Type == NodeTrigger {
			return node, true
		}
	}
	return Node{}, false
}

// outgoing returns the connections leaving a node for the given branch.
func (d Definition) outgoing(from, output string) []Connection {
	var out []Connection
	for _, conn := range d.Connections {
		if conn.From == from && conn.Output == output {
			out = append(out, conn)
		}
	}
	return out
}

func Validate(def Definition) error {
	if len(def.Nodes) == 0 {
		return fmt.Errorf("%w: at least one node is required", ErrInvalidDefinition)
	}

	types := make(map[string]string, len(def.Nodes))
	triggers := 0
	for _, node := range def.Nodes {
		id := strings.TrimSpace(node.ID)
		if id == "" {
			return fmt.Errorf("%w: node id is required", ErrInvalidDefinition)
		}
		if _, dup := types[id]; dup {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidDefinition, id)
		}
		if !knownNodeTypes[node.Type] {
			return fmt.Errorf("%w: node %q has unknown type %q", ErrInvalidDefinition, id, node.Type)
		}
		if node.Type == NodeTrigger {
			triggers++
		}
		types[id] = node.Type
	}
	if triggers != 1 {
		return fmt.Errorf("%w: exactly one trigger node is required, found %d", ErrInvalidDefinition, triggers)
	}

	edges := make(map[string][]string)
	for _, conn := range def.Connections {
		fromType, ok := types[conn.From]
		if !ok {
			return fmt.Errorf("%w: connection from unknown node %q", ErrInvalidDefinition, conn.From)
		}
		toType, ok := types[conn.To]
		if !ok {
			return fmt.Errorf("%w: connection to unknown node %q", ErrInvalidDefinition, conn.To)
		}
		if toType == NodeTrigger {
			return fmt.Errorf("%w: trigger node %q cannot have incoming connections", ErrInvalidDefinition, conn.To)
		}
		if fromType == NodeCondition {
			if conn.Output != "true" && conn.Output != "false" {
				return fmt.Errorf("%w: condition %q output must be true or false", ErrInvalidDefinition, conn.From)
			}
		} else if conn.Output != "" {
			return fmt.Errorf("%w: node %q has no output %q", ErrInvalidDefinition, conn.From, conn.Output)
		}
		edges[conn.From] = append(edges[conn.From], conn.To)
	}

	if cycle := findCycle(def.Nodes, edges); cycle != "" {
		return fmt.Errorf("%w: cycle through node %q", ErrInvalidDefinition, cycle)
	}
	return nil
}

// findCycle runs a colouring DFS and returns a node on a cycle, or "".
func findCycle(nodes []Node, edges map[string][]string) string {
	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int, len(nodes))
	var visit func(id string) string
	visit = func(id string) string {
		colour[id] = grey
		for _, next := range edges[id] {
			switch colour[next] {
			case grey:
				return next
			case white:
				if found := visit(next); found != "" {
					return found
				}
			}
		}
		colour[id] = black
		return ""
	}
	for _, node := range nodes {
		if colour[node.ID] == white {
			if found := visit(node.ID); found != "" {
				return found
			}
		}
	}
	return ""
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateTrigger checks the trigger config against the trigger type.
func ValidateTrigger(triggerType string, cfg TriggerConfig) error {
	switch triggerType {
	case TriggerManual, TriggerWebhook:
		return nil
	case TriggerEvent:
		if strings.TrimSpace(cfg.Event) == "" {
			return fmt.Errorf("%w: event trigger requires an event", ErrInvalidDefinition)
		}
		return nil
	case TriggerSchedule:
		if _, err := NextRun(cfg, time.Now()); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown trigger type %q", ErrInvalidDefinition, triggerType)
	}
}

// NextRun returns the first activation of a schedule trigger after the given time.
func NextRun(cfg TriggerConfig, after time.Time) (time.Time, error) {
	if strings.TrimSpace(cfg.Cron) == "" {
		return time.Time{}, fmt.Errorf("%w: schedule trigger requires a cron expression", ErrInvalidDefinition)
	}
	schedule, err := cronParser.Parse(cfg.Cron)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid cron expression %q: %v", ErrInvalidDefinition, cfg.Cron, err)
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: invalid timezone %q", ErrInvalidDefinition, cfg.Timezone)
		}
	}
	return schedule.Next(after.In(loc)).UTC(), nil
}

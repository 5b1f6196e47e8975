// Package models defines the Task record and its trigger, state and status types.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TriggerType selects when a Task fires.
type TriggerType string

const (
	TriggerOneTime   TriggerType = "one-time"
	TriggerOnGoing   TriggerType = "on-going"
	TriggerScheduled TriggerType = "scheduled"
)

// Frequency is the recurrence of a scheduled Task.
type Frequency string

const (
	FrequencyHourly Frequency = "hourly"
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
)

// Interval returns the fixed wall-clock duration of f.
func (f Frequency) Interval() (time.Duration, bool) {
	switch f {
	case FrequencyHourly:
		return time.Hour, true
	case FrequencyDaily:
		return 24 * time.Hour, true
	case FrequencyWeekly:
		return 7 * 24 * time.Hour, true
	}
	return 0, false
}

// DataType and LogicType are descriptive metadata for the UI.
type DataType string

const (
	DataTypeUnique DataType = "unique"
	DataTypeStream DataType = "stream"
)

type LogicType string

const (
	LogicDomainDependent   LogicType = "domain-dependent"
	LogicDomainIndependent LogicType = "domain-independent"
)

// Mode is the execution privilege level handed to the agent.
type Mode string

const (
	ModeAsk        Mode = "ask"
	ModeAgent      Mode = "agent"
	ModeFullAccess Mode = "full-access"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeAsk, ModeAgent, ModeFullAccess:
		return true
	}
	return false
}

// RunStatus is the outcome of the last run.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusBlocked RunStatus = "blocked"
)

// Trigger is a tagged union keyed by Type. Domain is used by on-going
// triggers; Frequency, Timing and LastScheduledRun by scheduled ones.
type Trigger struct {
	Type             TriggerType `json:"type" yaml:"type"`
	Domain           string      `json:"domain,omitempty" yaml:"domain,omitempty"`
	Frequency        Frequency   `json:"frequency,omitempty" yaml:"frequency,omitempty"`
	Timing           string      `json:"timing,omitempty" yaml:"timing,omitempty"` // "HH:MM"
	LastScheduledRun *time.Time  `json:"lastRunAt,omitempty" yaml:"lastRunAt,omitempty"`
}

// Validate checks the union invariants.
func (t Trigger) Validate() error {
	switch t.Type {
	case TriggerOneTime:
		return nil
	case TriggerOnGoing:
		if strings.TrimSpace(t.Domain) == "" {
			return fmt.Errorf("on-going trigger requires a domain")
		}
		return nil
	case TriggerScheduled:
		if _, ok := t.Frequency.Interval(); !ok {
			return fmt.Errorf("scheduled trigger has unknown frequency %q", t.Frequency)
		}
		if t.Timing != "" {
			if _, _, err := ParseTiming(t.Timing); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unknown trigger type %q", t.Type)
}

// ParseTiming parses an "HH:MM" time of day.
func ParseTiming(timing string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(timing), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("timing %q must be HH:MM", timing)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("timing %q has an invalid hour", timing)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("timing %q has an invalid minute", timing)
	}
	return hour, minute, nil
}

// Task is a reproducible automation unit.
type Task struct {
	ID              string     `json:"id" yaml:"id"`
	Name            string     `json:"name" yaml:"name"`
	OriginalPrompt  string     `json:"originalPrompt" yaml:"originalPrompt"`
	OptimizedPrompt string     `json:"optimizedPrompt" yaml:"optimizedPrompt"`
	StartURL        string     `json:"startUrl,omitempty" yaml:"startUrl,omitempty"`
	Trigger         Trigger    `json:"trigger" yaml:"trigger"`
	DataType        DataType   `json:"dataType,omitempty" yaml:"dataType,omitempty"`
	LogicType       LogicType  `json:"logicType,omitempty" yaml:"logicType,omitempty"`
	State           State      `json:"state" yaml:"-"`
	Enabled         bool       `json:"enabled" yaml:"enabled"`
	Favorited       bool       `json:"favorited" yaml:"favorited"`
	Mode            Mode       `json:"mode" yaml:"mode"`
	CreatedAt       time.Time  `json:"createdAt" yaml:"createdAt"`
	LastRunAt       *time.Time `json:"lastRunAt,omitempty" yaml:"lastRunAt,omitempty"`
	LastRunStatus   RunStatus  `json:"lastRunStatus,omitempty" yaml:"lastRunStatus,omitempty"`
	LastBlockReason string     `json:"lastBlockReason,omitempty" yaml:"lastBlockReason,omitempty"`
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.State = t.State.Clone()
	if t.LastRunAt != nil {
		v := *t.LastRunAt
		out.LastRunAt = &v
	}
	if t.Trigger.LastScheduledRun != nil {
		v := *t.Trigger.LastScheduledRun
		out.Trigger.LastScheduledRun = &v
	}
	return &out
}

// Prompt returns the instruction used at run time.
func (t *Task) Prompt() string {
	if strings.TrimSpace(t.OptimizedPrompt) != "" {
		return t.OptimizedPrompt
	}
	return t.OriginalPrompt
}

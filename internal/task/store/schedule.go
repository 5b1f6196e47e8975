package store

import (
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/fkiller/GnuNae-sub001/internal/task/models"
)

// TasksDueForDomain returns enabled on-going tasks whose domain equals the
// URL's host or is a dot-suffix of it. Unparseable URLs match nothing.
func (s *Store) TasksDueForDomain(rawURL string) []*models.Task {
	host := hostOf(rawURL)
	if host == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.Task
	for _, t := range s.sortedLocked() {
		if !t.Enabled || t.Trigger.Type != models.TriggerOnGoing {
			continue
		}
		if domainMatches(host, normalizeDomain(t.Trigger.Domain)) {
			due = append(due, t.Clone())
		}
	}
	return due
}

// TasksDueBySchedule returns enabled scheduled tasks that are due at now.
func (s *Store) TasksDueBySchedule(now time.Time) []*models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.Task
	for _, t := range s.sortedLocked() {
		if !t.Enabled || t.Trigger.Type != models.TriggerScheduled {
			continue
		}
		if isDue(t.Trigger, now, s.scheduleWindow) {
			due = append(due, t.Clone())
		}
	}
	return due
}

// Upcoming is a projected next run for one scheduled task.
type Upcoming struct {
	TaskID    string    `json:"taskId"`
	Name      string    `json:"name"`
	NextRunAt time.Time `json:"nextRunAt"`
	UntilMs   int64     `json:"untilMs"`
}

// UpcomingSchedule projects the next run of every enabled scheduled task that
// is not currently running. The projection is advisory only.
func (s *Store) UpcomingSchedule(now time.Time) []Upcoming {
	s.mu.Lock()
	tasks := s.sortedLocked()
	candidates := make([]*models.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Enabled && t.Trigger.Type == models.TriggerScheduled {
			candidates = append(candidates, t.Clone())
		}
	}
	s.mu.Unlock()

	out := make([]Upcoming, 0, len(candidates))
	for _, t := range candidates {
		if s.IsRunning(t.ID) {
			continue
		}
		next := nextRun(t.Trigger, now)
		until := next.Sub(now)
		if until < 0 {
			until = 0
		}
		out = append(out, Upcoming{TaskID: t.ID, Name: t.Name, NextRunAt: next, UntilMs: until.Milliseconds()})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	return out
}

func isDue(trig models.Trigger, now time.Time, window time.Duration) bool {
	interval, ok := trig.Frequency.Interval()
	if !ok {
		return false
	}
	if trig.LastScheduledRun != nil {
		return now.Sub(*trig.LastScheduledRun) >= interval
	}
	if trig.Timing == "" {
		return false
	}
	at, err := timingOn(now, trig.Timing)
	if err != nil {
		return false
	}
	return !now.Before(at) && now.Before(at.Add(window))
}

func nextRun(trig models.Trigger, now time.Time) time.Time {
	interval, _ := trig.Frequency.Interval()
	if trig.LastScheduledRun != nil {
		return trig.LastScheduledRun.Add(interval)
	}
	if trig.Timing != "" {
		if at, err := timingOn(now, trig.Timing); err == nil {
			if !at.After(now) {
				at = at.AddDate(0, 0, 1)
			}
			return at
		}
	}
	return now
}

// timingOn returns the "HH:MM" timing on now's calendar day, in now's zone.
func timingOn(now time.Time, timing string) (time.Time, error) {
	hour, minute, err := models.ParseTiming(timing)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := now.Date()
	return time.Date(y, m, d, hour, minute, 0, 0, now.Location()), nil
}

func hostOf(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return normalizeDomain(u.Hostname())
}

// normalizeDomain lowercases d and strips a scheme, port, path and the
// trailing root dot so user input like "https://Example.com/" matches.
func normalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if h, _, err := net.SplitHostPort(d); err == nil {
		d = h
	}
	return strings.TrimSuffix(d, ".")
}

func domainMatches(host, domain string) bool {
	if domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// CanAdmit reports whether a run slot is free.
func (s *Store) CanAdmit() bool {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	return len(s.running) < s.maxConcurrency
}

// Admit occupies a run slot for id. It is the only way to take a slot.
func (s *Store) Admit(id string) error {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	if _, ok := s.running[id]; ok {
		return ErrAlreadyRunning
	}
	if len(s.running) >= s.maxConcurrency {
		return ErrAtCapacity
	}
	s.running[id] = struct{}{}
	return nil
}

// Release vacates id's slot. Reports whether a slot was actually held.
func (s *Store) Release(id string) bool {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	if _, ok := s.running[id]; !ok {
		return false
	}
	delete(s.running, id)
	return true
}

// IsRunning reports whether id holds a slot.
func (s *Store) IsRunning(id string) bool {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	_, ok := s.running[id]
	return ok
}

// Running returns the ids currently holding slots.
func (s *Store) Running() []string {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MaxConcurrency returns the current slot limit.
func (s *Store) MaxConcurrency() int {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	return s.maxConcurrency
}

// SetMaxConcurrency changes the slot limit. It cannot drop below the number
// of slots currently held.
func (s *Store) SetMaxConcurrency(n int) error {
	if n < 1 {
		return ErrInvalidConcurrency
	}
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	if n < len(s.running) {
		return ErrConcurrencyInUse
	}
	s.maxConcurrency = n
	return nil
}

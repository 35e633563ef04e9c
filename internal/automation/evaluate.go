package automation

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sdhome/sdhome/internal/broadcast"
	"github.com/sdhome/sdhome/internal/domain"
)

type stimulusKind int

const (
	stimulusStateChange stimulusKind = iota
	stimulusTriggerEvent
	stimulusSensorReading
	stimulusTimeTick
)

// stimulus is one unit of input to rule evaluation. property carries
// the payload key for state changes, the trigger type for trigger
// events, and the metric for sensor readings.
type stimulus struct {
	kind     stimulusKind
	deviceID string
	property string
	subType  string

	oldValue domain.Value
	newValue domain.Value
	oldOK    bool

	oldNum float64
	newNum float64

	at   time.Time
	snap broadcast.PipelineSnapshot
}

// evaluate runs every enabled rule against one stimulus.
func (e *Engine) evaluate(stim stimulus) {
	lookupStart := e.now()
	rules, err := e.store.ListRules(true)
	if err != nil {
		e.logger.Error("automation list rules", "error", err)
		return
	}
	lookupMs := e.msSince(lookupStart)

	for i := range rules {
		e.evaluateRule(&rules[i], stim, lookupMs)
	}
}

func (e *Engine) evaluateRule(rule *domain.AutomationRule, stim stimulus, lookupMs float64) {
	matching := e.matchingTriggers(rule, stim)
	if len(matching) == 0 {
		return
	}

	holds := 0
	for _, trigger := range matching {
		if e.triggerHolds(trigger, stim) {
			holds++
		}
	}
	fired := holds > 0
	if rule.TriggerMode == domain.TriggerAll {
		fired = holds == len(matching)
	}
	if !fired {
		e.liveLog(rule, broadcast.PhaseTriggerSkipped, broadcast.LevelDebug,
			fmt.Sprintf("Trigger predicate not satisfied for %s", stim.describe()), nil, nil)
		return
	}

	e.liveLog(rule, broadcast.PhaseTriggerMatched, broadcast.LevelInfo,
		fmt.Sprintf("Triggered by %s", stim.describe()), nil, nil)

	now := e.now()
	if remaining, active := e.cooldownRemaining(rule, now); active {
		e.metrics.RulesSkipped.WithLabelValues("cooldown").Inc()
		e.liveLog(rule, broadcast.PhaseCooldownActive, broadcast.LevelWarning,
			fmt.Sprintf("Cooldown active, %s remaining", remaining.Round(time.Second)), nil, nil)
		e.persistLog(rule, domain.StatusSkippedCooldown, nil, 0, "")
		return
	}

	e.liveLog(rule, broadcast.PhaseConditionEvaluating, broadcast.LevelDebug,
		fmt.Sprintf("Evaluating %d condition(s)", len(rule.Conditions)), nil, nil)
	if !e.conditionsPass(rule, now) {
		e.metrics.RulesSkipped.WithLabelValues("condition").Inc()
		e.liveLog(rule, broadcast.PhaseConditionFailed, broadcast.LevelInfo,
			"Conditions not met", nil, nil)
		e.persistLog(rule, domain.StatusSkippedCondition, nil, 0, "")
		return
	}
	e.liveLog(rule, broadcast.PhaseConditionPassed, broadcast.LevelDebug, "Conditions met", nil, nil)

	// Timelines only open for rules that actually execute; skipped
	// evaluations must not accumulate tracker state.
	var trackingID string
	if e.tracker != nil && stim.kind != stimulusTimeTick {
		trackingID = e.tracker.StartTracking(stim.deviceID, rule.Name, "", stim.snap)
		e.tracker.RecordAutomationLookup(trackingID, lookupMs)
	}

	e.executeRule(rule, trackingID, now)
}

// cooldownRemaining reports whether the rule is still cooling down.
// The freshest of the in-memory and persisted timestamps wins.
func (e *Engine) cooldownRemaining(rule *domain.AutomationRule, now time.Time) (time.Duration, bool) {
	if rule.CooldownSeconds <= 0 {
		return 0, false
	}
	last := rule.LastTriggeredAt
	e.mu.Lock()
	if mem, ok := e.lastFired[rule.ID]; ok && (last == nil || mem.After(*last)) {
		last = &mem
	}
	e.mu.Unlock()
	if last == nil {
		return 0, false
	}
	cooldown := time.Duration(rule.CooldownSeconds) * time.Second
	elapsed := now.Sub(*last)
	if elapsed >= cooldown {
		return 0, false
	}
	return cooldown - elapsed, true
}

// --- Trigger matching ---

// matchingTriggers selects the rule's triggers that address this
// stimulus, before predicate evaluation.
func (e *Engine) matchingTriggers(rule *domain.AutomationRule, stim stimulus) []domain.AutomationTrigger {
	var out []domain.AutomationTrigger
	for _, trigger := range rule.Triggers {
		if e.triggerMatches(trigger, stim) {
			out = append(out, trigger)
		}
	}
	return out
}

func (e *Engine) triggerMatches(trigger domain.AutomationTrigger, stim stimulus) bool {
	switch stim.kind {
	case stimulusStateChange:
		return trigger.Type == domain.TriggerDeviceState &&
			trigger.DeviceID == stim.deviceID &&
			(trigger.Property == "" || trigger.Property == stim.property)
	case stimulusTriggerEvent:
		return trigger.Type == domain.TriggerTriggerEvent &&
			trigger.DeviceID == stim.deviceID &&
			(trigger.Property == "" || trigger.Property == stim.property)
	case stimulusSensorReading:
		return trigger.Type == domain.TriggerSensorReading &&
			trigger.DeviceID == stim.deviceID &&
			(trigger.Property == "" || trigger.Property == stim.property)
	case stimulusTimeTick:
		return trigger.Type == domain.TriggerTime && e.timeMatches(trigger, stim.at)
	}
	return false
}

// triggerHolds applies the trigger's predicate to the stimulus.
func (e *Engine) triggerHolds(trigger domain.AutomationTrigger, stim stimulus) bool {
	switch stim.kind {
	case stimulusStateChange:
		return stateChangeHolds(trigger, stim)
	case stimulusTriggerEvent:
		// No operator: the fingerprint is (type, optional subType).
		if len(trigger.Value) == 0 {
			return true
		}
		want := domain.ParseJSON(trigger.Value)
		return want.Equal(domain.String(stim.subType))
	case stimulusSensorReading:
		return sensorReadingHolds(trigger, stim)
	case stimulusTimeTick:
		return true
	}
	return false
}

func stateChangeHolds(trigger domain.AutomationTrigger, stim stimulus) bool {
	arg := domain.ParseJSON(trigger.Value)
	switch trigger.Operator {
	case domain.OpAnyChange:
		return !stim.oldValue.Equal(stim.newValue)
	case domain.OpChangesTo:
		return stim.newValue.Equal(arg)
	case domain.OpChangesFrom:
		return stim.oldOK && stim.oldValue.Equal(arg)
	default:
		return domain.Compare(trigger.Operator, stim.newValue, arg, domain.Null)
	}
}

func sensorReadingHolds(trigger domain.AutomationTrigger, stim stimulus) bool {
	arg := domain.ParseJSON(trigger.Value)
	switch trigger.Operator {
	case domain.OpAnyChange:
		return stim.oldOK && math.Abs(stim.newNum-stim.oldNum) > domain.Epsilon
	case domain.OpChangesTo:
		want, ok := arg.Float()
		if !ok {
			return false
		}
		if math.Abs(stim.newNum-want) > domain.Epsilon {
			return false
		}
		return !stim.oldOK || math.Abs(stim.oldNum-want) > domain.Epsilon
	case domain.OpChangesFrom:
		want, ok := arg.Float()
		return ok && stim.oldOK && math.Abs(stim.oldNum-want) <= domain.Epsilon
	default:
		return domain.Compare(trigger.Operator, stim.newValue, arg, domain.Null)
	}
}

// timeMatches reports whether a Time trigger's HH:mm expression is
// within one tick of now, firing at most once per matched minute.
func (e *Engine) timeMatches(trigger domain.AutomationTrigger, now time.Time) bool {
	parsed, err := time.Parse("15:04", trigger.TimeExpression)
	if err != nil {
		return false
	}
	target := time.Date(now.Year(), now.Month(), now.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0, now.Location())

	// Around midnight the nearest occurrence may be yesterday's or
	// tomorrow's.
	diff := now.Sub(target).Abs()
	for _, shifted := range []time.Time{target.AddDate(0, 0, -1), target.AddDate(0, 0, 1)} {
		if d := now.Sub(shifted).Abs(); d < diff {
			diff = d
		}
	}
	if diff > tickInterval {
		return false
	}

	minute := target.Format("2006-01-02 15:04")
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastTimeMatch[trigger.RuleID] == minute {
		return false
	}
	e.lastTimeMatch[trigger.RuleID] = minute
	return true
}

// --- Conditions ---

// conditionsPass evaluates the rule's conditions against ambient
// state, combined per the rule's condition mode. Zero conditions pass.
func (e *Engine) conditionsPass(rule *domain.AutomationRule, now time.Time) bool {
	if len(rule.Conditions) == 0 {
		return true
	}
	anyMode := rule.ConditionMode == domain.ConditionAnyMode
	for _, cond := range rule.Conditions {
		ok := e.conditionHolds(cond, now)
		if anyMode && ok {
			return true
		}
		if !anyMode && !ok {
			return false
		}
	}
	return !anyMode
}

func (e *Engine) conditionHolds(cond domain.AutomationCondition, now time.Time) bool {
	switch cond.Type {
	case domain.ConditionDeviceState:
		current, ok := e.cachedValue(cond.DeviceID, cond.Property)
		if !ok {
			return false
		}
		return domain.Compare(cond.Operator, current,
			domain.ParseJSON(cond.Value), domain.ParseJSON(cond.Value2))

	case domain.ConditionTimeRange:
		return timeInRange(cond.TimeStart, cond.TimeEnd, now)

	case domain.ConditionDayOfWeek:
		if len(cond.DaysOfWeek) == 0 {
			return true
		}
		today := now.Weekday()
		for _, day := range cond.DaysOfWeek {
			if day == today {
				return true
			}
		}
		return false

	case domain.ConditionAnd:
		for _, child := range cond.Children {
			if !e.conditionHolds(child, now) {
				return false
			}
		}
		return true

	case domain.ConditionOr:
		if len(cond.Children) == 0 {
			return true
		}
		for _, child := range cond.Children {
			if e.conditionHolds(child, now) {
				return true
			}
		}
		return false
	}
	return false
}

// timeInRange checks HH:mm bounds inclusively; an end before the start
// means the range crosses midnight.
func timeInRange(startExpr, endExpr string, now time.Time) bool {
	start, err1 := time.Parse("15:04", startExpr)
	end, err2 := time.Parse("15:04", endExpr)
	if err1 != nil || err2 != nil {
		return false
	}
	nowMin := now.Hour()*60 + now.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	if endMin < startMin {
		return nowMin >= startMin || nowMin <= endMin
	}
	return nowMin >= startMin && nowMin <= endMin
}

// --- Helpers ---

func (s stimulus) describe() string {
	switch s.kind {
	case stimulusStateChange:
		return fmt.Sprintf("state change %s.%s → %s", s.deviceID, s.property, s.newValue.Canonical())
	case stimulusTriggerEvent:
		if s.subType != "" {
			return fmt.Sprintf("trigger event %s %s/%s", s.deviceID, s.property, s.subType)
		}
		return fmt.Sprintf("trigger event %s %s", s.deviceID, s.property)
	case stimulusSensorReading:
		return fmt.Sprintf("sensor reading %s.%s = %s", s.deviceID, s.property,
			strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", s.newNum), "0"), "."))
	case stimulusTimeTick:
		return "time tick"
	}
	return "unknown stimulus"
}

func (e *Engine) msSince(start time.Time) float64 {
	return float64(e.now().Sub(start).Microseconds()) / 1000
}

// liveLog pushes one structured evaluation-phase entry to the UI bus.
func (e *Engine) liveLog(rule *domain.AutomationRule, phase, level, message string, details map[string]any, durationMs *float64) {
	e.bus.BroadcastAutomationLog(broadcast.AutomationLogEntry{
		Timestamp:  e.now().UTC(),
		RuleID:     rule.ID.String(),
		RuleName:   rule.Name,
		Phase:      phase,
		Level:      level,
		Message:    message,
		Details:    details,
		DurationMs: durationMs,
	})
}

// persistLog writes one execution-log row; failures are logged and
// swallowed so evaluation of other rules continues.
func (e *Engine) persistLog(rule *domain.AutomationRule, status domain.ExecutionStatus, results []domain.ActionResult, durationMs int64, errMsg string) {
	log := &domain.ExecutionLog{
		RuleID:        rule.ID,
		ExecutedAt:    e.now().UTC(),
		Status:        status,
		ActionResults: results,
		DurationMs:    durationMs,
		ErrorMessage:  errMsg,
	}
	if err := e.store.AppendExecutionLog(log); err != nil {
		e.logger.Error("append execution log", "rule", rule.Name, "error", err)
	}
}

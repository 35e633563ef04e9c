package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sdhome/sdhome/internal/domain"
)

// CreateRule inserts a rule and its triggers, conditions, and actions
// in one transaction. Child IDs are assigned when zero.
func (s *Store) CreateRule(r *domain.AutomationRule) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("create rule %q: %w", r.Name, err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO automation_rules
		 (id, name, is_enabled, trigger_mode, condition_mode, cooldown_seconds,
		  last_triggered_at, execution_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.Name, r.IsEnabled, string(r.TriggerMode),
		string(r.ConditionMode), r.CooldownSeconds,
		encodeTimePtr(r.LastTriggeredAt), r.ExecutionCount,
	)
	if err != nil {
		return fmt.Errorf("create rule %q: %w", r.Name, err)
	}
	if err := insertRuleChildren(tx, r); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateRule rewrites a rule and replaces all of its children.
func (s *Store) UpdateRule(r *domain.AutomationRule) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("update rule %s: %w", r.ID, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE automation_rules SET name = ?, is_enabled = ?, trigger_mode = ?,
		 condition_mode = ?, cooldown_seconds = ?, last_triggered_at = ?, execution_count = ?
		 WHERE id = ?`,
		r.Name, r.IsEnabled, string(r.TriggerMode), string(r.ConditionMode),
		r.CooldownSeconds, encodeTimePtr(r.LastTriggeredAt), r.ExecutionCount,
		r.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update rule %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", r.ID, ErrNotFound)
	}

	for _, table := range []string{"automation_triggers", "automation_conditions", "automation_actions"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE rule_id = ?`, r.ID.String()); err != nil {
			return fmt.Errorf("update rule %s: clear %s: %w", r.ID, table, err)
		}
	}
	if err := insertRuleChildren(tx, r); err != nil {
		return err
	}
	return tx.Commit()
}

// SetRuleEnabled soft-toggles a rule.
func (s *Store) SetRuleEnabled(id uuid.UUID, enabled bool) error {
	res, err := s.db.Exec(
		`UPDATE automation_rules SET is_enabled = ? WHERE id = ?`, enabled, id.String())
	if err != nil {
		return fmt.Errorf("toggle rule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteRule removes a rule; triggers, conditions, actions, and
// execution logs cascade.
func (s *Store) DeleteRule(id uuid.UUID) error {
	res, err := s.db.Exec(`DELETE FROM automation_rules WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetRule loads one rule with all children.
func (s *Store) GetRule(id uuid.UUID) (*domain.AutomationRule, error) {
	rules, err := s.queryRules(`WHERE id = ?`, id.String())
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return &rules[0], nil
}

// ListRules returns all rules (optionally only enabled ones) with
// children loaded, ordered by name.
func (s *Store) ListRules(enabledOnly bool) ([]domain.AutomationRule, error) {
	if enabledOnly {
		return s.queryRules(`WHERE is_enabled = 1`)
	}
	return s.queryRules(``)
}

// RecordRuleExecution advances the execution bookkeeping after a rule
// has run: increments the monotonic execution count and stamps
// last_triggered_at.
func (s *Store) RecordRuleExecution(id uuid.UUID, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE automation_rules
		 SET execution_count = execution_count + 1, last_triggered_at = ?
		 WHERE id = ?`,
		encodeTime(at), id.String(),
	)
	if err != nil {
		return fmt.Errorf("record execution for rule %s: %w", id, err)
	}
	return nil
}

// AppendExecutionLog writes one append-only execution log row.
func (s *Store) AppendExecutionLog(l *domain.ExecutionLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	_, err := s.db.Exec(
		`INSERT INTO automation_execution_logs
		 (id, rule_id, executed_at, status, trigger_source, action_results, duration_ms, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID.String(), l.RuleID.String(), encodeTime(l.ExecutedAt), string(l.Status),
		nullStr(string(l.TriggerSource)), encodeJSON(l.ActionResults, "[]"),
		l.DurationMs, nullStr(l.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("append execution log for rule %s: %w", l.RuleID, err)
	}
	return nil
}

// ListExecutionLogs returns recent logs for a rule, newest first.
func (s *Store) ListExecutionLogs(ruleID uuid.UUID, limit int) ([]domain.ExecutionLog, error) {
	rows, err := s.db.Query(
		`SELECT id, rule_id, executed_at, status, trigger_source, action_results,
		        duration_ms, error_message
		 FROM automation_execution_logs WHERE rule_id = ?
		 ORDER BY executed_at DESC LIMIT ?`,
		ruleID.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list execution logs for %s: %w", ruleID, err)
	}
	defer rows.Close()

	var logs []domain.ExecutionLog
	for rows.Next() {
		var (
			l                    domain.ExecutionLog
			id, rid, ts, status  string
			source, errMsg       sql.NullString
			results              string
		)
		if err := rows.Scan(&id, &rid, &ts, &status, &source, &results, &l.DurationMs, &errMsg); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		if l.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if l.RuleID, err = uuid.Parse(rid); err != nil {
			return nil, err
		}
		if l.ExecutedAt, err = decodeTime(ts); err != nil {
			return nil, err
		}
		l.Status = domain.ExecutionStatus(status)
		if source.Valid {
			l.TriggerSource = json.RawMessage(source.String)
		}
		if err := json.Unmarshal([]byte(results), &l.ActionResults); err != nil {
			return nil, fmt.Errorf("decode action results: %w", err)
		}
		l.ErrorMessage = strOrEmpty(errMsg)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- internals ---

func insertRuleChildren(tx *sql.Tx, r *domain.AutomationRule) error {
	for i := range r.Triggers {
		t := &r.Triggers[i]
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		t.RuleID = r.ID
		_, err := tx.Exec(
			`INSERT INTO automation_triggers
			 (id, rule_id, type, device_id, property, operator, value,
			  time_expression, sun_event, offset_minutes, sort_order)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID.String(), r.ID.String(), string(t.Type), nullStr(t.DeviceID),
			nullStr(t.Property), nullStr(string(t.Operator)), nullStr(string(t.Value)),
			nullStr(t.TimeExpression), nullStr(t.SunEvent), t.OffsetMinutes, t.SortOrder,
		)
		if err != nil {
			return fmt.Errorf("insert trigger for rule %s: %w", r.ID, err)
		}
	}

	for i := range r.Conditions {
		c := &r.Conditions[i]
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		c.RuleID = r.ID
		var children sql.NullString
		if len(c.Children) > 0 {
			children = sql.NullString{String: encodeJSON(c.Children, "[]"), Valid: true}
		}
		var days sql.NullString
		if len(c.DaysOfWeek) > 0 {
			days = sql.NullString{String: encodeJSON(c.DaysOfWeek, "[]"), Valid: true}
		}
		_, err := tx.Exec(
			`INSERT INTO automation_conditions
			 (id, rule_id, type, device_id, property, operator, value, value2,
			  time_start, time_end, days_of_week, children, sort_order)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID.String(), r.ID.String(), string(c.Type), nullStr(c.DeviceID),
			nullStr(c.Property), nullStr(string(c.Operator)), nullStr(string(c.Value)),
			nullStr(string(c.Value2)), nullStr(c.TimeStart), nullStr(c.TimeEnd),
			days, children, c.SortOrder,
		)
		if err != nil {
			return fmt.Errorf("insert condition for rule %s: %w", r.ID, err)
		}
	}

	for i := range r.Actions {
		a := &r.Actions[i]
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		a.RuleID = r.ID
		var sceneID sql.NullString
		if a.SceneID != nil {
			sceneID = sql.NullString{String: a.SceneID.String(), Valid: true}
		}
		_, err := tx.Exec(
			`INSERT INTO automation_actions
			 (id, rule_id, type, device_id, property, value, delay_seconds,
			  webhook_url, webhook_method, webhook_body,
			  notification_title, notification_message, scene_id, sort_order)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID.String(), r.ID.String(), string(a.Type), nullStr(a.DeviceID),
			nullStr(a.Property), nullStr(string(a.Value)), a.DelaySeconds,
			nullStr(a.WebhookURL), nullStr(a.WebhookMethod), nullStr(a.WebhookBody),
			nullStr(a.NotificationTitle), nullStr(a.NotificationMessage),
			sceneID, a.SortOrder,
		)
		if err != nil {
			return fmt.Errorf("insert action for rule %s: %w", r.ID, err)
		}
	}
	return nil
}

func (s *Store) queryRules(where string, args ...any) ([]domain.AutomationRule, error) {
	rows, err := s.db.Query(
		`SELECT id, name, is_enabled, trigger_mode, condition_mode, cooldown_seconds,
		        last_triggered_at, execution_count
		 FROM automation_rules `+where+` ORDER BY name`, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.AutomationRule
	for rows.Next() {
		var (
			r             domain.AutomationRule
			id, tm, cm    string
			lastTriggered sql.NullString
		)
		if err := rows.Scan(&id, &r.Name, &r.IsEnabled, &tm, &cm,
			&r.CooldownSeconds, &lastTriggered, &r.ExecutionCount); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		r.TriggerMode = domain.TriggerMode(tm)
		r.ConditionMode = domain.ConditionMode(cm)
		if r.LastTriggeredAt, err = decodeTimePtr(lastTriggered); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range rules {
		if err := s.loadRuleChildren(&rules[i]); err != nil {
			return nil, err
		}
	}
	return rules, nil
}

func (s *Store) loadRuleChildren(r *domain.AutomationRule) error {
	ruleID := r.ID.String()

	rows, err := s.db.Query(
		`SELECT id, type, device_id, property, operator, value,
		        time_expression, sun_event, offset_minutes, sort_order
		 FROM automation_triggers WHERE rule_id = ? ORDER BY sort_order`, ruleID)
	if err != nil {
		return fmt.Errorf("load triggers for %s: %w", r.ID, err)
	}
	for rows.Next() {
		var (
			t                     domain.AutomationTrigger
			id, typ               string
			dev, prop, op, val    sql.NullString
			timeExpr, sunEvent    sql.NullString
		)
		if err := rows.Scan(&id, &typ, &dev, &prop, &op, &val,
			&timeExpr, &sunEvent, &t.OffsetMinutes, &t.SortOrder); err != nil {
			rows.Close()
			return fmt.Errorf("scan trigger: %w", err)
		}
		if t.ID, err = uuid.Parse(id); err != nil {
			rows.Close()
			return err
		}
		t.RuleID = r.ID
		t.Type = domain.TriggerType(typ)
		t.DeviceID = strOrEmpty(dev)
		t.Property = strOrEmpty(prop)
		t.Operator = domain.Operator(strOrEmpty(op))
		if val.Valid {
			t.Value = json.RawMessage(val.String)
		}
		t.TimeExpression = strOrEmpty(timeExpr)
		t.SunEvent = strOrEmpty(sunEvent)
		r.Triggers = append(r.Triggers, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	rows, err = s.db.Query(
		`SELECT id, type, device_id, property, operator, value, value2,
		        time_start, time_end, days_of_week, children, sort_order
		 FROM automation_conditions WHERE rule_id = ? ORDER BY sort_order`, ruleID)
	if err != nil {
		return fmt.Errorf("load conditions for %s: %w", r.ID, err)
	}
	for rows.Next() {
		var (
			c                       domain.AutomationCondition
			id, typ                 string
			dev, prop, op           sql.NullString
			val, val2, ts, te       sql.NullString
			days, children          sql.NullString
		)
		if err := rows.Scan(&id, &typ, &dev, &prop, &op, &val, &val2,
			&ts, &te, &days, &children, &c.SortOrder); err != nil {
			rows.Close()
			return fmt.Errorf("scan condition: %w", err)
		}
		if c.ID, err = uuid.Parse(id); err != nil {
			rows.Close()
			return err
		}
		c.RuleID = r.ID
		c.Type = domain.ConditionType(typ)
		c.DeviceID = strOrEmpty(dev)
		c.Property = strOrEmpty(prop)
		c.Operator = domain.Operator(strOrEmpty(op))
		if val.Valid {
			c.Value = json.RawMessage(val.String)
		}
		if val2.Valid {
			c.Value2 = json.RawMessage(val2.String)
		}
		c.TimeStart = strOrEmpty(ts)
		c.TimeEnd = strOrEmpty(te)
		if days.Valid {
			if err := json.Unmarshal([]byte(days.String), &c.DaysOfWeek); err != nil {
				rows.Close()
				return fmt.Errorf("decode days_of_week: %w", err)
			}
		}
		if children.Valid {
			if err := json.Unmarshal([]byte(children.String), &c.Children); err != nil {
				rows.Close()
				return fmt.Errorf("decode condition children: %w", err)
			}
		}
		r.Conditions = append(r.Conditions, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	rows, err = s.db.Query(
		`SELECT id, type, device_id, property, value, delay_seconds,
		        webhook_url, webhook_method, webhook_body,
		        notification_title, notification_message, scene_id, sort_order
		 FROM automation_actions WHERE rule_id = ? ORDER BY sort_order`, ruleID)
	if err != nil {
		return fmt.Errorf("load actions for %s: %w", r.ID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a                       domain.AutomationAction
			id, typ                 string
			dev, prop, val          sql.NullString
			whURL, whMethod, whBody sql.NullString
			title, message, scene   sql.NullString
		)
		if err := rows.Scan(&id, &typ, &dev, &prop, &val, &a.DelaySeconds,
			&whURL, &whMethod, &whBody, &title, &message, &scene, &a.SortOrder); err != nil {
			return fmt.Errorf("scan action: %w", err)
		}
		if a.ID, err = uuid.Parse(id); err != nil {
			return err
		}
		a.RuleID = r.ID
		a.Type = domain.ActionType(typ)
		a.DeviceID = strOrEmpty(dev)
		a.Property = strOrEmpty(prop)
		if val.Valid {
			a.Value = json.RawMessage(val.String)
		}
		a.WebhookURL = strOrEmpty(whURL)
		a.WebhookMethod = strOrEmpty(whMethod)
		a.WebhookBody = strOrEmpty(whBody)
		a.NotificationTitle = strOrEmpty(title)
		a.NotificationMessage = strOrEmpty(message)
		if scene.Valid {
			sid, err := uuid.Parse(scene.String)
			if err != nil {
				return fmt.Errorf("parse scene id %q: %w", scene.String, err)
			}
			a.SceneID = &sid
		}
		r.Actions = append(r.Actions, a)
	}
	return rows.Err()
}

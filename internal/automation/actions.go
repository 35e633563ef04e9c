package automation

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sdhome/sdhome/internal/broadcast"
	"github.com/sdhome/sdhome/internal/domain"
	"github.com/sdhome/sdhome/internal/httpkit"
)

// actionTimeout bounds each individual action's I/O.
const actionTimeout = 30 * time.Second

// webhookAttempts bounds retries of transient webhook transport
// failures before the action is recorded as failed.
const webhookAttempts = 3

// actionDeadline sizes the per-action context. Delay actions get their
// full sleep plus the usual I/O allowance, so a long delay is not cut
// short by the timeout meant for device and webhook calls.
func actionDeadline(action *domain.AutomationAction) time.Duration {
	if action.Type == domain.ActionDelay {
		return time.Duration(action.DelaySeconds)*time.Second + actionTimeout
	}
	return actionTimeout
}

// executeRule runs a fired rule's actions in sort order, aggregates
// the results, and persists the execution log. Individual failures do
// not stop later actions.
func (e *Engine) executeRule(rule *domain.AutomationRule, trackingID string, startedAt time.Time) {
	actions := append([]domain.AutomationAction(nil), rule.Actions...)
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].SortOrder < actions[j].SortOrder
	})

	results := make([]domain.ActionResult, 0, len(actions))
	targetDevice := ""
	failures := 0

	for i := range actions {
		action := &actions[i]
		e.liveLog(rule, broadcast.PhaseActionExecuting, broadcast.LevelInfo,
			fmt.Sprintf("Executing %s", action.Type), map[string]any{"action_id": action.ID.String()}, nil)

		actionStart := e.now()
		err := e.runAction(action)
		durationMs := e.msSince(actionStart)

		result := domain.ActionResult{
			ActionID:   action.ID,
			Success:    err == nil,
			DurationMs: int64(durationMs),
		}
		if err != nil {
			failures++
			result.Error = err.Error()
			e.metrics.ActionsFailed.Inc()
			e.liveLog(rule, broadcast.PhaseActionFailed, broadcast.LevelError,
				fmt.Sprintf("%s failed: %v", action.Type, err), nil, &durationMs)
		} else {
			e.liveLog(rule, broadcast.PhaseActionCompleted, broadcast.LevelSuccess,
				fmt.Sprintf("%s completed", action.Type), nil, &durationMs)
		}
		results = append(results, result)

		if targetDevice == "" && action.DeviceID != "" &&
			(action.Type == domain.ActionSetDeviceState || action.Type == domain.ActionToggleDevice) {
			targetDevice = action.DeviceID
		}
	}

	now := e.now()
	e.mu.Lock()
	e.lastFired[rule.ID] = now
	e.mu.Unlock()
	if err := e.store.RecordRuleExecution(rule.ID, now); err != nil {
		e.logger.Error("record rule execution", "rule", rule.Name, "error", err)
	}

	status := domain.StatusSuccess
	switch {
	case len(results) > 0 && failures == len(results):
		status = domain.StatusFailure
	case failures > 0:
		status = domain.StatusPartialFailure
	}
	totalMs := e.msSince(startedAt)
	e.persistLog(rule, status, results, int64(totalMs), "")
	e.metrics.RulesFired.Inc()

	if e.tracker != nil && trackingID != "" {
		if targetDevice != "" {
			e.tracker.RecordActionExecution(trackingID, totalMs, targetDevice)
		} else {
			// No device to await a confirmation from; release the
			// timeline instead of leaving it open forever.
			e.tracker.Discard(trackingID)
		}
	}

	phase, level := broadcast.PhaseExecutionCompleted, broadcast.LevelSuccess
	if status == domain.StatusFailure {
		phase, level = broadcast.PhaseExecutionFailed, broadcast.LevelError
	}
	e.liveLog(rule, phase, level,
		fmt.Sprintf("Execution finished with status %s", status),
		map[string]any{"status": string(status), "actions": len(results)}, &totalMs)
}

func (e *Engine) runAction(action *domain.AutomationAction) error {
	ctx, cancel := context.WithTimeout(context.Background(), actionDeadline(action))
	defer cancel()

	switch action.Type {
	case domain.ActionSetDeviceState:
		return e.setDeviceState(ctx, action)
	case domain.ActionToggleDevice:
		return e.toggleDevice(ctx, action)
	case domain.ActionDelay:
		return e.delay(ctx, action)
	case domain.ActionWebhook:
		return e.callWebhook(ctx, action)
	case domain.ActionActivateScene:
		return e.activateScene(ctx, action)
	case domain.ActionNotification:
		e.logger.Info("notification",
			"title", action.NotificationTitle, "message", action.NotificationMessage)
		return nil
	case domain.ActionRunAutomation:
		// Reserved surface: chained automations are logged, not run.
		e.logger.Info("run-automation action is a no-op", "action", action.ID)
		return nil
	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
}

func (e *Engine) setDeviceState(ctx context.Context, action *domain.AutomationAction) error {
	value := jsonValue(action.Value)
	return e.publisher.SetDeviceProperty(ctx, action.DeviceID, action.Property, value)
}

// toggleDevice flips the cached value of the target property. Boolean
// values negate; "ON"/"OFF" strings flip; anything else, including a
// cold cache, turns the device on.
func (e *Engine) toggleDevice(ctx context.Context, action *domain.AutomationAction) error {
	var next any = "ON"
	if current, ok := e.cachedValue(action.DeviceID, action.Property); ok {
		if b, isBool := current.Bool(); isBool {
			next = !b
		} else if strings.EqualFold(current.Canonical(), "ON") {
			next = "OFF"
		}
	}
	return e.publisher.SetDeviceProperty(ctx, action.DeviceID, action.Property, next)
}

func (e *Engine) delay(ctx context.Context, action *domain.AutomationAction) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(action.DelaySeconds) * time.Second):
		return nil
	}
}

// callWebhook delivers the webhook, retrying connection-level failures
// (target restarting, network blip) with doubling backoff. Non-2xx
// responses are definitive and fail immediately with the body excerpt.
func (e *Engine) callWebhook(ctx context.Context, action *domain.AutomationAction) error {
	url := action.WebhookURL
	if url == "" {
		url = e.webhookDefault
	}
	if url == "" {
		return fmt.Errorf("webhook action %s: no URL configured", action.ID)
	}
	method := action.WebhookMethod
	if method == "" {
		method = http.MethodPost
	}

	var lastErr error
	backoff := e.webhookRetryWait
	for attempt := 1; attempt <= webhookAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, strings.NewReader(action.WebhookBody))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		if action.WebhookBody != "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := e.webhooks.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("webhook %s %s: %w", method, url, err)
			if !httpkit.IsTransient(err) || attempt == webhookAttempts {
				return lastErr
			}
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			detail := httpkit.ReadErrorBody(resp.Body, 512)
			if detail != "" {
				return fmt.Errorf("webhook %s %s: unexpected status %d: %s", method, url, resp.StatusCode, detail)
			}
			return fmt.Errorf("webhook %s %s: unexpected status %d", method, url, resp.StatusCode)
		}
		httpkit.DrainAndClose(resp.Body, 4096)
		return nil
	}
	return lastErr
}

// activateScene applies every (device, property) pair in the scene
// exactly once. Per-pair failures are collected but do not stop the
// fan-out; the action fails only when the scene is missing or every
// pair failed.
func (e *Engine) activateScene(ctx context.Context, action *domain.AutomationAction) error {
	if action.SceneID == nil {
		return fmt.Errorf("activate scene: no scene id")
	}
	scene, err := e.store.GetScene(*action.SceneID)
	if err != nil {
		return fmt.Errorf("activate scene %s: %w", action.SceneID, err)
	}

	pairs, failed := 0, 0
	for deviceID, properties := range scene.DeviceStates {
		for property, value := range properties {
			pairs++
			if err := e.publisher.SetDeviceProperty(ctx, deviceID, property, value); err != nil {
				failed++
				e.logger.Warn("scene device command failed",
					"scene", scene.Name, "device", deviceID, "property", property, "error", err)
			}
		}
	}
	if pairs > 0 && failed == pairs {
		return fmt.Errorf("activate scene %s: all %d device commands failed", scene.Name, pairs)
	}
	e.logger.Debug("scene activated", "scene", scene.Name, "pairs", pairs, "failed", failed)
	return nil
}

// jsonValue decodes a stored JSON literal into the value to publish.
// Invalid JSON is sent as raw text.
func jsonValue(raw []byte) any {
	v := domain.ParseJSON(raw)
	switch v.Kind() {
	case domain.ValueBool:
		b, _ := v.Bool()
		return b
	case domain.ValueNumber:
		f, _ := v.Float()
		return f
	default:
		return v.Canonical()
	}
}

package session

import (
	"context"

	"github.com/c360/provstation/channel"
	pserr "github.com/c360/provstation/errors"
	"github.com/c360/provstation/state"
)

// fixFlag maps a fix action to the flag the resubmitted connection carries
func fixFlag(fixAction string) string {
	if fixAction == channel.FixReplaceContainers {
		return "auto_replace_containers"
	}
	return "auto_install_docker"
}

// FixRequired implements channel.Sink. The channel has already marked the
// device Failed with FixPending set; the controller records the request and
// hands the decision to the user.
func (c *Controller) FixRequired(fix channel.FixRequest) {
	c.mu.Lock()
	c.pending[fix.DeviceID] = fix
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordFixPrompt(fix.FixAction, "offered")
	}
	c.logger.Info("remediation offered",
		"device", fix.DeviceID, "issue", fix.Issue, "fix_action", fix.FixAction)
	c.notifier.ConfirmFix(fix)
}

// PendingFix returns the remediation awaiting a decision for the device
func (c *Controller) PendingFix(deviceID string) (channel.FixRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fix, ok := c.pending[deviceID]
	return fix, ok
}

// ConfirmFix resubmits the device's deployment with the remediation flag
// set, so the backend performs the fix before deploying
func (c *Controller) ConfirmFix(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	fix, ok := c.pending[deviceID]
	if ok {
		delete(c.pending, deviceID)
	}
	c.mu.Unlock()
	if !ok {
		return pserr.WrapInvalid(pserr.ErrNoPendingFix, "session", "ConfirmFix", "look up pending remediation")
	}

	if c.metrics != nil {
		c.metrics.RecordFixPrompt(fix.FixAction, "confirmed")
	}
	_ = c.store.SetFixPending(deviceID, false)
	_ = c.store.AppendLog(deviceID, state.LevelInfo, "Retrying deployment with remediation enabled")

	return c.start(ctx, deviceID, map[string]any{fixFlag(fix.FixAction): true})
}

// CancelFix declines the remediation. The device stays Failed.
func (c *Controller) CancelFix(deviceID string) error {
	c.mu.Lock()
	fix, ok := c.pending[deviceID]
	if ok {
		delete(c.pending, deviceID)
	}
	c.mu.Unlock()
	if !ok {
		return pserr.WrapInvalid(pserr.ErrNoPendingFix, "session", "CancelFix", "look up pending remediation")
	}

	if c.metrics != nil {
		c.metrics.RecordFixPrompt(fix.FixAction, "declined")
	}
	_ = c.store.SetFixPending(deviceID, false)
	_ = c.store.AppendLog(deviceID, state.LevelInfo, "Remediation declined; deployment remains failed")
	return nil
}

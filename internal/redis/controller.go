package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/edirooss/procd/internal/infrastructure/processmgr"
	"go.uber.org/zap"
)

// StopRequest is published on ControlChannel(processID).
type StopRequest struct {
	Command   string `json:"command"` // always "stop"
	SessionID string `json:"session_id"`
}

// StopController delivers cooperative stop requests over Redis pub/sub.
// A request counts as delivered when at least one subscriber received it.
type StopController struct {
	log     *zap.Logger
	cmd     Commander
	timeout time.Duration
}

var _ processmgr.ProcessController = (*StopController)(nil)

func NewStopController(log *zap.Logger, cmd Commander) *StopController {
	return &StopController{
		log:     log.Named("stop-controller"),
		cmd:     cmd,
		timeout: 500 * time.Millisecond,
	}
}

func (c *StopController) SendStop(processID, sessionID string) bool {
	raw, err := json.Marshal(StopRequest{Command: "stop", SessionID: sessionID})
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	n, err := c.cmd.Publish(ctx, ControlChannel(processID), raw).Result()
	if err != nil {
		c.log.Warn("stop request failed", zap.String("process_id", processID), zap.Error(err))
		return false
	}
	if n == 0 {
		c.log.Debug("no listener for stop request", zap.String("process_id", processID))
		return false
	}
	return true
}

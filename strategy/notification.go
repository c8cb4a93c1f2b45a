package strategy

import "time"

// NotificationSeverity defines the severity levels for strategy notifications.
type NotificationSeverity string

const (
	SeverityInfo    NotificationSeverity = "INFO"
	SeverityWarning NotificationSeverity = "WARNING"
	SeverityError   NotificationSeverity = "ERROR"
)

// Notification types raised by GridController.
const (
	NotifyGridReady         = "GRID_READY"
	NotifyGridRebased       = "GRID_REBASED"
	NotifyOrderFilled       = "ORDER_FILLED"
	NotifyTriggersAdapted   = "TRIGGERS_ADAPTED"
	NotifyContractViolation = "CONTRACT_VIOLATION"
	NotifyGridStopped       = "GRID_STOPPED"
)

// StrategyNotification is used to send notifications from a grid to the host.
type StrategyNotification struct {
	Timestamp time.Time              `json:"timestamp"`
	Symbol    string                 `json:"symbol"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Severity  NotificationSeverity   `json:"severity"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// NotificationCallback receives grid notifications. It runs on the grid's
// event goroutine and must not block.
type NotificationCallback func(notification StrategyNotification)

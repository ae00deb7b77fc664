package state

import "errors"

var (
	ErrKillSwitchActive = errors.New("kill switch is active")
	ErrUnknownMarket    = errors.New("unknown market")
	ErrQuotingDisabled  = errors.New("quoting is disabled for market")
	ErrBotNotRunning    = errors.New("bot is not running")
	ErrInventoryLimit   = errors.New("fill would exceed max inventory")
	ErrInvalidParams    = errors.New("invalid parameters")
	ErrDuplicateTicker  = errors.New("duplicate ticker")
)

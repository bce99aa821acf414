package model

// ConnState is the lifecycle state of the upstream feed connection.
type ConnState int32

const (
	// StateConnecting: initial dial or a reconnect dial in progress.
	StateConnecting ConnState = iota
	// StateOpen: socket healthy, heartbeats flowing.
	StateOpen
	// StateDegraded: socket up but heartbeat overdue; teardown imminent.
	StateDegraded
	// StateReconnecting: waiting out a backoff delay before redialing.
	StateReconnecting
	// StateClosed: deliberate shutdown, no further retries.
	StateClosed
)

var connStateNames = [...]string{
	StateConnecting:   "connecting",
	StateOpen:         "open",
	StateDegraded:     "degraded",
	StateReconnecting: "reconnecting",
	StateClosed:       "closed",
}

func (s ConnState) String() string {
	if s < 0 || int(s) >= len(connStateNames) {
		return "unknown"
	}
	return connStateNames[s]
}

// Channel names multiplexed over the feed connection.
const (
	ChannelOrderbook = "orderbook"
	ChannelTrades    = "trades"
	ChannelCandles   = "candles"
)

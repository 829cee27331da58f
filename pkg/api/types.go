package api

// API response types for REST endpoints and WebSocket messages. Prices and
// amounts are decimal strings.

// ==============================
// REST Response Types
// ==============================

type OrderInfo struct {
	ID     string `json:"id"`
	Side   string `json:"side"` // "buy" or "sell"
	Price  string `json:"price"`
	Amount string `json:"amount"` // signed: +ve bid, -ve ask
}

// BookSnapshot lists resting orders best first on each side.
type BookSnapshot struct {
	Bids      []OrderInfo `json:"bids"`
	Asks      []OrderInfo `json:"asks"`
	Size      int         `json:"size"`
	Timestamp int64       `json:"timestamp"` // Unix milliseconds
}

type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
	Count int    `json:"count"`
}

type LevelsSnapshot struct {
	Bids      []PriceLevel `json:"bids"` // Sorted high to low
	Asks      []PriceLevel `json:"asks"` // Sorted low to high
	Timestamp int64        `json:"timestamp"`
}

type LocksInfo struct {
	Held      []string `json:"held"`
	AnyLocked bool     `json:"anyLocked"`
}

// NodeStatus is the join state of this replica.
type NodeStatus struct {
	Self        string   `json:"self"`
	Phase       string   `json:"phase"`
	BookSize    int      `json:"bookSize"`
	LockedPeers []string `json:"lockedPeers"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["orders"]
}

// OrderUpdate is pushed on the orders channel for every applied order.
type OrderUpdate struct {
	Type      string `json:"type"` // "order"
	OrderID   string `json:"orderId"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Amount    string `json:"amount"`
	Residual  string `json:"residual"`
	Crossed   bool   `json:"crossed"`
	Fills     int    `json:"fills"`
	BookSize  int    `json:"bookSize"`
	Timestamp int64  `json:"timestamp"`
}

package models

import "time"

// Connection is one registered transport session. The row is keyed by the
// identifier the gateway assigned; nothing else about the peer is stored.
type Connection struct {
	ConnectionID string    `json:"connectionId" gorm:"column:connection_id;type:varchar(128);primaryKey"`
	ConnectedAt  time.Time `json:"connectedAt" gorm:"column:connected_at"`
}

// ConnectionPage is one page of a registry scan.
type ConnectionPage struct {
	Items []*Connection `json:"items"`
	// Next is the cursor for the following page; empty when the scan is complete.
	Next string `json:"next,omitempty"`
}

// IDs returns the connection identifiers of the page in order.
func (p *ConnectionPage) IDs() []string {
	ids := make([]string, 0, len(p.Items))
	for _, item := range p.Items {
		ids = append(ids, item.ConnectionID)
	}
	return ids
}

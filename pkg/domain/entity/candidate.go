package entity

import "time"

// AccessLevel tells whether a scan result is publicly visible
type AccessLevel string

const (
	AccessPublic  AccessLevel = "public"
	AccessPrivate AccessLevel = "private"
)

// FeedEntry is one row of the recent-scans listing
type FeedEntry struct {
	Identifier  string
	TargetURL   string
	ScanURL     string
	Age         string
	Size        string
	Requests    string
	IPs         string
	Threats     string
	Country     string
	AccessLevel AccessLevel
}

// ScanCandidate is a discovered scan waiting for its verdict
type ScanCandidate struct {
	Entry        FeedEntry
	DiscoveredAt time.Time
}

// Identifier returns the scan identifier of the candidate
func (c *ScanCandidate) Identifier() string {
	return c.Entry.Identifier
}

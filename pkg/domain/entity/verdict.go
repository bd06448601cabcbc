package entity

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// TargetedBrand is a brand the scanned page impersonates
type TargetedBrand struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Country  string `json:"country"`
}

// Verdict is what the verdict page says about a scan
type Verdict struct {
	Identifier     string
	Verdict        string
	TargetedBrands []TargetedBrand
}

// IsMalicious reports whether the upstream verdict classifies the scan as malicious
func (v *Verdict) IsMalicious() bool {
	return strings.EqualFold(strings.TrimSpace(v.Verdict), "malicious")
}

// VerdictRecord is the persisted result for one scan
type VerdictRecord struct {
	Identifier      string          `json:"identifier"`
	TargetURL       string          `json:"target_url"`
	ScanURL         string          `json:"scan_url"`
	AgeOfScan       string          `json:"age_of_scan"`
	PageSize        string          `json:"page_size"`
	RequestCount    int             `json:"request_count"`
	IPAddresses     []string        `json:"ip_addresses"`
	DetectedThreats []string        `json:"detected_threats"`
	AccessLevel     AccessLevel     `json:"access_level"`
	Country         string          `json:"country,omitempty"`
	Verdict         string          `json:"verdict"`
	IsMalicious     bool            `json:"is_malicious"`
	TargetedBrands  []TargetedBrand `json:"targeted_brands"`
	CapturedAt      time.Time       `json:"captured_at"`
}

// NewVerdictRecord merges the feed metadata of a candidate with its resolved verdict
func NewVerdictRecord(c *ScanCandidate, v *Verdict, capturedAt time.Time) *VerdictRecord {
	brands := v.TargetedBrands
	if brands == nil {
		brands = []TargetedBrand{}
	}
	access := c.Entry.AccessLevel
	if access == "" {
		access = AccessPublic
	}
	return &VerdictRecord{
		Identifier:      c.Entry.Identifier,
		TargetURL:       c.Entry.TargetURL,
		ScanURL:         c.Entry.ScanURL,
		AgeOfScan:       c.Entry.Age,
		PageSize:        c.Entry.Size,
		RequestCount:    parseCount(c.Entry.Requests),
		IPAddresses:     splitSet(c.Entry.IPs),
		DetectedThreats: splitList(c.Entry.Threats),
		AccessLevel:     access,
		Country:         c.Entry.Country,
		Verdict:         v.Verdict,
		IsMalicious:     v.IsMalicious(),
		TargetedBrands:  brands,
		CapturedAt:      capturedAt,
	}
}

// DeadLetter records an item that permanently failed resolution
type DeadLetter struct {
	ID         string    `json:"id"`
	Identifier string    `json:"identifier"`
	ScanURL    string    `json:"scan_url"`
	ErrorKind  string    `json:"error_kind"`
	Error      string    `json:"error"`
	Attempts   int       `json:"attempts"`
	LastProxy  string    `json:"last_proxy,omitempty"`
	FailedAt   time.Time `json:"failed_at"`
}

func fields(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t' || r == ';'
	})
}

// splitSet returns the unique fields of s in sorted order
func splitSet(s string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, f := range fields(s) {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// splitList keeps the order the feed listed the threats in
func splitList(s string) []string {
	out := []string{}
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// parseCount accepts values like "42", "1,204" or "" (unknown, 0)
func parseCount(s string) int {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

package urlscan

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
	"github.com/google/uuid"
)

const (
	maliciousBanner   = "Malicious Activity!"
	targetingLabel    = "Targeting these brands:"
	flagClassPrefix   = "flag-icon-"
	verdictMalicious  = "Malicious"
	verdictUnassessed = "No classification"
)

// ParseFeed extracts the rows of the recent-scans table. Rows without a
// result link (placeholders such as "Loading...") are skipped.
func ParseFeed(body []byte, baseURL string) ([]entity.FeedEntry, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed html: %w", err)
	}

	table := doc.Find("table").First()
	if table.Length() == 0 {
		return nil, fmt.Errorf("feed page has no table")
	}

	var entries []entity.FeedEntry
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		if entry, ok := parseRow(row, baseURL); ok {
			entries = append(entries, entry)
		}
	})
	return entries, nil
}

func parseRow(row *goquery.Selection, baseURL string) (entity.FeedEntry, bool) {
	cells := row.Find("td")
	if cells.Length() < 7 {
		return entity.FeedEntry{}, false
	}

	target := cells.Eq(1)
	targetURL := strings.TrimSpace(target.Text())
	if targetURL == "" || targetURL == "Loading..." {
		return entity.FeedEntry{}, false
	}

	href, ok := target.Find("a").Attr("href")
	if !ok {
		return entity.FeedEntry{}, false
	}
	identifier, ok := IdentifierFromPath(href)
	if !ok {
		return entity.FeedEntry{}, false
	}

	access := entity.AccessPublic
	if row.Find(`img[alt="Private"]`).Length() > 0 {
		access = entity.AccessPrivate
	}

	return entity.FeedEntry{
		Identifier:  identifier,
		TargetURL:   targetURL,
		ScanURL:     ResultURL(baseURL, identifier),
		Age:         strings.TrimSpace(cells.Eq(2).Text()),
		Size:        strings.TrimSpace(cells.Eq(3).Text()),
		Requests:    strings.TrimSpace(cells.Eq(4).Text()),
		IPs:         strings.TrimSpace(cells.Eq(5).Text()),
		Threats:     strings.TrimSpace(cells.Eq(6).Text()),
		Country:     flagCountry(row),
		AccessLevel: access,
	}, true
}

// IdentifierFromPath extracts the scan uuid from links like /result/<uuid>/
func IdentifierFromPath(href string) (string, bool) {
	if u, err := url.Parse(href); err == nil {
		href = u.Path
	}
	parts := strings.Split(strings.Trim(href, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] != "result" {
			continue
		}
		id, err := uuid.Parse(parts[i+1])
		if err != nil {
			return "", false
		}
		return id.String(), true
	}
	return "", false
}

// ResultURL returns the verdict page of a scan
func ResultURL(baseURL, identifier string) string {
	return strings.TrimRight(baseURL, "/") + "/result/" + identifier + "/"
}

// flagCountry returns the upper-case country code of the first flag icon in s
func flagCountry(s *goquery.Selection) string {
	var country string
	s.Find(`span[class*="` + flagClassPrefix + `"]`).EachWithBreak(func(_ int, flag *goquery.Selection) bool {
		country = countryFromClass(flag)
		return country == ""
	})
	return country
}

func countryFromClass(s *goquery.Selection) string {
	class, _ := s.Attr("class")
	for _, c := range strings.Fields(class) {
		if strings.HasPrefix(c, flagClassPrefix) {
			return strings.ToUpper(strings.TrimPrefix(c, flagClassPrefix))
		}
	}
	return ""
}

// ParseVerdict extracts the verdict and targeted brands of a result page. A
// page without a summary section is a parse error.
func ParseVerdict(body []byte, identifier string) (*entity.Verdict, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse result html: %w", err)
	}
	if doc.Find("#summary").Length() == 0 {
		return nil, fmt.Errorf("result page for %s has no summary", identifier)
	}

	verdict := &entity.Verdict{
		Identifier:     identifier,
		Verdict:        verdictUnassessed,
		TargetedBrands: []entity.TargetedBrand{},
	}

	malicious := strings.Contains(doc.Text(), maliciousBanner)
	if !malicious {
		red := doc.Find("span.red").First().Text()
		malicious = strings.Contains(red, verdictMalicious)
	}
	if !malicious {
		return verdict, nil
	}

	verdict.Verdict = verdictMalicious
	verdict.TargetedBrands = parseBrands(doc)
	return verdict, nil
}

func parseBrands(doc *goquery.Document) []entity.TargetedBrand {
	brands := []entity.TargetedBrand{}

	label := doc.Find("*").FilterFunction(func(_ int, s *goquery.Selection) bool {
		// innermost element carrying the label
		return strings.Contains(s.Text(), targetingLabel) && !strings.Contains(s.Children().Text(), targetingLabel)
	}).First()
	if label.Length() == 0 {
		return brands
	}

	tags := label.Parent().Find("span.simpletag")
	if tags.Length() == 0 {
		tags = label.Parent().Find(`span[class*="` + flagClassPrefix + `"]`)
	}

	seen := make(map[string]struct{})
	tags.Each(func(_ int, tag *goquery.Selection) {
		country := flagCountry(tag)
		if country == "" {
			country = countryFromClass(tag)
		}
		if country == "" {
			return
		}
		name, category := splitBrand(strings.TrimSpace(tag.Text()))
		if name == "" {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		brands = append(brands, entity.TargetedBrand{Name: name, Category: category, Country: country})
	})
	return brands
}

// splitBrand turns "PayPal (Financial)" into its name and category
func splitBrand(text string) (string, string) {
	name, rest, found := strings.Cut(text, "(")
	if !found {
		return strings.TrimSpace(text), "Unknown"
	}
	category := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rest), ")"))
	if category == "" {
		category = "Unknown"
	}
	return strings.TrimSpace(name), category
}

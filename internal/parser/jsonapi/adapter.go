// Package jsonapi adapts a generic JSON search API to the harvest pipeline.
//
// The adapter is intentionally target-neutral: it expects a listing endpoint
// under {base}/api/search returning either {"results":[...]} or a bare
// array, and a detail endpoint addressed by each result's ref. Site-specific
// connectors implement harvest.Parser the same way in private repositories.
package jsonapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/sourcehound/harvester/internal/harvest"
)

// Options configures the adapter.
type Options struct {
	BaseURL string
}

// Adapter implements harvest.Parser over a JSON search API.
type Adapter struct {
	baseURL string
}

// New validates the base URL and returns an Adapter.
func New(opts Options) (*Adapter, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("BaseURL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid BaseURL: %w", err)
	}
	return &Adapter{baseURL: strings.TrimRight(base, "/")}, nil
}

// BuildListingURL returns the search URL for one unit and page. The location
// parameter is included only when the unit carries one.
func (a *Adapter) BuildListingURL(unit harvest.Unit, page int) (string, error) {
	u, err := url.Parse(a.baseURL + "/api/search")
	if err != nil {
		return "", fmt.Errorf("build listing url: %w", err)
	}
	q := u.Query()
	q.Set("q", strings.TrimSpace(unit.Name))
	if loc := strings.TrimSpace(unit.Location); loc != "" {
		q.Set("location", loc)
	}
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// BuildDetailURL resolves a candidate's detail ref against the base URL.
func (a *Adapter) BuildDetailURL(c harvest.Candidate) (string, error) {
	if c.DetailRef == "" {
		return "", errors.New("candidate has no detail ref")
	}
	if strings.HasPrefix(c.DetailRef, "http://") || strings.HasPrefix(c.DetailRef, "https://") {
		return c.DetailRef, nil
	}
	return a.baseURL + "/" + strings.TrimLeft(c.DetailRef, "/"), nil
}

type listingItem struct {
	Name       string            `json:"name"`
	Ref        string            `json:"ref"`
	Attributes map[string]string `json:"attributes"`
}

// ParseListing extracts candidates from a listing payload. Both
// {"results":[...]} and bare-array payloads are accepted. Items without a
// ref are dropped: they cannot be enriched or deduplicated.
func (a *Adapter) ParseListing(content []byte) ([]harvest.Candidate, error) {
	var wrapped struct {
		Results []listingItem `json:"results"`
	}
	var items []listingItem
	if err := json.Unmarshal(content, &wrapped); err == nil && wrapped.Results != nil {
		items = wrapped.Results
	} else if err := json.Unmarshal(content, &items); err != nil {
		return nil, fmt.Errorf("parse listing payload: %w", err)
	}

	out := make([]harvest.Candidate, 0, len(items))
	for _, item := range items {
		if item.Ref == "" {
			continue
		}
		out = append(out, harvest.Candidate{
			Fingerprint: Fingerprint(item.Ref),
			Name:        item.Name,
			DetailRef:   item.Ref,
			Attributes:  item.Attributes,
		})
	}
	return out, nil
}

type detailPayload struct {
	Name       string            `json:"name"`
	Age        int               `json:"age"`
	Category   string            `json:"category"`
	Location   string            `json:"location"`
	Attributes map[string]string `json:"attributes"`
}

// ParseDetail merges a detail payload with its candidate. A payload without
// a name and category yields (nil, nil): the page held nothing usable.
func (a *Adapter) ParseDetail(content []byte, c harvest.Candidate) (*harvest.DetailRecord, error) {
	var wrapped struct {
		Record *detailPayload `json:"record"`
	}
	var d detailPayload
	if err := json.Unmarshal(content, &wrapped); err == nil && wrapped.Record != nil {
		d = *wrapped.Record
	} else if err := json.Unmarshal(content, &d); err != nil {
		return nil, fmt.Errorf("parse detail payload: %w", err)
	}

	if d.Name == "" && d.Category == "" {
		return nil, nil
	}

	rec := harvest.DetailRecord{
		Fingerprint: c.Fingerprint,
		Name:        d.Name,
		Age:         d.Age,
		Category:    d.Category,
		Location:    d.Location,
		Attributes:  mergeAttributes(c.Attributes, d.Attributes),
	}
	if rec.Name == "" {
		rec.Name = c.Name
	}
	return &rec, nil
}

// Fingerprint derives a stable identity from a detail ref. Scheme and
// trailing slashes are ignored so http/https variants of the same ref
// collapse.
func Fingerprint(ref string) string {
	norm := strings.TrimSuffix(strings.TrimSpace(ref), "/")
	norm = strings.TrimPrefix(norm, "https://")
	norm = strings.TrimPrefix(norm, "http://")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:8])
}

// mergeAttributes overlays detail attributes on listing attributes; the
// detail page wins on conflicts.
func mergeAttributes(listing, detail map[string]string) map[string]string {
	if len(listing) == 0 {
		return detail
	}
	out := make(map[string]string, len(listing)+len(detail))
	for k, v := range listing {
		out[k] = v
	}
	for k, v := range detail {
		out[k] = v
	}
	return out
}

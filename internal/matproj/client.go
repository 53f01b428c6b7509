// Package matproj is a minimal Materials Project summary-API client:
// enough to pull the most stable structure for a chemical formula.
package matproj

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qforge-dev/qforge/internal/fetchutil"
	"github.com/qforge-dev/qforge/internal/structure"
)

const defaultAPI = "https://api.materialsproject.org"

// NotFoundError reports a formula with no entries in the database.
type NotFoundError struct{ Formula string }

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no materials found for formula %q", e.Formula)
}

// Client queries the Materials Project REST API.
type Client struct {
	apiKey string
	base   string
	http   *fetchutil.Client
}

// NewClient builds a client for the public API endpoint.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey: apiKey,
		base:   defaultAPI,
		http:   fetchutil.NewClient(30 * time.Second),
	}
}

// NewClientWithBase builds a client against a custom endpoint. Used by
// tests.
func NewClientWithBase(apiKey, base string) *Client {
	c := NewClient(apiKey)
	c.base = base
	return c
}

type summaryDoc struct {
	MaterialID      string    `json:"material_id"`
	FormulaPretty   string    `json:"formula_pretty"`
	EnergyAboveHull float64   `json:"energy_above_hull"`
	Structure       structDoc `json:"structure"`
}

type structDoc struct {
	Lattice struct {
		Matrix [3][3]float64 `json:"matrix"`
	} `json:"lattice"`
	Sites []struct {
		Species []struct {
			Element string  `json:"element"`
			Occu    float64 `json:"occu"`
		} `json:"species"`
		ABC [3]float64 `json:"abc"`
	} `json:"sites"`
}

type summaryResp struct {
	Data []summaryDoc `json:"data"`
}

// MostStableStructure returns the structure with the lowest energy above
// hull among all database entries matching the formula.
func (c *Client) MostStableStructure(ctx context.Context, formula string) (*structure.Structure, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("materials project API key missing; set MP_API_KEY or the api_key config field")
	}
	q := url.Values{}
	q.Set("formula", formula)
	q.Set("_fields", "material_id,formula_pretty,structure,energy_above_hull")
	endpoint := c.base + "/materials/summary/?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query materials project: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read materials project response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("materials project: status %d: %s", resp.StatusCode, truncate(body, 200))
	}
	var sr summaryResp
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("decode materials project response: %w", err)
	}
	if len(sr.Data) == 0 {
		return nil, &NotFoundError{Formula: formula}
	}

	best := sr.Data[0]
	for _, d := range sr.Data[1:] {
		if d.EnergyAboveHull < best.EnergyAboveHull {
			best = d
		}
	}
	log.Info().
		Str("material_id", best.MaterialID).
		Float64("energy_above_hull", best.EnergyAboveHull).
		Int("candidates", len(sr.Data)).
		Msg("selected most stable structure")

	return toStructure(best, formula)
}

func toStructure(doc summaryDoc, formula string) (*structure.Structure, error) {
	s := &structure.Structure{
		Formula: doc.FormulaPretty,
		Lattice: doc.Structure.Lattice.Matrix,
	}
	if s.Formula == "" {
		s.Formula = formula
	}
	for i, site := range doc.Structure.Sites {
		if len(site.Species) == 0 {
			return nil, fmt.Errorf("site %d has no species", i)
		}
		// Disordered occupancies cannot be expressed in a pw.x deck.
		if len(site.Species) > 1 || site.Species[0].Occu != 1 {
			return nil, fmt.Errorf("site %d is disordered; only ordered structures are supported", i)
		}
		s.Sites = append(s.Sites, structure.Site{
			Element: site.Species[0].Element,
			Coords:  site.ABC,
		})
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("structure for %s: %w", formula, err)
	}
	return s, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

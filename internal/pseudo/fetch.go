package pseudo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qforge-dev/qforge/internal/fetchutil"
)

// Base URLs for generic pseudopotential search, tried in order. The
// placeholder receives "<Element><suffix>".
var upfBaseURLs = []string{
	"https://pseudopotentials.quantum-espresso.org/upf_files/%s",
	"https://raw.githubusercontent.com/pseudo-dojo/pseudo-dojo/main/pseudos/nc-sr-04_pbe_standard/%s",
	"https://raw.githubusercontent.com/dalcorso/pslibrary/master/upf/%s",
}

var upfSuffixes = []string{
	".UPF",
	".upf",
	".pbe-n-kjpaw_psl.1.0.0.UPF",
	".pbe-n-rrkjus_psl.1.0.0.UPF",
	".pbe-dn-kjpaw_psl.1.0.0.UPF",
	".pbe-dn-rrkjus_psl.1.0.0.UPF",
	".pbe-dnl-kjpaw_psl.1.0.0.UPF",
	".pbe-sp-van_ak.UPF",
	".pbe-hgh.UPF",
	"_oncv_psp8.upf",
}

// Curated URLs for common elements, tried before the generic search.
var knownUPFURLs = map[string]string{
	"Si": "https://pseudopotentials.quantum-espresso.org/upf_files/Si.pbe-n-rrkjus_psl.1.0.0.UPF",
	"Ga": "https://pseudopotentials.quantum-espresso.org/upf_files/Ga.pbe-dn-kjpaw_psl.1.0.0.UPF",
	"N":  "https://pseudopotentials.quantum-espresso.org/upf_files/N.pbe-n-kjpaw_psl.1.0.0.UPF",
	"Al": "https://pseudopotentials.quantum-espresso.org/upf_files/Al.pbe-n-kjpaw_psl.1.0.0.UPF",
	"C":  "https://pseudopotentials.quantum-espresso.org/upf_files/C.pbe-n-kjpaw_psl.1.0.0.UPF",
	"O":  "https://pseudopotentials.quantum-espresso.org/upf_files/O.pbe-n-kjpaw_psl.1.0.0.UPF",
	"Na": "https://pseudopotentials.quantum-espresso.org/upf_files/Na.pbe-sp-van_ak.UPF",
	"Zn": "https://pseudopotentials.quantum-espresso.org/upf_files/Zn.pbe-dnl-kjpaw_psl.1.0.0.UPF",
}

// HTTPFetcher downloads UPF files from the public pseudopotential
// repositories.
type HTTPFetcher struct {
	client *fetchutil.Client
}

// NewHTTPFetcher builds a fetcher with a bounded per-request timeout.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{client: fetchutil.NewClient(10 * time.Second)}
}

// Fetch tries the curated URL for the element first, then every
// base-URL/suffix combination.
func (f *HTTPFetcher) Fetch(ctx context.Context, element string) ([]byte, error) {
	if url, ok := knownUPFURLs[element]; ok {
		data, err := f.get(ctx, url)
		if err == nil {
			return data, nil
		}
		log.Warn().Str("element", element).Err(err).Msg("curated pseudopotential URL failed, searching")
	}
	for _, base := range upfBaseURLs {
		for _, suffix := range upfSuffixes {
			url := fmt.Sprintf(base, element+suffix)
			data, err := f.get(ctx, url)
			if err != nil {
				continue
			}
			log.Info().Str("element", element).Str("url", url).Msg("found pseudopotential")
			return data, nil
		}
	}
	return nil, fmt.Errorf("no downloadable pseudopotential for %s in any known repository", element)
}

func (f *HTTPFetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

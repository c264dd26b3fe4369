// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/kraklabs/refdl/pkg/model"
	"github.com/kraklabs/refdl/pkg/taxonomy"
)

// worksAPIBase is the public metadata API endpoint. The exact URL shape is
// a resolver-internal detail; Crossref's works API is used as the concrete
// choice.
const worksAPIBase = "https://api.crossref.org/works/"

// DOIResolver resolves DOIs via a public metadata API, falling back to
// scraping the landing page for a citation_pdf_url when the API response
// carries no direct download link.
type DOIResolver struct {
	apiBase string
}

// NewDOIResolver validates the mailto identifier and refuses registration
// (returns an error) if it contains control characters or newlines. A
// validated resolver is always safe to attach to outbound requests.
func NewDOIResolver(mailtoIdentifier string) (*DOIResolver, error) {
	if err := validateMailto(mailtoIdentifier); err != nil {
		return nil, fmt.Errorf("doi resolver: refusing registration: %w", err)
	}
	return &DOIResolver{apiBase: worksAPIBase}, nil
}

func validateMailto(s string) error {
	if s == "" {
		return nil // identifier is optional; an empty value is valid
	}
	for _, r := range s {
		if r == '\n' || r == '\r' || r < 0x20 || r == 0x7f {
			return fmt.Errorf("mailto identifier contains a control character or newline")
		}
	}
	return nil
}

func (r *DOIResolver) Name() string       { return "doi" }
func (r *DOIResolver) Priority() Priority { return PrioritySpecialized }

var doiPrefix = "10."

func (r *DOIResolver) CanHandle(input string) bool {
	return strings.HasPrefix(input, doiPrefix)
}

type worksResponse struct {
	Status  string `json:"status"`
	Message struct {
		Title []string `json:"title"`
		Author []struct {
			Given  string `json:"given"`
			Family string `json:"family"`
		} `json:"author"`
		Published struct {
			DateParts [][]int `json:"date-parts"`
		} `json:"published"`
		ContainerTitle []string `json:"container-title"`
		Link           []struct {
			URL         string `json:"URL"`
			ContentType string `json:"content-type"`
		} `json:"link"`
		Resource struct {
			Primary struct {
				URL string `json:"URL"`
			} `json:"primary"`
		} `json:"resource"`
	} `json:"message"`
}

// Resolve calls the public metadata API for the DOI, extracting the
// primary download location and metadata. A 404 is classified NotFound
// (permanent); other non-200 statuses, unreachable service and timeouts
// are classified as transient kinds so the item retries rather than being
// dropped.
func (r *DOIResolver) Resolve(ctx context.Context, input string, rc *Context) Step {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.apiBase+url.PathEscape(input), nil)
	if err != nil {
		return FailedStep(taxonomy.Wrap(taxonomy.Internal, err, "", "build doi request"))
	}
	ua := "refdl/1.0"
	if rc.MailtoIdentifier != "" {
		ua = fmt.Sprintf("refdl/1.0 (mailto:%s)", rc.MailtoIdentifier)
	}
	req.Header.Set("User-Agent", ua)

	resp, err := rc.HTTPClient.Do(req)
	if err != nil {
		return FailedStep(taxonomy.Wrap(taxonomy.Timeout, err, "", "doi metadata service unreachable"))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return FailedStep(taxonomy.New(taxonomy.NotFound, "", "doi not found"))
	}
	if resp.StatusCode >= 500 {
		return FailedStep(taxonomy.New(taxonomy.ServerError, "", fmt.Sprintf("doi metadata service status %d", resp.StatusCode)))
	}
	if resp.StatusCode != http.StatusOK {
		return FailedStep(taxonomy.New(taxonomy.ServerError, "", fmt.Sprintf("doi metadata service status %d", resp.StatusCode)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return FailedStep(taxonomy.Wrap(taxonomy.Timeout, err, "", "read doi metadata response"))
	}

	var wr worksResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return FailedStep(taxonomy.Wrap(taxonomy.ServerError, err, "", "malformed doi metadata response"))
	}

	meta := buildMetadata(wr, input)

	if link := directLink(wr); link != "" {
		target, err := urlOrigin(link)
		if err != nil {
			return FailedStep(taxonomy.Wrap(taxonomy.Internal, err, "", "invalid doi link"))
		}
		return URLStep(model.ResolvedTarget{
			URL:          link,
			Origin:       target,
			Metadata:     meta,
			ResolverName: r.Name(),
		})
	}

	landing := wr.Message.Resource.Primary.URL
	if landing == "" {
		return FailedStep(taxonomy.New(taxonomy.NotFound, "", "doi metadata has no download link or landing page"))
	}

	// No direct link: follow the landing page and scrape it for a PDF
	// link, emitted as a Redirect so the normal hop-cap and fallback-chain
	// rules apply.
	if pdfLink, err := scrapeLandingPage(ctx, rc, landing); err == nil && pdfLink != "" {
		return RedirectStep(pdfLink)
	}
	return RedirectStep(landing)
}

func directLink(wr worksResponse) string {
	for _, l := range wr.Message.Link {
		if strings.Contains(l.ContentType, "pdf") {
			return l.URL
		}
	}
	if len(wr.Message.Link) > 0 {
		return wr.Message.Link[0].URL
	}
	return ""
}

func buildMetadata(wr worksResponse, doi string) model.Metadata {
	meta := model.Metadata{DOI: doi}
	if len(wr.Message.Title) > 0 {
		meta.Title = wr.Message.Title[0]
	}
	for _, a := range wr.Message.Author {
		name := strings.TrimSpace(a.Given + " " + a.Family)
		if name != "" {
			meta.Authors = append(meta.Authors, name)
		}
	}
	if len(wr.Message.Published.DateParts) > 0 && len(wr.Message.Published.DateParts[0]) > 0 {
		meta.Year = strconv.Itoa(wr.Message.Published.DateParts[0][0])
	}
	if len(wr.Message.ContainerTitle) > 0 {
		meta.Journal = wr.Message.ContainerTitle[0]
	}
	return meta
}

// scrapeLandingPage fetches a publisher landing page and looks for a
// citation_pdf_url meta tag, the de facto standard publishers use to
// advertise a direct PDF location to indexers.
func scrapeLandingPage(ctx context.Context, rc *Context, landingURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, landingURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := rc.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("landing page status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", err
	}

	if href, ok := doc.Find(`meta[name="citation_pdf_url"]`).Attr("content"); ok && href != "" {
		return href, nil
	}
	var found string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		if strings.Contains(strings.ToLower(href), "pdf") {
			found = href
			return false
		}
		return true
	})
	return found, nil
}

func urlOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid url %q", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Package content fetches Bible verse text for lobbies and the public verse
// endpoint. KJV/WEB come from bible-api.com; other versions go through
// api.bible, resolving human references to OSIS ids via search first.
// Responses are cached in memory keyed on version|reference.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrUnsupportedVersion = errors.New("unsupported version")
	ErrNotFound           = errors.New("no passage found for reference")
	ErrMissingKey         = errors.New("server missing API_BIBLE_KEY")
	ErrUpstream           = errors.New("upstream provider error")
)

const (
	providerBibleAPI = "bibleapi"
	providerAPIBible = "apibible"
)

type versionConfig struct {
	provider string
	id       string
}

// Maps UI version codes to provider + id.
var versionMap = map[string]versionConfig{
	"KJV": {provider: providerBibleAPI},
	"WEB": {provider: providerBibleAPI, id: "web"},
	"FBV": {provider: providerAPIBible, id: "65eec8e0b60e656b-01"}, // Free Bible Version
	"ICV": {provider: providerAPIBible, id: "a36fc06b086699f1-02"}, // Igbo Contemporary Bible
	"YCV": {provider: providerAPIBible, id: "b8d1feac6e94bd74-01"}, // Yoruba Contemporary Bible
}

var (
	osisRE = regexp.MustCompile(`(?i)^[A-Z0-9]{3}\.\d+(\.\d+)?$`)
	tagRE  = regexp.MustCompile(`<[^>]+>`)
)

// Passage is a fetched verse or passage, stripped to plain text.
type Passage struct {
	Reference string `json:"reference"`
	Text      string `json:"text"`
	Version   string `json:"version"`
	Copyright string `json:"copyright,omitempty"`
}

type Provider struct {
	apiBibleKey  string
	client       *http.Client
	bibleAPIBase string
	apiBibleBase string
	log          zerolog.Logger

	mu    sync.Mutex
	cache map[string]Passage
}

// Option overrides provider defaults, used by tests to point at a stub server.
type Option func(*Provider)

func WithBibleAPIBase(base string) Option {
	return func(p *Provider) { p.bibleAPIBase = base }
}

func WithAPIBibleBase(base string) Option {
	return func(p *Provider) { p.apiBibleBase = base }
}

func NewProvider(apiBibleKey string, log zerolog.Logger, opts ...Option) *Provider {
	p := &Provider{
		apiBibleKey:  apiBibleKey,
		client:       &http.Client{Timeout: 12 * time.Second},
		bibleAPIBase: "https://bible-api.com",
		apiBibleBase: "https://api.scripture.api.bible/v1",
		log:          log.With().Str("component", "content").Logger(),
		cache:        make(map[string]Passage),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func cacheKey(version, ref string) string {
	return strings.ToLower(strings.TrimSpace(version) + "|" + strings.TrimSpace(ref))
}

// Fetch returns the passage for a reference in the given version. ref may be
// a human reference ("John 3:16") or an OSIS id ("JHN.3.16").
func (p *Provider) Fetch(ctx context.Context, ref, version string) (Passage, error) {
	version = strings.ToUpper(strings.TrimSpace(version))
	if version == "" {
		version = "KJV"
	}
	cfg, ok := versionMap[version]
	if !ok {
		return Passage{}, fmt.Errorf("%w: %s", ErrUnsupportedVersion, version)
	}

	key := cacheKey(version, ref)
	p.mu.Lock()
	cached, hit := p.cache[key]
	p.mu.Unlock()
	if hit {
		return cached, nil
	}

	var (
		out Passage
		err error
	)
	switch cfg.provider {
	case providerBibleAPI:
		trans := "kjv"
		if cfg.id != "" {
			trans = cfg.id
		}
		out, err = p.fetchBibleAPI(ctx, ref, trans)
	default:
		out, err = p.fetchAPIBible(ctx, cfg.id, ref)
	}
	if err != nil {
		return Passage{}, err
	}
	out.Version = version

	p.mu.Lock()
	p.cache[key] = out
	p.mu.Unlock()
	p.log.Debug().Str("version", version).Str("ref", ref).Int("chars", len(out.Text)).Msg("passage fetched")
	return out, nil
}

func (p *Provider) fetchBibleAPI(ctx context.Context, ref, trans string) (Passage, error) {
	u := p.bibleAPIBase + "/" + url.PathEscape(ref)
	if trans != "kjv" {
		u += "?translation=" + url.QueryEscape(trans)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Passage{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Passage{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Passage{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if resp.StatusCode != http.StatusOK {
		return Passage{}, fmt.Errorf("%w: bible-api.com status %d", ErrUpstream, resp.StatusCode)
	}

	var body struct {
		Reference string `json:"reference"`
		Text      string `json:"text"`
		Verses    []struct {
			Text string `json:"text"`
		} `json:"verses"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Passage{}, fmt.Errorf("%w: decoding bible-api.com response: %v", ErrUpstream, err)
	}

	text := body.Text
	if len(body.Verses) > 0 {
		parts := make([]string, 0, len(body.Verses))
		for _, v := range body.Verses {
			parts = append(parts, strings.TrimSpace(v.Text))
		}
		text = strings.Join(parts, " ")
	}
	reference := body.Reference
	if reference == "" {
		reference = ref
	}
	return Passage{Reference: reference, Text: normalize(text)}, nil
}

func (p *Provider) fetchAPIBible(ctx context.Context, bibleID, ref string) (Passage, error) {
	osis := ref
	if !osisRE.MatchString(ref) {
		resolved, err := p.resolveOSIS(ctx, bibleID, ref)
		if err != nil {
			return Passage{}, err
		}
		osis = resolved
	}
	return p.fetchPassage(ctx, bibleID, osis)
}

// resolveOSIS turns "John 3:16" into "JHN.3.16" via the search endpoint.
func (p *Provider) resolveOSIS(ctx context.Context, bibleID, ref string) (string, error) {
	if p.apiBibleKey == "" {
		return "", ErrMissingKey
	}
	u := fmt.Sprintf("%s/bibles/%s/search?query=%s&limit=1", p.apiBibleBase, bibleID, url.QueryEscape(ref))
	resp, err := p.apiBibleGet(ctx, u)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := apiBibleStatus(resp); err != nil {
		return "", err
	}

	var body struct {
		Data struct {
			Verses []struct {
				ID string `json:"id"`
			} `json:"verses"`
			Passages []struct {
				ID string `json:"id"`
			} `json:"passages"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decoding search response: %v", ErrUpstream, err)
	}
	if len(body.Data.Verses) > 0 && body.Data.Verses[0].ID != "" {
		return body.Data.Verses[0].ID, nil
	}
	if len(body.Data.Passages) > 0 && body.Data.Passages[0].ID != "" {
		return body.Data.Passages[0].ID, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
}

func (p *Provider) fetchPassage(ctx context.Context, bibleID, osis string) (Passage, error) {
	if p.apiBibleKey == "" {
		return Passage{}, ErrMissingKey
	}
	params := url.Values{
		"content-type":            {"html"},
		"include-notes":           {"false"},
		"include-titles":          {"true"},
		"include-chapter-numbers": {"false"},
		"include-verse-numbers":   {"false"},
		"include-verse-spans":     {"false"},
		"use-org-id":              {"false"},
	}
	u := fmt.Sprintf("%s/bibles/%s/passages/%s?%s", p.apiBibleBase, bibleID, url.PathEscape(osis), params.Encode())
	resp, err := p.apiBibleGet(ctx, u)
	if err != nil {
		return Passage{}, err
	}
	defer resp.Body.Close()
	if err := apiBibleStatus(resp); err != nil {
		return Passage{}, err
	}

	var body struct {
		Data struct {
			Reference string `json:"reference"`
			Content   string `json:"content"`
			Copyright string `json:"copyright"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Passage{}, fmt.Errorf("%w: decoding passage response: %v", ErrUpstream, err)
	}
	reference := body.Data.Reference
	if reference == "" {
		reference = osis
	}
	return Passage{
		Reference: reference,
		Text:      normalize(stripHTML(body.Data.Content)),
		Copyright: body.Data.Copyright,
	}, nil
}

func (p *Provider) apiBibleGet(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("api-key", p.apiBibleKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return resp, nil
}

func apiBibleStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: api.bible rejected key (status %d)", ErrUpstream, resp.StatusCode)
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("%w: api.bible status %d", ErrUpstream, resp.StatusCode)
	}
}

func stripHTML(s string) string {
	return tagRE.ReplaceAllString(s, "")
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

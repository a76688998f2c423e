package portal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/pfrederiksen/snis-scraper/internal/logger"
	"golang.org/x/net/publicsuffix"
)

// Config holds the parameters of one portal session.
type Config struct {
	// BaseURL is the directory holding the report pages.
	BaseURL string
	// Cookie is the ASP.NET session id. Empty lets the server issue one.
	Cookie string
	// Timeout bounds every single attempt.
	Timeout time.Duration
	// Retries is the number of transport attempts per request.
	Retries int
	// RetryInterval is the constant pause between attempts.
	RetryInterval time.Duration
	// Transport is the underlying round tripper. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// Session issues postbacks against the portal with its own cookie jar.
// A Session holds no selection state of its own: every call takes the State
// produced by the previous response and returns the next one.
type Session struct {
	client  *http.Client
	baseURL *url.URL
	headers http.Header
}

// NewSession creates a session for the given configuration.
func NewSession(cfg Config) (*Session, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = Timeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.RetryInterval < 0 {
		cfg.RetryInterval = 0
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	if cfg.Cookie != "" {
		jar.SetCookies(base, []*http.Cookie{{Name: SessionCookie, Value: cfg.Cookie, Path: "/"}})
	}

	return &Session{
		client: &http.Client{
			Jar: jar,
			Transport: &retryTransport{
				base:     cfg.Transport,
				attempts: cfg.Retries,
				interval: cfg.RetryInterval,
				timeout:  cfg.Timeout,
			},
		},
		baseURL: base,
		headers: DefaultHeaders(base.Scheme + "://" + base.Host),
	}, nil
}

// PageURL resolves a report page path against the base URL.
func (s *Session) PageURL(page string) string {
	return s.baseURL.ResolveReference(&url.URL{Path: page}).String()
}

// Initialize loads the landing page of a report and returns its state.
func (s *Session) Initialize(ctx context.Context, pageURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	doc, err := s.do(req)
	if err != nil {
		return nil, err
	}
	state, err := ExtractState(doc, pageURL)
	if err != nil {
		return nil, err
	}
	return &Page{URL: pageURL, Doc: doc, State: state}, nil
}

// SelectDimension posts back a change of the target control. extra must
// carry every dimension selected so far: the server resets whatever the
// payload leaves out.
func (s *Session) SelectDimension(ctx context.Context, pageURL string, state State, target, value string, extra Fields) (*Page, error) {
	call := Fields{
		FieldEventTarget: target,
		target:           value,
	}
	doc, err := s.post(ctx, pageURL, mergeFields(BaseFields(), extra, call, state), false)
	if err != nil {
		return nil, err
	}
	next, err := ExtractState(doc, pageURL)
	if err != nil {
		return nil, err
	}
	return &Page{URL: pageURL, Doc: doc, State: next}, nil
}

// FetchTable presses "Procesar" for the selection and parses the results
// table. The returned page carries the state for the next postback.
func (s *Session) FetchTable(ctx context.Context, pageURL string, state State, sel Selection) (*Table, *Page, error) {
	start := time.Now()
	call := Fields{
		FieldEventTarget: "",
		ControlProcess:   ProcessLabel,
		ControlGrid:      "",
		ControlGrid2:     "",
	}
	doc, err := s.post(ctx, pageURL, mergeFields(BaseFields(), sel.Fields(), call, state), true)
	if err != nil {
		return nil, nil, err
	}

	table, ok := ParseTable(doc)
	if !ok {
		return nil, nil, &TableParseError{URL: pageURL, Selection: sel}
	}
	table.Selection = sel

	next, err := ExtractState(doc, pageURL)
	if err != nil {
		return nil, nil, err
	}
	logger.RecordTiming("portal.fetch_table", time.Since(start))
	return table, &Page{URL: pageURL, Doc: doc, State: next}, nil
}

func (s *Session) post(ctx context.Context, pageURL string, form url.Values, referer bool) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pageURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if referer {
		req.Header.Set("Referer", pageURL)
	}
	return s.do(req)
}

func (s *Session) do(req *http.Request) (*goquery.Document, error) {
	for k, v := range s.headers {
		if req.Header.Get(k) == "" {
			req.Header[k] = v
		}
	}

	logger.IncrCounter("portal.requests")
	resp, err := s.client.Do(req)
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			return nil, te
		}
		return nil, fmt.Errorf("fetching page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: req.URL.String(), Code: resp.StatusCode}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing HTML: %w", err)
	}
	return doc, nil
}

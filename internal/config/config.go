// Package config loads the scraper configuration.
//
// The file is YAML. The legacy conf.json layout (cookie, filenames, pages)
// is valid YAML and loads unchanged.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pfrederiksen/snis-scraper/internal/portal"
)

// EnvCookie overrides the session cookie from the file.
const EnvCookie = "SNIS_COOKIE"

// Config represents the complete scraper configuration
type Config struct {
	// Cookie is the ASP.NET session id used by a single session.
	Cookie string `yaml:"cookie"`
	// Cookies is a pool of session ids; one worker runs per cookie.
	Cookies []string `yaml:"cookies"`
	// BaseURL is the directory holding the report pages.
	BaseURL string `yaml:"base_url"`
	// Pages maps a year to its report page under BaseURL.
	Pages map[string]string `yaml:"pages"`
	// Filenames locates the index files, relative to DataDir.
	Filenames Filenames `yaml:"filenames"`
	// DataDir is the root of the raw, clean and release trees.
	DataDir string `yaml:"data_dir"`
	// Timeout bounds every request attempt.
	Timeout time.Duration `yaml:"timeout"`
	// Retries is the number of transport attempts per request.
	Retries int `yaml:"retries"`
	// RetryInterval is the pause between transport attempts.
	RetryInterval time.Duration `yaml:"retry_interval"`
	// Workers caps the number of concurrent sessions.
	Workers int `yaml:"workers"`
}

// Filenames configures the bookkeeping files.
type Filenames struct {
	Variables      string `yaml:"variables"`
	Raw            string `yaml:"raw"`
	Clean          string `yaml:"clean"`
	DownloadErrors string `yaml:"download_errors"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		BaseURL: portal.DefaultBaseURL,
		Pages:   map[string]string{},
		Filenames: Filenames{
			Variables:      "indexes/variables.csv",
			Raw:            "indexes/raw.csv",
			Clean:          "indexes/clean.csv",
			DownloadErrors: "indexes/download_errors.txt",
		},
		DataDir:       ".",
		Timeout:       portal.Timeout,
		Retries:       portal.DefaultRetries,
		RetryInterval: portal.RetryInterval,
		Workers:       1,
	}
}

// Load reads a configuration file over the defaults. An empty path returns
// the defaults. The SNIS_COOKIE environment variable overrides the cookie.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if cookie := os.Getenv(EnvCookie); cookie != "" {
		cfg.Cookie = cookie
	}

	if strings.HasPrefix(cfg.DataDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, cfg.DataDir[2:])
	}

	return cfg, nil
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if len(c.Pages) == 0 {
		return fmt.Errorf("pages is required")
	}
	for year, page := range c.Pages {
		if _, err := strconv.Atoi(year); err != nil {
			return fmt.Errorf("pages: invalid year %q", year)
		}
		if page == "" {
			return fmt.Errorf("pages: empty page for %s", year)
		}
	}
	if c.Retries < 1 {
		return fmt.Errorf("retries must be at least 1")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	return nil
}

// Years returns the configured years in ascending order.
func (c *Config) Years() []int {
	years := make([]int, 0, len(c.Pages))
	for y := range c.Pages {
		if n, err := strconv.Atoi(y); err == nil {
			years = append(years, n)
		}
	}
	slices.Sort(years)
	return years
}

// Page returns the report page of a year.
func (c *Config) Page(year int) (string, bool) {
	page, ok := c.Pages[strconv.Itoa(year)]
	return page, ok
}

// YearPages returns the report pages keyed by year.
func (c *Config) YearPages() map[int]string {
	pages := make(map[int]string, len(c.Pages))
	for y, page := range c.Pages {
		if n, err := strconv.Atoi(y); err == nil {
			pages[n] = page
		}
	}
	return pages
}

// SessionCookies returns the cookies sessions are started with, capped at
// Workers. With no cookie configured a single session lets the server issue
// one.
func (c *Config) SessionCookies() []string {
	var cookies []string
	if c.Cookie != "" {
		cookies = append(cookies, c.Cookie)
	}
	for _, ck := range c.Cookies {
		if ck != "" && !slices.Contains(cookies, ck) {
			cookies = append(cookies, ck)
		}
	}
	if len(cookies) == 0 {
		cookies = []string{""}
	}
	if c.Workers > 0 && len(cookies) > c.Workers {
		cookies = cookies[:c.Workers]
	}
	return cookies
}

// Session returns the portal parameters for one cookie.
func (c *Config) Session(cookie string) portal.Config {
	return portal.Config{
		BaseURL:       c.BaseURL,
		Cookie:        cookie,
		Timeout:       c.Timeout,
		Retries:       c.Retries,
		RetryInterval: c.RetryInterval,
	}
}

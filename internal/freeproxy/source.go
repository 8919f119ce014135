package freeproxy

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"proxyfleet/internal/shared/logger"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"

// Source 接口定义了从外部列表获取原始代理描述串的行为。
// 实现者只负责抓取，不做解析和验证；解析交给 Normalize。
type Source interface {
	// Fetch returns raw descriptor lines, one endpoint per line.
	Fetch(ctx context.Context) ([]string, error)

	// Name 返回来源的名称，用于日志记录。
	Name() string
}

// TextListSource fetches a plain-text list with one "host:port"-style
// descriptor per line, the format served by proxy-list.download and most
// raw list mirrors.
type TextListSource struct {
	name   string
	url    string
	client *http.Client
}

func NewTextListSource(name, url string) *TextListSource {
	return &TextListSource{
		name: name,
		url:  url,
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (s *TextListSource) Name() string { return s.name }

func (s *TextListSource) Fetch(ctx context.Context) ([]string, error) {
	l := logger.WithComponent("FreeProxy/Source")
	l.Debug().Str("source", s.name).Str("url", s.url).Msg("Fetching text list...")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.name, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch list for %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.name)
	}

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	l.Debug().Str("source", s.name).Int("lines", len(lines)).Msg("Text list fetched.")
	return lines, nil
}

// TableSource scrapes an HTML page whose proxies sit in a table, host in
// the first cell and port in the second.
type TableSource struct {
	name     string
	url      string
	selector string
	client   *http.Client
}

func NewTableSource(name, url, rowSelector string) *TableSource {
	return &TableSource{
		name:     name,
		url:      url,
		selector: rowSelector,
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (s *TableSource) Name() string { return s.name }

func (s *TableSource) Fetch(ctx context.Context) ([]string, error) {
	l := logger.WithComponent("FreeProxy/Source")
	l.Debug().Str("source", s.name).Str("url", s.url).Msg("Scraping table page...")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.name, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page for %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.name)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML for %s: %w", s.name, err)
	}

	var lines []string
	doc.Find(s.selector).Each(func(_ int, sel *goquery.Selection) {
		host := strings.TrimSpace(sel.Find("td").Eq(0).Text())
		port := strings.TrimSpace(sel.Find("td").Eq(1).Text())
		if host == "" || port == "" {
			return
		}
		lines = append(lines, host+":"+port)
	})

	l.Debug().Str("source", s.name).Int("lines", len(lines)).Msg("Table page scraped.")
	return lines, nil
}

// CollectorSource scrapes table rows through a colly collector, for pages
// that need cookie/redirect handling a bare http.Client trips over.
type CollectorSource struct {
	name     string
	url      string
	selector string
}

func NewCollectorSource(name, url, rowSelector string) *CollectorSource {
	return &CollectorSource{
		name:     name,
		url:      url,
		selector: rowSelector,
	}
}

func (s *CollectorSource) Name() string { return s.name }

func (s *CollectorSource) Fetch(ctx context.Context) ([]string, error) {
	l := logger.WithComponent("FreeProxy/Source")
	l.Debug().Str("source", s.name).Str("url", s.url).Msg("Scraping with collector...")

	c := colly.NewCollector(
		colly.UserAgent(userAgent),
	)
	c.SetRequestTimeout(20 * time.Second)

	var lines []string
	c.OnHTML(s.selector, func(e *colly.HTMLElement) {
		cells := e.ChildTexts("td")
		if len(cells) < 2 {
			return
		}
		host := strings.TrimSpace(cells[0])
		port := strings.TrimSpace(cells[1])
		if host == "" || port == "" {
			return
		}
		lines = append(lines, host+":"+port)
	})

	if err := c.Visit(s.url); err != nil {
		return nil, fmt.Errorf("failed to visit %s: %w", s.name, err)
	}
	c.Wait()

	l.Debug().Str("source", s.name).Int("lines", len(lines)).Msg("Collector scrape finished.")
	return lines, nil
}

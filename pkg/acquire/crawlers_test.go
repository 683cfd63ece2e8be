package acquire_test

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncolesummers/deep-research-agent/internal/testutil"
	"github.com/ncolesummers/deep-research-agent/pkg/acquire"
	"github.com/ncolesummers/deep-research-agent/pkg/config"
	"github.com/ncolesummers/deep-research-agent/pkg/domain"
)

func TestFirecrawl_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/scrape", r.URL.Path)
		assert.Equal(t, "Bearer fc-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, pageURL, body["url"])
		assert.Equal(t, true, body["onlyMainContent"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"markdown":"# Page"}}`))
	}))
	defer server.Close()

	got, err := acquire.NewFirecrawl(server.URL+"/", "fc-key", time.Second).Fetch(testutil.NewTestContext(t), pageURL)
	require.NoError(t, err)
	assert.Equal(t, "# Page", got)
}

func TestFirecrawl_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusPaymentRequired)
	}))
	defer server.Close()

	_, err := acquire.NewFirecrawl(server.URL, "", time.Second).Fetch(testutil.NewTestContext(t), pageURL)
	var statusErr *acquire.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusPaymentRequired, statusErr.StatusCode)
	assert.Equal(t, "quota exceeded", statusErr.Body)
}

func TestCrawl4AI_Fetch(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    string
		wantErr error
	}{
		{name: "object markdown", reply: `{"results":[{"success":true,"markdown":{"raw_markdown":"raw"}}]}`, want: "raw"},
		{name: "string markdown", reply: `{"results":[{"markdown":"plain"}]}`, want: "plain"},
		{name: "no results", reply: `{"results":[]}`, wantErr: domain.ErrEmptyResponse},
		{name: "bad shape", reply: `{"results":[{"markdown":42}]}`, wantErr: domain.ErrMalformedResponse},
		{name: "not json", reply: `<html>`, wantErr: domain.ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var body struct {
					URLs []string `json:"urls"`
				}
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, []string{pageURL}, body.URLs)
				_, _ = w.Write([]byte(tt.reply))
			}))
			defer server.Close()

			got, err := acquire.NewCrawl4AI(server.URL+"/crawl", "", time.Second).Fetch(testutil.NewTestContext(t), pageURL)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCrawl4AI_FailedCrawl(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"success":false,"error_message":"blocked"}]}`))
	}))
	defer server.Close()

	_, err := acquire.NewCrawl4AI(server.URL, "", time.Second).Fetch(testutil.NewTestContext(t), pageURL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
}

func TestDirectCrawler_ConvertsHTML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><title>Report</title><style>p{}</style></head>
<body><nav>menu</nav><h2>Findings</h2><p>First   paragraph.</p>
<ul><li>one</li><li>two</li></ul><script>alert(1)</script><img alt="chart"></body></html>`))
	}))
	defer server.Close()

	got, err := acquire.NewDirectCrawler(time.Second).Fetch(testutil.NewTestContext(t), server.URL)
	require.NoError(t, err)

	assert.Contains(t, got, "# Report")
	assert.Contains(t, got, "## Findings")
	assert.Contains(t, got, "First paragraph.")
	assert.Contains(t, got, "- one")
	assert.Contains(t, got, "[Image: chart]")
	assert.NotContains(t, got, "menu")
	assert.NotContains(t, got, "alert")
	assert.NotContains(t, got, "\n\n\n")
}

func TestDirectCrawler_PlainTextAndStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("  just text \n"))
	}))
	defer server.Close()

	crawler := acquire.NewDirectCrawler(time.Second)
	got, err := crawler.Fetch(testutil.NewTestContext(t), server.URL+"/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "just text", got)

	_, err = crawler.Fetch(testutil.NewTestContext(t), server.URL+"/missing")
	var statusErr *acquire.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestNewCrawlers_Order(t *testing.T) {
	chain := acquire.NewCrawlers(config.CrawlConfig{
		FirecrawlURL: "http://firecrawl",
		Crawl4AIURL:  "http://crawl4ai/crawl",
		DirectFetch:  true,
	})
	require.Len(t, chain, 3)
	assert.Equal(t, "firecrawl", chain[0].Name())
	assert.Equal(t, "crawl4ai", chain[1].Name())
	assert.Equal(t, "direct", chain[2].Name())

	assert.Empty(t, acquire.NewCrawlers(config.CrawlConfig{}))
}

func TestDocumentExtension(t *testing.T) {
	assert.Equal(t, ".pdf", acquire.DocumentExtension(" https://x.org/a/Report.PDF "))
	assert.Equal(t, ".docx", acquire.DocumentExtension("https://x.org/a.docx?download=1"))
	assert.Equal(t, "", acquire.DocumentExtension("https://x.org/pdf/view"))
	assert.Equal(t, "", acquire.DocumentExtension("https://x.org/index.html"))
}

// zipBytes builds an in-memory zip archive from name/content pairs
func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const docxBody = `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>Annual</w:t></w:r><w:r><w:t xml:space="preserve"> budget</w:t></w:r></w:p>
<w:p><w:r><w:t>Total</w:t><w:tab/><w:t>42</w:t></w:r></w:p>
</w:body></w:document>`

func TestDocumentFetcher_DOCX(t *testing.T) {
	doc := zipBytes(t, map[string]string{"word/document.xml": docxBody})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(doc)
	}))
	defer server.Close()

	fetcher := acquire.NewDocumentFetcher(acquire.DocumentOptions{TempDir: t.TempDir()})
	got, err := fetcher.Fetch(testutil.NewTestContext(t), server.URL+"/budget.docx")
	require.NoError(t, err)
	assert.Equal(t, "Annual budget\nTotal\t42", got)
}

func TestXLSXExtractor(t *testing.T) {
	data := zipBytes(t, map[string]string{
		"xl/sharedStrings.xml": `<sst><si><t>Region</t></si><si><t>Sales</t></si><si><r><t>No</t></r><r><t>rth</t></r></si></sst>`,
		"xl/worksheets/sheet1.xml": `<worksheet><sheetData>
<row r="1"><c r="A1" t="s"><v>0</v></c><c r="B1" t="s"><v>1</v></c></row>
<row r="2"><c r="A2" t="s"><v>2</v></c><c r="B2"><v>1200</v></c></row>
<row r="3"><c r="A3" t="inlineStr"><is><t>South</t></is></c></row>
</sheetData></worksheet>`,
	})
	path := filepath.Join(t.TempDir(), "sales.xlsx")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	got, err := acquire.XLSXExtractor{}.Extract(testutil.NewTestContext(t), path)
	require.NoError(t, err)
	assert.Equal(t, "Region\tSales\nNorth\t1200\nSouth", got)
}

func TestDocumentFetcher_LegacyFormatsUnsupported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("binary"))
	}))
	defer server.Close()

	fetcher := acquire.NewDocumentFetcher(acquire.DocumentOptions{TempDir: t.TempDir()})
	_, err := fetcher.Fetch(testutil.NewTestContext(t), server.URL+"/old.doc")
	assert.ErrorIs(t, err, acquire.ErrUnsupportedFormat)
}

func TestDocumentFetcher_SizeCap(t *testing.T) {
	t.Run("content length", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		}))
		defer server.Close()

		fetcher := acquire.NewDocumentFetcher(acquire.DocumentOptions{MaxBytes: 32, TempDir: t.TempDir()})
		_, err := fetcher.Fetch(testutil.NewTestContext(t), server.URL+"/big.pdf")
		assert.ErrorIs(t, err, acquire.ErrDocumentTooLarge)
	})

	t.Run("streamed body", func(t *testing.T) {
		dir := t.TempDir()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodHead {
				return
			}
			// chunked encoding hides the size until the body is read
			flusher := w.(http.Flusher)
			for i := 0; i < 8; i++ {
				_, _ = w.Write([]byte(strings.Repeat("y", 16)))
				flusher.Flush()
			}
		}))
		defer server.Close()

		fetcher := acquire.NewDocumentFetcher(acquire.DocumentOptions{MaxBytes: 32, TempDir: dir})
		_, err := fetcher.Fetch(testutil.NewTestContext(t), server.URL+"/big.xlsx")
		assert.ErrorIs(t, err, acquire.ErrDocumentTooLarge)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries, "partial download must be removed")
	})
}

func TestAcquirer_DocumentsBypassCrawlers(t *testing.T) {
	doc := zipBytes(t, map[string]string{"word/document.xml": docxBody})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(doc)
	}))
	defer server.Close()

	crawler := testutil.NewMockCrawler("c")
	a := newAcquirer(t, acquire.Options{
		Documents: acquire.NewDocumentFetcher(acquire.DocumentOptions{TempDir: t.TempDir()}),
	}, crawler)

	ctx := testutil.NewTestContext(t)
	assert.Equal(t, "Annual budget\nTotal\t42", a.Fetch(ctx, server.URL+"/budget.docx"))
	assert.Empty(t, a.Fetch(ctx, server.URL+"/missing.doc"))
	assert.Zero(t, crawler.FetchCount())
}

// Package tools holds the external tools the pipeline invokes directly:
// PubMed literature search and vision-model image analysis. Both return plain
// text that the orchestrating code injects into task instructions, because
// the local backends do not speak a tool-calling protocol.
package tools

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/dermaflow/dermaflow/internal/config"
)

// PubMedClient searches PubMed through the NCBI E-utilities API. A hard
// per-run call cap is enforced here rather than in the prompt, because the
// research model often ignores prompt limits.
type PubMedClient struct {
	baseURL  string
	email    string
	apiKey   string
	maxCalls int
	http     *http.Client

	mu    sync.Mutex
	calls int
}

// NewPubMedClient creates a client from config.
func NewPubMedClient(cfg config.PubMedConfig) *PubMedClient {
	return &PubMedClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		email:    cfg.Email,
		apiKey:   cfg.APIKey,
		maxCalls: cfg.MaxCalls,
		http:     &http.Client{},
	}
}

// ResetCallCount resets the per-run search limit. Called before each
// pipeline run so the research stage gets a fresh budget.
func (c *PubMedClient) ResetCallCount() {
	c.mu.Lock()
	c.calls = 0
	c.mu.Unlock()
}

type esearchResponse struct {
	Result struct {
		Count  string   `json:"count"`
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

type efetchArticleSet struct {
	Articles []struct {
		Citation struct {
			PMID    string `xml:"PMID"`
			Article struct {
				Title    string `xml:"ArticleTitle"`
				Abstract struct {
					Text []string `xml:"AbstractText"`
				} `xml:"Abstract"`
				Journal struct {
					Issue struct {
						PubDate struct {
							Year        string `xml:"Year"`
							MedlineDate string `xml:"MedlineDate"`
						} `xml:"PubDate"`
					} `xml:"JournalIssue"`
				} `xml:"Journal"`
				Authors struct {
					Author []struct {
						LastName string `xml:"LastName"`
						ForeName string `xml:"ForeName"`
					} `xml:"Author"`
				} `xml:"AuthorList"`
			} `xml:"Article"`
		} `xml:"MedlineCitation"`
	} `xml:"PubmedArticle"`
}

// Search runs one PubMed search and returns formatted article summaries as
// plain text for injection into the research instruction. Errors are returned
// in-band as text ("ERROR: ...", "STOP: ...") so the research stage degrades
// instead of failing: a dead NCBI connection must not abort a diagnosis.
func (c *PubMedClient) Search(ctx context.Context, query string, maxResults int, excludePMIDs []string) string {
	c.mu.Lock()
	c.calls++
	calls := c.calls
	c.mu.Unlock()

	if calls > c.maxCalls {
		return fmt.Sprintf(
			"STOP: Maximum of %d pubmed_search calls reached. "+
				"Do not search again. Write your research summary now using the "+
				"articles you have already retrieved.", c.maxCalls)
	}

	// PubMed returns no results for over-specified queries.
	if words := strings.Fields(query); len(words) > 4 {
		query = strings.Join(words[:4], " ")
	}

	if maxResults <= 0 || maxResults > 10 {
		maxResults = 5
	}

	exclude := map[string]bool{}
	for _, p := range excludePMIDs {
		if p = strings.TrimSpace(p); p != "" {
			exclude[p] = true
		}
	}

	ids, total, err := c.esearch(ctx, query, maxResults+len(exclude))
	if err != nil {
		return fmt.Sprintf("ERROR: PubMed search failed: %v\nCheck the NCBI connection and credentials.", err)
	}

	kept := make([]string, 0, maxResults)
	for _, id := range ids {
		if !exclude[id] {
			kept = append(kept, id)
		}
		if len(kept) == maxResults {
			break
		}
	}

	if len(kept) == 0 {
		if len(ids) > 0 && len(exclude) > 0 {
			return fmt.Sprintf(
				"All matching articles for query %q were already retrieved (excluded: %d).\n"+
					"Proceed with your summary using the articles from your first search.",
				query, len(exclude))
		}
		return fmt.Sprintf("No PubMed articles found for query: %q\nConsider broadening the search terms.", query)
	}

	articles, err := c.efetch(ctx, kept)
	if err != nil {
		return fmt.Sprintf("ERROR: PubMed fetch failed: %v", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "PubMed Search Results for: %q\n", query)
	fmt.Fprintf(&b, "Total articles found: %s (showing %d)\n", total, len(kept))
	b.WriteString(strings.Repeat("=", 60))

	for i, art := range articles.Articles {
		cit := art.Citation
		abstract := strings.Join(cit.Article.Abstract.Text, " ")
		if len(abstract) > 500 {
			abstract = abstract[:500] + "... [truncated]"
		}
		year := cit.Article.Journal.Issue.PubDate.Year
		if year == "" {
			year = cit.Article.Journal.Issue.PubDate.MedlineDate
		}
		author := "Unknown author"
		if authors := cit.Article.Authors.Author; len(authors) > 0 {
			if name := strings.TrimSpace(authors[0].LastName + " " + authors[0].ForeName); name != "" {
				author = name
			}
		}
		fmt.Fprintf(&b, "\n\n[%d] PMID: %s\n", i+1, cit.PMID)
		fmt.Fprintf(&b, "    Title: %s\n", cit.Article.Title)
		fmt.Fprintf(&b, "    Author: %s et al. (%s)\n", author, year)
		fmt.Fprintf(&b, "    Abstract: %s\n", abstract)
		b.WriteString(strings.Repeat("-", 40))
	}

	return b.String()
}

func (c *PubMedClient) esearch(ctx context.Context, query string, retmax int) (ids []string, total string, err error) {
	if retmax > 50 {
		retmax = 50
	}
	params := url.Values{
		"db":       {"pubmed"},
		"term":     {query},
		"retmax":   {fmt.Sprint(retmax)},
		"sort":     {"relevance"},
		"datetype": {"pdat"},
		// Only articles from 2015 onward for recency.
		"mindate": {"2015"},
		"retmode": {"json"},
	}
	c.authParams(params)

	body, err := c.get(ctx, c.baseURL+"/esearch.fcgi?"+params.Encode())
	if err != nil {
		return nil, "", err
	}
	var res esearchResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, "", fmt.Errorf("decode esearch response: %w", err)
	}
	return res.Result.IDList, res.Result.Count, nil
}

func (c *PubMedClient) efetch(ctx context.Context, ids []string) (*efetchArticleSet, error) {
	params := url.Values{
		"db":      {"pubmed"},
		"id":      {strings.Join(ids, ",")},
		"rettype": {"abstract"},
		"retmode": {"xml"},
	}
	c.authParams(params)

	body, err := c.get(ctx, c.baseURL+"/efetch.fcgi?"+params.Encode())
	if err != nil {
		return nil, err
	}
	var set efetchArticleSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("decode efetch response: %w", err)
	}
	return &set, nil
}

func (c *PubMedClient) authParams(params url.Values) {
	if c.email != "" {
		params.Set("email", c.email)
	}
	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}
}

func (c *PubMedClient) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dermaflow/dermaflow/internal/config"
)

const efetchXML = `<?xml version="1.0"?>
<PubmedArticleSet>
  <PubmedArticle>
    <MedlineCitation>
      <PMID>37433389</PMID>
      <Article>
        <ArticleTitle>Topical therapy for tinea corporis</ArticleTitle>
        <Journal><JournalIssue><PubDate><Year>2023</Year></PubDate></JournalIssue></Journal>
        <Abstract><AbstractText>Terbinafine remains first-line therapy.</AbstractText></Abstract>
        <AuthorList><Author><LastName>Gupta</LastName><ForeName>A</ForeName></Author></AuthorList>
      </Article>
    </MedlineCitation>
  </PubmedArticle>
</PubmedArticleSet>`

func pubmedTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/esearch.fcgi", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("mindate"); got != "2015" {
			t.Errorf("mindate = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"esearchresult":{"count":"42","idlist":["37433389","18801146"]}}`))
	})
	mux.HandleFunc("/efetch.fcgi", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		w.Write([]byte(efetchXML))
	})
	return httptest.NewServer(mux)
}

func newTestClient(baseURL string) *PubMedClient {
	return NewPubMedClient(config.PubMedConfig{
		BaseURL:  baseURL,
		Email:    "test@example.org",
		MaxCalls: 2,
	})
}

func TestPubMedSearch(t *testing.T) {
	srv := pubmedTestServer(t)
	defer srv.Close()

	c := newTestClient(srv.URL)
	out := c.Search(context.Background(), "tinea corporis hand", 5, nil)

	if !strings.Contains(out, "PMID: 37433389") {
		t.Errorf("missing PMID in output:\n%s", out)
	}
	if !strings.Contains(out, "Topical therapy for tinea corporis") {
		t.Errorf("missing title in output:\n%s", out)
	}
	if !strings.Contains(out, "Gupta A et al. (2023)") {
		t.Errorf("missing author line in output:\n%s", out)
	}
}

func TestPubMedCallCap(t *testing.T) {
	srv := pubmedTestServer(t)
	defer srv.Close()

	c := newTestClient(srv.URL)
	ctx := context.Background()
	c.Search(ctx, "psoriasis", 5, nil)
	c.Search(ctx, "psoriasis treatment", 5, nil)

	out := c.Search(ctx, "psoriasis biologics", 5, nil)
	if !strings.HasPrefix(out, "STOP:") {
		t.Errorf("third call should hit the cap, got:\n%s", out)
	}

	c.ResetCallCount()
	out = c.Search(ctx, "psoriasis", 5, nil)
	if strings.HasPrefix(out, "STOP:") {
		t.Error("reset did not restore the budget")
	}
}

func TestPubMedQueryWordCap(t *testing.T) {
	var gotTerm string
	mux := http.NewServeMux()
	mux.HandleFunc("/esearch.fcgi", func(w http.ResponseWriter, r *http.Request) {
		gotTerm = r.URL.Query().Get("term")
		w.Write([]byte(`{"esearchresult":{"count":"0","idlist":[]}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.Search(context.Background(), "annular scaly pruritic plaque on dorsal hand", 5, nil)

	if gotTerm != "annular scaly pruritic plaque" {
		t.Errorf("query not capped at 4 words: %q", gotTerm)
	}
}

func TestPubMedExcludePMIDs(t *testing.T) {
	srv := pubmedTestServer(t)
	defer srv.Close()

	c := newTestClient(srv.URL)
	out := c.Search(context.Background(), "tinea", 1, []string{"37433389", "18801146"})

	if !strings.Contains(out, "already retrieved") {
		t.Errorf("expected all-excluded message, got:\n%s", out)
	}
}

func TestPubMedSearchErrorInBand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	out := c.Search(context.Background(), "eczema", 5, nil)
	if !strings.HasPrefix(out, "ERROR:") {
		t.Errorf("backend failure should be in-band text, got:\n%s", out)
	}
}

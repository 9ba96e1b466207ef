package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/strata"
)

func TestHTTPClient_Create_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/books" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), `"_id"`) {
			t.Errorf("create body carries an id: %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id":"b1","title":"Dune","_acl":{"creator":"u1"},"_kmd":{"lmt":"2024-03-01T12:00:00.000Z","ect":"2024-03-01T12:00:00.000Z"}}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "app", "")
	got, err := client.Create(context.Background(), "books", strata.NewRecord(map[string]any{"title": "Dune"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "b1" {
		t.Errorf("ID = %q, want b1", got.ID)
	}
	if got.ACL == nil || got.ACL.Creator != "u1" {
		t.Errorf("ACL = %+v, want creator u1", got.ACL)
	}
	want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if got.Meta == nil || !got.Meta.LastModifiedTime.Equal(want) {
		t.Errorf("Meta = %+v, want lmt %v", got.Meta, want)
	}
}

func TestHTTPClient_Update_RequiresID(t *testing.T) {
	client := NewHTTPClient("http://localhost:1", "app", "")
	_, err := client.Update(context.Background(), "books", strata.Record{})
	if !errors.Is(err, strata.ErrMissingID) {
		t.Errorf("err = %v, want ErrMissingID", err)
	}
}

func TestHTTPClient_Update_EscapesID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("Method = %s, want PUT", r.Method)
		}
		if r.URL.EscapedPath() != "/books/a%2Fb" {
			t.Errorf("path = %s, want /books/a%%2Fb", r.URL.EscapedPath())
		}
		_, _ = w.Write([]byte(`{"_id":"a/b"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "app", "")
	if _, err := client.Update(context.Background(), "books", strata.Record{ID: "a/b"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHTTPClient_Find_SendsQueryAndReadsRequestStart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := r.URL.Query()
		if v.Get("query") != `{"n":{"$gt":1}}` {
			t.Errorf("query = %q", v.Get("query"))
		}
		if v.Get("sort") != "-n" || v.Get("limit") != "2" {
			t.Errorf("sort/limit = %q/%q", v.Get("sort"), v.Get("limit"))
		}
		w.Header().Set(HeaderRequestStart, "2024-03-01T12:00:00.250Z")
		_, _ = w.Write([]byte(`[{"_id":"b2","n":3},{"_id":"b1","n":2}]`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "app", "")
	q := strata.NewQuery().GreaterThan("n", 1).Descending("n").WithLimit(2)
	res, err := client.Find(context.Background(), "books", q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Records) != 2 || res.Records[0].ID != "b2" {
		t.Errorf("Records = %+v", res.Records)
	}
	want := time.Date(2024, 3, 1, 12, 0, 0, 250e6, time.UTC)
	if !res.RequestStart.Equal(want) {
		t.Errorf("RequestStart = %v, want %v", res.RequestStart, want)
	}
}

func TestHTTPClient_DeltaSet_DecodesDeletedIDs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/books/_deltaset" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if since := r.URL.Query().Get("since"); since != "2024-03-01T12:00:00.000Z" {
			t.Errorf("since = %q", since)
		}
		w.Header().Set(HeaderRequestStart, "2024-03-01T12:05:00.000Z")
		_, _ = w.Write([]byte(`{"changed":[{"_id":"b3"}],"deleted":[{"_id":"b1"},{"_id":"b2"}]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "app", "")
	since := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ds, err := client.DeltaSet(context.Background(), "books", strata.NewQuery(), since)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ds.Changed) != 1 || ds.Changed[0].ID != "b3" {
		t.Errorf("Changed = %+v", ds.Changed)
	}
	if strings.Join(ds.Deleted, ",") != "b1,b2" {
		t.Errorf("Deleted = %v, want [b1 b2]", ds.Deleted)
	}
	if ds.RequestStart.IsZero() {
		t.Error("RequestStart not parsed")
	}
}

func TestHTTPClient_Headers(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte(`{"count":0}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "app-key", "tok")
	if _, err := client.Count(context.Background(), "books", strata.NewQuery()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Get("Authorization") != "Bearer tok" {
		t.Errorf("Authorization = %q", got.Get("Authorization"))
	}
	if got.Get(HeaderAppKey) != "app-key" {
		t.Errorf("%s = %q", HeaderAppKey, got.Get(HeaderAppKey))
	}
	if got.Get(HeaderRequestID) == "" {
		t.Error("request id header missing")
	}
	if !strings.HasPrefix(got.Get("User-Agent"), "strata-client/") {
		t.Errorf("User-Agent = %q", got.Get("User-Agent"))
	}
}

func TestHTTPClient_ApplicationErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": strata.CodeEntityNotFound, "description": "gone"})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "app", "")
	_, err := client.FindByID(context.Background(), "books", "b1")

	var re *strata.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteError, got %T", err)
	}
	if !re.NotFound() || re.Description != "gone" || re.Operation != "find_by_id" {
		t.Errorf("RemoteError = %+v", re)
	}
	if strata.IsConnectivity(err) {
		t.Error("application error classified as connectivity")
	}
}

func TestHTTPClient_ErrorBodyTruncation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(strings.Repeat("x", 500)))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "app", "")
	_, err := client.Find(context.Background(), "books", strata.NewQuery())

	var re *strata.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteError, got %T", err)
	}
	if re.Code != "Internal Server Error" {
		t.Errorf("Code = %q", re.Code)
	}
	if len(re.Description) != 203 {
		t.Errorf("len(Description) = %d, want 203", len(re.Description))
	}
}

func TestHTTPClient_ConnectivityErrors(t *testing.T) {
	for _, status := range []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		client := NewHTTPClient(server.URL, "app", "")
		_, err := client.Find(context.Background(), "books", strata.NewQuery())
		server.Close()

		if !strata.IsConnectivity(err) {
			t.Errorf("status %d: IsConnectivity = false for %v", status, err)
		}
	}

	client := NewHTTPClient("http://localhost:1", "app", "")
	_, err := client.Find(context.Background(), "books", strata.NewQuery())
	var ce *strata.ConnectivityError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectivityError, got %T: %v", err, err)
	}
	if ce.Operation != "find" {
		t.Errorf("Operation = %q, want find", ce.Operation)
	}
}

func TestHTTPClient_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewHTTPClient(server.URL, "app", "")
	_, err := client.Find(ctx, "books", strata.NewQuery())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if strata.IsConnectivity(err) {
		t.Error("caller cancellation classified as connectivity")
	}
}

func TestHTTPClient_WithHTTPClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "app", "").WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond})
	_, err := client.Find(context.Background(), "books", strata.NewQuery())
	if !strata.IsConnectivity(err) {
		t.Errorf("timeout err = %v, want connectivity error", err)
	}
}

func TestFromConfig(t *testing.T) {
	if _, err := FromConfig(strata.Config{}); err == nil {
		t.Error("FromConfig without BaseURL succeeded")
	}
	c, err := FromConfig(strata.Config{BaseURL: "http://backend/", AppKey: "k", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if c.baseURL != "http://backend" {
		t.Errorf("baseURL = %q, trailing slash not trimmed", c.baseURL)
	}
	if c.httpClient.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", c.httpClient.Timeout)
	}
}

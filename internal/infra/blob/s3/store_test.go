package s3

import (
	"applicatorsync/internal/infra/blob/core"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsS3 "github.com/aws/aws-sdk-go-v2/service/s3"
)

type stored struct {
	body        []byte
	contentType string
	meta        http.Header
}

// mockRoundTripper fakes the path-style S3 calls the store makes.
type mockRoundTripper struct {
	mu    sync.Mutex
	state map[string]stored
	puts  int
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		return m.list(req.URL.Query().Get("prefix")), nil
	}
	switch req.Method {
	case http.MethodHead:
		if st, ok := m.state[key]; ok {
			return respond(http.StatusOK, nil, objectHeaders(st)), nil
		}
		return respond(http.StatusNotFound, nil, http.Header{}), nil
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		if _, exists := m.state[key]; exists && req.Header.Get("If-None-Match") == "*" {
			return respond(http.StatusPreconditionFailed, nil, http.Header{}), nil
		}
		if strings.Contains(req.Header.Get("Content-Encoding"), "aws-chunked") {
			if dec, ok := decodeChunked(body); ok {
				body = dec
			}
		}
		meta := http.Header{}
		for k, v := range req.Header {
			if strings.HasPrefix(strings.ToLower(k), "x-amz-meta-") {
				meta[k] = v
			}
		}
		m.state[key] = stored{body: body, contentType: req.Header.Get("Content-Type"), meta: meta}
		m.puts++
		return respond(http.StatusOK, nil, http.Header{"Etag": {"\"etag\""}}), nil
	case http.MethodGet:
		if st, ok := m.state[key]; ok {
			return respond(http.StatusOK, st.body, objectHeaders(st)), nil
		}
		return respond(http.StatusNotFound, nil, http.Header{}), nil
	}
	return respond(http.StatusNotImplemented, nil, http.Header{}), nil
}

func (m *mockRoundTripper) list(prefix string) *http.Response {
	var keys []string
	for k := range m.state {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
	fmt.Fprintf(&b, "<KeyCount>%d</KeyCount>", len(keys))
	for _, k := range keys {
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>%s</LastModified></Contents>",
			k, len(m.state[k].body), time.Now().UTC().Format(time.RFC3339))
	}
	b.WriteString("</ListBucketResult>")
	return respond(http.StatusOK, []byte(b.String()), http.Header{"Content-Type": {"application/xml"}})
}

func objectHeaders(st stored) http.Header {
	h := http.Header{
		"Content-Length": {strconv.Itoa(len(st.body))},
		"Content-Type":   {st.contentType},
		"Etag":           {"\"etag\""},
		"Last-Modified":  {time.Now().UTC().Format(http.TimeFormat)},
	}
	for k, v := range st.meta {
		h[k] = v
	}
	return h
}

func respond(status int, body []byte, h http.Header) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(body)), Header: h, ContentLength: int64(len(body))}
}

// decodeChunked unwraps a single-chunk aws-chunked body.
func decodeChunked(b []byte) ([]byte, bool) {
	parts := strings.Split(string(b), "\r\n")
	if len(parts) < 3 {
		return nil, false
	}
	size := strings.SplitN(parts[0], ";", 2)[0]
	n, err := strconv.ParseInt(size, 16, 64)
	if err != nil || n < 0 || int64(len(parts[1])) != n {
		return nil, false
	}
	return []byte(parts[1]), true
}

func newMockStore(t *testing.T) (*Store, *mockRoundTripper) {
	t.Helper()
	rt := &mockRoundTripper{state: make(map[string]stored)}
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	if err != nil {
		t.Fatalf("cfg: %v", err)
	}
	client := awsS3.NewFromConfig(cfg, func(o *awsS3.Options) {
		o.BaseEndpoint = aws.String("http://mock.s3.local")
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return &Store{client: client, bucket: "archive"}, rt
}

func TestStoreMockedRoundTrip(t *testing.T) {
	store, _ := newMockStore(t)
	ctx := context.Background()
	info, err := store.Put(ctx, "audit/1-2.jsonl", bytes.NewReader([]byte("hello")), core.PutOptions{
		ContentType: "application/x-ndjson",
		Metadata:    map[string]string{"first": "1"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 5 || info.SHA256 == "" || info.Metadata["first"] != "1" {
		t.Fatalf("unexpected info %+v", info)
	}
	got, rc, err := store.Get(ctx, "audit/1-2.jsonl")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "hello" {
		t.Fatalf("get mismatch: %q", data)
	}
	if got.SHA256 != info.SHA256 || got.ContentType != "application/x-ndjson" {
		t.Fatalf("unexpected object %+v", got)
	}
	list, err := store.List(ctx, "audit/")
	if err != nil || len(list) != 1 || list[0].Key != "audit/1-2.jsonl" || list[0].Size != 5 {
		t.Fatalf("list: %v %+v", err, list)
	}
	if empty, err := store.List(ctx, "nothing/"); err != nil || len(empty) != 0 {
		t.Fatalf("expected empty list: %v %+v", err, empty)
	}
}

func TestStoreMockedCreateOnly(t *testing.T) {
	store, rt := newMockStore(t)
	ctx := context.Background()
	if _, err := store.Put(ctx, "k", bytes.NewReader([]byte("v")), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Put(ctx, "k", bytes.NewReader([]byte("v2")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if rt.puts != 1 {
		t.Fatalf("expected a single upload, got %d", rt.puts)
	}
	if _, _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Put(ctx, "../x", bytes.NewReader(nil), core.PutOptions{}); err == nil {
		t.Fatalf("expected key error")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, Config{}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	if _, err := New(ctx, Config{Bucket: "b", AccessKeyID: "only-id"}); err == nil {
		t.Fatalf("expected partial credentials error")
	}
	s, err := New(ctx, Config{Bucket: "b", AccessKeyID: "AKIA", SecretAccessKey: "SECRET", Endpoint: "http://minio:9000", PathStyle: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.Driver() != core.DriverS3 || s.Bucket() != "b" {
		t.Fatalf("unexpected store %s %s", s.Driver(), s.Bucket())
	}
}

func TestOpenFromEnv(t *testing.T) {
	t.Setenv("APPLICATORSYNC_BLOB_S3_BUCKET", "")
	if _, err := OpenFromEnv(context.Background()); err == nil {
		t.Fatalf("expected bucket error")
	}
	t.Setenv("APPLICATORSYNC_BLOB_S3_BUCKET", "env-bucket")
	t.Setenv("APPLICATORSYNC_BLOB_S3_REGION", "eu-west-1")
	t.Setenv("APPLICATORSYNC_BLOB_S3_ACCESS_KEY_ID", "AKIA")
	t.Setenv("APPLICATORSYNC_BLOB_S3_SECRET_ACCESS_KEY", "SECRET")
	s, err := OpenFromEnv(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.Bucket() != "env-bucket" {
		t.Fatalf("unexpected bucket %s", s.Bucket())
	}
}

func TestDecodeChunked(t *testing.T) {
	if _, ok := decodeChunked([]byte("plain")); ok {
		t.Fatalf("plain body decoded")
	}
	if b, ok := decodeChunked([]byte("5;chunk-signature=x\r\nhello\r\n0\r\n")); !ok || string(b) != "hello" {
		t.Fatalf("expected hello, got %q", b)
	}
}

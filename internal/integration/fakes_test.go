package integration

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/dump-fetcher/internal/storage"
)

// dumpArchive serves a listing of version directories with files and a manifest.
// A file listed in cutOnce is cut in the middle of its first full response.
type dumpArchive struct {
	mu       sync.Mutex
	versions []string
	latest   string
	files    map[string][]byte
	manifest string
	cutOnce  map[string]bool
	requests map[string]int
}

func newDumpArchive(latest string, files map[string][]byte) *dumpArchive {
	return &dumpArchive{
		versions: []string{"20240103-001001", latest},
		latest:   latest,
		files:    files,
		cutOnce:  map[string]bool{},
		requests: map[string]int{},
	}
}

// ServeHTTP implements http.Handler.
func (a *dumpArchive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dir := "/json-dumps/" + a.latest + "/"

	switch {
	case r.URL.Path == "/json-dumps/":
		for _, v := range a.versions {
			_, _ = fmt.Fprintf(w, "<a href=\"%s/\">%s/</a>\n", v, v)
		}
	case r.URL.Path == dir+"SHA256SUMS" && a.manifest != "":
		_, _ = io.WriteString(w, a.manifest)
	case strings.HasPrefix(r.URL.Path, dir):
		name := strings.TrimPrefix(r.URL.Path, dir)

		data, ok := a.files[name]
		if !ok {
			http.NotFound(w, r)
			return
		}

		a.requests[name]++

		if a.cutOnce[name] && r.Header.Get("Range") == "" {
			delete(a.cutOnce, name)

			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data[:len(data)/2])
			w.(http.Flusher).Flush()

			panic(http.ErrAbortHandler)
		}

		http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
	default:
		http.NotFound(w, r)
	}
}

// publish writes a manifest covering the given names.
func (a *dumpArchive) publish(names ...string) {
	var b strings.Builder
	for _, name := range names {
		_, _ = fmt.Fprintf(&b, "%s *%s\n", digest(a.files[name]), name)
	}

	a.manifest = b.String()
}

func (a *dumpArchive) start(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)

	return srv
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// objectStore is a path-style S3 endpoint keeping object sizes in memory.
type objectStore struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]int64
	puts    int
}

// ServeHTTP implements the subset of the S3 API used by storage.S3Store.
func (s *objectStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if bucket != s.bucket {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch {
	case r.Method == http.MethodHead && key != "":
		size, ok := s.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut && key != "":
		size, _ := io.Copy(io.Discard, r.Body)
		if decoded := r.Header.Get("X-Amz-Decoded-Content-Length"); decoded != "" {
			size, _ = strconv.ParseInt(decoded, 10, 64)
		}

		s.objects[key] = size
		s.puts++

		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && key == "":
		s.writeListing(w, r.URL.Query().Get("prefix"))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// put stores an object the way a worker would.
func (s *objectStore) put(key string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[key] = size
}

// writeListing answers a ListObjectsV2 request.
func (s *objectStore) writeListing(w http.ResponseWriter, prefix string) {
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)

	var contents strings.Builder
	for _, key := range keys {
		_, _ = fmt.Fprintf(&contents,
			"<Contents><Key>%s</Key><LastModified>2024-03-01T00:00:00.000Z</LastModified>"+
				"<ETag>&quot;etag&quot;</ETag><Size>%d</Size><StorageClass>STANDARD</StorageClass></Contents>",
			key, s.objects[key])
	}

	w.Header().Set("Content-Type", "application/xml")
	_, _ = fmt.Fprintf(w,
		`<?xml version="1.0" encoding="UTF-8"?>`+
			`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`+
			`<Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount><MaxKeys>1000</MaxKeys>`+
			`<IsTruncated>false</IsTruncated>%s</ListBucketResult>`,
		s.bucket, prefix, len(keys), contents.String())
}

// startStore runs an object store endpoint and returns a client for it.
func startStore(t *testing.T, bucket string) (*storage.S3Store, *objectStore) {
	t.Helper()

	fake := &objectStore{bucket: bucket, objects: map[string]int64{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := storage.NewS3Store(storage.S3Config{
		Endpoint:  srv.URL,
		AccessKey: "AKIAEXAMPLE",
		SecretKey: "secret",
		Region:    "us-east-1",
	})
	require.NoError(t, err)

	return store, fake
}

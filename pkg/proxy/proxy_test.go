package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 serves objects from an in-memory map, honoring prefix listings and
// simple "bytes=a-b" ranges.
type fakeS3 struct {
	objects map[string][]byte // key: bucket + "/" + key
	err     error             // when set, every call fails with it
}

func (f *fakeS3) lookup(bucket, key *string) ([]byte, bool) {
	data, ok := f.objects[aws.ToString(bucket)+"/"+aws.ToString(key)]
	return data, ok
}

func (f *fakeS3) HeadObject(ctx context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.lookup(params.Bucket, params.Key)
	if !ok {
		return nil, &types.NotFound{}
	}
	now := time.Now()
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
		LastModified:  &now,
	}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.lookup(params.Bucket, params.Key)
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	body := data
	var contentRange *string
	if params.Range != nil {
		spec := strings.TrimPrefix(aws.ToString(params.Range), "bytes=")
		bounds := strings.SplitN(spec, "-", 2)
		start, _ := strconv.Atoi(bounds[0])
		end := len(data) - 1
		if bounds[1] != "" {
			end, _ = strconv.Atoi(bounds[1])
		}
		if end >= len(data) {
			end = len(data) - 1
		}
		body = data[start : end+1]
		contentRange = aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
	}

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: aws.Int64(int64(len(body))),
		ContentRange:  contentRange,
	}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if f.err != nil {
		return nil, f.err
	}

	bucket := aws.ToString(params.Bucket) + "/"
	prefix := aws.ToString(params.Prefix)

	var contents []types.Object
	dirs := map[string]bool{}
	for full, data := range f.objects {
		if !strings.HasPrefix(full, bucket) {
			continue
		}
		key := strings.TrimPrefix(full, bucket)
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			dirs[prefix+rest[:i+1]] = true
			continue
		}
		contents = append(contents, types.Object{
			Key:  aws.String(key),
			Size: aws.Int64(int64(len(data))),
		})
	}

	var commonPrefixes []types.CommonPrefix
	for d := range dirs {
		commonPrefixes = append(commonPrefixes, types.CommonPrefix{Prefix: aws.String(d)})
	}

	return &s3.ListObjectsV2Output{
		Contents:       contents,
		CommonPrefixes: commonPrefixes,
		IsTruncated:    aws.Bool(false),
	}, nil
}

func newTestProxy(t *testing.T, fake *fakeS3, token string) *httptest.Server {
	t.Helper()
	srv, err := NewServer(Config{
		Token: token,
		Shares: map[string]Share{
			"imaging": {Bucket: "lab-imaging", Prefix: "shared/"},
		},
	}, fake)
	require.NoError(t, err)

	server := httptest.NewServer(srv.Handler())
	t.Cleanup(server.Close)
	return server
}

func TestProxy_HeadObject(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{
		"lab-imaging/shared/scan-001.tif": []byte("imagedata"),
	}}
	server := newTestProxy(t, fake, "")

	resp, err := http.Head(server.URL + "/imaging/scan-001.tif")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "9", resp.Header.Get("Content-Length"))
	assert.NotEmpty(t, resp.Header.Get("Last-Modified"))
}

func TestProxy_GetObject(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{
		"lab-imaging/shared/scan-001.tif": []byte("0123456789"),
	}}
	server := newTestProxy(t, fake, "")

	resp, err := http.Get(server.URL + "/imaging/scan-001.tif")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
}

func TestProxy_GetObjectRange(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{
		"lab-imaging/shared/scan-001.tif": []byte("0123456789"),
	}}
	server := newTestProxy(t, fake, "")

	req, err := http.NewRequest(http.MethodGet, server.URL+"/imaging/scan-001.tif", nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=2-5")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 2-5/10", resp.Header.Get("Content-Range"))
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(data))
}

func TestProxy_List(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{
		"lab-imaging/shared/raw/a.tif":  []byte("aa"),
		"lab-imaging/shared/raw/b.tif":  []byte("bbb"),
		"lab-imaging/shared/raw/sub/c":  []byte("c"),
		"lab-imaging/shared/other.file": []byte("x"),
	}}
	server := newTestProxy(t, fake, "")

	resp, err := http.Get(server.URL + "/imaging/raw?list")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	listing := string(body)
	assert.Contains(t, listing, `"a.tif"`)
	assert.Contains(t, listing, `"b.tif"`)
	assert.Contains(t, listing, `"sub"`)
	assert.NotContains(t, listing, "other.file")
}

func TestProxy_MissingObjectIs404(t *testing.T) {
	server := newTestProxy(t, &fakeS3{objects: map[string][]byte{}}, "")

	resp, err := http.Get(server.URL + "/imaging/absent")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProxy_UnknownShareIs404(t *testing.T) {
	server := newTestProxy(t, &fakeS3{objects: map[string][]byte{}}, "")

	resp, err := http.Get(server.URL + "/genomes/x")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProxy_TokenRequired(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{
		"lab-imaging/shared/scan-001.tif": []byte("x"),
	}}
	server := newTestProxy(t, fake, "proxy-secret")

	resp, err := http.Get(server.URL + "/imaging/scan-001.tif")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/imaging/scan-001.tif", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer proxy-secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProxy_BackendErrorIsBadGateway(t *testing.T) {
	server := newTestProxy(t, &fakeS3{err: fmt.Errorf("s3 melted")}, "")

	resp, err := http.Get(server.URL + "/imaging/x")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestProxy_MethodNotAllowed(t *testing.T) {
	server := newTestProxy(t, &fakeS3{objects: map[string][]byte{}}, "")

	resp, err := http.Post(server.URL+"/imaging/x", "text/plain", strings.NewReader("no"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{}, nil)
	assert.Error(t, err, "nil client")

	_, err = NewServer(Config{Shares: map[string]Share{"x": {}}}, &fakeS3{})
	assert.Error(t, err, "share without bucket")
}

func TestSplitShare(t *testing.T) {
	share, key := splitShare("/imaging/raw/scan.tif")
	assert.Equal(t, "imaging", share)
	assert.Equal(t, "raw/scan.tif", key)

	share, key = splitShare("/imaging")
	assert.Equal(t, "imaging", share)
	assert.Equal(t, "", key)
}

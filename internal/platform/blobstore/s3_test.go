package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
	headBucket   error
	lastBucket   string
	headErrFunc  func(key string) error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, contentTypes: map[string]string{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(in.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastBucket = aws.ToString(in.Bucket)
	f.objects[aws.ToString(in.Key)] = body
	f.contentTypes[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentType:   aws.String(f.contentTypes[aws.ToString(in.Key)]),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	key := aws.ToString(in.Key)
	if f.headErrFunc != nil {
		if err := f.headErrFunc(key); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headBucket
}

type fakePresigner struct {
	expires time.Duration
}

func (p *fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var o s3.PresignOptions
	for _, fn := range opts {
		fn(&o)
	}
	p.expires = o.Expires
	return &v4.PresignedHTTPRequest{URL: "https://r2.example/" + aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)}, nil
}

func newTestS3Store() (*S3Store, *fakeS3, *fakePresigner) {
	api, pre := newFakeS3(), &fakePresigner{}
	return &S3Store{client: api, presigner: pre, bucket: "audio", endpoint: "https://acct.r2.cloudflarestorage.com"}, api, pre
}

func TestS3Store_RoundTrip(t *testing.T) {
	store, api, _ := newTestS3Store()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "u1/a.webm", []byte("audio"), "audio/webm"))
	assert.Equal(t, "audio", api.lastBucket)

	data, info, err := store.Get(ctx, "u1/a.webm")
	require.NoError(t, err)
	assert.Equal(t, "audio", string(data))
	assert.Equal(t, "audio/webm", info.ContentType)
	assert.EqualValues(t, 5, info.Size)

	ok, err := store.Exists(ctx, "u1/a.webm")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Delete(ctx, "u1/a.webm"))
	ok, err = store.Exists(ctx, "u1/a.webm")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestS3Store_NotFoundMapping(t *testing.T) {
	store, _, _ := newTestS3Store()
	_, _, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestS3Store_ExistsPropagatesOtherErrors(t *testing.T) {
	store, api, _ := newTestS3Store()
	boom := errors.New("access denied")
	api.headErrFunc = func(string) error { return boom }

	_, err := store.Exists(context.Background(), "k")
	assert.ErrorIs(t, err, boom)
}

func TestS3Store_Ping(t *testing.T) {
	store, api, _ := newTestS3Store()
	assert.NoError(t, store.Ping(context.Background()))

	api.headBucket = errors.New("no such bucket")
	assert.Error(t, store.Ping(context.Background()))
}

func TestS3Store_SignedURL(t *testing.T) {
	store, _, pre := newTestS3Store()

	url, err := store.SignedURL(context.Background(), "u1/a.webm", 0)
	require.NoError(t, err)
	assert.Equal(t, "https://r2.example/audio/u1/a.webm", url)
	assert.Equal(t, time.Hour, pre.expires)

	_, err = store.SignedURL(context.Background(), "u1/a.webm", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, pre.expires)
}

func TestS3Store_URLAndName(t *testing.T) {
	store, _, _ := newTestS3Store()
	assert.Equal(t, "s3", store.Name())
	assert.Equal(t, "https://acct.r2.cloudflarestorage.com/audio/u1/a.webm", store.URL("u1/a.webm"))
}

func TestNewS3Store_RequiresCredentials(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Options{Endpoint: "https://x"})
	assert.Error(t, err)
}

func TestRouter_SignedURLUsesS3(t *testing.T) {
	store, _, _ := newTestS3Store()
	r, _ := newTestRouter(newFlaky("gcs"), store, RouterConfig{})
	url, err := r.SignedURL(context.Background(), "u1/a.webm", 0)
	require.NoError(t, err)
	assert.Contains(t, url, "u1/a.webm")
}

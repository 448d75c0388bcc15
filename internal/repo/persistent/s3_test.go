package persistent

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/andreyxaxa/File-Processor/pkg/s3client"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryS3 keeps uploaded objects and multipart parts in memory.
type memoryS3 struct {
	mu          sync.Mutex
	objects     map[string][]byte
	contentType map[string]string
	parts       map[int32][]byte
	aborted     bool
}

func newMemoryS3() *memoryS3 {
	return &memoryS3{
		objects:     make(map[string][]byte),
		contentType: make(map[string]string),
		parts:       make(map[int32][]byte),
	}
}

func (m *memoryS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[aws.ToString(in.Key)] = data
	m.contentType[aws.ToString(in.Key)] = aws.ToString(in.ContentType)

	return &s3.PutObjectOutput{}, nil
}

func (m *memoryS3) CreateMultipartUpload(_ context.Context, _ *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (m *memoryS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.parts[aws.ToInt32(in.PartNumber)] = data

	return &s3.UploadPartOutput{ETag: aws.String("etag")}, nil
}

func (m *memoryS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var buf bytes.Buffer
	for i := int32(1); i <= int32(len(m.parts)); i++ {
		buf.Write(m.parts[i])
	}
	m.objects[aws.ToString(in.Key)] = buf.Bytes()

	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (m *memoryS3) AbortMultipartUpload(_ context.Context, _ *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.aborted = true

	return &s3.AbortMultipartUploadOutput{}, nil
}

func (m *memoryS3) object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[key]

	return data, ok
}

func (m *memoryS3) partCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.parts)
}

func newTestS3Repo(client manager.UploadAPIClient) *S3BlobRepo {
	return &S3BlobRepo{
		S3Client: &s3client.S3Client{Bucket: "files"},
		uploader: manager.NewUploader(client),
	}
}

func TestS3BlobWriter_Commit(t *testing.T) {
	ctx := context.Background()
	fake := newMemoryS3()
	r := newTestS3Repo(fake)

	w, err := r.Create(ctx, "artifacts/a.gz", "application/gzip")
	require.NoError(t, err)

	_, err = w.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)

	_, ok := fake.object("artifacts/a.gz")
	assert.False(t, ok)

	require.NoError(t, w.Commit(ctx))

	data, ok := fake.object("artifacts/a.gz")
	require.True(t, ok)
	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, "application/gzip", fake.contentType["artifacts/a.gz"])

	_, err = w.Write([]byte("x"))
	assert.Error(t, err)
	assert.Error(t, w.Commit(ctx))
	assert.NoError(t, w.Abort())
}

func TestS3BlobWriter_AbortLeavesNothing(t *testing.T) {
	ctx := context.Background()
	fake := newMemoryS3()
	r := newTestS3Repo(fake)

	w, err := r.Create(ctx, "artifacts/b.gz", "application/gzip")
	require.NoError(t, err)

	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	_, ok := fake.object("artifacts/b.gz")
	assert.False(t, ok)
	assert.Error(t, w.Commit(ctx))
}

func TestS3BlobWriter_StreamsParts(t *testing.T) {
	ctx := context.Background()
	fake := newMemoryS3()
	r := newTestS3Repo(fake)

	w, err := r.Create(ctx, "artifacts/big.gz", "application/gzip")
	require.NoError(t, err)

	chunk := bytes.Repeat([]byte("a"), 1<<20)
	for i := 0; i < 6; i++ {
		_, err = w.Write(chunk)
		require.NoError(t, err)
	}

	// первая часть уходит до Commit
	assert.Eventually(t, func() bool { return fake.partCount() >= 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Commit(ctx))

	data, ok := fake.object("artifacts/big.gz")
	require.True(t, ok)
	assert.Len(t, data, 6<<20)
	assert.False(t, fake.aborted)
}

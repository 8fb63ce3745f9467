package vault

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeObject struct {
	data []byte
	meta map[string]string
}

// fakeS3 is an in-memory S3Client. Listing pages hold at most pageSize keys.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]fakeObject
	pageSize int
	failHead bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject), pageSize: 2}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = fakeObject{data: data, meta: in.Metadata}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart not supported by fake")
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported by fake")
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported by fake")
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data)), Metadata: obj.meta}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHead {
		return nil, errors.New("access denied")
	}
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(obj.data))), Metadata: obj.meta}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func TestS3Vault_Layout(t *testing.T) {
	client := newFakeS3()
	v := NewS3Vault("remote", "bucket", "team/ws", client)

	if err := v.PutArchive("s1.tar.zst.age", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("PutArchive() error = %v", err)
	}
	if err := v.PutMetadata("journal", strings.NewReader("db"), 2, 3); err != nil {
		t.Fatalf("PutMetadata() error = %v", err)
	}

	if _, ok := client.objects["team/ws/archives/s1.tar.zst.age"]; !ok {
		t.Errorf("archive key missing, have %v", client.objects)
	}
	obj, ok := client.objects["team/ws/metadata/journal"]
	if !ok {
		t.Fatalf("metadata key missing, have %v", client.objects)
	}
	if obj.meta[versionMetaKey] != "3" {
		t.Errorf("version metadata = %v, want 3", obj.meta)
	}
}

func TestS3Vault_ListArchivesPaginates(t *testing.T) {
	v := NewS3Vault("remote", "bucket", "", newFakeS3())
	for _, name := range []string{"e", "d", "c", "b", "a"} {
		if err := v.PutArchive(name, strings.NewReader(name), 1); err != nil {
			t.Fatalf("PutArchive() error = %v", err)
		}
	}

	names, err := v.ListArchives()
	if err != nil {
		t.Fatalf("ListArchives() error = %v", err)
	}
	if strings.Join(names, "") != "abcde" {
		t.Errorf("ListArchives() = %v, want all five across pages", names)
	}
}

func TestS3Vault_HeadErrorsPropagate(t *testing.T) {
	client := newFakeS3()
	client.failHead = true
	v := NewS3Vault("remote", "bucket", "", client)

	if _, err := v.HasArchive("x"); err == nil {
		t.Error("HasArchive() expected error when HEAD fails")
	}
	if _, err := v.GetMetadataVersion("journal"); err == nil {
		t.Error("GetMetadataVersion() expected error when HEAD fails")
	}
}

package server

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func createTestBucket(t *testing.T, ctx context.Context, name string) {
	t.Helper()
	if _, err := ts.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(name),
	}); err != nil {
		t.Fatalf("CreateBucket failed: %v", err)
	}
}

func TestObjectOperations(t *testing.T) {
	ctx := context.Background()
	bucketName := "test-object-operations"
	createTestBucket(t, ctx, bucketName)

	content := "Hello World"

	t.Run("PutObject", func(t *testing.T) {
		output, err := ts.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(bucketName),
			Key:         aws.String("greeting.txt"),
			Body:        strings.NewReader(content),
			ContentType: aws.String("text/plain"),
		})
		if err != nil {
			t.Fatalf("PutObject failed: %v", err)
		}
		if *output.ETag != `"b10a8db164e0754105b7a99be72e3fe5"` {
			t.Fatalf("Unexpected ETag: %s", *output.ETag)
		}
	})

	t.Run("GetObject", func(t *testing.T) {
		output, err := ts.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucketName),
			Key:    aws.String("greeting.txt"),
		})
		if err != nil {
			t.Fatalf("GetObject failed: %v", err)
		}
		defer output.Body.Close()

		body, err := io.ReadAll(output.Body)
		if err != nil {
			t.Fatalf("Reading body failed: %v", err)
		}
		if string(body) != content {
			t.Fatalf("Expected %q, got %q", content, string(body))
		}
		if *output.ETag != `"b10a8db164e0754105b7a99be72e3fe5"` {
			t.Fatalf("Unexpected ETag: %s", *output.ETag)
		}
		if !strings.HasPrefix(*output.ContentType, "text/plain") {
			t.Fatalf("Unexpected content type: %s", *output.ContentType)
		}
	})

	t.Run("GetObject_NotFound", func(t *testing.T) {
		_, err := ts.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucketName),
			Key:    aws.String("no-such-key"),
		})
		if err == nil {
			t.Fatal("Expected error for missing key, got nil")
		}
	})

	t.Run("HeadObject", func(t *testing.T) {
		output, err := ts.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucketName),
			Key:    aws.String("greeting.txt"),
		})
		if err != nil {
			t.Fatalf("HeadObject failed: %v", err)
		}
		if *output.ContentLength != int64(len(content)) {
			t.Fatalf("Expected length %d, got %d", len(content), *output.ContentLength)
		}
	})

	t.Run("GetObject_Range", func(t *testing.T) {
		output, err := ts.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucketName),
			Key:    aws.String("greeting.txt"),
			Range:  aws.String("bytes=6-10"),
		})
		if err != nil {
			t.Fatalf("Ranged GetObject failed: %v", err)
		}
		defer output.Body.Close()

		body, _ := io.ReadAll(output.Body)
		if string(body) != "World" {
			t.Fatalf("Expected %q, got %q", "World", string(body))
		}
	})

	t.Run("GetObject_RangeSuffix", func(t *testing.T) {
		output, err := ts.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucketName),
			Key:    aws.String("greeting.txt"),
			Range:  aws.String("bytes=-5"),
		})
		if err != nil {
			t.Fatalf("Suffix ranged GetObject failed: %v", err)
		}
		defer output.Body.Close()

		body, _ := io.ReadAll(output.Body)
		if string(body) != "World" {
			t.Fatalf("Expected %q, got %q", "World", string(body))
		}
	})

	t.Run("GetObject_RangeUnsatisfiable", func(t *testing.T) {
		_, err := ts.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucketName),
			Key:    aws.String("greeting.txt"),
			Range:  aws.String("bytes=100-200"),
		})
		if err == nil {
			t.Fatal("Expected range error, got nil")
		}
	})

	t.Run("UserMetadata", func(t *testing.T) {
		_, err := ts.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucketName),
			Key:    aws.String("with-meta"),
			Body:   bytes.NewReader([]byte("payload")),
			Metadata: map[string]string{
				"origin": "unit-test",
			},
		})
		if err != nil {
			t.Fatalf("PutObject failed: %v", err)
		}

		output, err := ts.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucketName),
			Key:    aws.String("with-meta"),
		})
		if err != nil {
			t.Fatalf("HeadObject failed: %v", err)
		}
		if output.Metadata["origin"] != "unit-test" {
			t.Fatalf("Expected metadata origin=unit-test, got %v", output.Metadata)
		}
	})

	t.Run("DeleteObject", func(t *testing.T) {
		_, err := ts.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucketName),
			Key:    aws.String("greeting.txt"),
		})
		if err != nil {
			t.Fatalf("DeleteObject failed: %v", err)
		}
		_, err = ts.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucketName),
			Key:    aws.String("greeting.txt"),
		})
		if err == nil {
			t.Fatal("Expected error after delete, got nil")
		}
	})

	t.Run("DeleteObject_Absent", func(t *testing.T) {
		// Deleting a key that never existed still succeeds.
		_, err := ts.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucketName),
			Key:    aws.String("never-existed"),
		})
		if err != nil {
			t.Fatalf("DeleteObject on absent key failed: %v", err)
		}
	})
}

func TestCopyObject(t *testing.T) {
	ctx := context.Background()
	bucketName := "test-copy-object"
	createTestBucket(t, ctx, bucketName)

	if _, err := ts.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucketName),
		Key:         aws.String("source.txt"),
		Body:        strings.NewReader("copy me"),
		ContentType: aws.String("text/plain"),
		Metadata:    map[string]string{"flavor": "original"},
	}); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}

	t.Run("Copy", func(t *testing.T) {
		output, err := ts.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(bucketName),
			Key:        aws.String("dest.txt"),
			CopySource: aws.String(bucketName + "/source.txt"),
		})
		if err != nil {
			t.Fatalf("CopyObject failed: %v", err)
		}
		if output.CopyObjectResult == nil || output.CopyObjectResult.ETag == nil {
			t.Fatal("Missing CopyObjectResult")
		}

		head, err := ts.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucketName),
			Key:    aws.String("dest.txt"),
		})
		if err != nil {
			t.Fatalf("HeadObject failed: %v", err)
		}
		// Metadata carries over by default.
		if head.Metadata["flavor"] != "original" {
			t.Fatalf("Expected carried metadata, got %v", head.Metadata)
		}
	})

	t.Run("CopyWithReplace", func(t *testing.T) {
		_, err := ts.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:            aws.String(bucketName),
			Key:               aws.String("replaced.txt"),
			CopySource:        aws.String(bucketName + "/source.txt"),
			MetadataDirective: types.MetadataDirectiveReplace,
			Metadata:          map[string]string{"flavor": "new"},
		})
		if err != nil {
			t.Fatalf("CopyObject failed: %v", err)
		}

		head, err := ts.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucketName),
			Key:    aws.String("replaced.txt"),
		})
		if err != nil {
			t.Fatalf("HeadObject failed: %v", err)
		}
		if head.Metadata["flavor"] != "new" {
			t.Fatalf("Expected replaced metadata, got %v", head.Metadata)
		}
	})

	t.Run("Copy_MissingSource", func(t *testing.T) {
		_, err := ts.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(bucketName),
			Key:        aws.String("never.txt"),
			CopySource: aws.String(bucketName + "/no-such-source"),
		})
		if err == nil {
			t.Fatal("Expected error for missing copy source, got nil")
		}
	})
}

func TestObjectSpecialKeys(t *testing.T) {
	ctx := context.Background()
	bucketName := "test-special-keys"
	createTestBucket(t, ctx, bucketName)

	keys := []string{
		"folder/nested/deep.txt",
		"with space.txt",
		"unicode-日本語.txt",
		"plus+and=equals.txt",
	}
	for _, key := range keys {
		t.Run(key, func(t *testing.T) {
			if _, err := ts.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket: aws.String(bucketName),
				Key:    aws.String(key),
				Body:   strings.NewReader("value for " + key),
			}); err != nil {
				t.Fatalf("PutObject failed: %v", err)
			}

			output, err := ts.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(bucketName),
				Key:    aws.String(key),
			})
			if err != nil {
				t.Fatalf("GetObject failed: %v", err)
			}
			defer output.Body.Close()
			body, _ := io.ReadAll(output.Body)
			if string(body) != "value for "+key {
				t.Fatalf("Round trip mismatch for %q", key)
			}
		})
	}
}

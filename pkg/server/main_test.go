package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/lamina-storage/lamina/pkg/lock"
	"github.com/lamina-storage/lamina/pkg/storage"
)

var ts *testServer

func TestMain(m *testing.M) {
	ts = setupTestServer()
	code := m.Run()
	ts.cleanup()
	os.Exit(code)
}

// testServer runs the full handler over filesystem storage, with an AWS
// SDK client pointed at it.
type testServer struct {
	tmpDir   string
	listener net.Listener
	srv      *http.Server
	client   *s3.Client
	ctx      context.Context
}

func newTestFacade(root string) (*storage.Facade, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)

	data, err := storage.NewFSDataStorage(root)
	if err != nil {
		return nil, err
	}
	buckets, err := storage.NewFSBucketStorage(root, data)
	if err != nil {
		return nil, err
	}
	meta, err := storage.NewFSMetadata(filepath.Join(root, ".lamina-metadata"))
	if err != nil {
		return nil, err
	}
	repairing := storage.NewRepairingMetadata(meta, data, logger)
	multipart, err := storage.NewMultipartStorage(root, data, repairing, logger)
	if err != nil {
		return nil, err
	}
	return storage.NewFacade(buckets, data, repairing, multipart, lock.NewLocalManager(), logger), nil
}

func setupTestServer() *testServer {
	tmpDir, err := os.MkdirTemp("", "lamina-test-*")
	if err != nil {
		panic(err)
	}

	facade, err := newTestFacade(tmpDir)
	if err != nil {
		panic(err)
	}
	handler := NewHandler(facade, WithRegion("us-east-1"))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}

	srv := &http.Server{Handler: handler}
	ctx := context.Background()

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			panic(err)
		}
	}()

	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...any) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL:               "http://" + listener.Addr().String(),
			SigningRegion:     "us-east-1",
			HostnameImmutable: true,
		}, nil
	})

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
		config.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		panic(err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &testServer{
		tmpDir:   tmpDir,
		listener: listener,
		srv:      srv,
		client:   client,
		ctx:      ctx,
	}
}

func (ts *testServer) cleanup() {
	ts.srv.Shutdown(ts.ctx)
	ts.listener.Close()
	os.RemoveAll(ts.tmpDir)
}

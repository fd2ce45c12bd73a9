// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package diag

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// DumpStore persists a diagnostic dump blob: the rendered component
// tree, sibling-process listing, and trace recorded at a SIGSEGV or
// SIGUSR2 event. This is the same shape as bigslice's task Store
// (Create by name, Open to read it back), narrowed here to what a
// one-shot dump write needs.
type DumpStore interface {
	Create(ctx context.Context, name string) (io.WriteCloser, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// FileDumpStore writes dumps under a local directory, created if
// necessary.
type FileDumpStore struct {
	Dir string
}

func (s FileDumpStore) path(name string) string {
	return filepath.Join(s.Dir, name)
}

// Create opens name for writing, creating s.Dir if it doesn't exist.
func (s FileDumpStore) Create(_ context.Context, name string) (io.WriteCloser, error) {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return nil, fmt.Errorf("diag: mkdir %s: %w", s.Dir, err)
	}
	f, err := os.Create(s.path(name))
	if err != nil {
		return nil, fmt.Errorf("diag: create %s: %w", s.path(name), err)
	}
	return f, nil
}

// Open reads a dump previously written by Create.
func (s FileDumpStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(name))
	if err != nil {
		return nil, fmt.Errorf("diag: open %s: %w", s.path(name), err)
	}
	return f, nil
}

// S3DumpStore uploads dump blobs to an S3 bucket, for deployments
// where a crashed core's local disk isn't retrievable afterward.
type S3DumpStore struct {
	Bucket   string
	Prefix   string
	Uploader *s3manager.Uploader
	Client   *s3manager.Downloader
}

// NewS3DumpStore constructs an S3DumpStore from sess.
func NewS3DumpStore(sess *session.Session, bucket, prefix string) *S3DumpStore {
	return &S3DumpStore{
		Bucket:   bucket,
		Prefix:   prefix,
		Uploader: s3manager.NewUploader(sess),
		Client:   s3manager.NewDownloader(sess),
	}
}

// Create returns a writer whose bytes are streamed to S3 through a
// pipe as they are written; the upload starts at once, and Close
// waits for it to finish and returns its error.
func (s *S3DumpStore) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := s.Uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(s.Prefix + name),
			Body:   pr,
		})
		pr.CloseWithError(err)
		done <- err
	}()
	return &s3WriteCloser{pw, done}, nil
}

// Open is not implemented: dumps are write-only from the crashing
// core's point of view, and nothing in this runtime currently needs
// to read one back programmatically (an operator fetches it from S3
// directly). A future diag reader (e.g. cmd/gridtrace's dump viewer)
// can add this once it exists.
func (s *S3DumpStore) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("diag: S3DumpStore.Open not implemented")
}

type s3WriteCloser struct {
	*io.PipeWriter
	done chan error
}

func (w *s3WriteCloser) Close() error {
	if err := w.PipeWriter.Close(); err != nil {
		return err
	}
	return <-w.done
}

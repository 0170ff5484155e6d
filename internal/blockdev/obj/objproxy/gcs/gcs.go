// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package gcs implements ObjectUploadDownloaderAt on top of Google Cloud
// Storage. Object names follow the same layout as the s3 package.
package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/asch/blkmirror/internal/blockdev/obj/objproxy"
)

const keyFmt = "%08x/%08x"

type Options struct {
	Bucket string
	Prefix string

	// Service account key. Empty means application default credentials.
	CredentialsFile string
}

type GCS struct {
	b      *storage.BucketHandle
	prefix string
}

func New(o Options) (*GCS, error) {
	ctx := context.Background()

	var opts []option.ClientOption
	if o.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(o.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create client: %w", err)
	}

	b := client.Bucket(o.Bucket)
	if _, err := b.Attrs(ctx); err != nil {
		return nil, fmt.Errorf("unable to get bucket handle: %w", err)
	}

	return &GCS{
		b:      b,
		prefix: strings.Trim(o.Prefix, "/"),
	}, nil
}

func (g *GCS) Upload(key int64, buf []byte) error {
	w := g.b.Object(g.encode(key)).NewWriter(context.Background())

	if _, err := io.Copy(w, bytes.NewReader(buf)); err != nil {
		w.Close()
		return fmt.Errorf("unable to write object: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("unable to close object: %w", err)
	}

	return nil
}

func (g *GCS) DownloadAt(key int64, buf []byte, offset int64) error {
	r, err := g.b.Object(g.encode(key)).NewRangeReader(context.Background(), offset, int64(len(buf)))
	if err != nil {
		return translate(err)
	}
	defer r.Close()

	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("unable to read object: %w", err)
	}

	return nil
}

func (g *GCS) GetObjectSize(key int64) (int64, error) {
	attrs, err := g.b.Object(g.encode(key)).Attrs(context.Background())
	if err != nil {
		return 0, translate(err)
	}

	return attrs.Size, nil
}

func (g *GCS) Delete(key int64) error {
	return translate(g.b.Object(g.encode(key)).Delete(context.Background()))
}

func (g *GCS) DeleteKeyAndSuccessors(fromKey int64) error {
	ctx := context.Background()

	q := &storage.Query{Prefix: g.listPrefix()}
	it := g.b.Objects(ctx, q)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		} else if err != nil {
			return fmt.Errorf("unable to iterate: %w", err)
		}

		key, ok := g.decode(attrs.Name)
		if !ok || key < fromKey {
			continue
		}

		if err := g.b.Object(attrs.Name).Delete(ctx); err != nil {
			return fmt.Errorf("unable to delete [%s]: %w", attrs.Name, err)
		}
	}

	return nil
}

func (g *GCS) listPrefix() string {
	if g.prefix == "" {
		return ""
	}

	return g.prefix + "/"
}

func (g *GCS) encode(key int64) string {
	left := (key >> 32) & 0xffffffff
	right := key & 0xffffffff

	return g.listPrefix() + fmt.Sprintf(keyFmt, right, left)
}

func (g *GCS) decode(name string) (int64, bool) {
	rest, found := strings.CutPrefix(name, g.listPrefix())
	if !found {
		return 0, false
	}

	var prefix, key int64
	if n, err := fmt.Sscanf(rest, keyFmt, &prefix, &key); err != nil || n != 2 {
		return 0, false
	}

	return (key << 32) + prefix, true
}

func translate(err error) error {
	if err == storage.ErrObjectNotExist {
		return fmt.Errorf("%s: %w", err, objproxy.ErrNotExist)
	}

	return err
}

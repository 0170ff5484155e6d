// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements wrapping functions to satisfy ObjectUploadDownloaderAt
// interface. It uses aws api v1.
package s3

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"

	"github.com/asch/blkmirror/internal/blockdev/obj/objproxy"
)

const (
	// Format string for the object key. We split the key into halves and
	// use the lower half of bits as s3 prefix and upper half for the
	// object key. This is to prevent s3 rate limiting which is applied to
	// objects with the same prefix.
	keyFmt = "%08x/%08x"
)

// S3 stores objects of one image under a common prefix of a bucket, so one
// bucket can hold many mirror targets.
type S3 struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	client     *s3.S3
	bucket     string
	prefix     string
}

// Options to use in New() function due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
}

// Connection parameters recommended by AWS for clients running in their
// network. Other object backends may need different values for throughput
// close to 10GB/s.
const (
	dialTimeout      = 5 * time.Second
	keepAlive        = 30 * time.Second
	expectContinue   = 1 * time.Second
	idleConnTimeout  = 90 * time.Second
	maxIdleConns     = 100
	maxIdleHostConns = 10
	headerTimeout    = 5 * time.Second
	handshakeTimeout = 5 * time.Second
)

// Returns http client shared by all requests of one image, with http2 enabled
// when the remote offers it.
func newHTTPClient() (*http.Client, error) {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: expectContinue,
		TLSHandshakeTimeout:   handshakeTimeout,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleHostConns,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, errors.Wrap(err, "enable http2")
	}

	return &http.Client{Transport: tr}, nil
}

// Upload function implemented through s3 api.
func (s *S3) Upload(key int64, buf []byte) error {
	_, err := s.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.encode(key)),
		Body:   bytes.NewReader(buf),
	})

	return errors.Wrapf(translate(err), "upload %s", s.encode(key))
}

// GetObjectSize function implemented through s3 api.
func (s *S3) GetObjectSize(key int64) (int64, error) {
	head, err := s.client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.encode(key)),
	})
	if err != nil {
		return 0, translate(err)
	}

	return aws.Int64Value(head.ContentLength), nil
}

// DownloadAt function implemented through s3 api.
func (s *S3) DownloadAt(key int64, buf []byte, offset int64) error {
	to := offset + int64(len(buf)) - 1
	rng := fmt.Sprintf("bytes=%d-%d", offset, to)
	b := aws.NewWriteAtBuffer(buf)

	_, err := s.downloader.Download(b, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.encode(key)),
		Range:  &rng,
	})

	return translate(err)
}

// Delete function implemented through s3 api.
func (s *S3) Delete(key int64) error {
	_, err := s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.encode(key)),
	})

	return translate(err)
}

func New(o Options) (*S3, error) {
	s := &S3{
		bucket: o.Bucket,
		prefix: strings.Trim(o.Prefix, "/"),
	}

	httpClient, err := newHTTPClient()
	if err != nil {
		return nil, err
	}

	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,
	})

	if err != nil {
		return nil, errors.Wrap(err, "create s3 session")
	}

	s.client = s3.New(sess)
	s.uploader = s3manager.NewUploader(sess)
	s.downloader = s3manager.NewDownloader(sess)

	// Data objects are a few MB at most, so multipart transfers only add
	// requests. Payload signing is skipped, TLS protects the body already.
	s.uploader.Concurrency = 1
	s3manager.WithUploaderRequestOptions(request.Option(func(r *request.Request) {
		r.HTTPRequest.Header.Add("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	}))(s.uploader)
	s.downloader.Concurrency = 1

	if err := s.makeBucketExist(); err != nil {
		return nil, errors.Wrapf(err, "bucket %s", o.Bucket)
	}

	return s, nil
}

// Check whether bucket exist and if not, create it and wait until it appears.
func (s *S3) makeBucketExist() error {
	_, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})

	if err != nil {
		_, err = s.client.CreateBucket(&s3.CreateBucketInput{
			Bucket: aws.String(s.bucket)})

		if err == nil {
			err = s.client.WaitUntilBucketExists(&s3.HeadBucketInput{
				Bucket: aws.String(s.bucket)})
		}
	}

	return err
}

// Delete object with key and all objects with higher keys.
func (s *S3) DeleteKeyAndSuccessors(fromKey int64) error {
	var deleteErr error

	err := s.client.ListObjectsV2Pages(&s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.listPrefix()),
	}, func(page *s3.ListObjectsV2Output, last bool) bool {
		for _, o := range page.Contents {
			key, ok := s.decode(aws.StringValue(o.Key))
			if !ok || key < fromKey {
				continue
			}

			if err := s.Delete(key); err != nil && deleteErr == nil {
				deleteErr = err
			}
		}
		return true
	})

	if err != nil {
		return err
	}

	return deleteErr
}

func (s *S3) listPrefix() string {
	if s.prefix == "" {
		return ""
	}

	return s.prefix + "/"
}

// We split the key into halves and use the lower half of bits as s3 prefix and
// upper half for the object key. This is to prevent s3 rate limiting which is
// applied to objects with the same prefix.
func (s *S3) encode(key int64) string {
	left := (key >> 32) & 0xffffffff
	right := key & 0xffffffff

	return s.listPrefix() + fmt.Sprintf(keyFmt, right, left)
}

// The inverse to encode(). Objects not created by encode() are reported by ok
// set to false.
func (s *S3) decode(name string) (key int64, ok bool) {
	rest, found := strings.CutPrefix(name, s.listPrefix())
	if !found {
		return 0, false
	}

	var prefix, k int64
	if n, err := fmt.Sscanf(rest, keyFmt, &prefix, &k); err != nil || n != 2 {
		return 0, false
	}

	return (k << 32) + prefix, true
}

// Missing objects are reported as objproxy.ErrNotExist.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var rf awserr.RequestFailure
	if errors.As(err, &rf) && rf.StatusCode() == http.StatusNotFound {
		return errors.Wrap(objproxy.ErrNotExist, rf.Message())
	}

	var ae awserr.Error
	if errors.As(err, &ae) {
		switch ae.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return errors.Wrap(objproxy.ErrNotExist, ae.Message())
		}
	}

	return err
}

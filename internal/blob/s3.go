// Package blob stores downloaded inbound media and hands back a URL the
// conversation service can serve.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"wapipe/internal/domain"
	"wapipe/internal/util"
)

type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Uploader struct {
	S3     PutObjectAPI
	Bucket string
	Prefix string
	// PublicBaseURL is prepended to object keys, e.g. a CDN in front of the bucket.
	PublicBaseURL string
}

func (u *S3Uploader) Upload(ctx context.Context, body []byte, mimeType, filename string) (domain.UploadedMedia, error) {
	id := util.NewHash()
	key := path.Join(u.Prefix, id+strings.ToLower(path.Ext(filename)))

	in := &s3.PutObjectInput{
		Bucket:        aws.String(u.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(mimeType),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if filename != "" {
		in.ContentDisposition = aws.String(fmt.Sprintf("inline; filename=%q", filename))
	}
	if _, err := u.S3.PutObject(ctx, in); err != nil {
		return domain.UploadedMedia{}, fmt.Errorf("put media object: %w", err)
	}

	base := strings.TrimRight(u.PublicBaseURL, "/")
	if base == "" {
		base = "https://" + u.Bucket + ".s3.amazonaws.com"
	}
	return domain.UploadedMedia{ID: id, URL: base + "/" + key, MimeType: mimeType, Filename: filename}, nil
}

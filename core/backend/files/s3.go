// Copyright 2024 Cabwise Technologies GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// dev@cabwise.tech
//

package files

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cabwise-tech/fleetcore/core/logger"
)

// S3 is the AWS S3 implementation of the upload storage
type S3 struct {
	config        aws.Config
	bucket        string
	keyPrefix     string
	publicBaseURL string
}

// NewS3 returns a new S3 driver
func NewS3(c *S3Configuration) (*S3, error) {
	if c == nil || c.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	cfg, err := config.LoadDefaultConfig(
		context.TODO(),
		config.WithRegion(c.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(c.AccessID, c.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("S3 files driver enabled:", c.AWSBucketName)
	return &S3{
		config:        cfg,
		bucket:        c.AWSBucketName,
		keyPrefix:     c.KeyPrefix,
		publicBaseURL: strings.TrimSuffix(c.PublicBaseURL, "/"),
	}, nil
}

// Put stores data under key
func (s *S3) Put(key string, data []byte, contentType string) error {
	client := s3.NewFromConfig(s.config)
	_, err := client.PutObject(context.TODO(), &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.keyPrefix + key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload file, %v", err)
	}
	return nil
}

// Delete removes one key
func (s *S3) Delete(key string) error {
	client := s3.NewFromConfig(s.config)
	_, err := client.DeleteObject(context.TODO(), &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.keyPrefix + key),
	})
	if err != nil {
		logger.Default().WithError(err).Error("could not delete ", s.keyPrefix+key)
		return err
	}
	return nil
}

// DeleteAllWithPrefix removes all keys starting with prefix
func (s *S3) DeleteAllWithPrefix(prefix string) error {
	client := s3.NewFromConfig(s.config)

	keys, err := s.listAllWithPrefix(prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		_, err := client.DeleteObject(context.TODO(), &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			logger.Default().WithError(err).Error("could not delete ", key)
			return err
		}
	}
	return nil
}

// URL returns the public URL for key
func (s *S3) URL(key string) string {
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + s.keyPrefix + key
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s%s", s.bucket, s.config.Region, s.keyPrefix, key)
}

func (s *S3) listAllWithPrefix(prefix string) (keys []string, err error) {
	client := s3.NewFromConfig(s.config)

	var continuationToken *string
	for {
		var resp *s3.ListObjectsV2Output
		resp, err = client.ListObjectsV2(context.TODO(), &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.keyPrefix + prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			logger.Default().WithError(err).Error("could not list objects from ", s.bucket)
			return
		}
		for _, item := range resp.Contents {
			keys = append(keys, *item.Key)
		}
		continuationToken = resp.NextContinuationToken
		if continuationToken == nil {
			break
		}
	}
	return
}

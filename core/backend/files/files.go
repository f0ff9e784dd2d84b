// Copyright 2024 Cabwise Technologies GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// dev@cabwise.tech
//

// Package files stores uploaded originals and generated thumbnails outside
// of the document store. There are two backends: the local filesystem and
// AWS S3.
package files

// Driver is the interface for upload storage
type Driver interface {
	// Put stores data under key. Keys are slash-separated and partitioned
	// by media kind, e.g. "images/1700000000-ab12cd34.jpg".
	Put(key string, data []byte, contentType string) error
	// Delete removes one key. Deleting an absent key is not an error.
	Delete(key string) error
	// DeleteAllWithPrefix removes all keys starting with prefix
	DeleteAllWithPrefix(prefix string) error
	// URL returns the public URL a stored key is served under
	URL(key string) string
}

// DriverType represents the different types of upload storage drivers
type DriverType string

// DriverTypeLocal is the local filesystem implementation
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 is the AWS S3 implementation
const DriverTypeAWSS3 DriverType = "AWSS3"

// None is used when there is no upload storage
const None DriverType = ""

// Configuration contains the configuration for upload storage
type Configuration struct {
	DriverType         DriverType
	LocalConfiguration *LocalConfiguration
	S3Configuration    *S3Configuration
}

// LocalConfiguration contains the configuration for the local filesystem driver
type LocalConfiguration struct {
	// BasePath is the uploads root on disk
	BasePath string
	// PublicPath is the URL path the uploads root is served under, "/uploads" by default
	PublicPath string
}

// S3Configuration contains the configuration for the S3 driver
type S3Configuration struct {
	AWSRegion     string
	AWSBucketName string
	AccessID      string
	AccessKey     string
	KeyPrefix     string
	// PublicBaseURL is the URL uploads are served under, e.g. a CloudFront domain
	PublicBaseURL string
}

// NewDriver creates the configured driver. A None configuration yields a nil
// driver, which disables file endpoints.
func NewDriver(c Configuration) (Driver, error) {
	switch c.DriverType {
	case DriverTypeLocal:
		return NewLocal(c.LocalConfiguration)
	case DriverTypeAWSS3:
		return NewS3(c.S3Configuration)
	}
	return nil, nil
}

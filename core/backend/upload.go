// Copyright 2024 Cabwise Technologies GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// dev@cabwise.tech
//

package backend

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/cabwise-tech/fleetcore/core/descriptor"
	"github.com/cabwise-tech/fleetcore/core/logger"
)

// maxUploadBytes caps multipart uploads at 5MB
const maxUploadBytes = 5 << 20

// thumbnail sizes: small is used for table avatars, medium for detail views
const (
	thumbnailSmall  = 50
	thumbnailMedium = 150
)

type contextKeyFileType struct{}
type contextKeyBodyType struct{}

var contextKeyFile = &contextKeyFileType{}
var contextKeyBody = &contextKeyBodyType{}

// FileInfo describes one file taken in by the intake step
type FileInfo struct {
	OriginalName string
	Key          string
	URL          string
	ContentType  string
	Size         int64
	Data         []byte
}

// fileFromContext retrieves the intake file, nil if the request carried none
func fileFromContext(ctx context.Context) *FileInfo {
	info, ok := ctx.Value(contextKeyFile).(*FileInfo)
	if !ok {
		return nil
	}
	return info
}

// bodyFromRequest returns the request payload as a document. Multipart
// requests get their pre-processed body from the context, JSON requests are
// decoded directly. An empty body yields an empty document.
func bodyFromRequest(r *http.Request) (map[string]interface{}, error) {
	if body, ok := r.Context().Value(contextKeyBody).(map[string]interface{}); ok {
		return body, nil
	}
	body := map[string]interface{}{}
	if r.Body == nil {
		return body, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return body, nil
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %s", err)
	}
	return body, nil
}

// mediaDirectory returns the storage partition for an entity kind
func mediaDirectory(kind descriptor.Kind) string {
	if kind == descriptor.KindImage {
		return "images"
	}
	return "documents"
}

// allowedContentType implements the MIME filter: image fields take image/*
// only, document fields take image/* plus PDF.
func allowedContentType(kind descriptor.Kind, contentType string) bool {
	if strings.HasPrefix(contentType, "image/") {
		return true
	}
	return kind == descriptor.KindDocument && contentType == "application/pdf"
}

// fileType derives the record's file_type from the MIME subtype
func fileType(contentType string) string {
	if i := strings.IndexRune(contentType, '/'); i >= 0 {
		return contentType[i+1:]
	}
	return contentType
}

// storageKey generates a collision-proof storage key: media directory plus
// timestamp, random suffix and the sanitized original extension. Concurrent
// uploads need no locking because of the random suffix.
func storageKey(kind descriptor.Kind, originalName string) string {
	ext := strings.ToLower(path.Ext(originalName))
	var sanitized strings.Builder
	for _, r := range ext {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' {
			sanitized.WriteRune(r)
		}
	}
	suffix := make([]byte, 4)
	rand.Read(suffix)
	return fmt.Sprintf("%s/%d-%s%s", mediaDirectory(kind),
		time.Now().UnixNano(), hex.EncodeToString(suffix), sanitized.String())
}

// thumbnailKey derives a thumbnail storage key from the original's key
func thumbnailKey(key, suffix string) string {
	ext := path.Ext(key)
	return strings.TrimSuffix(key, ext) + suffix + ext
}

// fileIntake returns the multipart intake middleware for an entity kind. It
// caps the request size, filters MIME types, assigns the file a
// collision-proof key in its media directory and stores it. The subsequent
// pre-processing step hoists the file metadata and the remaining form fields
// into the request body before the handler executes. Requests without a file
// pass through so that the handler can decide whether one is mandatory.
func (b *Backend) fileIntake(kind descriptor.Kind, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())

		// non-multipart requests (plain JSON updates) pass through untouched
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			h.ServeHTTP(w, r)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+(512<<10))
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			var maxBytesError *http.MaxBytesError
			if errors.As(err, &maxBytesError) {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("File too large (max %dMB)", maxUploadBytes>>20))
			} else {
				writeError(w, http.StatusBadRequest, "Malformed multipart request")
			}
			return
		}

		body := map[string]interface{}{}
		if r.MultipartForm != nil {
			for key, values := range r.MultipartForm.Value {
				if len(values) == 0 {
					continue
				}
				value := values[0]
				// structured form fields may be sent as JSON strings
				if strings.HasPrefix(strings.TrimSpace(value), "{") {
					var structured map[string]interface{}
					if err := json.Unmarshal([]byte(value), &structured); err == nil {
						body[key] = structured
						continue
					}
				}
				body[key] = value
			}
		}

		ctx := context.WithValue(r.Context(), contextKeyBody, body)

		file, header, err := r.FormFile("file")
		if err != nil {
			// no file attached; the handler enforces presence where required
			h.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Cannot read uploaded file")
			return
		}

		contentType := header.Header.Get("Content-Type")
		if contentType == "" || contentType == "application/octet-stream" {
			contentType = http.DetectContentType(data)
		}
		if i := strings.IndexRune(contentType, ';'); i >= 0 {
			contentType = strings.TrimSpace(contentType[:i])
		}
		if !allowedContentType(kind, contentType) {
			if kind == descriptor.KindImage {
				writeError(w, http.StatusBadRequest, "Only image files are allowed")
			} else {
				writeError(w, http.StatusBadRequest, "Only image and PDF files are allowed")
			}
			return
		}

		if b.filesDriver == nil {
			writeError(w, http.StatusBadRequest, "File uploads are not configured")
			return
		}

		key := storageKey(kind, header.Filename)
		if err := b.filesDriver.Put(key, data, contentType); err != nil {
			rlog.WithError(err).Errorf("cannot store upload %s", key)
			writeError(w, http.StatusBadRequest, "Cannot store uploaded file")
			return
		}

		info := &FileInfo{
			OriginalName: header.Filename,
			Key:          key,
			URL:          b.filesDriver.URL(key),
			ContentType:  contentType,
			Size:         int64(len(data)),
			Data:         data,
		}

		// hoist file metadata into the request body
		body["file_url"] = info.URL
		body["file_name"] = info.OriginalName
		body["file_type"] = fileType(contentType)
		body["file_size"] = info.Size
		body["mime_type"] = contentType

		ctx = context.WithValue(ctx, contextKeyFile, info)
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}

// probeAndThumbnail probes the source image dimensions and produces the two
// thumbnail variants, cropped to cover. The two thumbnail writes run
// concurrently and are awaited together; the caller persists the record only
// after both finished.
func (b *Backend) probeAndThumbnail(ctx context.Context, info *FileInfo) (urls map[string]string, width, height int, err error) {
	img, err := imaging.Decode(bytes.NewReader(info.Data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("cannot decode image: %s", err)
	}
	bounds := img.Bounds()
	width, height = bounds.Dx(), bounds.Dy()

	format, err := imaging.FormatFromFilename(info.Key)
	if err != nil {
		format = imaging.JPEG
	}

	variants := []struct {
		name   string
		suffix string
		size   int
	}{
		{"small", "-small", thumbnailSmall},
		{"medium", "-medium", thumbnailMedium},
	}

	urls = make(map[string]string, len(variants))
	keys := make([]string, len(variants))
	group, _ := errgroup.WithContext(ctx)
	for i, variant := range variants {
		keys[i] = thumbnailKey(info.Key, variant.suffix)
		urls[variant.name] = b.filesDriver.URL(keys[i])

		thumb := imaging.Fill(img, variant.size, variant.size, imaging.Center, imaging.Lanczos)
		key := keys[i]
		group.Go(func() error {
			var buffer bytes.Buffer
			if err := imaging.Encode(&buffer, thumb, format); err != nil {
				return err
			}
			return b.filesDriver.Put(key, buffer.Bytes(), info.ContentType)
		})
	}
	if err := group.Wait(); err != nil {
		return nil, 0, 0, fmt.Errorf("cannot generate thumbnails: %s", err)
	}
	return urls, width, height, nil
}

// removeStoredFiles is the best-effort cleanup that runs after a record
// delete: the original plus any thumbnail variants. Failures are logged,
// never surfaced.
func (b *Backend) removeStoredFiles(ctx context.Context, record Record) {
	if b.filesDriver == nil {
		return
	}
	fileURL := record.String("file_url")
	if fileURL == "" {
		return
	}
	key := strings.TrimPrefix(path.Clean(fileURL), "/")
	if i := strings.Index(key, "/"); i >= 0 && !strings.HasPrefix(key, "images/") && !strings.HasPrefix(key, "documents/") {
		// strip the public serving prefix
		key = key[i+1:]
	}
	ext := path.Ext(key)
	prefix := strings.TrimSuffix(key, ext)
	if err := b.filesDriver.DeleteAllWithPrefix(prefix); err != nil {
		logger.FromContext(ctx).WithError(err).Warningf("cannot clean up files for %s", key)
	}
}

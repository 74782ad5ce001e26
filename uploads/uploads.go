// Package uploads stores user files in an S3-compatible bucket.
package uploads

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/freundallein/acm/backend/chassis/apperr"
	"github.com/freundallein/acm/backend/chassis/httpx"
	log "github.com/freundallein/acm/backend/chassis/logging"
)

const maxUpload = 20 << 20

// Config ...
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Folder    string
	PublicURL string
}

// S3Store uploads objects through s3manager.
type S3Store struct {
	cfg      Config
	uploader s3manageriface.UploaderAPI
	now      func() time.Time
}

// InitS3Store builds a session for cfg; a custom endpoint implies
// path-style addressing.
func InitS3Store(cfg Config) (*S3Store, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	ssn, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, err
	}
	return NewS3Store(s3manager.NewUploader(ssn), cfg), nil
}

// NewS3Store wraps an existing uploader.
func NewS3Store(uploader s3manageriface.UploaderAPI, cfg Config) *S3Store {
	cfg.Folder = strings.Trim(cfg.Folder, "/")
	if cfg.Folder == "" {
		cfg.Folder = "uploads"
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &S3Store{cfg: cfg, uploader: uploader, now: time.Now}
}

// extension keeps the original file extension, falling back to one
// registered for the content type.
func extension(name string, contentType string) string {
	if ext := strings.ToLower(filepath.Ext(name)); ext != "" {
		return ext
	}
	if contentType == "" {
		return ""
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// Key names a new object as <folder>/YYYY/MM/DD/<uuid><ext>.
func (s *S3Store) Key(name string, contentType string) string {
	return path.Join(s.cfg.Folder, s.now().UTC().Format("2006/01/02"),
		strings.ReplaceAll(uuid.New().String(), "-", "")+extension(name, contentType))
}

// Save uploads body and returns its public URL.
func (s *S3Store) Save(ctx context.Context, body io.Reader, name string, contentType string) (string, error) {
	key := s.Key(name, contentType)
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(key))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	out, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", errors.Wrapf(err, "upload %s", key)
	}
	log.WithContext(ctx).WithFields(map[string]interface{}{
		"event": "file_uploaded",
		"key":   key,
	}).Info("file uploaded")
	if s.cfg.PublicURL != "" {
		return fmt.Sprintf("%s/%s", s.cfg.PublicURL, key), nil
	}
	return out.Location, nil
}

// Handler serves /api/uploads.
type Handler struct {
	store *S3Store
}

// NewHandler ...
func NewHandler(store *S3Store) *Handler {
	return &Handler{store: store}
}

// Register mounts routes on a /api/uploads subrouter.
func (h *Handler) Register(r *mux.Router) {
	r.Handle("/", httpx.RequireAuth(http.HandlerFunc(h.upload))).Methods(http.MethodPost)
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.WriteError(w, r, apperr.New(apperr.UploadMissingFile, http.StatusBadRequest, "Provide a 'file' field."))
		return
	}
	defer file.Close()
	url, err := h.store.Save(r.Context(), file, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		log.WithContext(r.Context()).WithFields(map[string]interface{}{
			"event": "upload_failed",
		}).Error(err)
		httpx.WriteError(w, r, apperr.New(apperr.UploadFailed, http.StatusBadGateway, "Upload failed"))
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{"url": url})
}

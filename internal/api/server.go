// Package api exposes HTTP endpoints for uploading dataset files and
// inspecting their processing state. The API never mutates pipeline state
// beyond creating the UploadedFile row and emitting the file_uploaded
// message; everything after that belongs to the splitter and processors.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/recordpipe/internal/config"
	"github.com/dharsanguruparan/recordpipe/internal/model"
	"github.com/dharsanguruparan/recordpipe/internal/mq"
	"github.com/dharsanguruparan/recordpipe/internal/repository"
	"github.com/dharsanguruparan/recordpipe/internal/storage"
)

// AppID identifies the api on the messages it publishes.
const AppID = "recordpipe-api"

// searchLimit caps product search results.
const searchLimit = 20

// FileStore is the slice of the uploaded-file repository the API needs.
type FileStore interface {
	Create(ctx context.Context, f *model.UploadedFile) error
	Get(ctx context.Context, id string) (*model.UploadedFile, error)
}

// ProductFinder serves the read-only product lookups.
type ProductFinder interface {
	FindByCode(ctx context.Context, code string) (*model.Product, error)
	FindByNameExact(ctx context.Context, name string, limit int) ([]model.Product, error)
	FindByNamePartial(ctx context.Context, name string, limit int) ([]model.Product, error)
}

// MessagePublisher publishes a message body to an exchange/routing key pair.
type MessagePublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// Server hosts the upload and lookup endpoints.
type Server struct {
	cfg      *config.Config
	files    FileStore
	products ProductFinder
	store    storage.Store
	pub      MessagePublisher
	log      *logrus.Entry
	server   *http.Server
	once     sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, files FileStore, products ProductFinder, store storage.Store, pub MessagePublisher, log *logrus.Entry) *Server {
	return &Server{
		cfg:      cfg,
		files:    files,
		products: products,
		store:    store,
		pub:      pub,
		log:      log,
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.HTTPAddress,
			Handler: s.Handler(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.WithField("address", s.cfg.HTTPAddress).Info("api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /upload/status/{file_id}", s.handleFileStatus)
	mux.HandleFunc("GET /product/find/code/{code}", s.handleFindByCode)
	mux.HandleFunc("GET /product/find/name/exact/{name}", s.handleFindByNameExact)
	mux.HandleFunc("GET /product/find/name/partial/{name}", s.handleFindByNamePartial)
	return s.loggingMiddleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type uploadResponse struct {
	Message   string `json:"message"`
	Filename  string `json:"filename"`
	FileID    string `json:"file_id"`
	StatusURL string `json:"status_url"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}
	part, err := nextFilePart(mr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer part.Close()

	now := time.Now().UTC()
	filename := filepath.Base(part.FileName())
	contentType := part.Header.Get("Content-Type")
	location := fmt.Sprintf("%d_%s_%s", now.Unix(), uuid.NewString(), filename)

	// The part is streamed straight into storage so arbitrarily large files
	// never pass through memory in one piece.
	if err := s.store.Save(ctx, location, part, -1, contentType); err != nil {
		s.log.WithError(err).Error("store uploaded file")
		http.Error(w, "there was an error while uploading your file, please try again", http.StatusUnprocessableEntity)
		return
	}

	file := &model.UploadedFile{
		ID:          uuid.NewString(),
		Filename:    filename,
		Location:    location,
		ContentType: contentType,
		UploadedAt:  now,
	}
	if err := s.files.Create(ctx, file); err != nil {
		s.log.WithError(err).Error("create uploaded file record")
		http.Error(w, "failed to store file metadata", http.StatusInternalServerError)
		return
	}

	body, err := json.Marshal(model.FileUploadedMessage{
		ID:         file.ID,
		Location:   file.Location,
		UploadedAt: file.UploadedAt,
	})
	if err != nil {
		http.Error(w, "failed to announce file", http.StatusInternalServerError)
		return
	}
	if err := s.pub.Publish(ctx, mq.Exchange, mq.QueueFileUploaded, body); err != nil {
		s.log.WithError(err).Error("publish file uploaded message")
		http.Error(w, "failed to announce file", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, uploadResponse{
		Message:   "File uploaded successfully!",
		Filename:  file.Filename,
		FileID:    file.ID,
		StatusURL: fmt.Sprintf("/upload/status/%s", file.ID),
	})
}

type fileStatusResponse struct {
	Filename         string    `json:"filename"`
	Status           string    `json:"status"`
	UploadedAt       time.Time `json:"uploaded_at"`
	TotalRecords     int64     `json:"total_records"`
	RecordsProcessed int64     `json:"records_processed"`
	RecordsFailed    int64     `json:"records_failed"`
}

func (s *Server) handleFileStatus(w http.ResponseWriter, r *http.Request) {
	file, err := s.files.Get(r.Context(), r.PathValue("file_id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "there is no file with this id", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load file", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, fileStatusResponse{
		Filename:         file.Filename,
		Status:           string(file.Status),
		UploadedAt:       file.UploadedAt,
		TotalRecords:     file.TotalRecords,
		RecordsProcessed: file.RecordsProcessed,
		RecordsFailed:    file.RecordsFailed,
	})
}

func (s *Server) handleFindByCode(w http.ResponseWriter, r *http.Request) {
	product, err := s.products.FindByCode(r.Context(), r.PathValue("code"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "there is no product with this code", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load product", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, product)
}

type productSearchResponse struct {
	SearchTerm string          `json:"search_term"`
	Products   []model.Product `json:"products"`
}

func (s *Server) handleFindByNameExact(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	products, err := s.products.FindByNameExact(r.Context(), name, searchLimit)
	if err != nil {
		http.Error(w, "failed to search products", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, productSearchResponse{SearchTerm: name, Products: products})
}

func (s *Server) handleFindByNamePartial(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	products, err := s.products.FindByNamePartial(r.Context(), name, searchLimit)
	if err != nil {
		http.Error(w, "failed to search products", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, productSearchResponse{SearchTerm: name, Products: products})
}

// nextFilePart advances the reader to the first part that carries a file.
func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, fmt.Errorf("no file found in upload")
		}
		if part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("request")
	})
}

package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"pixvault/internal/auth"
	"pixvault/internal/blob"
	"pixvault/internal/models"
	"pixvault/internal/resolver"
	"pixvault/internal/storage"
	"pixvault/internal/transcode"
)

// maxUploadBytes caps multipart image uploads.
const maxUploadBytes = 32 << 20

type Server struct {
	cfg      *models.Config
	router   *gin.Engine
	srv      *http.Server
	auth     *auth.Service
	resolver *resolver.Service
	variants storage.VariantStore
	blobs    blob.Gateway
	log      *slog.Logger
}

func NewServer(cfg *models.Config, authSvc *auth.Service, res *resolver.Service, variants storage.VariantStore, blobs blob.Gateway, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery(), gin.Logger())
	r.MaxMultipartMemory = maxUploadBytes

	s := &Server{
		cfg:      cfg,
		router:   r,
		auth:     authSvc,
		resolver: res,
		variants: variants,
		blobs:    blobs,
		log:      log.With("component", "server"),
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": 200, "message": "PIXVAULT IMAGE API"})
	})

	api := r.Group("/api")
	api.POST("/upload", s.requireKey, s.handleUpload)
	api.POST("/upload/token", s.handleTokenUpload)
	api.GET("/token", s.requireKey, s.handleIssueToken)
	api.GET("/get", s.handleGet)
	api.DELETE("/image/:cuid", s.requireKey, s.handleDeleteImage)

	r.GET("/files/:cid", s.handleFile)

	r.NoRoute(func(c *gin.Context) {
		s.log.Warn("route not found", "path", c.Request.URL.Path)
		c.JSON(http.StatusNotFound, gin.H{"status": 404, "message": "Route not found"})
	})

	return s
}

func (s *Server) Start() error {
	s.srv = &http.Server{Addr: s.cfg.ServerAddr, Handler: s.router}
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// requireKey gates a route on the static access key carried in the "key"
// query parameter.
func (s *Server) requireKey(c *gin.Context) {
	key := c.Query("key")

	ok, err := s.auth.CheckKey(c.Request.Context(), key)
	if err != nil {
		s.log.Error("key check failed", "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": 503, "message": "Service unavailable"})
		return
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"status": 400, "message": "Invalid key"})
		return
	}

	c.Next()
}

// readUpload pulls the multipart "image" file out of the request.
func readUpload(c *gin.Context) ([]byte, error) {
	file, err := c.FormFile("image")
	if err != nil {
		return nil, err
	}

	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	return io.ReadAll(io.LimitReader(src, maxUploadBytes))
}

// storeUpload runs the upload pipeline: store the bytes, probe them, and
// register the record as an unmodified original (quality 100) under a fresh
// cuid. A probe or register failure after the put triggers a compensating
// blob delete so no orphaned bytes remain.
func (s *Server) storeUpload(ctx context.Context, data []byte) (string, error) {
	cid, err := s.blobs.Put(ctx, data)
	if err != nil {
		return "", err
	}

	meta, err := transcode.Probe(data)
	if err != nil {
		s.compensate(cid)
		return "", err
	}

	cuid := resolver.NewCUID()
	if _, err := s.resolver.Register(ctx, cuid, cid, meta.Width, meta.Height, meta.Format, 100); err != nil {
		s.compensate(cid)
		return "", err
	}

	s.log.Info("image uploaded", "cuid", cuid, "cid", cid,
		"width", meta.Width, "height", meta.Height, "format", meta.Format)
	return cuid, nil
}

func (s *Server) compensate(cid string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.BlobTimeout)
	defer cancel()
	if err := s.blobs.Delete(ctx, cid); err != nil {
		s.log.Error("compensating blob delete failed", "cid", cid, "err", err)
	}
}

func (s *Server) handleUpload(c *gin.Context) {
	data, err := readUpload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": 400, "message": "Invalid request"})
		return
	}

	cuid, err := s.storeUpload(c.Request.Context(), data)
	if err != nil {
		s.uploadError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  200,
		"message": "Image uploaded successfully",
		"data":    gin.H{"cuid": cuid},
	})
}

func (s *Server) handleTokenUpload(c *gin.Context) {
	token := c.PostForm("token")
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": 400, "message": "Invalid request"})
		return
	}

	if _, err := s.auth.ValidateToken(c.Request.Context(), token); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			c.JSON(http.StatusBadRequest, gin.H{"status": 400, "message": "Invalid token"})
			return
		}
		s.log.Error("token validation failed", "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": 503, "message": "Service unavailable"})
		return
	}

	data, err := readUpload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": 400, "message": "Invalid request"})
		return
	}

	cuid, err := s.storeUpload(c.Request.Context(), data)
	if err != nil {
		s.uploadError(c, err)
		return
	}

	// The use is spent only after the upload succeeded, so a rejected
	// image does not burn token budget.
	if ok, err := s.auth.UseToken(c.Request.Context(), token); err != nil {
		s.log.Error("token consume failed", "token", token, "err", err)
	} else if !ok {
		s.log.Warn("token no longer consumable after upload", "token", token)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  200,
		"message": "Image uploaded successfully",
		"data":    gin.H{"cuid": cuid},
	})
}

func (s *Server) handleIssueToken(c *gin.Context) {
	uses, err := strconv.Atoi(c.Query("use"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": 400, "message": "Invalid query params"})
		return
	}

	token, err := s.auth.IssueToken(c.Request.Context(), uses)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"status": 400, "message": "Invalid query params"})
			return
		}
		s.log.Error("token issue failed", "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": 503, "message": "Service unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  200,
		"message": "Token generated",
		"data":    gin.H{"token": token},
	})
}

func (s *Server) handleGet(c *gin.Context) {
	fp, err := parseFingerprint(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": 400, "message": "Invalid query params"})
		return
	}

	v, err := s.resolver.ResolveOrSynthesize(c.Request.Context(), fp)
	if err != nil {
		s.resolveError(c, err)
		return
	}

	c.Header("Cache-Control", "public, max-age=3600")
	c.JSON(http.StatusOK, gin.H{
		"status":  200,
		"message": "Image found",
		"data":    gin.H{"url": s.blobs.PublicURL(v.CID)},
	})
}

func (s *Server) handleDeleteImage(c *gin.Context) {
	cuid := c.Param("cuid")

	n, err := s.variants.DeleteVariants(c.Request.Context(), cuid)
	if err != nil {
		s.log.Error("variant delete failed", "cuid", cuid, "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": 503, "message": "Service unavailable"})
		return
	}
	if n == 0 {
		c.JSON(http.StatusNotFound, gin.H{"status": 404, "message": "Image not found"})
		return
	}

	c.Status(http.StatusNoContent)
}

// handleFile serves stored bytes when the filesystem gateway backs the
// public URLs.
func (s *Server) handleFile(c *gin.Context) {
	data, err := s.blobs.Get(c.Request.Context(), c.Param("cid"))
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"status": 404, "message": "Image not found"})
			return
		}
		s.log.Error("blob read failed", "cid", c.Param("cid"), "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": 503, "message": "Service unavailable"})
		return
	}

	c.Header("Cache-Control", "public, max-age=3600")
	c.Data(http.StatusOK, http.DetectContentType(data), data)
}

func parseFingerprint(c *gin.Context) (models.Fingerprint, error) {
	width, err := strconv.Atoi(c.Query("width"))
	if err != nil {
		return models.Fingerprint{}, models.ErrValidation
	}
	height, err := strconv.Atoi(c.Query("height"))
	if err != nil {
		return models.Fingerprint{}, models.ErrValidation
	}
	quality, err := strconv.Atoi(c.Query("quality"))
	if err != nil {
		return models.Fingerprint{}, models.ErrValidation
	}
	format, err := models.ParseFormat(c.Query("format"))
	if err != nil {
		return models.Fingerprint{}, err
	}

	fp := models.Fingerprint{
		CUID:    c.Query("cuid"),
		Width:   width,
		Height:  height,
		Quality: quality,
		Format:  format,
	}
	return fp, fp.Validate()
}

func (s *Server) uploadError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, transcode.ErrDecode), errors.Is(err, transcode.ErrUnsupported):
		c.JSON(http.StatusBadRequest, gin.H{"status": 400, "message": "Invalid Image"})
	default:
		s.log.Error("upload failed", "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": 503, "message": "Service unavailable"})
	}
}

func (s *Server) resolveError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, resolver.ErrOriginalNotFound):
		c.JSON(http.StatusNotFound, gin.H{"status": 404, "message": "Image not found"})
	case errors.Is(err, blob.ErrNotFound):
		s.log.Error("original bytes missing", "err", err)
		c.JSON(http.StatusNotFound, gin.H{"status": 404, "message": "Image not found"})
	case errors.Is(err, resolver.ErrTranscode):
		s.log.Warn("transcode rejected", "err", err)
		c.JSON(http.StatusBadRequest, gin.H{"status": 400, "message": "Invalid transformation"})
	case errors.Is(err, storage.ErrUnavailable), errors.Is(err, blob.ErrUnavailable):
		s.log.Error("resolve failed", "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": 503, "message": "Service unavailable"})
	default:
		s.log.Error("resolve failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": 500, "message": "Internal server error"})
	}
}

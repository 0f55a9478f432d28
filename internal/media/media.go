// Package media is the media gateway (§4.3): it translates opaque homeserver
// media handles to fed-facing proxy URLs and back, downloads and validates
// remote media, derives thumbnails and blurhashes, and proxies bytes in both
// directions. It uses minio-go as an optional durable cache tier beneath an
// in-memory byte-budget LRU, compatible with Garage, MinIO, AWS S3, and other
// S3-compatible backends.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	terminator "codeberg.org/superseriousbusiness/exif-terminator"
	"github.com/buckket/go-blurhash"
	exif "github.com/dsoprea/go-exif/v3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/image/draw"

	"github.com/amityvox/amityvox/internal/mapping"
	"github.com/amityvox/amityvox/internal/models"
	"github.com/amityvox/amityvox/internal/scanning"
)

// Config configures a Gateway. Endpoint/Bucket/AccessKey/SecretKey describe
// the optional S3-compatible durable cache tier; leaving Endpoint empty
// disables it, matching the teacher's conditional media wiring in
// cmd/amityvox/main.go's runServe.
type Config struct {
	Endpoint    string
	Bucket      string
	AccessKey   string
	SecretKey   string
	Region      string
	UseSSL      bool
	MaxUploadMB int64

	BaseURL         string
	HomeserverURL   string
	HomeserverToken string
	AllowedMIME     []string
	ThumbnailSizes  []int
	StripExif       bool
	CacheBudgetMB   int64
}

// maxUploadBytes returns the configured upload cap, defaulting to 100 MiB.
func (c Config) maxUploadBytes() int64 {
	if c.MaxUploadMB <= 0 {
		return 100 * 1024 * 1024
	}
	return c.MaxUploadMB * 1024 * 1024
}

func (c Config) cacheBudgetBytes() int64 {
	if c.CacheBudgetMB <= 0 {
		return 100 * 1024 * 1024
	}
	return c.CacheBudgetMB * 1024 * 1024
}

// Gateway is the media gateway, wired into the inbox server and the activity
// transformer per §4.3.
type Gateway struct {
	cfg     Config
	store   *mapping.Store
	http    *http.Client
	s3      *minio.Client
	cache   *byteCache
	image   *Service
	scanner scanning.Scanner
	logger  *slog.Logger
}

// New constructs a Gateway. The S3 client is nil (and the durable tier
// disabled) when cfg.Endpoint is empty. scanner is optional; pass
// &scanning.NoOpScanner{} to disable pre-upload virus scanning.
func New(cfg Config, store *mapping.Store, scanner scanning.Scanner, logger *slog.Logger) (*Gateway, error) {
	if scanner == nil {
		scanner = &scanning.NoOpScanner{}
	}
	g := &Gateway{
		cfg:     cfg,
		store:   store,
		http:    &http.Client{Timeout: 30 * time.Second},
		cache:   newByteCache(cfg.cacheBudgetBytes()),
		image:   &Service{stripExif: cfg.StripExif, thumbnailSizes: cfg.ThumbnailSizes},
		scanner: scanner,
		logger:  logger,
	}

	if cfg.Endpoint != "" {
		client, err := minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("media: constructing S3 client: %w", err)
		}
		g.s3 = client
	}

	return g, nil
}

// HandleToURL parses an opaque homeserver media handle and returns the local
// proxy URL, without fetching the resource (§4.3 "handle->URL").
func (g *Gateway) HandleToURL(handle string) (string, error) {
	server, id, err := parseHandle(handle)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/media/%s/%s", strings.TrimRight(g.cfg.BaseURL, "/"), url.PathEscape(server), url.PathEscape(id)), nil
}

// Metadata returns the stored width/height/blurhash/MIME-type for a chat
// media handle, used by internal/transform to fill out an AP attachment
// beyond its bare URL (§4.4 "Attachments").
func (g *Gateway) Metadata(ctx context.Context, handle string) (*models.Media, error) {
	return g.store.GetMediaByChatHandle(ctx, handle)
}

// parseHandle splits "handle://<server>/<id>" into its server and id parts.
func parseHandle(handle string) (server, id string, err error) {
	const prefix = "handle://"
	if !strings.HasPrefix(handle, prefix) {
		return "", "", fmt.Errorf("media: malformed handle %q", handle)
	}
	rest := strings.TrimPrefix(handle, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("media: malformed handle %q", handle)
	}
	return parts[0], parts[1], nil
}

// URLToHandle downloads remoteURL, enforces size/MIME allow-list, extracts
// image metadata when applicable, uploads the bytes to the homeserver media
// API, and persists the resulting mapping (§4.3 "URL->handle").
func (g *Gateway) URLToHandle(ctx context.Context, remoteURL string) (handle string, media *models.Media, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return "", nil, fmt.Errorf("media: building request: %w", err)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("media: fetching %s: %w", remoteURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("media: fetching %s: status %d", remoteURL, resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, g.cfg.maxUploadBytes()+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return "", nil, fmt.Errorf("media: reading body: %w", err)
	}
	if int64(len(data)) > g.cfg.maxUploadBytes() {
		return "", nil, fmt.Errorf("media: %s exceeds max upload size", remoteURL)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if !allowedMIME(g.cfg.AllowedMIME, contentType) {
		return "", nil, fmt.Errorf("media: content type %q not allowed", contentType)
	}

	scanResult, err := g.scanner.Scan(ctx, bytes.NewReader(data), remoteURL, int64(len(data)))
	if err != nil {
		return "", nil, fmt.Errorf("media: scanning %s: %w", remoteURL, err)
	}
	if !scanResult.Clean {
		return "", nil, fmt.Errorf("media: %s flagged as %q", remoteURL, scanResult.Threat)
	}

	result := g.image.processImage(data, contentType)

	uploadHandle, err := g.uploadToHomeserver(ctx, data, contentType)
	if err != nil {
		return "", nil, fmt.Errorf("media: uploading to homeserver: %w", err)
	}

	m := &models.Media{
		ChatMediaHandle: &uploadHandle,
		FedMediaURL:     &remoteURL,
		MIMEType:        contentType,
		FileSize:        int64(len(data)),
		Width:           result.width,
		Height:          result.height,
		Blurhash:        result.blurhash,
	}
	if err := g.store.UpsertMedia(ctx, m); err != nil {
		return "", nil, err
	}

	g.cache.set("handle:"+remoteURL, data)
	return uploadHandle, m, nil
}

// uploadToHomeserver POSTs media bytes to the Chat homeserver media upload
// API and returns the resulting "handle://"-shaped identifier.
func (g *Gateway) uploadToHomeserver(ctx context.Context, data []byte, contentType string) (string, error) {
	uploadURL := fmt.Sprintf("%s/_matrix/media/v3/upload", strings.TrimRight(g.cfg.HomeserverURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if g.cfg.HomeserverToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.HomeserverToken)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("homeserver upload returned %d", resp.StatusCode)
	}

	var body struct {
		ContentURI string `json:"content_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding upload response: %w", err)
	}
	return fmt.Sprintf("handle://%s", strings.TrimPrefix(body.ContentURI, "mxc://")), nil
}

// ProxyGet fetches the media identified by (server, id) from the
// homeserver's download API (or the in-memory cache) and returns its body
// and content type (§4.3 "Proxy GET"). It sets no HTTP cache header itself.
func (g *Gateway) ProxyGet(ctx context.Context, server, id string) (io.ReadCloser, string, error) {
	cacheKey := fmt.Sprintf("handle:handle://%s/%s", server, id)
	if data, ok := g.cache.get(cacheKey); ok {
		return io.NopCloser(bytes.NewReader(data)), http.DetectContentType(data), nil
	}

	downloadURL := fmt.Sprintf("%s/_matrix/media/v3/download/%s/%s",
		strings.TrimRight(g.cfg.HomeserverURL, "/"), url.PathEscape(server), url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("media: building download request: %w", err)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("media: downloading %s/%s: %w", server, id, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("media: homeserver returned %d for %s/%s", resp.StatusCode, server, id)
	}

	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, "", fmt.Errorf("media: reading download body: %w", err)
	}
	g.cache.set(cacheKey, data)

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return io.NopCloser(bytes.NewReader(data)), contentType, nil
}

// Thumbnail returns a fit-inside, no-upscale JPEG resize of the media
// identified by (server, id) at the requested bounding size.
func (g *Gateway) Thumbnail(ctx context.Context, server, id string, size int) (io.ReadCloser, error) {
	body, contentType, err := g.ProxyGet(ctx, server, id)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("media: reading source for thumbnail: %w", err)
	}

	img, err := decodeImage(data, contentType)
	if err != nil {
		return nil, fmt.Errorf("media: decoding image for thumbnail: %w", err)
	}
	img = autoRotate(img, data)

	thumb := fitInside(img, size)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("media: encoding thumbnail: %w", err)
	}
	return io.NopCloser(&buf), nil
}

// allowedMIME reports whether contentType matches the allow-list, supporting
// "type/*" wildcard entries.
func allowedMIME(allowed []string, contentType string) bool {
	if len(allowed) == 0 {
		return true
	}
	mainType := strings.SplitN(contentType, ";", 2)[0]
	mainType = strings.TrimSpace(mainType)
	for _, a := range allowed {
		if a == mainType {
			return true
		}
		if strings.HasSuffix(a, "/*") && strings.HasPrefix(mainType, strings.TrimSuffix(a, "*")) {
			return true
		}
	}
	return false
}

// Service performs the pure image-processing steps of the media pipeline:
// EXIF-driven auto-rotation, blurhash computation, and metadata-stripped
// re-encoding. It holds no network or storage dependencies so it can be
// exercised directly in tests.
type Service struct {
	stripExif      bool
	thumbnailSizes []int
}

type processResult struct {
	width    *int
	height   *int
	blurhash *string
	stripped []byte
}

// processImage decodes data as an image (returning a zero-value result on
// failure, since not all media is an image), computes its blurhash, and
// optionally strips EXIF metadata.
func (s *Service) processImage(data []byte, contentType string) processResult {
	img, err := decodeImage(data, contentType)
	if err != nil {
		return processResult{}
	}
	img = autoRotate(img, data)

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	hash := ComputeBlurhash(img)

	result := processResult{width: &w, height: &h}
	if hash != "" {
		result.blurhash = &hash
	}
	if s.stripExif {
		result.stripped = stripExifData(img, contentType)
	}
	return result
}

// decodeImage decodes JPEG or PNG bytes into an image.Image.
func decodeImage(data []byte, contentType string) (image.Image, error) {
	switch {
	case strings.Contains(contentType, "png"):
		return png.Decode(bytes.NewReader(data))
	default:
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err == nil {
			return img, nil
		}
		return png.Decode(bytes.NewReader(data))
	}
}

// autoRotate applies the EXIF orientation tag (if present) to img, per
// §4.3 "Images are auto-rotated via EXIF orientation."
func autoRotate(img image.Image, raw []byte) image.Image {
	switch readEXIFOrientation(raw) {
	case 3:
		return rotate180(img)
	case 6:
		return rotate90CW(img)
	case 8:
		return rotate90CCW(img)
	default:
		return img
	}
}

// readEXIFOrientation returns the EXIF orientation tag value, or 1 (no
// rotation) if absent or unparsable.
func readEXIFOrientation(raw []byte) int {
	rawExif, err := exif.SearchAndExtractExif(raw)
	if err != nil {
		return 1
	}
	entries, _, err := exif.GetFlatExifData(rawExif, nil)
	if err != nil {
		return 1
	}
	for _, e := range entries {
		if e.TagName != "Orientation" {
			continue
		}
		if v, ok := e.Value.(string); ok {
			if n, convErr := strconv.Atoi(v); convErr == nil {
				return n
			}
		}
	}
	return 1
}

// stripExifData re-encodes img without any metadata. JPEG sources are run
// through exif-terminator against the re-encoded bytes so ancillary chunks
// beyond bare EXIF are also stripped; a bare re-encode already carries no
// metadata for the other formats.
func stripExifData(img image.Image, contentType string) []byte {
	var buf bytes.Buffer
	switch {
	case strings.Contains(contentType, "jpeg") || strings.Contains(contentType, "jpg"):
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 92}); err != nil {
			return nil
		}
		encoded := buf.Bytes()
		if terminated, err := terminator.Terminate(bytes.NewReader(encoded), int64(len(encoded)), "jpg"); err == nil {
			if out, readErr := io.ReadAll(terminated); readErr == nil {
				return out
			}
		}
		return encoded
	default:
		if err := png.Encode(&buf, img); err != nil {
			return nil
		}
		return buf.Bytes()
	}
}

// ComputeBlurhash computes the base83 blurhash of img using a (4,3)
// component grid, per §4.3's numerical pipeline.
func ComputeBlurhash(img image.Image) string {
	hash, err := blurhash.Encode(4, 3, img)
	if err != nil {
		return ""
	}
	return hash
}

// fitInside resizes img so its longest side is at most size, preserving
// aspect ratio, never upscaling.
func fitInside(img image.Image, size int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= size && h <= size {
		return img
	}

	var newW, newH int
	if w >= h {
		newW = size
		newH = h * size / w
	} else {
		newH = size
		newW = w * size / h
	}
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

// extractDatePath extracts a "YYYY/MM/DD" date path from a storage key of
// the shape "attachments/YYYY/MM/DD/...", falling back to the current date
// when the key doesn't carry one.
func extractDatePath(key string) string {
	parts := strings.Split(key, "/")
	for i := 0; i+2 < len(parts); i++ {
		if len(parts[i]) == 4 && len(parts[i+1]) == 2 && len(parts[i+2]) == 2 {
			if _, err := strconv.Atoi(parts[i]); err != nil {
				continue
			}
			if _, err := strconv.Atoi(parts[i+1]); err != nil {
				continue
			}
			if _, err := strconv.Atoi(parts[i+2]); err != nil {
				continue
			}
			return strings.Join(parts[i:i+3], "/")
		}
	}
	return time.Now().UTC().Format("2006/01/02")
}

// ThumbnailURL returns the storage key for a thumbnail of the given media
// id, date path, and bounding size.
func ThumbnailURL(mediaID, datePath string, size int) string {
	return fmt.Sprintf("thumbnails/%s/%s_%d.jpg", datePath, mediaID, size)
}

// writeJSON writes a {"data": ...} envelope, matching the teacher's
// internal/api response shape.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

// writeError writes a {"error": {"code", "message"}} envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}

// byteCache is an in-memory LRU cache keyed by string, capped at a byte
// budget rather than an item count; eviction is insertion-order until under
// cap, per §4.3. Grounded on ttlcache.Cache's mutex+map shape, generalized
// from TTL+count bounding to byte-budget bounding.
type byteCache struct {
	mu     sync.Mutex
	order  []string
	values map[string][]byte
	size   int64
	budget int64
}

func newByteCache(budget int64) *byteCache {
	return &byteCache{values: make(map[string][]byte), budget: budget}
}

func (c *byteCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *byteCache) set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.values[key]; ok {
		c.size -= int64(len(existing))
	} else {
		c.order = append(c.order, key)
	}
	c.values[key] = value
	c.size += int64(len(value))

	for c.size > c.budget && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if v, ok := c.values[oldest]; ok {
			c.size -= int64(len(v))
			delete(c.values, oldest)
		}
	}
}

// rotate180 returns img rotated by 180 degrees.
func rotate180(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(b.Max.X-1-(x-b.Min.X), b.Max.Y-1-(y-b.Min.Y), img.At(x, y))
		}
	}
	return dst
}

// rotate90CW returns img rotated 90 degrees clockwise.
func rotate90CW(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, h, w))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(h-1-(y-b.Min.Y), x-b.Min.X, img.At(x, y))
		}
	}
	return dst
}

// rotate90CCW returns img rotated 90 degrees counter-clockwise.
func rotate90CCW(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, h, w))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(y-b.Min.Y, w-1-(x-b.Min.X), img.At(x, y))
		}
	}
	return dst
}

package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	_ "golang.org/x/image/webp" // Register WebP decoder

	"github.com/JonMunkholm/geoimport/internal/fetch"
)

// Default column sizes of attachment metadata.
const (
	DefaultLegendMaxLength   = 128
	DefaultFileNameMaxLength = 128
)

// decodableImages are the formats whose dimensions can be checked.
var decodableImages = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// AttachmentOptions configures download and validation of attachments.
type AttachmentOptions struct {
	Tries      int           // HEAD attempts on server errors
	RetrySleep time.Duration // Pause between HEAD attempts

	// AllowedTypes maps a file extension to its accepted mime types.
	// An empty map accepts everything.
	AllowedTypes map[string][]string
	MinWidth     int
	MinHeight    int
	MaxBytes     int64

	LegendMaxLength   int
	AuthorMaxLength   int
	TitleMaxLength    int
	FileNameMaxLength int

	// FileType names the attachment category that must exist in the store.
	FileType string
}

// AttachmentStats counts attachment work done during a run.
type AttachmentStats struct {
	Downloaded int `json:"downloaded"`
	Unchanged  int `json:"unchanged"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	Removed    int `json:"removed"`
}

// AttachmentResolver fetches, validates and stores the files of an entity.
type AttachmentResolver struct {
	client Doer
	head   *fetch.RetryClient
	blobs  BlobStore
	opts   AttachmentOptions
	logger *slog.Logger

	fileTypeID int64
	stats      AttachmentStats
}

// NewAttachmentResolver creates a resolver. GET requests are sent once,
// HEAD requests are retried according to opts.
func NewAttachmentResolver(client Doer, blobs BlobStore, opts AttachmentOptions) *AttachmentResolver {
	if client == nil {
		client = fetch.NewClient(0)
	}
	if opts.Tries <= 0 {
		opts.Tries = 1
	}
	if opts.LegendMaxLength <= 0 {
		opts.LegendMaxLength = DefaultLegendMaxLength
	}
	if opts.AuthorMaxLength <= 0 {
		opts.AuthorMaxLength = DefaultLegendMaxLength
	}
	if opts.TitleMaxLength <= 0 {
		opts.TitleMaxLength = DefaultLegendMaxLength
	}
	if opts.FileNameMaxLength <= 0 {
		opts.FileNameMaxLength = DefaultFileNameMaxLength
	}
	return &AttachmentResolver{
		client: client,
		head:   fetch.NewRetryClient(client, opts.Tries, opts.RetrySleep),
		blobs:  blobs,
		opts:   opts,
		logger: slog.Default(),
	}
}

// Stats returns the counters accumulated since the last Prepare.
func (r *AttachmentResolver) Stats() AttachmentStats {
	return r.stats
}

// Prepare resolves the configured file type. A missing file type is a
// configuration error: attachments could not be classified.
func (r *AttachmentResolver) Prepare(ctx context.Context, store Store) error {
	r.stats = AttachmentStats{}
	if r.opts.FileType == "" {
		return nil
	}

	tx, err := store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	id, err := tx.FileType(ctx, r.opts.FileType)
	if errors.Is(err, ErrNotFound) {
		return &ConfigError{Msg: fmt.Sprintf("FileType '%s' does not exists. Please add it", r.opts.FileType)}
	}
	if err != nil {
		return fmt.Errorf("lookup file type %q: %w", r.opts.FileType, err)
	}
	r.fileTypeID = id
	return nil
}

// Sync resolves every descriptor of an entity. Attachment failures are
// returned as messages and never fail the row.
func (r *AttachmentResolver) Sync(ctx context.Context, tx Tx, e *Entity, descs []AttachmentDescriptor, deleteMissing bool) ([]string, error) {
	existing, err := tx.Attachments(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}

	var messages []string
	listed := make(map[string]bool, len(descs))
	for _, d := range descs {
		listed[d.URL] = true

		// Each attachment gets its own savepoint so a failed write does not
		// poison the row transaction.
		sp, err := tx.Savepoint(ctx)
		if err != nil {
			return messages, fmt.Errorf("savepoint: %w", err)
		}
		if _, err := r.Resolve(ctx, sp, e, d, existing); err != nil {
			_ = sp.Rollback(ctx)
			r.stats.Failed++
			messages = append(messages, err.Error())
			r.logger.Warn("attachment dropped", "model", e.Model, "entity_id", e.ID, "url", d.URL, "error", err)
			continue
		}
		if err := sp.Commit(ctx); err != nil {
			return messages, fmt.Errorf("release savepoint: %w", err)
		}
	}

	if deleteMissing {
		for _, a := range existing {
			if listed[a.SourceURL] {
				continue
			}
			if err := tx.DeleteAttachment(ctx, a.ID); err != nil {
				return messages, fmt.Errorf("delete attachment %d: %w", a.ID, err)
			}
			r.stats.Removed++
		}
	}
	return messages, nil
}

// Purge deletes the stored files of attachments whose rows are gone.
// Failures are logged: the rows cannot be restored at this point.
func (r *AttachmentResolver) Purge(ctx context.Context, attachments []*Attachment) {
	for _, a := range attachments {
		if a.FileKey == "" {
			continue
		}
		if err := r.blobs.Delete(ctx, a.FileKey); err != nil {
			r.logger.Warn("attachment file not removed", "model", a.Model, "entity_id", a.EntityID, "key", a.FileKey, "error", err)
			continue
		}
		r.stats.Removed++
	}
}

// Resolve creates, updates or keeps the attachment described by d.
// It returns nil without error when the descriptor is empty or the
// downloaded body is empty or cannot be decoded.
func (r *AttachmentResolver) Resolve(ctx context.Context, tx Tx, e *Entity, d AttachmentDescriptor, existing []*Attachment) (*Attachment, error) {
	d.URL = strings.TrimSpace(d.URL)
	if d.URL == "" {
		return nil, nil
	}

	var prev *Attachment
	for _, a := range existing {
		if a.SourceURL == d.URL {
			prev = a
			break
		}
	}

	if prev != nil {
		present, err := r.blobs.Exists(ctx, prev.FileKey)
		if err != nil {
			return nil, &DownloadImportError{URL: d.URL, Err: err}
		}
		if present {
			size, err := r.contentLength(ctx, d.URL)
			if err != nil {
				return nil, err
			}
			if size >= 0 && size == prev.Size {
				r.stats.Unchanged++
				if r.applyMetadata(prev, d) {
					if err := tx.SaveAttachment(ctx, prev); err != nil {
						return nil, fmt.Errorf("save attachment: %w", err)
					}
				}
				return prev, nil
			}
		}
	}

	body, err := r.download(ctx, d.URL)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		r.stats.Skipped++
		return nil, nil
	}

	info, err := r.validate(e, d.URL, body)
	if err != nil {
		return nil, err
	}
	if info == nil {
		r.logger.Debug("attachment is not a readable image", "url", d.URL, "model", e.Model, "id", e.ID)
		r.stats.Skipped++
		return nil, nil
	}

	a := prev
	if a == nil {
		a = &Attachment{
			EntityID:  e.ID,
			Model:     e.Model,
			SourceURL: d.URL,
			FileKey:   r.fileKey(e, d.URL, info.ext),
		}
	}
	if err := r.blobs.Put(ctx, a.FileKey, body, info.mime); err != nil {
		return nil, &DownloadImportError{URL: d.URL, Err: fmt.Errorf("store content: %w", err)}
	}

	a.FileTypeID = r.fileTypeID
	a.MimeType = info.mime
	a.Size = int64(len(body))
	a.Width = info.width
	a.Height = info.height
	a.IsImage = info.isImage
	r.applyMetadata(a, d)

	if err := tx.SaveAttachment(ctx, a); err != nil {
		return nil, fmt.Errorf("save attachment: %w", err)
	}
	r.stats.Downloaded++
	return a, nil
}

// contentLength asks the upstream for the current size of url.
// It returns -1 when the size is unknown.
func (r *AttachmentResolver) contentLength(ctx context.Context, rawURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, &DownloadImportError{URL: rawURL, Err: err}
	}
	resp, err := r.head.Do(req)
	if err != nil {
		return 0, &DownloadImportError{URL: rawURL, Err: err}
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return 0, &DownloadImportError{URL: rawURL, Err: fmt.Errorf("HTTP status code %d after %d attempts", resp.StatusCode, r.head.Attempts())}
	}
	if resp.StatusCode != http.StatusOK {
		return -1, nil
	}
	return resp.ContentLength, nil
}

func (r *AttachmentResolver) download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &DownloadImportError{URL: rawURL, Err: err}
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &DownloadImportError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &DownloadImportError{URL: rawURL, Err: fmt.Errorf("HTTP status code %d", resp.StatusCode)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &DownloadImportError{URL: rawURL, Err: err}
	}
	return body, nil
}

type fileInfo struct {
	mime    string
	ext     string
	isImage bool
	width   int
	height  int
}

// validate applies the rules in order: mime type, extension, image
// dimensions, byte size. A nil info means the body is an undecodable image.
func (r *AttachmentResolver) validate(e *Entity, rawURL string, body []byte) (*fileInfo, error) {
	invalid := func(format string, args ...any) error {
		return &AttachmentImportError{Msg: fmt.Sprintf("Invalid attachment file %s for %s #%d: %s",
			rawURL, e.Model, e.ID, fmt.Sprintf(format, args...))}
	}

	detected := mimetype.Detect(body)
	info := &fileInfo{
		mime: strings.TrimSpace(strings.SplitN(detected.String(), ";", 2)[0]),
		ext:  urlExtension(rawURL),
	}
	if info.ext == "" {
		info.ext = strings.TrimPrefix(detected.Extension(), ".")
	}
	info.isImage = strings.HasPrefix(info.mime, "image/")

	if len(r.opts.AllowedTypes) > 0 {
		accepted, known := r.opts.AllowedTypes[info.ext]
		if known && len(accepted) > 0 && !contains(accepted, info.mime) {
			return nil, invalid("File mime type '%s' is not allowed for %s.", info.mime, info.ext)
		}
		if !known {
			return nil, invalid("File type '%s' is not allowed.", info.ext)
		}
	}

	if decodableImages[info.mime] {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(body))
		if err != nil {
			return nil, nil
		}
		info.width, info.height = cfg.Width, cfg.Height
		if r.opts.MinWidth > 0 && info.width < r.opts.MinWidth {
			return nil, invalid("Image width %dpx is lower than the minimum %dpx.", info.width, r.opts.MinWidth)
		}
		if r.opts.MinHeight > 0 && info.height < r.opts.MinHeight {
			return nil, invalid("Image height %dpx is lower than the minimum %dpx.", info.height, r.opts.MinHeight)
		}
	}

	if r.opts.MaxBytes > 0 && int64(len(body)) > r.opts.MaxBytes {
		return nil, invalid("File size %d bytes exceeds the maximum of %d bytes.", len(body), r.opts.MaxBytes)
	}
	return info, nil
}

// applyMetadata copies legend, author and title, reporting a change.
func (r *AttachmentResolver) applyMetadata(a *Attachment, d AttachmentDescriptor) bool {
	legend := TruncateWords(d.Legend, r.opts.LegendMaxLength)
	author := TruncateWords(d.Author, r.opts.AuthorMaxLength)
	title := TruncateWords(d.Title, r.opts.TitleMaxLength)
	if a.Legend == legend && a.Author == author && a.Title == title {
		return false
	}
	a.Legend, a.Author, a.Title = legend, author, title
	return true
}

// fileKey builds a unique blob key whose file name fits the column size.
func (r *AttachmentResolver) fileKey(e *Entity, rawURL, ext string) string {
	stem := "file"
	if u, err := url.Parse(rawURL); err == nil {
		base := path.Base(u.Path)
		base = strings.TrimSuffix(base, path.Ext(base))
		if cleaned := strings.Trim(unsafeFileChars.ReplaceAllString(base, "_"), "_."); cleaned != "" {
			stem = cleaned
		}
	}

	suffix := "-" + uuid.NewString()[:8]
	if ext != "" {
		suffix += "." + ext
	}
	if room := r.opts.FileNameMaxLength - len(suffix); len(stem) > room {
		if room < 1 {
			room = 1
		}
		stem = stem[:room]
	}
	return fmt.Sprintf("paperclip/%s/%d/%s%s", strings.ToLower(e.Model), e.ID, stem, suffix)
}

func urlExtension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), "."))
}

// TruncateWords shortens s to at most max runes, cutting at the last word
// boundary when the limit falls inside a word.
func TruncateWords(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}

	runes := []rune(s)
	cut := runes[:max]
	if !unicode.IsSpace(runes[max]) {
		if i := lastSpace(cut); i > 0 {
			cut = cut[:i]
		}
	}
	return strings.TrimRightFunc(string(cut), unicode.IsSpace)
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}

// Package avatar tracks the images and videos agents are shown with:
// bundled system defaults, per-owner uploads, and their cloud copies.
package avatar

import (
	"bytes"
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/basket/agentcore/internal/audit"
	otelpkg "github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/service"
	"github.com/basket/agentcore/internal/shared"
)

// SystemAvatar is one of the bundled defaults. Its image lives at
// <SystemDir>/<Filename>; optional videos sit beside it as <ID>.mp4/.webm.
type SystemAvatar struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Tags     []string `json:"tags"`
	Filename string   `json:"filename"`
}

var SystemAvatars = []SystemAvatar{
	{"A001", "Professional Male", []string{"professional", "male", "formal"}, "A001.png"},
	{"A002", "Professional Female", []string{"professional", "female", "formal"}, "A002.png"},
	{"A003", "Casual Male", []string{"casual", "male", "friendly"}, "A003.png"},
	{"A004", "Casual Female", []string{"casual", "female", "friendly"}, "A004.png"},
	{"A005", "Tech Professional", []string{"tech", "professional", "modern"}, "A005.png"},
	{"A006", "Creative Professional", []string{"creative", "artistic", "modern"}, "A006.png"},
	{"A007", "Executive", []string{"executive", "leadership", "formal"}, "A007.png"},
}

var (
	imageFormats = []string{"png", "jpg", "jpeg", "gif", "webp"}
	videoFormats = []string{"mp4", "webm", "mov"}
)

// Metadata keys stored in avatar_metadata.
const (
	MetaThumbnailPath    = "thumbnail_path"
	MetaOriginalFilename = "original_filename"
)

// IsSystemID reports whether id names a bundled default.
func IsSystemID(id string) bool {
	_, ok := systemAvatar(id)
	return ok
}

func systemAvatar(id string) (SystemAvatar, bool) {
	for _, a := range SystemAvatars {
		if a.ID == id {
			return a, true
		}
	}
	return SystemAvatar{}, false
}

// DefaultFor picks the system default shown for an agent without an avatar.
// The choice depends only on agentID.
func DefaultFor(agentID string) SystemAvatar {
	sum := md5.Sum([]byte(agentID))
	n := new(big.Int).SetBytes(sum[:])
	idx := new(big.Int).Mod(n, big.NewInt(int64(len(SystemAvatars)))).Int64()
	return SystemAvatars[idx]
}

type Options struct {
	Logger  *slog.Logger
	Metrics *otelpkg.Metrics

	// SystemDir holds the bundled defaults; DataDir holds one directory per
	// owner with uploaded/ and generated/ inside.
	SystemDir string
	DataDir   string

	MaxImageMB    int
	MaxVideoMB    int
	ThumbnailSize int

	// BaseURL prefixes the /api/avatar links handed to clients.
	BaseURL string

	// Cloud enables sync and restore. AutoSync queues a sync after upload.
	Cloud    CloudStore
	AutoSync bool
}

func (o Options) withDefaults() Options {
	if o.MaxImageMB <= 0 {
		o.MaxImageMB = 10
	}
	if o.MaxVideoMB <= 0 {
		o.MaxVideoMB = 50
	}
	if o.ThumbnailSize <= 0 {
		o.ThumbnailSize = 256
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	return o
}

// Registry implements the avatar operations. Every operation answers with
// a service.Result.
type Registry struct {
	run    service.Runner
	store  *persistence.Store
	logger *slog.Logger
	opts   Options
	wg     sync.WaitGroup
}

func New(store *persistence.Store, opts Options) *Registry {
	opts = opts.withDefaults()
	r := service.NewRunner(service.Deps{Store: store, Logger: opts.Logger, Metrics: opts.Metrics}, "avatar")
	return &Registry{run: r, store: store, logger: r.Logger(), opts: opts}
}

// Wait blocks until queued cloud syncs finish.
func (r *Registry) Wait() {
	r.wg.Wait()
}

var unsafeOwnerChars = strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")

func (r *Registry) ownerDir(owner, kind string) string {
	if owner == "" {
		owner = "default"
	}
	return filepath.Join(r.opts.DataDir, unsafeOwnerChars.Replace(owner), kind)
}

// URL turns a local file path into the link clients fetch it from.
func (r *Registry) URL(path string) string {
	if path == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return r.opts.BaseURL + "/api/avatar?path=" + url.QueryEscape(path)
}

// Servable reports whether path lies inside the system or data directory
// and returns it cleaned. Anything else is not served.
func (r *Registry) Servable(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	for _, root := range []string{r.opts.SystemDir, r.opts.DataDir} {
		if root == "" {
			continue
		}
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(rootAbs, abs)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return abs, true
		}
	}
	return "", false
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func extOf(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

func hashOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (r *Registry) systemInfo(a SystemAvatar) map[string]any {
	img := filepath.Join(r.opts.SystemDir, a.Filename)
	mp4 := filepath.Join(r.opts.SystemDir, a.ID+".mp4")
	webm := filepath.Join(r.opts.SystemDir, a.ID+".webm")
	info := map[string]any{
		"id":          a.ID,
		"name":        a.Name,
		"tags":        a.Tags,
		"type":        persistence.AvatarSystem,
		"imagePath":   img,
		"imageUrl":    "",
		"imageExists": exists(img),
		"videoUrl":    "",
		"videoExists": exists(mp4) || exists(webm),
	}
	if exists(img) {
		info["imageUrl"] = r.URL(img)
	}
	if exists(mp4) {
		info["videoUrl"] = r.URL(mp4)
	} else if exists(webm) {
		info["videoUrl"] = r.URL(webm)
	}
	return info
}

func (r *Registry) resourceInfo(res *persistence.AvatarResource) map[string]any {
	m := res.ToMap(false)
	thumb := res.ThumbnailPath
	m["type"] = res.ResourceType
	m["imageUrl"] = r.URL(res.ImagePath)
	m["thumbnailUrl"] = ""
	if exists(thumb) {
		m["thumbnailUrl"] = r.URL(thumb)
	}
	m["videoUrl"] = r.URL(res.VideoPath)
	m["imageExists"] = exists(res.ImagePath)
	m["videoExists"] = exists(res.VideoPath)
	m["fileMissing"] = !exists(res.ImagePath) || (res.VideoPath != "" && !exists(res.VideoPath))
	return m
}

// ListSystem returns the bundled defaults with their file state.
func (r *Registry) ListSystem() []map[string]any {
	out := make([]map[string]any, 0, len(SystemAvatars))
	for _, a := range SystemAvatars {
		out = append(out, r.systemInfo(a))
	}
	return out
}

// List returns the system defaults followed by the owner's own resources,
// oldest first.
func (r *Registry) List(ctx context.Context, owner string) service.Result {
	return r.run.Read(ctx, "list", func(q persistence.Querier) (service.Result, error) {
		rows, err := persistence.List[persistence.AvatarResource](ctx, q,
			`WHERE "owner" = ? ORDER BY "created_at", "id"`, owner)
		if err != nil {
			return service.Result{}, err
		}
		out := r.ListSystem()
		for _, res := range rows {
			out = append(out, r.resourceInfo(res))
		}
		return service.OK("", out), nil
	})
}

type decodedImage struct {
	img    image.Image
	format string
	width  int
	height int
}

func (r *Registry) validateImage(filename string, data []byte) (decodedImage, error) {
	if limit := r.opts.MaxImageMB << 20; len(data) > limit {
		return decodedImage{}, shared.Validation("file size exceeds maximum %dMB", r.opts.MaxImageMB)
	}
	if !slices.Contains(imageFormats, extOf(filename)) {
		return decodedImage{}, shared.Validation("unsupported format; supported: %s", strings.Join(imageFormats, ", "))
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return decodedImage{}, shared.Validation("invalid image file: %v", err)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return decodedImage{}, shared.Validation("invalid image file: %v", err)
	}
	return decodedImage{img: img, format: format, width: cfg.Width, height: cfg.Height}, nil
}

// Upload stores an image for owner. An image the owner already uploaded
// (same MD5) returns the existing resource and writes nothing.
func (r *Registry) Upload(ctx context.Context, owner, filename string, data []byte) service.Result {
	var written []string
	res := r.run.Run(ctx, "upload", func(tx *sql.Tx) (service.Result, error) {
		dec, err := r.validateImage(filename, data)
		if err != nil {
			return service.Result{}, err
		}
		hash := hashOf(data)
		existing, err := persistence.AvatarByHash(ctx, tx, owner, hash)
		if err != nil {
			return service.Result{}, err
		}
		if existing != nil {
			info := r.resourceInfo(existing)
			info["existing"] = true
			return service.OK(existing.ID, info), nil
		}

		dir := r.ownerDir(owner, "uploaded")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return service.Result{}, err
		}
		original := filepath.Join(dir, hash+"_original.png")
		if err := imaging.Save(dec.img, original); err != nil {
			return service.Result{}, err
		}
		written = append(written, original)
		thumb := filepath.Join(dir, hash+"_thumb.png")
		size := r.opts.ThumbnailSize
		if err := imaging.Save(imaging.Fit(dec.img, size, size, imaging.Lanczos), thumb); err != nil {
			return service.Result{}, err
		}
		written = append(written, thumb)

		row := &persistence.AvatarResource{
			Name:          filename,
			ResourceType:  persistence.AvatarUploaded,
			ImagePath:     original,
			ThumbnailPath: thumb,
			ImageHash:     &hash,
			Owner:         owner,
			AvatarMetadata: persistence.MustJSON(map[string]any{
				"image_format":       dec.format,
				"image_size":         len(data),
				"image_width":        dec.width,
				"image_height":       dec.height,
				MetaThumbnailPath:    thumb,
				MetaOriginalFilename: filename,
			}),
		}
		if err := persistence.Insert(ctx, tx, row); err != nil {
			return service.Result{}, err
		}
		return service.OK(row.ID, r.resourceInfo(row)), nil
	})
	if !res.Success {
		for _, p := range written {
			_ = os.Remove(p)
		}
		return res
	}
	if len(written) > 0 && r.opts.AutoSync && r.opts.Cloud != nil {
		r.queueSync(res.ID)
	}
	return res
}

// UploadVideo attaches a video to one of owner's resources, replacing any
// previous one. The resource must be synced again afterwards.
func (r *Registry) UploadVideo(ctx context.Context, owner, resourceID, filename string, data []byte) service.Result {
	var written string
	res := r.run.Run(ctx, "upload_video", func(tx *sql.Tx) (service.Result, error) {
		if limit := r.opts.MaxVideoMB << 20; len(data) > limit {
			return service.Result{}, shared.Validation("file size exceeds maximum %dMB", r.opts.MaxVideoMB)
		}
		format := extOf(filename)
		if !slices.Contains(videoFormats, format) {
			return service.Result{}, shared.Validation("unsupported video format; supported: %s", strings.Join(videoFormats, ", "))
		}
		row, err := persistence.GetByID[persistence.AvatarResource](ctx, tx, resourceID)
		if err != nil {
			return service.Result{}, err
		}
		if row.Owner != owner {
			return service.Result{}, shared.NotFound("avatar not found: %s", resourceID)
		}

		hash := hashOf(data)
		if row.ImageHash != nil {
			hash = *row.ImageHash
		}
		dir := r.ownerDir(owner, "generated")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return service.Result{}, err
		}
		written = filepath.Join(dir, hash+"_video.mp4")
		if err := os.WriteFile(written, data, 0o644); err != nil {
			return service.Result{}, err
		}

		var meta map[string]any
		_ = row.AvatarMetadata.Decode(&meta)
		if meta == nil {
			meta = map[string]any{}
		}
		meta["video_format"] = format
		meta["video_size"] = len(data)
		if err := persistence.UpdateFields[persistence.AvatarResource](ctx, tx, row.ID, map[string]any{
			"video_path":      written,
			"avatar_metadata": meta,
			"cloud_synced":    false,
		}); err != nil {
			return service.Result{}, err
		}
		row.VideoPath = written
		row.CloudSynced = false
		row.AvatarMetadata = persistence.MustJSON(meta)
		return service.OK(row.ID, r.resourceInfo(row)), nil
	})
	if !res.Success && written != "" {
		_ = os.Remove(written)
	}
	return res
}

// Get returns a system default or a stored resource. With autoRestore,
// missing local files of a synced resource are fetched from the cloud
// first; whatever is still absent is flagged by fileMissing.
func (r *Registry) Get(ctx context.Context, id string, autoRestore bool) service.Result {
	if a, ok := systemAvatar(id); ok {
		return service.OK(a.ID, r.systemInfo(a))
	}
	return r.run.Call(ctx, "get", func(ctx context.Context) (service.Result, error) {
		row, err := persistence.GetByID[persistence.AvatarResource](ctx, r.store.DB(), id)
		if err != nil {
			return service.Result{}, err
		}
		if autoRestore {
			if err := r.restore(ctx, row); err != nil {
				r.logger.Warn("avatar restore failed", "avatar_id", id, "error", err)
			}
		}
		return service.OK(row.ID, r.resourceInfo(row)), nil
	})
}

func (r *Registry) restore(ctx context.Context, row *persistence.AvatarResource) error {
	needImage := row.ImagePath != "" && !exists(row.ImagePath)
	needVideo := row.VideoPath != "" && !exists(row.VideoPath)
	if !needImage && !needVideo {
		return nil
	}
	if r.opts.Cloud == nil || !row.CloudSynced {
		return shared.NotFound("no cloud copy of avatar %s", row.ID)
	}
	var errs []error
	if needImage && row.CloudImageURL != "" {
		if err := r.fetch(ctx, row.CloudImageURL, row.ImagePath); err != nil {
			errs = append(errs, err)
		} else if row.ThumbnailPath != "" && !exists(row.ThumbnailPath) {
			errs = append(errs, r.rebuildThumbnail(row.ImagePath, row.ThumbnailPath))
		}
	}
	if needVideo && row.CloudVideoURL != "" {
		errs = append(errs, r.fetch(ctx, row.CloudVideoURL, row.VideoPath))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	r.logger.Info("avatar restored from cloud", "avatar_id", row.ID)
	return nil
}

func (r *Registry) fetch(ctx context.Context, from, to string) error {
	data, err := r.opts.Cloud.Download(ctx, from)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	return os.WriteFile(to, data, 0o644)
}

func (r *Registry) rebuildThumbnail(original, thumb string) error {
	img, err := imaging.Open(original)
	if err != nil {
		return err
	}
	size := r.opts.ThumbnailSize
	return imaging.Save(imaging.Fit(img, size, size, imaging.Lanczos), thumb)
}

func (r *Registry) queueSync(id string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if res := r.Sync(ctx, id); !res.Success {
			r.logger.Warn("queued avatar sync failed", "avatar_id", id, "error", res.Error)
		}
	}()
}

// Sync uploads a resource's files to the cloud store and records their
// URLs. Already-synced resources are left alone.
func (r *Registry) Sync(ctx context.Context, id string) service.Result {
	return r.run.Call(ctx, "sync", func(ctx context.Context) (service.Result, error) {
		if r.opts.Cloud == nil {
			return service.Result{}, shared.Validation("cloud storage is not configured")
		}
		row, err := persistence.GetByID[persistence.AvatarResource](ctx, r.store.DB(), id)
		if err != nil {
			return service.Result{}, err
		}
		if row.CloudSynced {
			return service.OK(row.ID, r.resourceInfo(row)), nil
		}
		fields := map[string]any{"cloud_synced": true}
		if exists(row.ImagePath) {
			u, err := r.push(ctx, row, row.ImagePath, "image/png")
			if err != nil {
				return service.Result{}, err
			}
			fields["cloud_image_url"], row.CloudImageURL = u, u
		}
		if exists(row.VideoPath) {
			u, err := r.push(ctx, row, row.VideoPath, "video/mp4")
			if err != nil {
				return service.Result{}, err
			}
			fields["cloud_video_url"], row.CloudVideoURL = u, u
		}
		if err := persistence.UpdateFields[persistence.AvatarResource](ctx, r.store.DB(), row.ID, fields); err != nil {
			return service.Result{}, err
		}
		row.CloudSynced = true
		return service.OK(row.ID, r.resourceInfo(row)), nil
	})
}

func (r *Registry) push(ctx context.Context, row *persistence.AvatarResource, path, contentType string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	owner := row.Owner
	if owner == "" {
		owner = "default"
	}
	key := "avatars/" + url.PathEscape(owner) + "/" + filepath.Base(path)
	return r.opts.Cloud.Upload(ctx, key, contentType, data)
}

// Delete removes an uploaded or generated resource. Agents using it are
// detached in the same transaction; files and cloud copies go after commit.
func (r *Registry) Delete(ctx context.Context, id string) service.Result {
	if IsSystemID(id) {
		return service.Fail(shared.Validation("system avatars cannot be deleted: %s", id))
	}
	var row *persistence.AvatarResource
	res := r.run.Run(ctx, "delete", func(tx *sql.Tx) (service.Result, error) {
		var err error
		row, err = persistence.GetByID[persistence.AvatarResource](ctx, tx, id)
		if err != nil {
			return service.Result{}, err
		}
		cleared, err := persistence.ClearAvatarReferences(ctx, tx, id)
		if err != nil {
			return service.Result{}, err
		}
		if err := persistence.DeleteByID[persistence.AvatarResource](ctx, tx, id); err != nil {
			return service.Result{}, err
		}
		return service.OK(id, map[string]any{"cleared_agents": cleared}), nil
	})
	audit.Record(ctx, "avatar:"+id, "avatar.delete", audit.Outcome(res.Err()), res.Error)
	if !res.Success {
		return res
	}

	var deleted []string
	for _, p := range []string{row.ImagePath, row.ThumbnailPath, row.VideoPath} {
		if p != "" && os.Remove(p) == nil {
			deleted = append(deleted, p)
		}
	}
	if r.opts.Cloud != nil {
		for _, u := range []string{row.CloudImageURL, row.CloudVideoURL} {
			if u == "" {
				continue
			}
			if err := r.opts.Cloud.Delete(ctx, u); err != nil {
				r.logger.Warn("cloud avatar delete failed", "avatar_id", id, "url", u, "error", err)
			}
		}
	}
	res.Data.(map[string]any)["deleted_files"] = deleted
	return res
}

// SetAgentAvatar points an agent at a system default or a stored resource.
// An empty resourceID clears it.
func (r *Registry) SetAgentAvatar(ctx context.Context, agentID, resourceID string) service.Result {
	return r.run.Run(ctx, "set_agent_avatar", func(tx *sql.Tx) (service.Result, error) {
		if _, err := persistence.GetByID[persistence.Agent](ctx, tx, agentID); err != nil {
			return service.Result{}, err
		}
		var value any
		if resourceID != "" {
			value = resourceID
			if !IsSystemID(resourceID) {
				row, err := persistence.GetByID[persistence.AvatarResource](ctx, tx, resourceID)
				if err != nil {
					return service.Result{}, err
				}
				if err := persistence.UpdateFields[persistence.AvatarResource](ctx, tx, row.ID,
					map[string]any{"usage_count": row.UsageCount + 1}); err != nil {
					return service.Result{}, err
				}
			}
		}
		if err := persistence.UpdateFields[persistence.Agent](ctx, tx, agentID,
			map[string]any{"avatar_resource_id": value}); err != nil {
			return service.Result{}, err
		}
		return service.OK(agentID, map[string]any{"agent_id": agentID, "avatar_resource_id": value}), nil
	})
}

// AgentAvatar returns what an agent should be shown with. Agents without an
// avatar get their system default. An agent whose resource row is gone is
// healed: its reference is cleared and the default returned.
func (r *Registry) AgentAvatar(ctx context.Context, agentID string, autoRestore bool) service.Result {
	return r.run.Call(ctx, "agent_avatar", func(ctx context.Context) (service.Result, error) {
		agent, err := persistence.GetByID[persistence.Agent](ctx, r.store.DB(), agentID)
		if err != nil {
			return service.Result{}, err
		}
		ref := persistence.Deref(agent.AvatarResourceID)
		if ref == "" {
			return r.defaultResult(agentID, false), nil
		}
		if a, ok := systemAvatar(ref); ok {
			return service.OK(a.ID, r.systemInfo(a)), nil
		}
		row, err := persistence.GetByID[persistence.AvatarResource](ctx, r.store.DB(), ref)
		if shared.KindOf(err) == shared.KindNotFound {
			if err := persistence.UpdateFields[persistence.Agent](ctx, r.store.DB(), agentID,
				map[string]any{"avatar_resource_id": nil}); err != nil {
				return service.Result{}, err
			}
			r.logger.Info("agent avatar reference healed", "agent_id", agentID, "avatar_id", ref)
			return r.defaultResult(agentID, true), nil
		}
		if err != nil {
			return service.Result{}, err
		}
		if autoRestore {
			if err := r.restore(ctx, row); err != nil {
				r.logger.Warn("avatar restore failed", "avatar_id", row.ID, "error", err)
			}
		}
		return service.OK(row.ID, r.resourceInfo(row)), nil
	})
}

func (r *Registry) defaultResult(agentID string, healed bool) service.Result {
	a := DefaultFor(agentID)
	info := r.systemInfo(a)
	info["isDefault"] = true
	if healed {
		info["healed"] = true
	}
	return service.OK(a.ID, info)
}

package persistence

import (
	"context"
	"time"
)

// Avatar resource types.
const (
	AvatarSystem    = "system"
	AvatarUploaded  = "uploaded"
	AvatarGenerated = "generated"
)

// AvatarResource is an image (and optional video) usable as an agent avatar.
type AvatarResource struct {
	Base
	Name           string
	ResourceType   string
	ImagePath      string
	VideoPath      string
	ThumbnailPath  string
	ImageHash      *string
	CloudImageURL  string
	CloudVideoURL  string
	CloudSynced    bool
	Owner          string
	IsPublic       bool
	AvatarMetadata JSON
	UsageCount     int
}

func (r *AvatarResource) fields() []field {
	return append(r.baseFields(),
		field{"name", &r.Name}, field{"resource_type", &r.ResourceType},
		field{"image_path", &r.ImagePath}, field{"video_path", &r.VideoPath},
		field{"thumbnail_path", &r.ThumbnailPath}, field{"image_hash", &r.ImageHash},
		field{"cloud_image_url", &r.CloudImageURL}, field{"cloud_video_url", &r.CloudVideoURL},
		field{"cloud_synced", &r.CloudSynced}, field{"owner", &r.Owner},
		field{"is_public", &r.IsPublic}, field{"avatar_metadata", &r.AvatarMetadata},
		field{"usage_count", &r.UsageCount},
	)
}

func (r *AvatarResource) TableName() string { return TableAvatars }
func (r *AvatarResource) Columns() []string { return columnsOf(r.fields()) }
func (r *AvatarResource) Values() []any     { return pointersOf(r.fields()) }
func (r *AvatarResource) Pointers() []any   { return pointersOf(r.fields()) }

func (r *AvatarResource) Stamp(now time.Time) {
	r.Base.Stamp(now)
	if r.ResourceType == "" {
		r.ResourceType = AvatarUploaded
	}
}

func (r *AvatarResource) ToMap(bool) map[string]any {
	m := r.baseMap()
	m["name"] = r.Name
	m["resource_type"] = r.ResourceType
	m["image_path"] = r.ImagePath
	m["video_path"] = r.VideoPath
	m["thumbnail_path"] = r.ThumbnailPath
	m["image_hash"] = nullableString(r.ImageHash)
	m["cloud_image_url"] = r.CloudImageURL
	m["cloud_video_url"] = r.CloudVideoURL
	m["cloud_synced"] = r.CloudSynced
	m["owner"] = r.Owner
	m["is_public"] = r.IsPublic
	m["avatar_metadata"] = r.AvatarMetadata.Any()
	m["usage_count"] = r.UsageCount
	return m
}

// AvatarByHash returns the owner's resource with the given image hash, or nil.
func AvatarByHash(ctx context.Context, q Querier, owner, hash string) (*AvatarResource, error) {
	rows, err := List[AvatarResource](ctx, q,
		`WHERE "owner" = ? AND "image_hash" = ? LIMIT 1`, owner, hash)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// ClearAvatarReferences detaches every agent from the resource and returns
// how many agents were touched.
func ClearAvatarReferences(ctx context.Context, q Querier, resourceID string) (int64, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE agents SET "avatar_resource_id" = NULL, "updated_at" = ? WHERE "avatar_resource_id" = ?`,
		time.Now().UTC(), resourceID)
	if err != nil {
		return 0, mapErr("clear avatar references", err)
	}
	return res.RowsAffected()
}

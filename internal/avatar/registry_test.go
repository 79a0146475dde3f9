package avatar_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/basket/agentcore/internal/avatar"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/shared"
)

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newRegistry(t *testing.T, opts avatar.Options) (*avatar.Registry, *persistence.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "agentcore.db"), persistence.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := persistence.CreateTables(context.Background(), store.DB()); err != nil {
		t.Fatalf("create tables: %v", err)
	}
	if opts.SystemDir == "" {
		opts.SystemDir = filepath.Join(dir, "system")
	}
	if opts.DataDir == "" {
		opts.DataDir = filepath.Join(dir, "data")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "http://127.0.0.1:4668"
	}
	return avatar.New(store, opts), store
}

func newAgent(t *testing.T, store *persistence.Store, avatarID *string) string {
	t.Helper()
	a := &persistence.Agent{Name: "helper", Owner: "alice", AvatarResourceID: avatarID}
	if err := persistence.Insert(context.Background(), store.DB(), a); err != nil {
		t.Fatalf("insert agent: %v", err)
	}
	return a.ID
}

func info(t *testing.T, data any) map[string]any {
	t.Helper()
	m, ok := data.(map[string]any)
	if !ok {
		t.Fatalf("data is %T, want map", data)
	}
	return m
}

// memCloud is an in-memory object endpoint for HTTPCloud.
type memCloud struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemCloud(t *testing.T) (*memCloud, *httptest.Server) {
	t.Helper()
	mc := &memCloud{objects: map[string][]byte{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mc.mu.Lock()
		defer mc.mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			mc.objects[r.URL.Path] = body
		case http.MethodGet:
			body, ok := mc.objects[r.URL.Path]
			if !ok {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write(body)
		case http.MethodDelete:
			delete(mc.objects, r.URL.Path)
		}
	}))
	t.Cleanup(srv.Close)
	return mc, srv
}

func TestRegistry_UploadDedupesPerOwner(t *testing.T) {
	reg, store := newRegistry(t, avatar.Options{})
	ctx := context.Background()
	data := pngBytes(t, 64, 64, color.RGBA{R: 200, A: 255})

	first := reg.Upload(ctx, "alice", "me.png", data)
	if !first.Success {
		t.Fatalf("upload: %s", first.Error)
	}
	again := reg.Upload(ctx, "alice", "copy.png", data)
	if !again.Success || again.ID != first.ID {
		t.Fatalf("second upload = %+v, want existing %s", again, first.ID)
	}
	if info(t, again.Data)["existing"] != true {
		t.Fatal("second upload not marked existing")
	}
	other := reg.Upload(ctx, "bob", "me.png", data)
	if !other.Success || other.ID == first.ID {
		t.Fatalf("other owner upload = %+v", other)
	}

	n, err := persistence.Count(ctx, store.DB(), persistence.TableAvatars, "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("avatar rows = %d, want 2", n)
	}
}

func TestRegistry_UploadWritesOriginalAndThumbnail(t *testing.T) {
	reg, store := newRegistry(t, avatar.Options{})
	ctx := context.Background()

	res := reg.Upload(ctx, "alice", "wide.png", pngBytes(t, 600, 300, color.White))
	if !res.Success {
		t.Fatalf("upload: %s", res.Error)
	}
	row, err := persistence.GetByID[persistence.AvatarResource](ctx, store.DB(), res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(row.ImagePath) != *row.ImageHash+"_original.png" {
		t.Fatalf("image path = %s", row.ImagePath)
	}
	if filepath.Base(filepath.Dir(row.ImagePath)) != "uploaded" {
		t.Fatalf("image not in uploaded dir: %s", row.ImagePath)
	}

	f, err := os.Open(row.ThumbnailPath)
	if err != nil {
		t.Fatalf("open thumbnail: %v", err)
	}
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != 256 || cfg.Height != 128 {
		t.Fatalf("thumbnail = %dx%d, want 256x128", cfg.Width, cfg.Height)
	}
}

func TestRegistry_UploadValidates(t *testing.T) {
	reg, _ := newRegistry(t, avatar.Options{MaxImageMB: 1})
	ctx := context.Background()

	cases := map[string]struct {
		name string
		data []byte
	}{
		"format": {"me.bmp", pngBytes(t, 8, 8, color.Black)},
		"size":   {"big.png", make([]byte, 1<<20+1)},
		"bytes":  {"fake.png", []byte("not an image")},
	}
	for name, tc := range cases {
		res := reg.Upload(ctx, "alice", tc.name, tc.data)
		if res.Success || res.Kind != shared.KindValidation {
			t.Errorf("%s: result = %+v, want validation failure", name, res)
		}
	}
}

func TestRegistry_UploadVideo(t *testing.T) {
	reg, _ := newRegistry(t, avatar.Options{})
	ctx := context.Background()
	up := reg.Upload(ctx, "alice", "me.png", pngBytes(t, 32, 32, color.Black))
	if !up.Success {
		t.Fatal(up.Error)
	}

	if res := reg.UploadVideo(ctx, "alice", up.ID, "clip.avi", []byte("x")); res.Kind != shared.KindValidation {
		t.Fatalf("avi accepted: %+v", res)
	}
	if res := reg.UploadVideo(ctx, "bob", up.ID, "clip.mp4", []byte("x")); res.Kind != shared.KindNotFound {
		t.Fatalf("other owner's resource accepted: %+v", res)
	}
	res := reg.UploadVideo(ctx, "alice", up.ID, "clip.webm", []byte("video-bytes"))
	if !res.Success {
		t.Fatal(res.Error)
	}
	path := info(t, res.Data)["video_path"].(string)
	if filepath.Base(filepath.Dir(path)) != "generated" || filepath.Ext(path) != ".mp4" {
		t.Fatalf("video path = %s", path)
	}
	if got, _ := os.ReadFile(path); string(got) != "video-bytes" {
		t.Fatalf("video content = %q", got)
	}
}

func TestDefaultFor_IsStable(t *testing.T) {
	a := avatar.DefaultFor("agent-42")
	for i := 0; i < 5; i++ {
		if avatar.DefaultFor("agent-42").ID != a.ID {
			t.Fatal("default changed between calls")
		}
	}
	if !avatar.IsSystemID(a.ID) {
		t.Fatalf("default %s is not a system avatar", a.ID)
	}
	seen := map[string]bool{}
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"} {
		seen[avatar.DefaultFor(id).ID] = true
	}
	if len(seen) < 2 {
		t.Fatalf("defaults not spread: %v", seen)
	}
}

func TestRegistry_AgentWithoutAvatarGetsDefault(t *testing.T) {
	reg, store := newRegistry(t, avatar.Options{})
	id := newAgent(t, store, nil)

	res := reg.AgentAvatar(context.Background(), id, false)
	if !res.Success {
		t.Fatal(res.Error)
	}
	if res.ID != avatar.DefaultFor(id).ID || info(t, res.Data)["isDefault"] != true {
		t.Fatalf("result = %+v", res)
	}
}

func TestRegistry_AgentAvatarHealsMissingResource(t *testing.T) {
	reg, store := newRegistry(t, avatar.Options{})
	ctx := context.Background()
	id := newAgent(t, store, persistence.OptString("gone"))

	res := reg.AgentAvatar(ctx, id, false)
	if !res.Success || info(t, res.Data)["healed"] != true {
		t.Fatalf("result = %+v", res)
	}
	a, err := persistence.GetByID[persistence.Agent](ctx, store.DB(), id)
	if err != nil {
		t.Fatal(err)
	}
	if a.AvatarResourceID != nil {
		t.Fatalf("avatar_resource_id = %q, want cleared", *a.AvatarResourceID)
	}
}

func TestRegistry_DeleteClearsAgentReferences(t *testing.T) {
	reg, store := newRegistry(t, avatar.Options{})
	ctx := context.Background()
	up := reg.Upload(ctx, "alice", "me.png", pngBytes(t, 32, 32, color.Black))
	if !up.Success {
		t.Fatal(up.Error)
	}
	agentID := newAgent(t, store, nil)
	if res := reg.SetAgentAvatar(ctx, agentID, up.ID); !res.Success {
		t.Fatal(res.Error)
	}
	imagePath := info(t, up.Data)["image_path"].(string)

	res := reg.Delete(ctx, up.ID)
	if !res.Success {
		t.Fatal(res.Error)
	}
	if info(t, res.Data)["cleared_agents"] != int64(1) {
		t.Fatalf("cleared = %v", info(t, res.Data)["cleared_agents"])
	}
	a, _ := persistence.GetByID[persistence.Agent](ctx, store.DB(), agentID)
	if a.AvatarResourceID != nil {
		t.Fatal("agent still references deleted avatar")
	}
	if _, err := os.Stat(imagePath); !os.IsNotExist(err) {
		t.Fatalf("image file survived delete: %v", err)
	}

	if res := reg.Delete(ctx, "A003"); res.Kind != shared.KindValidation {
		t.Fatalf("system delete = %+v", res)
	}
}

func TestRegistry_SetAgentAvatarAcceptsSystemIDs(t *testing.T) {
	reg, store := newRegistry(t, avatar.Options{})
	ctx := context.Background()
	agentID := newAgent(t, store, nil)

	if res := reg.SetAgentAvatar(ctx, agentID, "A005"); !res.Success {
		t.Fatal(res.Error)
	}
	res := reg.AgentAvatar(ctx, agentID, false)
	if res.ID != "A005" {
		t.Fatalf("avatar = %s, want A005", res.ID)
	}
	if res := reg.SetAgentAvatar(ctx, agentID, "missing"); res.Kind != shared.KindNotFound {
		t.Fatalf("unknown resource accepted: %+v", res)
	}
}

func TestRegistry_ListPutsSystemFirst(t *testing.T) {
	reg, _ := newRegistry(t, avatar.Options{})
	ctx := context.Background()
	up := reg.Upload(ctx, "alice", "me.png", pngBytes(t, 16, 16, color.Black))
	if !up.Success {
		t.Fatal(up.Error)
	}
	_ = reg.Upload(ctx, "bob", "other.png", pngBytes(t, 16, 16, color.White))

	res := reg.List(ctx, "alice")
	items := res.Data.([]map[string]any)
	if len(items) != len(avatar.SystemAvatars)+1 {
		t.Fatalf("items = %d", len(items))
	}
	if items[0]["id"] != "A001" || items[len(items)-1]["id"] != up.ID {
		t.Fatalf("order = %v ... %v", items[0]["id"], items[len(items)-1]["id"])
	}
}

func TestRegistry_GetRestoresFromCloud(t *testing.T) {
	mc, srv := newMemCloud(t)
	reg, _ := newRegistry(t, avatar.Options{Cloud: avatar.NewHTTPCloud(srv.URL, "tok", srv.Client())})
	ctx := context.Background()

	up := reg.Upload(ctx, "alice", "me.png", pngBytes(t, 32, 32, color.Black))
	if !up.Success {
		t.Fatal(up.Error)
	}
	synced := reg.Sync(ctx, up.ID)
	if !synced.Success || info(t, synced.Data)["cloud_synced"] != true {
		t.Fatalf("sync = %+v", synced)
	}
	if len(mc.objects) != 1 {
		t.Fatalf("cloud objects = %d", len(mc.objects))
	}

	path := info(t, up.Data)["image_path"].(string)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	plain := reg.Get(ctx, up.ID, false)
	if info(t, plain.Data)["fileMissing"] != true {
		t.Fatal("missing file not flagged")
	}
	restored := reg.Get(ctx, up.ID, true)
	if info(t, restored.Data)["imageExists"] != true {
		t.Fatalf("restore failed: %+v", restored.Data)
	}
}

func TestRegistry_GetFlagsMissingFileWithoutCloud(t *testing.T) {
	reg, _ := newRegistry(t, avatar.Options{})
	ctx := context.Background()
	up := reg.Upload(ctx, "alice", "me.png", pngBytes(t, 32, 32, color.Black))
	_ = os.Remove(info(t, up.Data)["image_path"].(string))

	res := reg.Get(ctx, up.ID, true)
	if !res.Success || info(t, res.Data)["fileMissing"] != true {
		t.Fatalf("result = %+v", res)
	}
	if res := reg.Sync(ctx, up.ID); res.Kind != shared.KindValidation {
		t.Fatalf("sync without cloud = %+v", res)
	}
}

func TestRegistry_URLAndServable(t *testing.T) {
	dir := t.TempDir()
	reg, _ := newRegistry(t, avatar.Options{
		SystemDir: filepath.Join(dir, "system"),
		DataDir:   filepath.Join(dir, "data"),
		BaseURL:   "http://host:1/",
	})
	p := filepath.Join(dir, "data", "alice", "uploaded", "x y.png")

	if got := reg.URL(p); got != "http://host:1/api/avatar?path="+url.QueryEscape(p) {
		t.Fatalf("url = %s", got)
	}
	if _, ok := reg.Servable(p); !ok {
		t.Fatal("data file not servable")
	}
	if _, ok := reg.Servable(filepath.Join(dir, "data", "..", "secret")); ok {
		t.Fatal("path outside roots is servable")
	}
}

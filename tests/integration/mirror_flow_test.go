package integration

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/olahd/olahd/internal/chunkcache"
	"github.com/olahd/olahd/internal/config"
	"github.com/olahd/olahd/internal/metacache"
	"github.com/olahd/olahd/internal/mirror"
	"github.com/olahd/olahd/internal/offline"
	"github.com/olahd/olahd/internal/policy"
	"github.com/olahd/olahd/internal/proxy"
	"github.com/olahd/olahd/internal/server"
	"github.com/olahd/olahd/internal/upstream"
)

// hubStub 模拟上游主站：revision 解析与带 Range 的 resolve 下载。
type hubStub struct {
	commit    string
	content   []byte
	etag      string
	rangeHits int32
	srv       *httptest.Server
}

func newHubStub(t *testing.T) *hubStub {
	t.Helper()
	content := []byte(strings.Repeat("olah mirror block cache ", 64))
	sum := sha256.Sum256(content)
	s := &hubStub{
		commit:  strings.Repeat("fe", 20),
		content: content,
		etag:    `"` + hex.EncodeToString(sum[:]) + `"`,
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *hubStub) host() string {
	u, _ := url.Parse(s.srv.URL)
	return u.Host
}

func (s *hubStub) serve(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/models/acme/tiny-model/revision/main":
		fmt.Fprintf(w, `{"sha":%q}`, s.commit)
	case "/acme/tiny-model/resolve/" + s.commit + "/weights.bin":
		w.Header().Set("ETag", s.etag)
		w.Header().Set("X-Repo-Commit", s.commit)
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(s.content)))
			w.WriteHeader(http.StatusOK)
			return
		}
		atomic.AddInt32(&s.rangeHits, 1)
		var off, end int64
		if _, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &off, &end); err != nil {
			w.Header().Set("Content-Length", strconv.Itoa(len(s.content)))
			w.Write(s.content)
			return
		}
		if end >= int64(len(s.content)) {
			end = int64(len(s.content)) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", off, end, len(s.content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(s.content[off : end+1])
	default:
		http.NotFound(w, r)
	}
}

type stack struct {
	app    *fiber.App
	cfg    *config.Config
	chunks *chunkcache.Cache
	log    *logrus.Logger
}

// buildStack 从 TOML 文本走完整启动链路：配置 → 策略 → 缓存 → 客户端 → Handler。
func buildStack(t *testing.T, cfgText string) *stack {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(cfgText), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("准备目录失败: %v", err)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	proxyRules, cacheRules := cfg.PolicyRules()
	engine, err := policy.NewEngine(proxyRules, cacheRules)
	if err != nil {
		t.Fatalf("编译规则失败: %v", err)
	}
	guard := offline.NewGuard(cfg.Global.Offline)

	chunks, err := chunkcache.New(cfg.Global.ReposPath, chunkcache.Options{BlockSize: cfg.Global.BlockSize})
	if err != nil {
		t.Fatalf("块缓存失败: %v", err)
	}
	metas, err := metacache.New(cfg.Global.ReposPath, guard)
	if err != nil {
		t.Fatalf("元数据缓存失败: %v", err)
	}
	client := upstream.New(guard, log, upstream.Options{
		Timeout:      cfg.Global.UpstreamTimeout.DurationValue(),
		MaxAttempts:  cfg.Global.MaxRetries,
		RetryBackoff: time.Millisecond,
	})
	mirrors, err := mirror.New(cfg.Global.MirrorsPath)
	if err != nil {
		t.Fatalf("镜像目录失败: %v", err)
	}

	handler, err := proxy.New(proxy.Options{
		Logger:  log,
		Policy:  engine,
		Chunks:  chunks,
		Metas:   metas,
		Client:  client,
		Mirrors: mirrors,
		Endpoints: proxy.Endpoints{
			Scheme:    cfg.Global.HFScheme,
			Netloc:    cfg.Global.HFNetloc,
			LFSNetloc: cfg.Global.HFLFSNetloc,
		},
		MetaTTL:    cfg.Global.MetaTTL.DurationValue(),
		ResolveTTL: cfg.Global.ResolveTTL.DurationValue(),
	})
	if err != nil {
		t.Fatalf("构建 Handler 失败: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{Logger: log, Handler: handler})
	if err != nil {
		t.Fatalf("构建 App 失败: %v", err)
	}
	return &stack{app: app, cfg: cfg, chunks: chunks, log: log}
}

func (s *stack) get(t *testing.T, target string) *http.Response {
	t.Helper()
	resp, err := s.app.Test(httptest.NewRequest("GET", target, nil), fiber.TestConfig{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("GET %s: %v", target, err)
	}
	return resp
}

func baseConfig(hub *hubStub, reposPath string) string {
	return fmt.Sprintf(`
ReposPath = %q
HFScheme = "http"
HFNetloc = %q
HFLFSNetloc = %q
BlockSize = 1024
`, reposPath, hub.host(), hub.host())
}

func TestMirrorFlowDownloadAndReplay(t *testing.T) {
	hub := newHubStub(t)
	repos := t.TempDir()
	st := buildStack(t, baseConfig(hub, repos))

	resp := st.get(t, "/acme/tiny-model/resolve/main/weights.bin")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("首次下载 status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != string(hub.content) {
		t.Fatalf("下载内容不一致（len=%d）", len(body))
	}

	var binFiles []string
	filepath.WalkDir(repos, func(p string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(p, ".bin") {
			binFiles = append(binFiles, p)
		}
		return nil
	})
	if len(binFiles) != 1 {
		t.Fatalf("缓存目录应有且仅有一个块文件，发现 %d", len(binFiles))
	}

	fetched := atomic.LoadInt32(&hub.rangeHits)
	resp = st.get(t, "/acme/tiny-model/resolve/main/weights.bin")
	body, _ = io.ReadAll(resp.Body)
	if string(body) != string(hub.content) {
		t.Fatalf("回放内容不一致")
	}
	if after := atomic.LoadInt32(&hub.rangeHits); after != fetched {
		t.Fatalf("缓存完整后不应再回源: %d -> %d", fetched, after)
	}
}

func TestMirrorFlowOfflineRestart(t *testing.T) {
	hub := newHubStub(t)
	repos := t.TempDir()

	st := buildStack(t, baseConfig(hub, repos))
	resp := st.get(t, "/acme/tiny-model/resolve/main/weights.bin")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("预热失败: %d", resp.StatusCode)
	}
	io.Copy(io.Discard, resp.Body)

	restarted := buildStack(t, baseConfig(hub, repos)+"Offline = true\n")
	resp = restarted.get(t, "/acme/tiny-model/resolve/main/weights.bin")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("离线重启后回放失败: %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != string(hub.content) {
		t.Fatalf("离线回放内容不一致")
	}
}

func TestMirrorFlowPolicyDeny(t *testing.T) {
	hub := newHubStub(t)
	st := buildStack(t, baseConfig(hub, t.TempDir())+`
[[ProxyRule]]
Repo = "acme/*"
Allow = false
`)

	resp := st.get(t, "/acme/tiny-model/resolve/main/weights.bin")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestMirrorFlowEvictionSweep(t *testing.T) {
	hub := newHubStub(t)
	repos := t.TempDir()
	st := buildStack(t, baseConfig(hub, repos))

	resp := st.get(t, "/acme/tiny-model/resolve/main/weights.bin")
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("预热失败: %d", resp.StatusCode)
	}

	evictor := chunkcache.NewEvictor(st.chunks, 1, chunkcache.EvictLRU, time.Hour, st.log)
	freed, err := evictor.Sweep()
	if err != nil {
		t.Fatalf("淘汰扫描失败: %v", err)
	}
	if freed == 0 {
		t.Fatalf("超限时应当释放空间")
	}

	var remaining int
	filepath.WalkDir(repos, func(p string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(p, ".bin") {
			remaining++
		}
		return nil
	})
	if remaining != 0 {
		t.Fatalf("淘汰后仍残留 %d 个块文件", remaining)
	}
}

func TestMirrorFlowLocalMirrorHit(t *testing.T) {
	hub := newHubStub(t)
	mirrors := t.TempDir()
	repoDir := filepath.Join(mirrors, "models", "acme", "tiny-model")
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		t.Fatalf("创建镜像目录失败: %v", err)
	}
	if err := os.WriteFile(filepath.Join(repoDir, "README.md"), []byte("# local"), 0o644); err != nil {
		t.Fatalf("写入镜像文件失败: %v", err)
	}

	st := buildStack(t, baseConfig(hub, t.TempDir())+fmt.Sprintf("MirrorsPath = %q\n", mirrors))

	resp := st.get(t, "/acme/tiny-model/resolve/main/README.md")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "# local" {
		t.Fatalf("本地镜像内容不一致: %q", body)
	}
	if hits := atomic.LoadInt32(&hub.rangeHits); hits != 0 {
		t.Fatalf("镜像命中不应回源取块")
	}
}

package mirror

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Store 提供 mirrors-path 下预置仓库的只读访问。目录布局与缓存一致：
// <root>/<type>s/<org>/<name>/<repo 内路径>。命中时直接读本地文件，
// 不询问缓存也不回源。
type Store struct {
	root string
}

// New 构建镜像目录；root 为空表示未启用，返回 nil。
func New(root string) (*Store, error) {
	if root == "" {
		return nil, nil
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve mirrors path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("mirrors path: %w", err)
	}
	if !info.IsDir() {
		return nil, errors.New("mirrors path is not a directory")
	}
	return &Store{root: abs}, nil
}

// Lookup 返回镜像内文件的绝对路径；不存在或越界时 ok 为 false。
func (s *Store) Lookup(repoType, org, name, filePath string) (string, bool) {
	if s == nil {
		return "", false
	}
	rel := path.Clean("/" + filePath)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" || rel == "." {
		return "", false
	}

	repoRoot := filepath.Join(s.root, repoType+"s", org, name)
	full := filepath.Join(repoRoot, filepath.FromSlash(rel))
	if !strings.HasPrefix(full, repoRoot+string(filepath.Separator)) {
		return "", false
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return "", false
	}
	return full, true
}

// HasRepo 判断镜像目录里是否预置了该仓库。
func (s *Store) HasRepo(repoType, org, name string) bool {
	if s == nil {
		return false
	}
	info, err := os.Stat(filepath.Join(s.root, repoType+"s", org, name))
	return err == nil && info.IsDir()
}

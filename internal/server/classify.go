package server

import (
	"strings"
)

// RouteKind 标识一次请求命中的 URL 形态。
type RouteKind int

const (
	// RouteUnknown 表示不在镜像 URL 空间内。
	RouteUnknown RouteKind = iota
	// RouteIndex 是首页横幅。
	RouteIndex
	// RouteHealth 是健康检查端点。
	RouteHealth
	// RouteRepoMeta 是 /api 下的仓库信息（可带 revision）。
	RouteRepoMeta
	// RouteTree 是 /api 下的文件树列表。
	RouteTree
	// RouteFileResolve 是 resolve 下载路径，LFS 指针在此解引用。
	RouteFileResolve
	// RouteFileRaw 是 raw 原文路径。
	RouteFileRaw
	// RouteCDN 是 /repos/{d1}/{d2}/{hashrepo}/{hashfile} 形态的 CDN 回源。
	RouteCDN
	// RouteLFS 是 /{org}/{name}/{hashfile} 形态的旧式 LFS 回源。
	RouteLFS
)

// Route 是分类后的请求描述。
type Route struct {
	Kind     RouteKind
	RepoType string
	Org      string
	Name     string
	// Revision 是用户请求的引用，未指定时为 "main"。
	Revision string
	// Path 是仓库内文件路径（resolve/raw/tree）。
	Path string
	// HashRepo / HashFile 仅 CDN 与 LFS 形态使用。
	HashRepo string
	HashFile string
}

var repoTypeSegments = map[string]string{
	"models":   "model",
	"datasets": "dataset",
	"spaces":   "space",
}

// Classify 把请求路径映射到镜像的 URL 空间。无法识别时返回 RouteUnknown。
// 路径约定与上游一致：model 仓库的文件路径没有类型前缀段，
// dataset/space 以 /datasets、/spaces 开头。
func Classify(path string) Route {
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return Route{Kind: RouteIndex}
	}
	if path == "/healthz" {
		return Route{Kind: RouteHealth}
	}

	segments := splitPath(path)
	if len(segments) == 0 {
		return Route{Kind: RouteIndex}
	}

	if segments[0] == "api" {
		return classifyAPI(segments[1:])
	}
	if segments[0] == "repos" {
		return classifyCDN(segments[1:])
	}

	repoType := "model"
	if t, ok := repoTypeSegments[segments[0]]; ok && segments[0] != "models" {
		repoType = t
		segments = segments[1:]
	}
	if len(segments) < 3 {
		return Route{Kind: RouteUnknown}
	}

	org, name := segments[0], segments[1]
	switch segments[2] {
	case "resolve", "raw":
		if len(segments) < 5 {
			return Route{Kind: RouteUnknown}
		}
		kind := RouteFileResolve
		if segments[2] == "raw" {
			kind = RouteFileRaw
		}
		return Route{
			Kind:     kind,
			RepoType: repoType,
			Org:      org,
			Name:     name,
			Revision: segments[3],
			Path:     strings.Join(segments[4:], "/"),
		}
	}

	// 旧式 LFS：/{org}/{name}/{sha256}，仅 model 仓库使用该形态。
	if repoType == "model" && len(segments) == 3 && isHexHash(segments[2]) {
		return Route{
			Kind:     RouteLFS,
			RepoType: repoType,
			Org:      org,
			Name:     name,
			HashFile: segments[2],
		}
	}
	return Route{Kind: RouteUnknown}
}

func classifyAPI(segments []string) Route {
	if len(segments) < 3 {
		return Route{Kind: RouteUnknown}
	}
	repoType, ok := repoTypeSegments[segments[0]]
	if !ok {
		return Route{Kind: RouteUnknown}
	}
	org, name := segments[1], segments[2]
	rest := segments[3:]

	route := Route{
		Kind:     RouteRepoMeta,
		RepoType: repoType,
		Org:      org,
		Name:     name,
		Revision: "main",
	}
	switch {
	case len(rest) == 0:
		return route
	case rest[0] == "revision" && len(rest) == 2:
		route.Revision = rest[1]
		return route
	case rest[0] == "tree" && len(rest) >= 2:
		route.Kind = RouteTree
		route.Revision = rest[1]
		route.Path = strings.Join(rest[2:], "/")
		return route
	}
	return Route{Kind: RouteUnknown}
}

func classifyCDN(segments []string) Route {
	// repos/{d1}/{d2}/{hashrepo}/{hashfile}
	if len(segments) != 4 || len(segments[0]) != 2 || len(segments[1]) != 2 {
		return Route{Kind: RouteUnknown}
	}
	if !isHexHash(segments[3]) {
		return Route{Kind: RouteUnknown}
	}
	return Route{
		Kind:     RouteCDN,
		HashRepo: segments[2],
		HashFile: segments[3],
		// 原始尾段，回源时按原样拼回上游 /repos/ 路径。
		Path: strings.Join(segments, "/"),
	}
}

func splitPath(path string) []string {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

func isHexHash(s string) bool {
	if len(s) != 40 && len(s) != 64 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

package proxy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsatisfiableRange 表示请求范围无法满足：起点越过文件末尾，或范围数值非法。
var ErrUnsatisfiableRange = errors.New("proxy: range not satisfiable")

// byteRange 是解析并钳制后的半开区间 [Off, Off+Length)。
type byteRange struct {
	Off    int64
	Length int64
}

// parseRange 解析 "bytes=a-b"、"bytes=a-"、"bytes=-n" 三种单段形式，
// 并把区间钳制到 [0, totalSize)。多段范围不支持，按整文件处理。
// header 为空表示未请求范围，返回 ok=false。
func parseRange(header string, totalSize int64) (byteRange, bool, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return byteRange{}, false, nil
	}
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return byteRange{}, false, nil
	}

	start, end, found := strings.Cut(spec, "-")
	if !found {
		return byteRange{}, false, nil
	}
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)

	if start == "" {
		// 后缀形式 bytes=-n：取最后 n 字节。
		n, err := strconv.ParseInt(end, 10, 64)
		if err != nil || n <= 0 {
			return byteRange{}, false, fmt.Errorf("%w: bad suffix %q", ErrUnsatisfiableRange, header)
		}
		if n > totalSize {
			n = totalSize
		}
		return byteRange{Off: totalSize - n, Length: n}, true, nil
	}

	off, err := strconv.ParseInt(start, 10, 64)
	if err != nil || off < 0 {
		return byteRange{}, false, fmt.Errorf("%w: bad start %q", ErrUnsatisfiableRange, header)
	}
	if off >= totalSize && totalSize > 0 {
		return byteRange{}, false, fmt.Errorf("%w: start %d beyond size %d", ErrUnsatisfiableRange, off, totalSize)
	}

	last := totalSize - 1
	if end != "" {
		last, err = strconv.ParseInt(end, 10, 64)
		if err != nil || last < off {
			return byteRange{}, false, fmt.Errorf("%w: bad end %q", ErrUnsatisfiableRange, header)
		}
		if last > totalSize-1 {
			last = totalSize - 1
		}
	}
	return byteRange{Off: off, Length: last - off + 1}, true, nil
}

// contentRange 生成 206 响应的 Content-Range 值。
func (r byteRange) contentRange(totalSize int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Off, r.Off+r.Length-1, totalSize)
}

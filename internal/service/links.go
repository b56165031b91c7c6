package service

import (
	"net/url"
	"strings"
)

// Links 生成对外可见的下载链接。
type Links struct {
	BaseURL   string
	FileRoute string
}

// DownloadURL 返回形如 <base>/d/<composite_id>/<filename> 的链接。
func (l Links) DownloadURL(compositeID, filename string) string {
	route := l.FileRoute
	if route == "" {
		route = "/d/"
	}
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	if !strings.HasSuffix(route, "/") {
		route += "/"
	}
	u := strings.TrimRight(l.BaseURL, "/") + route + compositeID
	if filename != "" {
		u += "/" + url.PathEscape(filename)
	}
	return u
}

package main

import (
	"context"
	"os"
	"path/filepath"

	"tgstate-go/internal/service"
	"tgstate-go/pkg/log"
)

// seedFiles 扫描目录下的文件并通过标准上传流程导入。
// 已有同名记录的文件会被跳过，因此重复启动是幂等的。
func seedFiles(ctx context.Context, dir string, files service.FileService, uploads service.UploadService) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		log.Infof("[Seed] 目录 '%s' 不存在或不可用，跳过初始化导入", dir)
		return
	}

	existing, err := files.List(ctx)
	if err != nil {
		log.Warnf("[Seed] 查询已有文件失败，跳过初始化导入: %v", err)
		return
	}
	known := make(map[string]struct{}, len(existing))
	for _, f := range existing {
		known[f.Filename] = struct{}{}
	}

	walkErr := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if _, ok := known[name]; ok {
			log.Infof("[Seed] 已存在，跳过: %s", name)
			return nil
		}
		fi, err := d.Info()
		if err != nil || fi.Size() == 0 {
			log.Infof("[Seed] 空文件或无法读取，跳过: %s", path)
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			log.Warnf("[Seed] 打开文件失败: %s, err=%v", path, err)
			return nil
		}
		defer f.Close()

		record, err := uploads.Upload(ctx, service.UploadRequest{
			Filename: name,
			Size:     fi.Size(),
			Body:     f,
		})
		if err != nil {
			log.Warnf("[Seed] 导入失败: %s, err=%v", path, err)
			return nil
		}
		known[name] = struct{}{}
		log.Infof("[Seed] 导入完成: %s -> %s", name, record.CompositeID)
		return nil
	})
	if walkErr != nil {
		log.Warnf("[Seed] 遍历目录发生错误: %v", walkErr)
	}
}

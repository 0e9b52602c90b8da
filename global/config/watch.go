package config

import (
	"context"
	"time"

	"ShiftChat/logger"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// 一次保存常触发多个写事件，静默这么久之后才重新加载
const reloadDelay = 200 * time.Millisecond

// Watch 监听配置文件，写入停止 reloadDelay 后重新 Load 并回调 onChange，
// 直到 ctx 结束。解析失败时保留旧配置，不回调。
func Watch(ctx context.Context, path string, onChange func(*AppConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	log := logger.Named("config")
	log.Info("watching for changes", zap.String("path", path))

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// 编辑器原子保存会走 rename + create
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				timer.Reset(reloadDelay)
			}

		case <-timer.C:
			cfg, err := Load(path)
			if err != nil {
				log.Error("reload failed, keeping previous config", zap.String("path", path), zap.Error(err))
				continue
			}
			log.Info("reloaded", zap.String("path", path))
			onChange(cfg)
			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("watcher error", zap.Error(err))
		}
	}
}

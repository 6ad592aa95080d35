package config

import (
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher 监控配置文件变更并热加载
//
// 仅在指定了配置文件时可用。变更事件触发后重新执行完整的 Load
// （含默认值与环境变量），加载或校验失败时调用 onError 并保留旧配置。
type Watcher struct {
	path     string
	onChange func(*Config)
	onError  func(error)
	watcher  *fsnotify.Watcher
	stopped  atomic.Bool
	done     chan struct{}
}

// Watch 开始监控配置文件
func Watch(path string, onChange func(*Config), onError func(error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// 监控目录而非文件本身，编辑器的原子替换（rename+create）才能被捕获
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		onChange: onChange,
		onError:  onError,
		watcher:  fw,
		done:     make(chan struct{}),
	}

	go w.loop()
	return w, nil
}

// loop 事件循环
func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				if w.onError != nil {
					w.onError(err)
				}
				continue
			}
			if w.onChange != nil {
				w.onChange(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

// Close 停止监控
func (w *Watcher) Close() error {
	if w.stopped.Swap(true) {
		return nil
	}
	err := w.watcher.Close()
	<-w.done
	return err
}

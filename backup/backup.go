// Package backup snapshots the working directory into compressed archives
// whenever its contents change.
package backup

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"satchel/engine/actors"
	"satchel/engine/library"
)

// Watcher debounces filesystem events and writes a snapshot once the
// directory has been quiet for the debounce interval.
type Watcher struct {
	srcDir   string
	dstDir   string
	debounce time.Duration
}

func NewWatcher(srcDir, dstDir string, debounce time.Duration) *Watcher {
	return &Watcher{srcDir: srcDir, dstDir: dstDir, debounce: debounce}
}

// Run blocks until the process terminates. Every change to the watched tree
// arms the debounce timer; the snapshot is taken when it fires.
func (w *Watcher) Run() error {
	if err := os.MkdirAll(w.dstDir, 0755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(w.srcDir); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case event, open := <-watcher.Events:
			if !open {
				return nil
			}
			//snapshots landing in a nested dstDir must not retrigger
			if strings.HasPrefix(event.Name, w.dstDir) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, func() { fire <- struct{}{} })
			} else {
				timer.Reset(w.debounce)
			}
		case err, open := <-watcher.Errors:
			if !open {
				return nil
			}
			library.LogCLI(err.Error(), 2)
		case <-fire:
			timer = nil
			path, err := Snapshot(w.srcDir, w.dstDir)
			if err != nil {
				library.LogCLI(err.Error(), 2)
				continue
			}
			library.LogCLI("wrote backup "+path, 4)
		case <-actors.GetTerminateChan():
			return nil
		}
	}
}

// Snapshot writes a tar.gz of srcDir into dstDir and returns the archive
// path. A dstDir nested inside srcDir is excluded from its own archives.
func Snapshot(srcDir, dstDir string) (string, error) {
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("satchel-%s-%s.tar.gz", time.Now().UTC().Format("20060102-150405"), uuid.NewString()[:8])
	path := filepath.Join(dstDir, name)
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()

	zw := gzip.NewWriter(out)
	tw := tar.NewWriter(zw)

	err = filepath.Walk(srcDir, func(file string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(file, dstDir) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, file)
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = rel
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return "", err
	}
	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return path, nil
}

package serv

import (
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kardianos/osext"
)

// startConfigWatcher watches the config directory and restarts the
// process when the active config file changes. Development mode only.
func startConfigWatcher(s1 *HttpService) error {
	s := s1.Load().(*sqljinService)

	cpath, err := s.basePath()
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close() //nolint:errcheck

	if err := w.Add(cpath); err != nil {
		return err
	}

	cname := GetConfigName()

	var lastEvent time.Time

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			base := filepath.Base(event.Name)
			ext := filepath.Ext(base)
			if base != cname+ext || (ext != ".yml" && ext != ".yaml") {
				continue
			}

			// Editors fire bursts of events for one save.
			if time.Since(lastEvent) < time.Second {
				continue
			}
			lastEvent = time.Now()

			s.log.Infof("config file changed, restarting: %s", event.Name)
			reExec(s1)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warnf("config watcher: %s", err)
		}
	}
}

// reExec replaces the running process with a fresh copy of itself so
// the new config is read from scratch.
func reExec(s1 *HttpService) {
	s := s1.Load().(*sqljinService)

	self, err := osext.Executable()
	if err != nil {
		s.log.Fatalf("cannot restart: %s", err)
	}

	env := os.Environ()
	if err := syscall.Exec(self, os.Args, env); err != nil {
		s.log.Fatalf("cannot restart: %s", err)
	}
}

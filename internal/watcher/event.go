package watcher

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Kind tags the variant of a ChangeEvent.
type Kind int

const (
	// KindInit is the synthetic event that drives the first start.
	KindInit Kind = iota
	KindAdd
	KindChange
	KindUnlink
	KindAddDir
	KindUnlinkDir
	// KindPlugin is raised when a plugin requests a restart itself.
	KindPlugin
)

// String returns the string representation of the Kind
func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindAdd:
		return "add"
	case KindChange:
		return "change"
	case KindUnlink:
		return "unlink"
	case KindAddDir:
		return "addDir"
	case KindUnlinkDir:
		return "unlinkDir"
	case KindPlugin:
		return "plugin"
	default:
		return "unknown"
	}
}

// IsWatchKind reports whether k originates from the watch primitive.
func (k Kind) IsWatchKind() bool {
	return k >= KindAdd && k <= KindUnlinkDir
}

// ChangeEvent is the uniform shape handed to listeners, plugins and the
// orchestrator. File is empty only for KindInit.
type ChangeEvent struct {
	Kind Kind
	File string
	Stat os.FileInfo
	Time time.Time
}

// InitEvent returns the synthetic startup event.
func InitEvent() ChangeEvent {
	return ChangeEvent{Kind: KindInit, Time: time.Now()}
}

// PluginEvent returns the synthetic event for a plugin-requested restart.
func PluginEvent(file string) ChangeEvent {
	return ChangeEvent{Kind: KindPlugin, File: file, Time: time.Now()}
}

// Valid reports whether the tagged-union invariant holds.
func (e ChangeEvent) Valid() bool {
	switch {
	case e.Kind == KindInit:
		return e.File == ""
	case e.Kind == KindPlugin, e.Kind.IsWatchKind():
		return e.File != ""
	default:
		return false
	}
}

// IsWatchEvent reports whether the event came from the watch primitive.
func (e ChangeEvent) IsWatchEvent() bool {
	return e.Kind.IsWatchKind()
}

// String renders the event for logs.
func (e ChangeEvent) String() string {
	if e.Kind == KindInit {
		return "init"
	}
	return fmt.Sprintf("%s %s", e.Kind, e.File)
}

// Classify maps a raw fsnotify operation to a ChangeEvent. info is the stat
// result for path (nil when the path no longer exists) and wasDir reports
// whether path was a known watched directory. The boolean result is false
// for operations that carry no change: chmod, directory writes, and creates
// of paths that vanished before they could be stat'ed.
func Classify(op fsnotify.Op, path string, info os.FileInfo, wasDir bool) (ChangeEvent, bool) {
	ev := ChangeEvent{File: path, Stat: info, Time: time.Now()}

	switch {
	case op.Has(fsnotify.Create):
		if info == nil {
			return ChangeEvent{}, false
		}
		if info.IsDir() {
			ev.Kind = KindAddDir
		} else {
			ev.Kind = KindAdd
		}
	case op.Has(fsnotify.Write):
		if info == nil || info.IsDir() {
			return ChangeEvent{}, false
		}
		ev.Kind = KindChange
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		if wasDir {
			ev.Kind = KindUnlinkDir
		} else {
			ev.Kind = KindUnlink
		}
		ev.Stat = nil
	default:
		return ChangeEvent{}, false
	}

	return ev, true
}

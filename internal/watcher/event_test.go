package watcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	testCases := []struct {
		kind     Kind
		expected string
	}{
		{KindInit, "init"},
		{KindAdd, "add"},
		{KindChange, "change"},
		{KindUnlink, "unlink"},
		{KindAddDir, "addDir"},
		{KindUnlinkDir, "unlinkDir"},
		{KindPlugin, "plugin"},
		{Kind(99), "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.kind.String())
		})
	}
}

func TestSyntheticEvents(t *testing.T) {
	initEv := InitEvent()
	assert.Equal(t, KindInit, initEv.Kind)
	assert.Empty(t, initEv.File)
	assert.True(t, initEv.Valid())
	assert.False(t, initEv.IsWatchEvent())
	assert.Equal(t, "init", initEv.String())

	plugin := PluginEvent(".env")
	assert.Equal(t, KindPlugin, plugin.Kind)
	assert.Equal(t, ".env", plugin.File)
	assert.True(t, plugin.Valid())
	assert.False(t, plugin.IsWatchEvent())
	assert.Equal(t, "plugin .env", plugin.String())
}

func TestValidInvariant(t *testing.T) {
	assert.False(t, ChangeEvent{Kind: KindInit, File: "x"}.Valid())
	assert.False(t, ChangeEvent{Kind: KindChange}.Valid())
	assert.False(t, ChangeEvent{Kind: KindPlugin}.Valid())
	assert.False(t, ChangeEvent{Kind: Kind(42), File: "x"}.Valid())
	assert.True(t, ChangeEvent{Kind: KindUnlinkDir, File: "x"}.Valid())
}

func TestClassify(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(file, []byte("package main"), 0644))

	fileInfo, err := os.Stat(file)
	require.NoError(t, err)
	dirInfo, err := os.Stat(dir)
	require.NoError(t, err)

	testCases := []struct {
		name   string
		op     fsnotify.Op
		info   os.FileInfo
		wasDir bool
		kind   Kind
		ok     bool
	}{
		{"create file", fsnotify.Create, fileInfo, false, KindAdd, true},
		{"create dir", fsnotify.Create, dirInfo, false, KindAddDir, true},
		{"create vanished", fsnotify.Create, nil, false, 0, false},
		{"write file", fsnotify.Write, fileInfo, false, KindChange, true},
		{"write dir", fsnotify.Write, dirInfo, false, 0, false},
		{"remove file", fsnotify.Remove, nil, false, KindUnlink, true},
		{"remove dir", fsnotify.Remove, nil, true, KindUnlinkDir, true},
		{"rename file", fsnotify.Rename, nil, false, KindUnlink, true},
		{"chmod", fsnotify.Chmod, fileInfo, false, 0, false},
		{"create wins over write", fsnotify.Create | fsnotify.Write, fileInfo, false, KindAdd, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok := Classify(tc.op, "main.go", tc.info, tc.wasDir)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.kind, ev.Kind)
				assert.Equal(t, "main.go", ev.File)
				assert.True(t, ev.Valid())
				assert.True(t, ev.IsWatchEvent())
			}
		})
	}
}

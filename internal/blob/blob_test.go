package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanKey(t *testing.T) {
	cases := map[string]string{
		"thumbs/a.png":       "thumbs/a.png",
		"/abs/a.png":         "abs/a.png",
		"./a.png":            "a.png",
		"../../etc/passwd":   "etc/passwd",
		`dir\sub\file.json`:  "dir/sub/file.json",
		"a/../../b/./c.json": "b/c.json",
	}
	for in, want := range cases {
		assert.Equal(t, want, CleanKey(in), in)
	}
}

func TestLocalUpload(t *testing.T) {
	dir := t.TempDir()
	where, err := Local{BaseDir: dir}.Upload(context.Background(), "../x/y.txt", []byte("hi"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "x", "y.txt"), where)

	data, err := os.ReadFile(where)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	_, err = Local{BaseDir: dir}.Upload(context.Background(), "/", nil, "")
	assert.Error(t, err)
}

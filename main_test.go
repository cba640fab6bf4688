package main

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAddr(t *testing.T) {
	assert.NoError(t, validateAddr("127.0.0.1:8000"))
	assert.NoError(t, validateAddr("192.168.1.10:80"))
	assert.Error(t, validateAddr("8.8.8.8:80"))
	assert.Error(t, validateAddr("localhost:80"))
	assert.Error(t, validateAddr("127.0.0.1"))
}

func TestSavePid(t *testing.T) {
	name := filepath.Join(t.TempDir(), "minichat.pid")
	require.NoError(t, savePid(name, 12345))

	data, err := ioutil.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "12345", string(data))

	// the running test process owns the pid in the file.
	require.NoError(t, ioutil.WriteFile(name, []byte(strconv.Itoa(os.Getpid())), 0600))
	assert.Error(t, savePid(name, 12345))

	require.NoError(t, ioutil.WriteFile(name, []byte("not a pid"), 0600))
	assert.Error(t, savePid(name, 12345))
}

func TestProfiler(t *testing.T) {
	dir := t.TempDir()
	p := StartProfiler(dir)
	dumpGoroutines(dir)
	p.Stop()
	p.Stop()

	files, err := ioutil.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, files, len(profiles)+1)
}

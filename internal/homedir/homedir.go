package homedir

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

func Get() string {
	h := os.Getenv("HOME")
	if h != "" {
		return h
	}

	usr, err := user.Current()
	if err != nil {
		panic(err)
	}
	return usr.HomeDir
}

// Expand replaces a leading "~/" in path with the home directory.
func Expand(path string) string {
	if path == "~" {
		return Get()
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		return filepath.Join(Get(), rest)
	}
	return path
}
